// Package botconfig implements the live, DB-backed bot configuration
// record from spec.md §4.7: a single row that can be updated while the
// service is running, read by in-flight requests through an immutable
// snapshot so a reload never tears a request's view of config mid-turn.
package botconfig

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config is one immutable snapshot of the bot's live configuration,
// matching the record described in spec.md §3: identity (BotName),
// the prompt surface (SystemPrompt, UIPromptExtra), and the LLM
// parameters (ModelName, Temperature, MaxResponseTokens) hot-reload
// rebinds. Reloading config never mutates a Config value in place:
// Store.Current returns a copy of the current snapshot, and Store.Update
// swaps the atomic pointer to a new one.
type Config struct {
	BotName           string  `json:"bot_name"`
	SystemPrompt      string  `json:"system_prompt"`
	UIPromptExtra     string  `json:"ui_prompt_extra"`
	Active            bool    `json:"active"`
	RetrievalK        int     `json:"retrieval_k"`
	MaxContextChars   int     `json:"max_context_chars"`
	ModelName         string  `json:"model_name"`
	Temperature       float64 `json:"temperature"`
	MaxResponseTokens int     `json:"max_response_tokens"`
}

// Validate rejects out-of-range values per spec.md §7 ("Configuration
// invalid (temperature out of range, unknown model): rejected at
// update time; live config unchanged").
func (c Config) Validate() error {
	if c.Temperature < 0 || c.Temperature > 1 {
		return fmt.Errorf("temperature must be in [0,1], got %v", c.Temperature)
	}
	if c.ModelName == "" {
		return errors.New("model_name must not be empty")
	}
	if c.RetrievalK <= 0 {
		return errors.New("retrieval_k must be positive")
	}
	if c.MaxContextChars <= 0 {
		return errors.New("max_context_chars must be positive")
	}
	if c.MaxResponseTokens <= 0 {
		return errors.New("max_response_tokens must be positive")
	}
	return nil
}

// defaultConfig is used the first time the bot_config table is empty.
// modelName seeds the hot-reloadable ModelName field from the
// process's deployment-time default (spec.md §3: model_name lives on
// the config record, but a brand new record needs some starting
// value, and the operator's env-configured default is the only one
// available at first boot).
func defaultConfig(modelName string) Config {
	return Config{
		BotName:           "Assistant",
		SystemPrompt:      "You are a helpful assistant. Answer using the provided context when it is relevant.",
		UIPromptExtra:     "",
		Active:            true,
		RetrievalK:        5,
		MaxContextChars:   6000,
		ModelName:         modelName,
		Temperature:       0.2,
		MaxResponseTokens: 1024,
	}
}

// Store holds the current Config behind an atomic pointer so readers
// never block on writers and never observe a half-updated record.
type Store struct {
	pool *pgxpool.Pool
	cur  atomic.Pointer[Config]
}

// NewStore ensures the bot_config table exists, seeds it with
// defaultConfig(defaultModel) if empty, and loads the current row into
// memory. defaultModel is only used the first time the table is
// populated; once a row exists, every field including ModelName is
// controlled entirely by Update.
func NewStore(ctx context.Context, pool *pgxpool.Pool, defaultModel string) (*Store, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS bot_config (
	id BOOLEAN PRIMARY KEY DEFAULT true CHECK (id),
	bot_name TEXT NOT NULL DEFAULT 'Assistant',
	system_prompt TEXT NOT NULL,
	ui_prompt_extra TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL,
	retrieval_k INT NOT NULL,
	max_context_chars INT NOT NULL,
	model_name TEXT NOT NULL DEFAULT '',
	temperature DOUBLE PRECISION NOT NULL,
	max_response_tokens INT NOT NULL
);
`
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("ensure bot_config schema: %w", err)
	}

	s := &Store{pool: pool}
	cfg, err := s.loadRow(ctx)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		seed := defaultConfig(defaultModel)
		if err := s.insertRow(ctx, seed); err != nil {
			return nil, err
		}
		cfg = &seed
	}
	s.cur.Store(cfg)
	return s, nil
}

// Current returns the active configuration snapshot. The returned
// value is never mutated; callers holding it across a request see a
// consistent view even if Update runs concurrently.
func (s *Store) Current() Config {
	return *s.cur.Load()
}

// Update validates cfg, persists it, and swaps it in atomically. On a
// validation error the live config is left untouched (spec.md §7). The
// previous snapshot remains valid for any in-flight request still
// holding it.
func (s *Store) Update(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := s.insertRow(ctx, cfg); err != nil {
		return err
	}
	s.cur.Store(&cfg)
	return nil
}

// SetActive toggles the paused/active flag without touching any other
// field, the common case for the admin /toggle endpoint.
func (s *Store) SetActive(ctx context.Context, active bool) error {
	cfg := s.Current()
	cfg.Active = active
	return s.Update(ctx, cfg)
}

func (s *Store) loadRow(ctx context.Context) (*Config, error) {
	var cfg Config
	err := s.pool.QueryRow(ctx, `
SELECT bot_name, system_prompt, ui_prompt_extra, active, retrieval_k, max_context_chars,
	model_name, temperature, max_response_tokens
FROM bot_config WHERE id = true`).Scan(
		&cfg.BotName, &cfg.SystemPrompt, &cfg.UIPromptExtra, &cfg.Active, &cfg.RetrievalK, &cfg.MaxContextChars,
		&cfg.ModelName, &cfg.Temperature, &cfg.MaxResponseTokens,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load bot config: %w", err)
	}
	return &cfg, nil
}

func (s *Store) insertRow(ctx context.Context, cfg Config) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO bot_config
	(id, bot_name, system_prompt, ui_prompt_extra, active, retrieval_k, max_context_chars,
	 model_name, temperature, max_response_tokens)
VALUES (true, $1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET
	bot_name = EXCLUDED.bot_name,
	system_prompt = EXCLUDED.system_prompt,
	ui_prompt_extra = EXCLUDED.ui_prompt_extra,
	active = EXCLUDED.active,
	retrieval_k = EXCLUDED.retrieval_k,
	max_context_chars = EXCLUDED.max_context_chars,
	model_name = EXCLUDED.model_name,
	temperature = EXCLUDED.temperature,
	max_response_tokens = EXCLUDED.max_response_tokens`,
		cfg.BotName, cfg.SystemPrompt, cfg.UIPromptExtra, cfg.Active, cfg.RetrievalK, cfg.MaxContextChars,
		cfg.ModelName, cfg.Temperature, cfg.MaxResponseTokens,
	)
	if err != nil {
		return fmt.Errorf("persist bot config: %w", err)
	}
	return nil
}
