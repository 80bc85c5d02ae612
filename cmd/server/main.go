package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabfab/ragcore/internal/botconfig"
	"github.com/fabfab/ragcore/internal/cache"
	"github.com/fabfab/ragcore/internal/chunk"
	"github.com/fabfab/ragcore/internal/config"
	"github.com/fabfab/ragcore/internal/embed"
	"github.com/fabfab/ragcore/internal/httpapi"
	"github.com/fabfab/ragcore/internal/ingest"
	"github.com/fabfab/ragcore/internal/llm"
	"github.com/fabfab/ragcore/internal/memory"
	"github.com/fabfab/ragcore/internal/messagelog"
	"github.com/fabfab/ragcore/internal/orchestrator"
	"github.com/fabfab/ragcore/internal/retrieve"
	"github.com/fabfab/ragcore/internal/vectorstore"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("ragcore dev build")
		return
	}

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	vectorStore, err := vectorstore.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections, cfg.Embed.Dimension)
	if err != nil {
		log.Fatalf("failed to connect vector store: %v", err)
	}
	defer vectorStore.Close()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("failed to connect database pool: %v", err)
	}
	defer pool.Close()

	messages, err := messagelog.NewPostgresStore(ctx, pool)
	if err != nil {
		log.Fatalf("failed to set up message log: %v", err)
	}

	botConfigStore, err := botconfig.NewStore(ctx, pool, cfg.Ollama.Model)
	if err != nil {
		log.Fatalf("failed to set up bot config: %v", err)
	}

	var kvCache cache.Cache
	if cfg.Redis.Addr != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.Addr)
		if err != nil {
			log.Fatalf("failed to connect redis cache: %v", err)
		}
		kvCache = redisCache
	} else {
		kvCache = cache.NewLocalCache()
	}

	var backend embed.Backend
	switch cfg.Embed.Provider {
	case "openai":
		backend = embed.NewOpenAIBackend(cfg.Embed.APIKey, cfg.Embed.Model, cfg.Embed.Dimension)
	default:
		backend = embed.NewOllamaBackend(cfg.Ollama.Host, cfg.Embed.Model, cfg.Embed.Dimension, 90*time.Second)
	}
	embedder := embed.NewService(backend, kvCache, cfg.Embed.BatchSize, cfg.Embed.Fanout, cfg.Embed.CacheTTL)

	llmClient := llm.NewOllamaClient(cfg.Ollama.Host)

	retrieveOpts := retrieve.Options{
		MinQueryWords:       cfg.Retrieval.MinQueryWords,
		SmallCorpusBypass:   cfg.Retrieval.SmallCorpusBypass,
		CentroidThreshold:   float32(cfg.Retrieval.CentroidThreshold),
		SimilarityThreshold: float32(cfg.Retrieval.SimilarityThreshold),
		FetchMultiplier:     cfg.Retrieval.FetchMultiplier,
		MMRLambda:           float32(cfg.Retrieval.MMRLambda),
		CacheTTLSeconds:     cfg.Retrieval.CacheTTL,
	}
	retriever := retrieve.New(vectorStore, embedder, kvCache, retrieveOpts)

	chunkOpts := chunk.Options{
		ChunkSize:      cfg.Chunk.Size,
		ChunkOverlap:   cfg.Chunk.Overlap,
		MinChunkLength: cfg.Chunk.MinChunkLength,
	}
	ingestor := ingest.New(vectorStore, embedder, kvCache, retriever, chunkOpts)

	mem := memory.New(messages, memory.DefaultOptions())

	orch := orchestrator.New(messages, mem, retriever, llmClient, botConfigStore, kvCache, embedder, orchestrator.Options{
		FirstChunkTimeout:       cfg.Chat.FirstChunkTimeout,
		ResponseCacheTTLSeconds: cfg.Chat.ResponseCacheTTL,
		GroundingThreshold:      float32(cfg.Chat.GroundingThreshold),
	})

	api := httpapi.New(orch, messages, ingestor, retriever, botConfigStore)

	httpServer := &http.Server{
		Addr:    cfg.Address,
		Handler: api,
	}

	log.Printf("starting server on %s (data dir: %s, model: %s)", cfg.Address, cfg.DataDir, cfg.Ollama.Model)

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
}

func waitForShutdown(srv *http.Server) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		if err := srv.Close(); err != nil {
			log.Printf("forced close failed: %v", err)
		}
	}

	log.Println("server stopped")
}
