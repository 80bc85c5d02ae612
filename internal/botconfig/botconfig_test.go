package botconfig

import "testing"

func TestDefaultConfigIsActiveWithSaneDefaults(t *testing.T) {
	cfg := defaultConfig("llama3.1:8b")
	if !cfg.Active {
		t.Error("expected the default config to start active")
	}
	if cfg.RetrievalK <= 0 {
		t.Errorf("expected a positive default RetrievalK, got %d", cfg.RetrievalK)
	}
	if cfg.MaxContextChars <= 0 {
		t.Errorf("expected a positive default MaxContextChars, got %d", cfg.MaxContextChars)
	}
	if cfg.SystemPrompt == "" {
		t.Error("expected a non-empty default system prompt")
	}
	if cfg.ModelName != "llama3.1:8b" {
		t.Errorf("expected ModelName to be seeded from the deployment default, got %q", cfg.ModelName)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected default config to validate, got %v", err)
	}
}

func TestValidateRejectsOutOfRangeTemperature(t *testing.T) {
	cfg := defaultConfig("llama3.1:8b")
	cfg.Temperature = 1.5
	if err := cfg.Validate(); err == nil {
		t.Error("expected an out-of-range temperature to fail validation")
	}
}

func TestValidateRejectsEmptyModelName(t *testing.T) {
	cfg := defaultConfig("llama3.1:8b")
	cfg.ModelName = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected an empty model name to fail validation")
	}
}
