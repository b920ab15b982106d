package config

import (
	"testing"
	"time"
)

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_GEMINI_KEY", "secret-key")
	t.Setenv("TEST_BUCKET", "screenshots-1250000000")

	cfg, err := Parse([]byte(`
llm:
  gemini:
    apiKey: "${TEST_GEMINI_KEY}"
databases:
  objectStore:
    bucket: "${TEST_BUCKET}"
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.LLM.Gemini.APIKey != "secret-key" {
		t.Errorf("Expected apiKey to be expanded, got %q", cfg.LLM.Gemini.APIKey)
	}
	if cfg.Databases.ObjectStore.Bucket != "screenshots-1250000000" {
		t.Errorf("Expected bucket to be expanded, got %q", cfg.Databases.ObjectStore.Bucket)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("app:\n  name: test\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Server.Address != ":15000" {
		t.Errorf("Expected default address :15000, got %s", cfg.Server.Address)
	}
	if cfg.Analysis.CacheRoot != "./cache" {
		t.Errorf("Expected default cache root, got %s", cfg.Analysis.CacheRoot)
	}
	if cfg.LLM.Provider != "gemini" || cfg.LLM.Gemini.Model != "models/gemini-2.5-pro" {
		t.Errorf("Unexpected LLM defaults: %+v", cfg.LLM)
	}
	if cfg.Databases.ObjectStore.Endpoint != "cos.ap-guangzhou.myqcloud.com" {
		t.Errorf("Expected COS endpoint derived from region, got %s", cfg.Databases.ObjectStore.Endpoint)
	}
	if len(cfg.Analysis.ImagePatterns) != 1 || cfg.Analysis.ImagePatterns[0] != "*.png" {
		t.Errorf("Expected default image pattern *.png, got %v", cfg.Analysis.ImagePatterns)
	}
	if cfg.Archive.Backend != "file" {
		t.Errorf("Expected file archive by default, got %s", cfg.Archive.Backend)
	}
}

func TestParse_RejectsUnknownProvider(t *testing.T) {
	if _, err := Parse([]byte("llm:\n  provider: openai\n")); err == nil {
		t.Fatal("Expected error for unsupported provider")
	}
}

func TestParse_RejectsBadDuration(t *testing.T) {
	if _, err := Parse([]byte("analysis:\n  workspaceTTL: soon\n")); err == nil {
		t.Fatal("Expected error for malformed workspaceTTL")
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"":       0,
		"600000": 10 * time.Minute,
		"30s":    30 * time.Second,
		" 2h ":   2 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		if err != nil {
			t.Errorf("ParseDuration(%q) error = %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseDuration(%q) = %v, want %v", in, got, want)
		}
	}
}
