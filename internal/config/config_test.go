package config

import (
	"errors"
	"testing"
	"time"

	"github.com/keymux/keymux/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENAI_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7860 {
		t.Errorf("Port = %d, want 7860", cfg.Port)
	}
	if cfg.Gatekeeper != "none" {
		t.Errorf("Gatekeeper = %q, want none", cfg.Gatekeeper)
	}
	if cfg.MaxOutputTokensFor(models.FamilyTurbo) != DefaultMaxOutputTokens {
		t.Errorf("default clamp = %d, want %d", cfg.MaxOutputTokensFor(models.FamilyTurbo), DefaultMaxOutputTokens)
	}
	if !cfg.FamilyAllowed(models.FamilyClaude) {
		t.Error("empty allowlist should allow every family")
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("OPENAI_KEY", "sk-test")
	t.Setenv("PORT", "99999")

	if _, err := Load(); !errors.Is(err, ErrInvalidPort) {
		t.Errorf("err = %v, want ErrInvalidPort", err)
	}
}

func TestLoadRequiresKeys(t *testing.T) {
	if _, err := Load(); !errors.Is(err, ErrNoKeysConfigured) {
		t.Errorf("err = %v, want ErrNoKeysConfigured", err)
	}
}

func TestLoadKeyLists(t *testing.T) {
	t.Setenv("OPENAI_KEY", "sk-a, sk-b ,,sk-c")
	t.Setenv("ANTHROPIC_KEY", "sk-ant-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.OpenAIKeys) != 3 {
		t.Errorf("OpenAIKeys = %v, want 3 entries", cfg.OpenAIKeys)
	}
	if cfg.OpenAIKeys[1] != "sk-b" {
		t.Errorf("OpenAIKeys[1] = %q, want sk-b (whitespace trimmed)", cfg.OpenAIKeys[1])
	}
	if len(cfg.AnthropicKeys) != 1 {
		t.Errorf("AnthropicKeys = %v, want 1 entry", cfg.AnthropicKeys)
	}
}

func TestParseAWSCredentials(t *testing.T) {
	creds, err := ParseAWSCredentials("AKIAXXX:secret1:us-east-1,AKIAYYY:secret2:us-west-2")
	if err != nil {
		t.Fatalf("ParseAWSCredentials: %v", err)
	}
	if len(creds) != 2 {
		t.Fatalf("got %d credentials, want 2", len(creds))
	}
	if creds[0].Region != "us-east-1" || creds[1].AccessKeyID != "AKIAYYY" {
		t.Errorf("parsed fields wrong: %+v", creds)
	}
}

func TestParseAWSCredentialsRejectsMalformed(t *testing.T) {
	if _, err := ParseAWSCredentials("AKIAXXX:secret-only"); !errors.Is(err, ErrMalformedAWSCredential) {
		t.Errorf("err = %v, want ErrMalformedAWSCredential", err)
	}
	if _, err := ParseAWSCredentials("AKIAXXX::us-east-1"); !errors.Is(err, ErrMalformedAWSCredential) {
		t.Errorf("empty field: err = %v, want ErrMalformedAWSCredential", err)
	}
}

func TestLoadFamilyOverrides(t *testing.T) {
	t.Setenv("OPENAI_KEY", "sk-test")
	t.Setenv("MAX_OUTPUT_TOKENS_GPT4", "600")
	t.Setenv("TOKEN_QUOTA_TURBO", "500000")
	t.Setenv("ALLOWED_MODEL_FAMILIES", "turbo,gpt4")
	t.Setenv("QUOTA_REFRESH_PERIOD", "daily")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxOutputTokensFor(models.FamilyGPT4) != 600 {
		t.Errorf("gpt4 clamp = %d, want 600", cfg.MaxOutputTokensFor(models.FamilyGPT4))
	}
	if cfg.TokenQuota[models.FamilyTurbo] != 500000 {
		t.Errorf("turbo quota = %d, want 500000", cfg.TokenQuota[models.FamilyTurbo])
	}
	if cfg.FamilyAllowed(models.FamilyClaude) {
		t.Error("claude should be excluded by the allowlist")
	}
	if cfg.QuotaRefreshPeriod != 24*time.Hour {
		t.Errorf("QuotaRefreshPeriod = %v, want 24h", cfg.QuotaRefreshPeriod)
	}
}
