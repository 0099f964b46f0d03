package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()

	if cfg.Services.TokenTTL != 50*time.Minute {
		t.Fatalf("unexpected token TTL: %s", cfg.Services.TokenTTL)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.BaseDelay != time.Second || cfg.Retry.MaxDelay != 10*time.Second {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if cfg.Search.ExactMatchThreshold != 0.80 {
		t.Fatalf("unexpected threshold: %v", cfg.Search.ExactMatchThreshold)
	}
	if cfg.Search.Limit != 5 || cfg.Search.MaxDistance != 0.5 {
		t.Fatalf("unexpected search defaults: %+v", cfg.Search)
	}
}

func TestServiceURLOverride(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("services.nlp_url", "https://nlp.internal.example")

	cfg, err := FromViper(v)
	if err != nil {
		t.Fatalf("FromViper: %v", err)
	}
	if cfg.Services.NLPURL != "https://nlp.internal.example" {
		t.Fatalf("override ignored: %q", cfg.Services.NLPURL)
	}
}

func TestInvalidURLRejected(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("services.nlp_url", "not a url")

	if _, err := FromViper(v); err == nil {
		t.Fatalf("expected validation error for malformed URL")
	}
}

func TestInvalidRetryRangeRejected(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("retry.jitter", 1.5)

	if _, err := FromViper(v); err == nil {
		t.Fatalf("expected validation error for jitter > 1")
	}
}

func TestMaxDelayMustCoverBaseDelay(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("retry.base_delay", "30s")
	v.Set("retry.max_delay", "10s")

	if _, err := FromViper(v); err == nil {
		t.Fatalf("expected validation error when max_delay < base_delay")
	}
}
