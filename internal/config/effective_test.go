package config

import (
	"strings"
	"testing"
)

func TestMarshalEffectiveRedactsSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.API.Host = "localhost"
	cfg.Secrets.Vault.Enabled = true
	cfg.Secrets.Vault.Token = "super-secret"

	out, err := cfg.MarshalEffective("json")
	if err != nil {
		t.Fatalf("MarshalEffective json: %v", err)
	}
	payload := string(out)
	if strings.Contains(payload, "super-secret") {
		t.Fatalf("expected vault token to be redacted in %s", payload)
	}
	if !strings.Contains(payload, redactedPlaceholder) {
		t.Fatalf("expected placeholder to appear: %s", payload)
	}

	if _, err := cfg.MarshalEffective("yaml"); err != nil {
		t.Fatalf("MarshalEffective yaml: %v", err)
	}

	if _, err := cfg.MarshalEffective("invalid"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}
