package config

import (
	"os"
	"testing"
)

func TestEnvOverrides(t *testing.T) {
	os.Setenv("ROUTERD_API_PORT", "9555")
	defer os.Unsetenv("ROUTERD_API_PORT")
	cfg := Load()
	if cfg.API.Port != 9555 {
		t.Fatalf("expected env var to set api.port to 9555, got %d", cfg.API.Port)
	}
}

func TestDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Batcher.Capacity <= 0 {
		t.Fatalf("expected a positive default batcher capacity")
	}
	if cfg.Batcher.Timeout <= 0 {
		t.Fatalf("expected a positive default batcher timeout")
	}
	if cfg.RouteSource.Kind != "static" {
		t.Fatalf("expected default route source kind 'static', got %q", cfg.RouteSource.Kind)
	}
}
