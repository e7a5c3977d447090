package vault

import (
	"context"
	"testing"

	"routerd/internal/config"
)

func TestNewClientDisabledReturnsNilWithoutError(t *testing.T) {
	cfg := &config.Config{}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c != nil {
		t.Fatalf("expected a nil Client when vault is disabled")
	}
}

func TestNewClientRequiresToken(t *testing.T) {
	cfg := &config.Config{}
	cfg.Secrets.Vault.Enabled = true
	cfg.Secrets.Vault.Address = "http://127.0.0.1:8200"
	if _, err := NewClient(cfg); err == nil {
		t.Fatalf("expected an error when enabled without a token")
	}
}

func TestNilClientFieldErrors(t *testing.T) {
	var c *Client
	if _, err := c.Field(context.Background(), "account_key"); err == nil {
		t.Fatalf("expected an error calling Field on a nil Client")
	}
}

func TestNilClientHealthCheckIsNoop(t *testing.T) {
	var c *Client
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("expected nil error from a nil Client's HealthCheck, got %v", err)
	}
}

func TestResolveRejectsEmptyField(t *testing.T) {
	c := &Client{}
	if _, err := c.Resolve(context.Background(), "vault://"); err == nil {
		t.Fatalf("expected an error for a vault reference with no field")
	}
	if _, err := c.Resolve(context.Background(), ""); err == nil {
		t.Fatalf("expected an error for an empty reference")
	}
}
