// Package vault wraps a Hashicorp Vault client for resolving the Azure
// storage credentials the azureblob route source needs, with simple
// response caching so repeated field reads within the cache TTL share one
// Vault request.
package vault

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"routerd/internal/config"
)

const cacheTTL = 5 * time.Minute

// Client wraps a Hashicorp Vault client with simple secret caching.
type Client struct {
	cfg config.Config
	api *vaultapi.Client

	mu      sync.RWMutex
	cache   map[string]string
	expires time.Time
}

// NewClient initializes a Vault client from cfg.Secrets.Vault. Returns a nil
// Client (not an error) when Vault is disabled, so callers can treat a nil
// *Client as "no secrets backend configured".
func NewClient(cfg *config.Config) (*Client, error) {
	if cfg == nil || !cfg.Secrets.Vault.Enabled {
		return nil, nil
	}
	conf := vaultapi.DefaultConfig()
	if cfg.Secrets.Vault.Address != "" {
		conf.Address = cfg.Secrets.Vault.Address
	}
	apiClient, err := vaultapi.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	token := strings.TrimSpace(cfg.Secrets.Vault.Token)
	if token == "" {
		return nil, fmt.Errorf("vault token required when secrets.vault.enabled")
	}
	apiClient.SetToken(token)

	return &Client{
		cfg:   *cfg,
		api:   apiClient,
		cache: make(map[string]string),
	}, nil
}

// Field resolves a single field from the configured secret path, caching
// the whole path's response for cacheTTL between reads.
func (c *Client) Field(ctx context.Context, field string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("vault: client not configured")
	}
	data, err := c.read(ctx)
	if err != nil {
		return "", err
	}
	v, ok := data[field]
	if !ok {
		return "", fmt.Errorf("vault field %s missing at %s", field, c.cfg.Secrets.Vault.SecretPath)
	}
	return v, nil
}

// Resolve satisfies internal/secrets.Resolver: a "vault://<field>"
// reference resolves to that field at the configured secret path. This
// lets any string field in Config (e.g. the Azure Blob account URL) be written
// as a vault reference instead of a literal, and hydrated once at startup
// via secrets.ReplacePlaceholders.
func (c *Client) Resolve(ctx context.Context, ref string) (string, error) {
	field := strings.TrimPrefix(strings.TrimSpace(ref), "vault://")
	if field == "" {
		return "", fmt.Errorf("vault reference %q missing field", ref)
	}
	return c.Field(ctx, field)
}

// HealthCheck validates connectivity to Vault, satisfying the selfcheck
// dependency interface.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c == nil {
		return nil
	}
	_, err := c.api.Sys().HealthWithContext(ctx)
	return err
}

func (c *Client) read(ctx context.Context) (map[string]string, error) {
	now := time.Now()
	c.mu.RLock()
	if now.Before(c.expires) && c.cache != nil {
		cached := c.cache
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	secret, err := c.api.Logical().ReadWithContext(ctx, c.cfg.Secrets.Vault.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("vault read %s: %w", c.cfg.Secrets.Vault.SecretPath, err)
	}
	if secret == nil {
		return nil, fmt.Errorf("vault secret %s not found", c.cfg.Secrets.Vault.SecretPath)
	}
	raw := secret.Data
	if nested, ok := raw["data"].(map[string]interface{}); ok {
		raw = nested // KV v2 nests the actual fields under "data"
	}
	data := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			data[k] = s
		}
	}

	c.mu.Lock()
	c.cache = data
	c.expires = now.Add(cacheTTL)
	c.mu.Unlock()
	return data, nil
}
