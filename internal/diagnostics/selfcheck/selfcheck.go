// Package selfcheck runs dependency validation: it confirms the
// collaborators named by config (Vault, an Azure Blob route source) are
// reachable. The daemon runs it on each /healthz request.
package selfcheck

import (
	"context"
	"fmt"

	"routerd/internal/config"
)

// Dependencies surfaces optional clients required for checks.
type Dependencies struct {
	Vault       interface{ HealthCheck(context.Context) error }
	RouteSource interface{ HealthCheck(context.Context) error }
}

// Run executes dependency validation.
func Run(ctx context.Context, cfg *config.Config, deps Dependencies) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if cfg.Secrets.Vault.Enabled {
		if deps.Vault == nil {
			return fmt.Errorf("vault enabled but no client available for health check")
		}
		if err := deps.Vault.HealthCheck(ctx); err != nil {
			return fmt.Errorf("vault health check failed: %w", err)
		}
	}
	if cfg.RouteSource.Kind == "azureblob" {
		if deps.RouteSource == nil {
			return fmt.Errorf("azureblob route source configured but no client available for health check")
		}
		if err := deps.RouteSource.HealthCheck(ctx); err != nil {
			return fmt.Errorf("azureblob route source health check failed: %w", err)
		}
	}
	return nil
}
