// Package azureblob implements routesource.Source by downloading and
// parsing a JSON route table from an Azure Blob Storage blob on each Load
// call, the way the teacher's internal/outputs/azure_blob adapter wrote to
// Azure Blob Storage — same client, same auth-type switch, opposite
// direction (a download instead of an upload).
package azureblob

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"routerd/internal/config"
	"routerd/pkg/lpm"
)

// SecretResolver fetches a named field from wherever account credentials
// are stored; internal/secrets/vault.Client satisfies this.
type SecretResolver interface {
	Field(ctx context.Context, field string) (string, error)
}

type entry struct {
	CIDR string `json:"cidr"`
	Port uint8  `json:"port"`
}

// Source downloads cfg.RouteSource.AzureBlob.Blob from Container on each
// Load, parsing it as a JSON array of {cidr, port} entries.
type Source struct {
	cfg    config.Config
	client *azblob.Client
}

// New builds a Source. When cfg.RouteSource.AzureBlob.AuthType is "vault",
// secrets must be non-nil and is used to resolve the storage account's
// shared key (field "account_key") from the path configured under
// secrets.vault.secret_path; otherwise azidentity.NewDefaultAzureCredential
// is used (managed identity / environment / CLI login chain).
func New(cfg *config.Config, secrets SecretResolver) (*Source, error) {
	ab := cfg.RouteSource.AzureBlob

	var client *azblob.Client
	switch ab.AuthType {
	case "vault":
		if secrets == nil {
			return nil, fmt.Errorf("azureblob routesource: auth_type=vault but no secret resolver configured")
		}
		accountName, err := secrets.Field(context.Background(), "account_name")
		if err != nil {
			return nil, fmt.Errorf("azureblob routesource: resolve account_name: %w", err)
		}
		accountKey, err := secrets.Field(context.Background(), "account_key")
		if err != nil {
			return nil, fmt.Errorf("azureblob routesource: resolve account_key: %w", err)
		}
		cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
		if err != nil {
			return nil, fmt.Errorf("azureblob routesource: shared key credential: %w", err)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(ab.AccountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("azureblob routesource: new client: %w", err)
		}
	default:
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("azureblob routesource: default credential: %w", err)
		}
		client, err = azblob.NewClient(ab.AccountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("azureblob routesource: new client: %w", err)
		}
	}

	return &Source{cfg: *cfg, client: client}, nil
}

// Load implements routesource.Source.
func (s *Source) Load(ctx context.Context) ([]lpm.Route, error) {
	ab := s.cfg.RouteSource.AzureBlob
	resp, err := s.client.DownloadStream(ctx, ab.Container, ab.Blob, nil)
	if err != nil {
		return nil, fmt.Errorf("azureblob routesource: download %s/%s: %w", ab.Container, ab.Blob, err)
	}
	body := resp.Body
	defer body.Close()
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("azureblob routesource: read body: %w", err)
	}

	var entries []entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("azureblob routesource: parse %s/%s: %w", ab.Container, ab.Blob, err)
	}
	routes := make([]lpm.Route, 0, len(entries))
	for _, e := range entries {
		_, ipNet, err := net.ParseCIDR(e.CIDR)
		if err != nil {
			return nil, fmt.Errorf("azureblob routesource: invalid cidr %q: %w", e.CIDR, err)
		}
		routes = append(routes, lpm.Route{Prefix: *ipNet, Port: e.Port})
	}
	return routes, nil
}

// HealthCheck verifies the container is reachable, satisfying
// routesource.HealthChecker.
func (s *Source) HealthCheck(ctx context.Context) error {
	ab := s.cfg.RouteSource.AzureBlob
	pager := s.client.NewListBlobsFlatPager(ab.Container, nil)
	if !pager.More() {
		return nil
	}
	_, err := pager.NextPage(ctx)
	if err != nil {
		var respErr *azcore.ResponseError
		if ok := asResponseError(err, &respErr); ok {
			return fmt.Errorf("azureblob routesource: health check: %s", respErr.ErrorCode)
		}
		return fmt.Errorf("azureblob routesource: health check: %w", err)
	}
	return nil
}

func asResponseError(err error, target **azcore.ResponseError) bool {
	re, ok := err.(*azcore.ResponseError)
	if ok {
		*target = re
	}
	return ok
}
