package api

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"routerd/internal/config"
)

type fakeRoutes struct {
	count    int
	reloaded bool
}

func (f *fakeRoutes) RouteCount() int { return f.count }
func (f *fakeRoutes) Reload(ctx context.Context) error {
	f.reloaded = true
	return nil
}

func TestHealthz(t *testing.T) {
	cfg := &config.Config{}
	app := New(cfg, nil, Deps{})
	req := httptest.NewRequest("GET", "/healthz", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRoutesz(t *testing.T) {
	cfg := &config.Config{}
	fr := &fakeRoutes{count: 3}
	app := New(cfg, nil, Deps{Routes: fr})

	req := httptest.NewRequest("GET", "/routesz", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("Test: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d body=%s", resp.StatusCode, body)
	}

	req = httptest.NewRequest("POST", "/routesz/reload", nil)
	resp, err = app.Test(req)
	if err != nil {
		t.Fatalf("Test reload: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 on reload, got %d", resp.StatusCode)
	}
	if !fr.reloaded {
		t.Fatalf("expected Reload to have been called")
	}
}
