package static

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeRoutesFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.json")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadParsesValidRoutes(t *testing.T) {
	path := writeRoutesFile(t, `[{"cidr":"10.0.0.0/8","port":1},{"cidr":"192.168.0.0/16","port":2}]`)
	routes, err := New(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(routes))
	}
	if routes[0].Port != 1 || routes[1].Port != 2 {
		t.Errorf("unexpected port values: %+v", routes)
	}
}

func TestLoadRejectsInvalidCIDR(t *testing.T) {
	path := writeRoutesFile(t, `[{"cidr":"not-a-cidr","port":1}]`)
	if _, err := New(path).Load(context.Background()); err == nil {
		t.Fatalf("expected an error for an invalid CIDR")
	}
}

func TestLoadErrorsOnMissingFile(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "missing.json")).Load(context.Background()); err == nil {
		t.Fatalf("expected an error reading a missing file")
	}
}
