package geoip

import (
	"testing"
	"time"

	"routerd/pkg/accel/simaccel"
	"routerd/pkg/batcher"
)

func TestNewErrorsOnMissingDatabase(t *testing.T) {
	provider := simaccel.New()
	b := batcher.New(batcher.Config{Capacity: 4, Timeout: time.Hour}, provider, nil)

	if _, err := New("/nonexistent/path/to/GeoLite2-Country.mmdb", b, nil); err == nil {
		t.Fatalf("expected an error opening a nonexistent GeoIP database")
	}
}
