// Package static implements routesource.Source by reading a fixed JSON
// route file from disk, for deployments that don't need a live route feed.
package static

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"routerd/pkg/lpm"
)

// entry mirrors the on-disk JSON shape: [{"cidr":"10.0.0.0/8","port":1}, ...]
type entry struct {
	CIDR string `json:"cidr"`
	Port uint8  `json:"port"`
}

// Source reads routes from a JSON file at Path each time Load is called.
type Source struct {
	Path string
}

// New returns a Source reading from path.
func New(path string) *Source {
	return &Source{Path: path}
}

// Load implements routesource.Source.
func (s *Source) Load(ctx context.Context) ([]lpm.Route, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("static routesource: read %s: %w", s.Path, err)
	}
	var entries []entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("static routesource: parse %s: %w", s.Path, err)
	}
	routes := make([]lpm.Route, 0, len(entries))
	for _, e := range entries {
		_, ipNet, err := net.ParseCIDR(e.CIDR)
		if err != nil {
			return nil, fmt.Errorf("static routesource: invalid cidr %q: %w", e.CIDR, err)
		}
		routes = append(routes, lpm.Route{Prefix: *ipNet, Port: e.Port})
	}
	return routes, nil
}
