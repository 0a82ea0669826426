// Package store holds bus records and their last reported positions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

var ErrNotFound = errors.New("store: bus not found")

// Bus is one trackable vehicle record. Lat, Lon and UpdatedAt are nil until
// the first position write.
type Bus struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Lat       *float64   `json:"lat"`
	Lon       *float64   `json:"lon"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// Store is the record store contract shared by the backends.
type Store interface {
	ListBuses(ctx context.Context) ([]Bus, error)
	// UpdatePosition writes lat/lon for id and returns the timestamp the
	// store assigned to the write.
	UpdatePosition(ctx context.Context, id string, lat, lon float64) (time.Time, error)
}

type BusSeed struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Lat  *float64 `json:"lat,omitempty"`
	Lon  *float64 `json:"lon,omitempty"`
}

// ReadSeed parses a JSON array of bus seeds.
func ReadSeed(path string) ([]BusSeed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %q: %w", path, err)
	}
	var seeds []BusSeed
	if err := json.Unmarshal(b, &seeds); err != nil {
		return nil, fmt.Errorf("parse seed %q: %w", path, err)
	}
	seen := make(map[string]struct{}, len(seeds))
	for i, s := range seeds {
		if strings.TrimSpace(s.ID) == "" {
			return nil, fmt.Errorf("parse seed %q: entry %d: id is required", path, i)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, fmt.Errorf("parse seed %q: duplicate id %q", path, s.ID)
		}
		seen[s.ID] = struct{}{}
		if (s.Lat == nil) != (s.Lon == nil) {
			return nil, fmt.Errorf("parse seed %q: entry %q: lat and lon must be set together", path, s.ID)
		}
	}
	return seeds, nil
}
