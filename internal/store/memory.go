package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store for development and tests.
type Memory struct {
	mu    sync.RWMutex
	buses map[string]Bus
	now   func() time.Time
}

func NewMemory(buses ...Bus) *Memory {
	m := &Memory{buses: make(map[string]Bus, len(buses)), now: time.Now}
	for _, b := range buses {
		m.buses[b.ID] = b
	}
	return m
}

// NewMemoryFromSeed loads records from a JSON seed file.
func NewMemoryFromSeed(path string) (*Memory, error) {
	seeds, err := ReadSeed(path)
	if err != nil {
		return nil, err
	}
	m := NewMemory()
	now := m.now().UTC()
	for _, s := range seeds {
		b := Bus{ID: s.ID, Name: s.Name, Lat: s.Lat, Lon: s.Lon}
		if s.Lat != nil {
			ts := now
			b.UpdatedAt = &ts
		}
		m.buses[s.ID] = b
	}
	return m, nil
}

// SetClock replaces the timestamp source.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) ListBuses(ctx context.Context) ([]Bus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Bus, 0, len(m.buses))
	for _, b := range m.buses {
		out = append(out, b)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdatePosition(ctx context.Context, id string, lat, lon float64) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buses[id]
	if !ok {
		return time.Time{}, fmt.Errorf("update position %q: %w", id, ErrNotFound)
	}
	ts := m.now().UTC()
	b.Lat, b.Lon, b.UpdatedAt = &lat, &lon, &ts
	m.buses[id] = b
	return ts, nil
}
