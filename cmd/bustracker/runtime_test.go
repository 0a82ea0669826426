package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bustracker/internal/config"
	"bustracker/internal/replay"
	"bustracker/internal/tracking"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	seed := filepath.Join(dir, "buses.json")
	if err := os.WriteFile(seed, []byte(`[{"id":"A","name":"Bus A"},{"id":"B","name":"Bus B"}]`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var cfg config.Config
	cfg.Store.Driver = "memory"
	cfg.Store.Seed = seed
	cfg.GPS.Enable = true
	cfg.GPS.Source = "sim"
	cfg.GPS.Sim.CenterLatDeg = 45.52
	cfg.GPS.Sim.CenterLonDeg = -122.68
	cfg.GPS.Sim.Interval = 20 * time.Millisecond
	cfg.Archive.Enable = true
	cfg.Archive.Dir = filepath.Join(dir, "tracks")
	if err := config.DefaultAndValidate(&cfg); err != nil {
		t.Fatalf("DefaultAndValidate: %v", err)
	}
	return cfg
}

func TestRuntime_LiveSessionWritesAndArchives(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := newRuntime(ctx, cfg)
	if err != nil {
		t.Fatalf("newRuntime: %v", err)
	}

	if err := rt.controller.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	buses, err := rt.controller.Buses(ctx)
	if err != nil || len(buses) != 2 {
		t.Fatalf("buses=%v err=%v", buses, err)
	}

	if err := rt.controller.Start(ctx, tracking.StartRequest{BusID: "A", Mode: tracking.ModeLive}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for rt.controller.Session().WritesOK < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("no live writes: %+v", rt.controller.Session())
		}
		time.Sleep(10 * time.Millisecond)
	}
	rt.controller.Stop()
	rt.Close()

	buses, _ = rt.controller.Buses(ctx)
	if buses[0].ID != "A" || buses[0].Lat == nil || buses[0].UpdatedAt == nil {
		t.Fatalf("bus A not updated: %+v", buses[0])
	}

	matches, _ := filepath.Glob(filepath.Join(cfg.Archive.Dir, "A_*.track"))
	if len(matches) != 1 {
		t.Fatalf("tracks=%v", matches)
	}
	recs, err := replay.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(recs) < 3 {
		t.Fatalf("records=%d", len(recs))
	}
}

func TestRuntime_PostgresRequiresURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "postgres"
	cfg.Store.DatabaseURLEnv = "BUSTRACKER_TEST_UNSET_URL"
	t.Setenv("BUSTRACKER_TEST_UNSET_URL", "")

	if _, err := newRuntime(context.Background(), cfg); err == nil {
		t.Fatalf("expected error")
	}
}
