package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	"bustracker/internal/archive"
	"bustracker/internal/config"
	"bustracker/internal/gps"
	"bustracker/internal/indicator"
	"bustracker/internal/store"
	"bustracker/internal/tracking"
	"bustracker/internal/web"
)

// agentRuntime owns every long-lived component so shutdown happens in one place.
type agentRuntime struct {
	db         *sql.DB
	mirror     *store.Mirror
	gpsSvc     *gps.Service
	controller *tracking.Controller
	led        *indicator.Service
	recorder   *archive.Recorder
	status     *web.Status
}

func newRuntime(ctx context.Context, c config.Config) (*agentRuntime, error) {
	r := &agentRuntime{status: web.NewStatus()}

	st, err := r.openStore(c.Store)
	if err != nil {
		return nil, err
	}

	// Optional: mirror accepted writes to Kafka.
	if c.Mirror.Enable {
		r.mirror = store.NewMirror(st, store.NewKafkaWriter(c.Mirror.Brokers, c.Mirror.Topic))
		st = r.mirror
		log.Printf("mirror enabled brokers=%s topic=%s", strings.Join(c.Mirror.Brokers, ","), c.Mirror.Topic)
	}

	// GPS is created even when disabled so live mode can request it later.
	r.gpsSvc = gps.New(gps.Config{
		Enable:   c.GPS.Enable,
		Source:   c.GPS.Source,
		GPSDAddr: c.GPS.GPSDAddr,
		Device:   c.GPS.Device,
		Baud:     c.GPS.Baud,
		Sim: gps.SimConfig{
			CenterLatDeg: c.GPS.Sim.CenterLatDeg,
			CenterLonDeg: c.GPS.Sim.CenterLonDeg,
			RadiusM:      c.GPS.Sim.RadiusM,
			Period:       c.GPS.Sim.Period,
			Interval:     c.GPS.Sim.Interval,
			Route:        c.GPS.Sim.Route,
		},
		Replay: gps.ReplayConfig{
			Path:  c.GPS.Replay.Path,
			Speed: c.GPS.Replay.Speed,
			Loop:  c.GPS.Replay.Loop,
		},
	})
	if err := r.gpsSvc.Start(ctx); err != nil {
		log.Printf("gps init failed: %v", err)
	}
	r.status.SetGPS(r.gpsSvc.Snapshot)
	r.status.SetStatic(c.Store.Driver, c.GPS.Source)

	r.controller = tracking.New(tracking.Config{
		WriteTimeout: c.Tracking.WriteTimeout,
		FixTimeout:   c.Tracking.FixTimeout,
		NoticesMax:   c.Tracking.NoticesMax,
	}, tracking.FromGPS(r.gpsSvc), st)

	// Optional: LED lit while a session is active.
	if c.Indicator.Enable {
		r.led = indicator.New(indicator.Config{Enable: true, Pin: c.Indicator.Pin})
		if err := r.led.Start(ctx, r.controller); err != nil {
			log.Printf("indicator init failed: %v", err)
		}
		r.status.SetIndicator(r.led.On)
	}

	// Optional: per-session track files, uploaded when configured.
	if c.Archive.Enable {
		var up archive.Uploader
		if c.Archive.Upload.Enable {
			s3, err := archive.NewS3Uploader(ctx, archive.S3Config{
				Endpoint: c.Archive.Upload.Endpoint,
				Bucket:   c.Archive.Upload.Bucket,
				Region:   c.Archive.Upload.Region,
				UseSSL:   c.Archive.Upload.UseSSL,
			})
			if err != nil {
				log.Printf("archive upload init failed: %v", err)
			} else {
				up = s3
			}
		}
		rec, err := archive.NewRecorder(c.Archive.Dir, up)
		if err != nil {
			log.Printf("archive init failed: %v", err)
		} else {
			rec.Start(ctx, r.controller)
			r.recorder = rec
			log.Printf("archive enabled dir=%s upload=%t", c.Archive.Dir, up != nil)
		}
	}

	return r, nil
}

func (r *agentRuntime) openStore(c config.StoreConfig) (store.Store, error) {
	switch c.Driver {
	case "memory":
		if strings.TrimSpace(c.Seed) == "" {
			log.Printf("store driver=memory (empty)")
			return store.NewMemory(), nil
		}
		m, err := store.NewMemoryFromSeed(c.Seed)
		if err != nil {
			return nil, err
		}
		log.Printf("store driver=memory seed=%s", c.Seed)
		return m, nil
	default:
		url := os.Getenv(c.DatabaseURLEnv)
		if strings.TrimSpace(url) == "" {
			return nil, fmt.Errorf("%s is required", c.DatabaseURLEnv)
		}
		db, err := store.Open(url, c.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		r.db = db
		log.Printf("store driver=postgres")
		return store.NewPostgres(db), nil
	}
}

// Close tears down in reverse start order: observers first, then the
// controller (waiting for in-flight writes), then the sinks.
func (r *agentRuntime) Close() {
	if r.controller != nil {
		r.controller.Stop()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.led != nil {
		r.led.Close()
	}
	if r.controller != nil {
		r.controller.Close()
	}
	if r.gpsSvc != nil {
		r.gpsSvc.Close()
	}
	if r.mirror != nil {
		if err := r.mirror.Close(); err != nil {
			log.Printf("mirror close: %v", err)
		}
	}
	if r.db != nil {
		_ = r.db.Close()
	}
}
