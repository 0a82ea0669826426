package web

import (
	"sync/atomic"
	"time"

	"bustracker/internal/gps"
	"bustracker/internal/tracking"
)

// Status aggregates what /api/status reports. Sources are registered once at
// startup and read on every request.
type Status struct {
	startUnixNano int64
	storeDriver   atomic.Value // string
	gpsSource     atomic.Value // string
	gps           atomic.Value // func() gps.Snapshot
	indicator     atomic.Value // func() bool
}

func NewStatus() *Status {
	s := &Status{}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.storeDriver.Store("")
	s.gpsSource.Store("")
	s.gps.Store(func() gps.Snapshot { return gps.Snapshot{} })
	s.indicator.Store(func() bool { return false })
	return s
}

func (s *Status) SetStatic(storeDriver, gpsSource string) {
	if storeDriver != "" {
		s.storeDriver.Store(storeDriver)
	}
	if gpsSource != "" {
		s.gpsSource.Store(gpsSource)
	}
}

func (s *Status) SetGPS(fn func() gps.Snapshot) {
	if fn != nil {
		s.gps.Store(fn)
	}
}

func (s *Status) SetIndicator(fn func() bool) {
	if fn != nil {
		s.indicator.Store(fn)
	}
}

type StatusSnapshot struct {
	Service     string           `json:"service"`
	Version     string           `json:"version,omitempty"`
	Commit      string           `json:"commit,omitempty"`
	NowUTC      string           `json:"now_utc"`
	UptimeSec   int64            `json:"uptime_sec"`
	StoreDriver string           `json:"store_driver"`
	GPSSource   string           `json:"gps_source"`
	IndicatorOn bool             `json:"indicator_on"`
	GPS         gps.Snapshot     `json:"gps"`
	Session     tracking.Session `json:"session"`
}

func (s *Status) Snapshot(nowUTC time.Time, session tracking.Session) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()
	build := readBuild()
	return StatusSnapshot{
		Service:     "bustracker",
		Version:     build.Version,
		Commit:      build.Commit,
		NowUTC:      nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:   int64(nowUTC.Sub(start).Seconds()),
		StoreDriver: s.storeDriver.Load().(string),
		GPSSource:   s.gpsSource.Load().(string),
		IndicatorOn: s.indicator.Load().(func() bool)(),
		GPS:         s.gps.Load().(func() gps.Snapshot)(),
		Session:     session,
	}
}
