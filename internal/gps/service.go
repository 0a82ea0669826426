package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bustracker/internal/replay"
	"bustracker/internal/sim"
)

var (
	ErrNotEnabled       = errors.New("gps: location service not enabled")
	ErrPermissionDenied = errors.New("gps: location permission denied")
	ErrNoFix            = errors.New("gps: no fix")
)

// freshFor bounds how old the last fix may be for Current to return it
// without waiting for the next one.
const freshFor = 10 * time.Second

// Config controls the location source.
//
// Enable starts the source at boot. When false it can still be started later
// through RequestEnable.
type Config struct {
	Enable bool

	// Source is "nmea" (direct serial), "gpsd", "sim" or "replay".
	// When empty, defaults to "nmea".
	Source string

	GPSDAddr string

	// Device may be empty to auto-detect /dev/ttyACM* and /dev/ttyUSB*.
	Device string
	Baud   int

	Sim    SimConfig
	Replay ReplayConfig
}

type SimConfig struct {
	CenterLatDeg float64
	CenterLonDeg float64
	RadiusM      float64
	Period       time.Duration
	Interval     time.Duration
	// Route is an optional route script path; the loop is used when empty.
	Route string
}

type ReplayConfig struct {
	Path  string
	Speed float64
	Loop  bool
}

// Fix is one position report.
type Fix struct {
	Lat      float64   `json:"lat"`
	Lon      float64   `json:"lon"`
	Time     time.Time `json:"time"`
	SpeedMS  *float64  `json:"speed_ms,omitempty"`
	TrackDeg *float64  `json:"track_deg,omitempty"`
	Source   string    `json:"source"`
}

// Quality carries receiver diagnostics that are not part of a fix.
type Quality struct {
	FixQuality *int     `json:"fix_quality,omitempty"`
	FixMode    *int     `json:"fix_mode,omitempty"`
	Satellites *int     `json:"satellites,omitempty"`
	HDOP       *float64 `json:"hdop,omitempty"`
}

type Snapshot struct {
	Enabled   bool `json:"enabled"`
	Permitted bool `json:"permitted"`
	Valid     bool `json:"valid"`

	Source   string `json:"source,omitempty"`
	GPSDAddr string `json:"gpsd_addr,omitempty"`
	Device   string `json:"device,omitempty"`
	Baud     int    `json:"baud,omitempty"`

	LatDeg   float64  `json:"lat_deg,omitempty"`
	LonDeg   float64  `json:"lon_deg,omitempty"`
	SpeedMS  *float64 `json:"speed_ms,omitempty"`
	TrackDeg *float64 `json:"track_deg,omitempty"`
	Quality

	LastFixUTC   string `json:"last_fix_utc,omitempty"`
	FixesTotal   uint64 `json:"fixes_total"`
	DroppedTotal uint64 `json:"dropped_total"`
	Subscribers  int    `json:"subscribers"`
	LastError    string `json:"last_error,omitempty"`
}

// decoder turns one input line into an optional fix.
type decoder interface {
	decode(nowUTC time.Time, line string) (Fix, bool, error)
	quality() Quality
}

type Service struct {
	cfg Config
	src string
	now func() time.Time

	mu     sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	closer io.Closer
	wg     sync.WaitGroup

	snapMu sync.Mutex
	last   atomic.Value // Snapshot

	fixMu   sync.Mutex
	fix     Fix
	fixAt   time.Time
	haveFix bool
	fixCh   chan struct{} // closed and replaced on every fix

	subMu     sync.RWMutex
	subs      map[int]*Subscription
	nextSubID int

	fixes   atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config) *Service {
	src := strings.ToLower(strings.TrimSpace(cfg.Source))
	if src == "" {
		src = "nmea"
	}
	s := &Service{
		cfg:   cfg,
		src:   src,
		now:   time.Now,
		fixCh: make(chan struct{}),
		subs:  make(map[int]*Subscription),
	}
	s.last.Store(Snapshot{Source: src, GPSDAddr: strings.TrimSpace(cfg.GPSDAddr), Device: cfg.Device, Baud: cfg.Baud})
	return s
}

// Start binds the service to ctx and, when Config.Enable is set, starts the
// configured source.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("gps service is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCtx = ctx
	if !s.cfg.Enable || s.cancel != nil {
		return nil
	}
	return s.startLocked(ctx)
}

// Enabled reports whether a source is running.
func (s *Service) Enabled() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// RequestEnable starts the configured source if it is not already running.
func (s *Service) RequestEnable(ctx context.Context) error {
	if s == nil {
		return ErrNotEnabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	runCtx := s.runCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	if err := s.startLocked(runCtx); err != nil {
		return fmt.Errorf("%w: %v", ErrNotEnabled, err)
	}
	return nil
}

// HasPermission reports whether the source's underlying resource is
// accessible: the serial device for nmea and the log file for replay.
func (s *Service) HasPermission() bool {
	return s.permissionErr() == nil
}

// RequestPermission re-checks access and records the result in the snapshot.
func (s *Service) RequestPermission(ctx context.Context) (bool, error) {
	if s == nil {
		return false, ErrPermissionDenied
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	perr := s.permissionErr()
	s.updateSnapshot(func(snap *Snapshot) {
		snap.Permitted = perr == nil
		if perr != nil {
			snap.LastError = perr.Error()
		}
	})
	if perr != nil {
		return false, fmt.Errorf("%w: %v", ErrPermissionDenied, perr)
	}
	return true, nil
}

func (s *Service) permissionErr() error {
	if s == nil {
		return ErrPermissionDenied
	}
	switch s.src {
	case "nmea":
		device := strings.TrimSpace(s.cfg.Device)
		if device == "" {
			device = autoDetectDevice()
		}
		if device == "" {
			return fmt.Errorf("no /dev/ttyACM* or /dev/ttyUSB* found")
		}
		return checkDeviceAccess(device)
	case "replay":
		f, err := os.Open(s.cfg.Replay.Path)
		if err != nil {
			return err
		}
		return f.Close()
	default:
		return nil
	}
}

// Current returns the most recent fix if it is fresh, otherwise waits for the
// next one until ctx ends.
func (s *Service) Current(ctx context.Context) (Fix, error) {
	if !s.Enabled() {
		return Fix{}, ErrNotEnabled
	}
	for {
		s.fixMu.Lock()
		if s.haveFix && s.now().Sub(s.fixAt) <= freshFor {
			fix := s.fix
			s.fixMu.Unlock()
			return fix, nil
		}
		ch := s.fixCh
		s.fixMu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return Fix{}, fmt.Errorf("%w: %v", ErrNoFix, ctx.Err())
		}
	}
}

func (s *Service) startLocked(ctx context.Context) error {
	switch s.src {
	case "nmea":
		return s.startNMEALocked(ctx)
	case "gpsd":
		return s.startGPSDLocked(ctx)
	case "sim":
		return s.startSimLocked(ctx)
	case "replay":
		return s.startReplayLocked(ctx)
	default:
		return fmt.Errorf("unknown gps source %q", s.src)
	}
}

func (s *Service) startNMEALocked(ctx context.Context) error {
	device := strings.TrimSpace(s.cfg.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			s.setError("gps auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
			return fmt.Errorf("gps auto-detect failed")
		}
	}
	baud := s.cfg.Baud
	if baud == 0 {
		baud = 9600
	}

	f, err := openSerial(device, baud)
	if err != nil {
		s.setError(fmt.Sprintf("gps open failed device=%s baud=%d: %v", device, baud, err))
		return err
	}
	s.closer = f

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = f.Close() }()

		log.Printf("gps enabled device=%s baud=%d", device, baud)
		if err := s.readLines(childCtx, f, &nmeaState{}, 4096); err != nil {
			s.setError(fmt.Sprintf("gps read stopped: %v", err))
		}
	}()

	s.markEnabled(func(snap *Snapshot) {
		snap.Device = device
		snap.Baud = baud
	})
	return nil
}

func (s *Service) startGPSDLocked(ctx context.Context) error {
	addr := strings.TrimSpace(s.cfg.GPSDAddr)
	if addr == "" {
		addr = gpsdDefaultAddr
	}

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		log.Printf("gps enabled source=gpsd addr=%s", addr)
		st := &gpsdState{}
		backoff := 250 * time.Millisecond
		maxBackoff := 10 * time.Second

		for childCtx.Err() == nil {
			conn, err := dialGPSD(childCtx, addr)
			if err != nil {
				s.setError(fmt.Sprintf("gpsd dial failed addr=%s: %v", addr, err))
				select {
				case <-childCtx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = 250 * time.Millisecond

			s.mu.Lock()
			// Close() interrupts the active connection through closer.
			s.closer = conn
			s.mu.Unlock()

			if err := gpsdWatch(conn); err != nil {
				s.setError(fmt.Sprintf("gpsd watch failed: %v", err))
			} else if err := s.readLines(childCtx, conn, st, 256*1024); err != nil {
				s.setError(fmt.Sprintf("gpsd read stopped: %v", err))
			}
			_ = conn.Close()
		}
	}()

	s.markEnabled(func(snap *Snapshot) {
		snap.GPSDAddr = addr
		snap.Device = "gpsd"
	})
	return nil
}

func (s *Service) startSimLocked(ctx context.Context) error {
	cfg := s.cfg.Sim
	var route *sim.Route
	if strings.TrimSpace(cfg.Route) != "" {
		script, err := sim.LoadRouteScript(cfg.Route)
		if err != nil {
			return fmt.Errorf("gps sim route load failed: %w", err)
		}
		route, err = sim.NewRoute(script)
		if err != nil {
			return fmt.Errorf("gps sim route invalid: %w", err)
		}
	}
	loop := sim.LoopSim{CenterLatDeg: cfg.CenterLatDeg, CenterLonDeg: cfg.CenterLonDeg, RadiusM: cfg.RadiusM, Period: cfg.Period}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		start := s.now()
		emit := func(now time.Time) {
			fix := Fix{Time: now.UTC(), Source: "sim"}
			if route != nil {
				st := route.StateAt(now.Sub(start), true)
				fix.Lat, fix.Lon = st.LatDeg, st.LonDeg
				trk := st.TrackDeg
				fix.TrackDeg = &trk
			} else {
				lat, lon, trk, spd := loop.Position(now)
				fix.Lat, fix.Lon = lat, lon
				fix.TrackDeg, fix.SpeedMS = &trk, &spd
			}
			s.ingest(fix, Quality{})
		}

		if route != nil {
			log.Printf("gps enabled source=sim route=%s line=%s interval=%s", cfg.Route, route.Line(), interval)
		} else {
			log.Printf("gps enabled source=sim center=%.5f,%.5f interval=%s", cfg.CenterLatDeg, cfg.CenterLonDeg, interval)
		}
		emit(start)

		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-childCtx.Done():
				return
			case <-t.C:
				emit(s.now())
			}
		}
	}()

	s.markEnabled(func(snap *Snapshot) { snap.Device = "sim" })
	return nil
}

func (s *Service) startReplayLocked(ctx context.Context) error {
	path := strings.TrimSpace(s.cfg.Replay.Path)
	recs, err := replay.ReadFile(path)
	if err != nil {
		s.setError(fmt.Sprintf("gps replay load failed path=%s: %v", path, err))
		return err
	}
	speed := s.cfg.Replay.Speed
	if speed <= 0 {
		speed = 1
	}

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		log.Printf("gps enabled source=replay path=%s speed=%g loop=%t records=%d", path, speed, s.cfg.Replay.Loop, len(recs))
		err := replay.Play(childCtx, recs, speed, s.cfg.Replay.Loop, nil, func(r replay.Record) error {
			s.ingest(Fix{Lat: r.Lat, Lon: r.Lon, Time: s.now().UTC(), Source: "replay"}, Quality{})
			return nil
		})
		if err != nil && childCtx.Err() == nil {
			s.setError(fmt.Sprintf("gps replay stopped: %v", err))
			return
		}
		if childCtx.Err() == nil {
			log.Printf("gps replay finished path=%s", path)
		}
	}()

	s.markEnabled(func(snap *Snapshot) { snap.Device = path })
	return nil
}

// readLines feeds r line by line through dec until ctx ends or r fails.
func (s *Service) readLines(ctx context.Context, r io.Reader, dec decoder, maxLine int) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 256), maxLine)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return err
			}
			return io.EOF
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fix, ok, err := dec.decode(s.now().UTC(), line)
		if err != nil {
			// Keep the last error; do not flip validity on noise.
			s.setError(err.Error())
			continue
		}
		if ok {
			s.ingest(fix, dec.quality())
		}
	}
}

func (s *Service) ingest(fix Fix, q Quality) {
	s.fixes.Add(1)

	s.fixMu.Lock()
	s.fix = fix
	s.fixAt = s.now()
	s.haveFix = true
	close(s.fixCh)
	s.fixCh = make(chan struct{})
	s.fixMu.Unlock()

	s.updateSnapshot(func(snap *Snapshot) {
		snap.Valid = true
		snap.LatDeg = fix.Lat
		snap.LonDeg = fix.Lon
		snap.SpeedMS = fix.SpeedMS
		snap.TrackDeg = fix.TrackDeg
		snap.Quality = q
		snap.LastFixUTC = fix.Time.UTC().Format(time.RFC3339Nano)
	})
	s.publish(fix)
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	closer := s.closer
	s.cancel = nil
	s.closer = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
	s.wg.Wait()
	s.cancelAllSubscriptions()
	s.updateSnapshot(func(snap *Snapshot) { snap.Enabled = false })
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap, _ := s.last.Load().(Snapshot)
	snap.FixesTotal = s.fixes.Load()
	snap.DroppedTotal = s.dropped.Load()
	s.subMu.RLock()
	snap.Subscribers = len(s.subs)
	s.subMu.RUnlock()
	return snap
}

func (s *Service) updateSnapshot(fn func(*Snapshot)) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	cur, _ := s.last.Load().(Snapshot)
	fn(&cur)
	s.last.Store(cur)
}

func (s *Service) markEnabled(fn func(*Snapshot)) {
	s.updateSnapshot(func(snap *Snapshot) {
		snap.Enabled = true
		snap.Permitted = true
		snap.LastError = ""
		fn(snap)
	})
}

func (s *Service) setError(msg string) {
	s.updateSnapshot(func(snap *Snapshot) { snap.LastError = msg })
}

func autoDetectDevice() string {
	for _, prefix := range []string{"/dev/ttyACM", "/dev/ttyUSB"} {
		for i := 0; i < 10; i++ {
			p := fmt.Sprintf("%s%d", prefix, i)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}
