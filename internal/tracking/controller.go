// Package tracking owns the operator session: which bus is selected, where
// its coordinates come from, and forwarding them to the record store.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"bustracker/internal/gps"
	"bustracker/internal/obs"
	"bustracker/internal/store"
)

var (
	ErrNoBusSelected       = errors.New("tracking: no bus selected")
	ErrInvalidMode         = errors.New("tracking: mode must be live or manual")
	ErrMissingCoordinates  = errors.New("tracking: manual mode requires lat and lon")
	ErrInvalidCoordinates  = errors.New("tracking: coordinates out of range")
	ErrLocationUnavailable = errors.New("tracking: location unavailable")
)

// Subscription is a cancellable fix stream.
type Subscription interface {
	Cancel()
}

// LocationSource is the device location capability used by the controller.
type LocationSource interface {
	Enabled() bool
	RequestEnable(ctx context.Context) error
	HasPermission() bool
	RequestPermission(ctx context.Context) (bool, error)
	Current(ctx context.Context) (gps.Fix, error)
	Subscribe(fn func(gps.Fix)) Subscription
}

// RecordStore is the subset of store.Store the controller writes through.
type RecordStore interface {
	ListBuses(ctx context.Context) ([]store.Bus, error)
	UpdatePosition(ctx context.Context, id string, lat, lon float64) (time.Time, error)
}

type gpsSource struct {
	*gps.Service
}

func (s gpsSource) Subscribe(fn func(gps.Fix)) Subscription {
	return s.Service.Subscribe(fn)
}

// FromGPS adapts a gps.Service to LocationSource.
func FromGPS(svc *gps.Service) LocationSource {
	if svc == nil {
		return nil
	}
	return gpsSource{Service: svc}
}

type Config struct {
	WriteTimeout time.Duration
	FixTimeout   time.Duration
	NoticesMax   int
}

type Controller struct {
	cfg   Config
	src   LocationSource
	store RecordStore
	now   func() time.Time

	// opMu serializes operator actions; mu guards the fields below it.
	opMu sync.Mutex

	mu       sync.Mutex
	selected string
	busID    string
	mode     Mode
	lat, lon *float64
	state    State
	started  time.Time
	gen      uint64
	sub      Subscription
	okCount  uint64
	errCount uint64
	last     *WriteResult
	lastFix  *gps.Fix

	inflight sync.WaitGroup
	notices  *noticeRing
	events   *broadcaster
}

// New builds a controller. src may be nil when no location backend exists;
// live mode then fails with ErrLocationUnavailable.
func New(cfg Config, src LocationSource, st RecordStore) *Controller {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.FixTimeout <= 0 {
		cfg.FixTimeout = 3 * time.Second
	}
	return &Controller{
		cfg:     cfg,
		src:     src,
		store:   st,
		now:     time.Now,
		state:   StateInactive,
		notices: newNoticeRing(cfg.NoticesMax),
		events:  newBroadcaster(),
	}
}

// Init prepares the screen: it brings up the location source when possible,
// seeds the last known fix and loads the bus list. Location failures are
// logged only; a bus list failure raises a notice and is returned.
func (c *Controller) Init(ctx context.Context) error {
	if err := c.prepareLocation(ctx); err != nil {
		log.Printf("tracking init: location skipped: %v", err)
	} else {
		if _, err := c.CurrentPosition(ctx); err != nil {
			log.Printf("tracking init: no current fix: %v", err)
		}
	}
	c.publishSession()

	if _, err := c.Buses(ctx); err != nil {
		return err
	}
	return nil
}

// Buses lists all bus records.
func (c *Controller) Buses(ctx context.Context) ([]store.Bus, error) {
	buses, err := c.store.ListBuses(ctx)
	if err != nil {
		c.notice(LevelError, fmt.Sprintf("Failed to load buses: %v", err))
		return nil, fmt.Errorf("tracking buses: %w", err)
	}
	return buses, nil
}

// Select sets the bus used by later starts without starting tracking.
func (c *Controller) Select(busID string) {
	c.mu.Lock()
	c.selected = strings.TrimSpace(busID)
	c.mu.Unlock()
	c.publishSession()
}

// CurrentPosition returns a one-shot fix from the location source.
func (c *Controller) CurrentPosition(ctx context.Context) (gps.Fix, error) {
	if c.src == nil {
		return gps.Fix{}, ErrLocationUnavailable
	}
	fctx, cancel := context.WithTimeout(ctx, c.cfg.FixTimeout)
	defer cancel()
	fix, err := c.src.Current(fctx)
	if err != nil {
		return gps.Fix{}, fmt.Errorf("tracking current position: %w", err)
	}
	c.mu.Lock()
	c.lastFix = &fix
	c.mu.Unlock()
	return fix, nil
}

// Start begins a session. Store write failures become notices and are not
// returned; the session stays active.
func (c *Controller) Start(ctx context.Context, req StartRequest) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	busID := strings.TrimSpace(req.BusID)
	c.mu.Lock()
	if busID == "" {
		busID = c.selected
	} else {
		c.selected = busID
	}
	c.mu.Unlock()
	if busID == "" {
		c.notice(LevelError, "Select a bus first")
		return ErrNoBusSelected
	}
	if !req.Mode.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}

	switch req.Mode {
	case ModeManual:
		if req.Lat == nil || req.Lon == nil {
			return ErrMissingCoordinates
		}
		if !validCoordinates(*req.Lat, *req.Lon) {
			return fmt.Errorf("%w: lat=%g lon=%g", ErrInvalidCoordinates, *req.Lat, *req.Lon)
		}
		c.replace()
		return c.startManual(ctx, busID, *req.Lat, *req.Lon)
	default:
		c.replace()
		return c.startLive(ctx, busID)
	}
}

func (c *Controller) startManual(ctx context.Context, busID string, lat, lon float64) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.resetCountersLocked()
	c.busID, c.mode = busID, ModeManual
	c.lat, c.lon = &lat, &lon
	c.mu.Unlock()

	c.inflight.Add(1)
	res := c.write(obs.WithSession(ctx, fmt.Sprintf("%s-%d", busID, gen)), gen, busID, lat, lon)

	c.mu.Lock()
	if c.gen == gen {
		c.state = StateActiveManual
		c.started = c.now().UTC()
	}
	c.mu.Unlock()

	log.Printf("tracking started bus=%s mode=manual lat=%g lon=%g", busID, lat, lon)
	if res.OK {
		c.notice(LevelInfo, fmt.Sprintf("Position sent for bus %s", busID))
	}
	c.publishSession()
	return nil
}

func (c *Controller) startLive(ctx context.Context, busID string) error {
	if err := c.prepareLocation(ctx); err != nil {
		c.notice(LevelError, fmt.Sprintf("Location unavailable: %v", err))
		c.publishSession()
		return fmt.Errorf("%w: %v", ErrLocationUnavailable, err)
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.resetCountersLocked()
	c.busID, c.mode = busID, ModeLive
	c.lat, c.lon = nil, nil
	c.state = StateActiveLive
	c.started = c.now().UTC()
	c.mu.Unlock()

	// Stop cancels only the subscription; writes already started complete.
	sessCtx := obs.WithSession(context.Background(), fmt.Sprintf("%s-%d", busID, gen))
	sub := c.src.Subscribe(func(fix gps.Fix) { c.onFix(sessCtx, gen, busID, fix) })

	c.mu.Lock()
	if c.gen == gen {
		c.sub = sub
		sub = nil
	}
	c.mu.Unlock()
	if sub != nil {
		sub.Cancel()
	}

	log.Printf("tracking started bus=%s mode=live", busID)
	c.publishSession()
	return nil
}

// onFix runs on the subscription goroutine.
func (c *Controller) onFix(ctx context.Context, gen uint64, busID string, fix gps.Fix) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateActiveLive {
		c.mu.Unlock()
		return
	}
	f := fix
	c.lastFix = &f
	c.inflight.Add(1)
	c.mu.Unlock()

	go c.write(ctx, gen, busID, fix.Lat, fix.Lon)
}

// write performs one store update and records the outcome. The caller must
// have called inflight.Add(1).
func (c *Controller) write(ctx context.Context, gen uint64, busID string, lat, lon float64) WriteResult {
	defer c.inflight.Done()

	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	ts, err := c.store.UpdatePosition(wctx, busID, lat, lon)

	res := WriteResult{BusID: busID, Lat: lat, Lon: lon, At: c.now().UTC(), Seq: gen}
	if err != nil {
		res.Error = err.Error()
	} else {
		res.OK = true
		res.UpdatedAt = &ts
	}

	c.mu.Lock()
	current := c.gen == gen
	if current {
		if res.OK {
			c.okCount++
		} else {
			c.errCount++
		}
		r := res
		c.last = &r
	}
	c.mu.Unlock()

	if !current {
		if err != nil {
			log.Printf("tracking write after stop failed bus=%s: %v", busID, err)
		} else {
			log.Printf("tracking write after stop bus=%s lat=%g lon=%g", busID, lat, lon)
		}
		return res
	}
	if err != nil {
		log.Printf("tracking write failed bus=%s lat=%g lon=%g: %v", busID, lat, lon, err)
		c.notice(LevelError, fmt.Sprintf("Failed to update bus %s: %v", busID, err))
	}
	c.events.publish(Event{Type: EventWrite, Time: res.At, Write: &res})
	return res
}

// prepareLocation asks once for the location service and permission.
func (c *Controller) prepareLocation(ctx context.Context) error {
	if c.src == nil {
		return errors.New("no location source configured")
	}
	if !c.src.Enabled() {
		if err := c.src.RequestEnable(ctx); err != nil {
			return fmt.Errorf("location service disabled: %w", err)
		}
	}
	if !c.src.HasPermission() {
		ok, err := c.src.RequestPermission(ctx)
		if err != nil {
			return fmt.Errorf("location permission: %w", err)
		}
		if !ok {
			return errors.New("location permission denied")
		}
	}
	return nil
}

// Stop ends the active session. It is a no-op when nothing is active.
func (c *Controller) Stop() {
	c.opMu.Lock()
	wasActive := c.stop()
	c.opMu.Unlock()
	if wasActive {
		c.publishSession()
	}
}

// replace ends a running session before a new one starts so observers see
// the boundary.
func (c *Controller) replace() {
	if c.stop() {
		c.publishSession()
	}
}

func (c *Controller) stop() bool {
	c.mu.Lock()
	wasActive := c.state != StateInactive
	sub := c.sub
	c.sub = nil
	c.gen++
	c.state = StateInactive
	busID := c.busID
	c.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if wasActive {
		log.Printf("tracking stopped bus=%s", busID)
	}
	return wasActive
}

// Close stops tracking, waits for in-flight writes and closes event
// subscriptions.
func (c *Controller) Close() {
	c.Stop()
	c.inflight.Wait()
	c.events.closeAll()
}

func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionLocked()
}

func (c *Controller) sessionLocked() Session {
	s := Session{
		SelectedBusID: c.selected,
		Active:        c.state != StateInactive,
		State:         c.state,
		WritesOK:      c.okCount,
		WritesFailed:  c.errCount,
	}
	if c.mode != "" {
		s.BusID, s.Mode = c.busID, c.mode
	}
	if c.lat != nil && c.lon != nil {
		lat, lon := *c.lat, *c.lon
		s.ManualLat, s.ManualLon = &lat, &lon
	}
	if s.Active {
		t := c.started
		s.StartedAt = &t
		s.Seq = c.gen
	}
	if c.last != nil {
		w := *c.last
		s.LastWrite = &w
	}
	if c.lastFix != nil {
		f := *c.lastFix
		s.LastFix = &f
	}
	return s
}

func (c *Controller) resetCountersLocked() {
	c.okCount, c.errCount, c.last = 0, 0, nil
}

// Notices returns up to tail recent notices, oldest first.
func (c *Controller) Notices(tail int) []Notice {
	return c.notices.tail(tail)
}

// Subscribe registers an event listener. The current session is delivered
// first. Slow listeners miss events.
func (c *Controller) Subscribe(buffer int) (int, <-chan Event) {
	return c.events.subscribe(buffer)
}

func (c *Controller) Unsubscribe(id int) {
	c.events.unsubscribe(id)
}

func (c *Controller) notice(level Level, msg string) {
	n := Notice{Time: c.now().UTC(), Level: level, Message: msg}
	c.notices.add(n)
	c.events.publish(Event{Type: EventNotice, Time: n.Time, Notice: &n})
}

// publishSession holds mu across the publish so session events reach
// listeners in the order the state changed.
func (c *Controller) publishSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessionLocked()
	c.events.publish(Event{Type: EventSession, Time: c.now().UTC(), Session: &s})
}
