package tracking

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"bustracker/internal/gps"
	"bustracker/internal/store"
)

type fakeSub struct {
	mu       sync.Mutex
	canceled bool
}

func (s *fakeSub) Cancel() {
	s.mu.Lock()
	s.canceled = true
	s.mu.Unlock()
}

func (s *fakeSub) isCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

type fakeSource struct {
	mu          sync.Mutex
	enabled     bool
	permitted   bool
	enableErr   error
	grant       bool
	current     *gps.Fix
	enableCalls int
	permCalls   int
	subs        []*fakeSub
	fns         []func(gps.Fix)
}

func (f *fakeSource) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeSource) RequestEnable(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enableCalls++
	if f.enableErr != nil {
		return f.enableErr
	}
	f.enabled = true
	return nil
}

func (f *fakeSource) HasPermission() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permitted
}

func (f *fakeSource) RequestPermission(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permCalls++
	f.permitted = f.grant
	return f.grant, nil
}

func (f *fakeSource) Current(ctx context.Context) (gps.Fix, error) {
	f.mu.Lock()
	cur := f.current
	f.mu.Unlock()
	if cur == nil {
		<-ctx.Done()
		return gps.Fix{}, gps.ErrNoFix
	}
	return *cur, nil
}

func (f *fakeSource) Subscribe(fn func(gps.Fix)) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{}
	f.subs = append(f.subs, sub)
	f.fns = append(f.fns, fn)
	return sub
}

// emit delivers fix to every subscription that has not been canceled, the
// way a subscription goroutine would.
func (f *fakeSource) emit(fix gps.Fix) {
	f.mu.Lock()
	var fns []func(gps.Fix)
	for i, sub := range f.subs {
		if !sub.isCanceled() {
			fns = append(fns, f.fns[i])
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(fix)
	}
}

// emitAll delivers fix to every subscription ever opened, including canceled
// ones, to model a fix racing with Cancel.
func (f *fakeSource) emitAll(fix gps.Fix) {
	f.mu.Lock()
	fns := append([]func(gps.Fix){}, f.fns...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(fix)
	}
}

type write struct {
	ID       string
	Lat, Lon float64
}

type recordingStore struct {
	mu      sync.Mutex
	writes  []write
	failN   int
	listErr error
	buses   []store.Bus
}

func (s *recordingStore) ListBuses(context.Context) ([]store.Bus, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.buses, nil
}

func (s *recordingStore) UpdatePosition(_ context.Context, id string, lat, lon float64) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, write{ID: id, Lat: lat, Lon: lon})
	if s.failN > 0 {
		s.failN--
		return time.Time{}, errors.New("permission denied")
	}
	return time.Date(2026, 1, 1, 0, 0, len(s.writes), 0, time.UTC), nil
}

func (s *recordingStore) snapshot() []write {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]write(nil), s.writes...)
}

// blockingStore holds each update until release is closed.
type blockingStore struct {
	recordingStore
	started chan struct{}
	release chan struct{}

	errMu sync.Mutex
	errs  []error
}

func newBlockingStore() *blockingStore {
	return &blockingStore{started: make(chan struct{}, 8), release: make(chan struct{})}
}

func (s *blockingStore) UpdatePosition(ctx context.Context, id string, lat, lon float64) (time.Time, error) {
	s.started <- struct{}{}
	<-s.release
	err := ctx.Err()
	s.errMu.Lock()
	s.errs = append(s.errs, err)
	s.errMu.Unlock()
	if err != nil {
		return time.Time{}, err
	}
	return s.recordingStore.UpdatePosition(ctx, id, lat, lon)
}

func ptr(v float64) *float64 { return &v }

func newTestController(t *testing.T, src LocationSource, st RecordStore) *Controller {
	t.Helper()
	c := New(Config{WriteTimeout: time.Second, FixTimeout: 50 * time.Millisecond, NoticesMax: 10}, src, st)
	c.now = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(c.Close)
	return c
}

func readySource() *fakeSource {
	return &fakeSource{enabled: true, permitted: true, grant: true}
}

func TestStart_WithoutBusRejected(t *testing.T) {
	st := &recordingStore{}
	c := newTestController(t, readySource(), st)

	for _, mode := range []Mode{ModeManual, ModeLive} {
		err := c.Start(context.Background(), StartRequest{Mode: mode, Lat: ptr(1), Lon: ptr(2)})
		if !errors.Is(err, ErrNoBusSelected) {
			t.Fatalf("mode=%s err=%v want ErrNoBusSelected", mode, err)
		}
	}
	if got := st.snapshot(); len(got) != 0 {
		t.Fatalf("writes=%v", got)
	}
	if c.Session().Active {
		t.Fatalf("session should be inactive")
	}
}

func TestStart_ManualWritesOnceThenStop(t *testing.T) {
	src := readySource()
	st := &recordingStore{}
	c := newTestController(t, src, st)

	if err := c.Start(context.Background(), StartRequest{BusID: "A", Mode: ModeManual, Lat: ptr(10), Lon: ptr(20)}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got := st.snapshot()
	if len(got) != 1 || got[0] != (write{ID: "A", Lat: 10, Lon: 20}) {
		t.Fatalf("writes=%v", got)
	}
	sess := c.Session()
	if !sess.Active || sess.State != StateActiveManual || sess.WritesOK != 1 {
		t.Fatalf("session=%+v", sess)
	}
	if sess.LastWrite == nil || sess.LastWrite.UpdatedAt == nil {
		t.Fatalf("last write missing server timestamp: %+v", sess.LastWrite)
	}

	c.Stop()
	src.emit(gps.Fix{Lat: 1, Lon: 1})
	c.inflight.Wait()
	if got := st.snapshot(); len(got) != 1 {
		t.Fatalf("writes after stop=%v", got)
	}
	if c.Session().State != StateInactive {
		t.Fatalf("state=%s", c.Session().State)
	}
}

func TestStart_ManualUsesSelectedBus(t *testing.T) {
	st := &recordingStore{}
	c := newTestController(t, readySource(), st)
	c.Select("B")

	if err := c.Start(context.Background(), StartRequest{Mode: ModeManual, Lat: ptr(-33.9), Lon: ptr(151.2)}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := st.snapshot(); len(got) != 1 || got[0].ID != "B" {
		t.Fatalf("writes=%v", got)
	}
}

func TestStart_ManualValidation(t *testing.T) {
	cases := []struct {
		name string
		req  StartRequest
		want error
	}{
		{name: "MissingLat", req: StartRequest{BusID: "A", Mode: ModeManual, Lon: ptr(1)}, want: ErrMissingCoordinates},
		{name: "MissingBoth", req: StartRequest{BusID: "A", Mode: ModeManual}, want: ErrMissingCoordinates},
		{name: "LatRange", req: StartRequest{BusID: "A", Mode: ModeManual, Lat: ptr(91), Lon: ptr(0)}, want: ErrInvalidCoordinates},
		{name: "LonRange", req: StartRequest{BusID: "A", Mode: ModeManual, Lat: ptr(0), Lon: ptr(-180.5)}, want: ErrInvalidCoordinates},
		{name: "BadMode", req: StartRequest{BusID: "A", Mode: "teleport"}, want: ErrInvalidMode},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := &recordingStore{}
			c := newTestController(t, readySource(), st)
			if err := c.Start(context.Background(), tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("err=%v want %v", err, tc.want)
			}
			if got := st.snapshot(); len(got) != 0 {
				t.Fatalf("writes=%v", got)
			}
		})
	}
}

func TestStart_ManualWriteFailureKeepsSessionActive(t *testing.T) {
	st := &recordingStore{failN: 1}
	c := newTestController(t, readySource(), st)

	if err := c.Start(context.Background(), StartRequest{BusID: "A", Mode: ModeManual, Lat: ptr(1), Lon: ptr(2)}); err != nil {
		t.Fatalf("Start returned store error: %v", err)
	}
	sess := c.Session()
	if sess.State != StateActiveManual || sess.WritesFailed != 1 {
		t.Fatalf("session=%+v", sess)
	}
	notices := c.Notices(0)
	if len(notices) != 1 || notices[0].Level != LevelError {
		t.Fatalf("notices=%+v", notices)
	}
}

func TestStart_LiveWritesEachFix(t *testing.T) {
	src := readySource()
	st := &recordingStore{}
	c := newTestController(t, src, st)

	if err := c.Start(context.Background(), StartRequest{BusID: "A", Mode: ModeLive}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s := c.Session(); s.State != StateActiveLive {
		t.Fatalf("state=%s", s.State)
	}
	if got := st.snapshot(); len(got) != 0 {
		t.Fatalf("live start should not write before a fix: %v", got)
	}

	fixes := []gps.Fix{{Lat: 1, Lon: 2}, {Lat: 3, Lon: 4}, {Lat: 5, Lon: 6}}
	for _, f := range fixes {
		src.emit(f)
	}
	c.inflight.Wait()

	got := st.snapshot()
	if len(got) != len(fixes) {
		t.Fatalf("writes=%v", got)
	}
	seen := map[write]bool{}
	for _, w := range got {
		seen[w] = true
	}
	for _, f := range fixes {
		if !seen[write{ID: "A", Lat: f.Lat, Lon: f.Lon}] {
			t.Fatalf("missing write for %+v in %v", f, got)
		}
	}
	if s := c.Session(); s.WritesOK != 3 || s.LastFix == nil {
		t.Fatalf("session=%+v", s)
	}
}

func TestStop_CancelsLiveWrites(t *testing.T) {
	src := readySource()
	st := &recordingStore{}
	c := newTestController(t, src, st)

	if err := c.Start(context.Background(), StartRequest{BusID: "A", Mode: ModeLive}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.emit(gps.Fix{Lat: 1, Lon: 2})
	c.inflight.Wait()
	c.Stop()

	if !src.subs[0].isCanceled() {
		t.Fatalf("subscription not canceled")
	}
	// A fix already queued on the subscription goroutine must not write.
	src.emitAll(gps.Fix{Lat: 9, Lon: 9})
	c.inflight.Wait()
	if got := st.snapshot(); len(got) != 1 {
		t.Fatalf("writes=%v", got)
	}
}

func TestStop_WithoutStartIsNoop(t *testing.T) {
	st := &recordingStore{}
	c := newTestController(t, readySource(), st)
	_, events := c.Subscribe(4)

	c.Stop()
	c.Stop()

	if got := st.snapshot(); len(got) != 0 {
		t.Fatalf("writes=%v", got)
	}
	if c.Session().State != StateInactive {
		t.Fatalf("state=%s", c.Session().State)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestLive_WriteFailureRetriesOnNextFix(t *testing.T) {
	src := readySource()
	st := &recordingStore{failN: 1}
	c := newTestController(t, src, st)

	if err := c.Start(context.Background(), StartRequest{BusID: "A", Mode: ModeLive}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.emit(gps.Fix{Lat: 1, Lon: 1})
	c.inflight.Wait()

	sess := c.Session()
	if !sess.Active || sess.WritesFailed != 1 {
		t.Fatalf("session=%+v", sess)
	}
	n := c.Notices(0)
	if len(n) != 1 || n[0].Level != LevelError || !strings.Contains(n[0].Message, "permission denied") {
		t.Fatalf("notices=%+v", n)
	}

	src.emit(gps.Fix{Lat: 2, Lon: 2})
	c.inflight.Wait()
	if got := st.snapshot(); len(got) != 2 {
		t.Fatalf("writes=%v", got)
	}
	if s := c.Session(); s.WritesOK != 1 || s.WritesFailed != 1 {
		t.Fatalf("session=%+v", s)
	}
}

func TestStart_ReplacesSubscription(t *testing.T) {
	src := readySource()
	st := &recordingStore{}
	c := newTestController(t, src, st)

	if err := c.Start(context.Background(), StartRequest{BusID: "A", Mode: ModeLive}); err != nil {
		t.Fatalf("Start A: %v", err)
	}
	if err := c.Start(context.Background(), StartRequest{BusID: "B", Mode: ModeLive}); err != nil {
		t.Fatalf("Start B: %v", err)
	}
	if len(src.subs) != 2 || !src.subs[0].isCanceled() || src.subs[1].isCanceled() {
		t.Fatalf("subscriptions not replaced")
	}

	src.emitAll(gps.Fix{Lat: 7, Lon: 8})
	c.inflight.Wait()
	got := st.snapshot()
	if len(got) != 1 || got[0] != (write{ID: "B", Lat: 7, Lon: 8}) {
		t.Fatalf("writes=%v", got)
	}
}

func TestStart_ManualAfterLiveCancelsStream(t *testing.T) {
	src := readySource()
	st := &recordingStore{}
	c := newTestController(t, src, st)

	_ = c.Start(context.Background(), StartRequest{BusID: "A", Mode: ModeLive})
	if err := c.Start(context.Background(), StartRequest{BusID: "A", Mode: ModeManual, Lat: ptr(10), Lon: ptr(20)}); err != nil {
		t.Fatalf("Start manual: %v", err)
	}
	src.emitAll(gps.Fix{Lat: 1, Lon: 1})
	c.inflight.Wait()

	got := st.snapshot()
	if len(got) != 1 || got[0] != (write{ID: "A", Lat: 10, Lon: 20}) {
		t.Fatalf("writes=%v", got)
	}
}

func TestStart_LiveRequestsEnableAndPermission(t *testing.T) {
	src := &fakeSource{grant: true}
	c := newTestController(t, src, &recordingStore{})

	if err := c.Start(context.Background(), StartRequest{BusID: "A", Mode: ModeLive}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if src.enableCalls != 1 || src.permCalls != 1 {
		t.Fatalf("enable=%d perm=%d", src.enableCalls, src.permCalls)
	}
}

func TestStart_LiveUnavailable(t *testing.T) {
	cases := []struct {
		name string
		src  LocationSource
	}{
		{name: "NoSource", src: nil},
		{name: "EnableFails", src: &fakeSource{enableErr: errors.New("no device"), grant: true}},
		{name: "PermissionDenied", src: &fakeSource{enabled: true, grant: false}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestController(t, tc.src, &recordingStore{})
			err := c.Start(context.Background(), StartRequest{BusID: "A", Mode: ModeLive})
			if !errors.Is(err, ErrLocationUnavailable) {
				t.Fatalf("err=%v want ErrLocationUnavailable", err)
			}
			if c.Session().Active {
				t.Fatalf("session should stay inactive")
			}
			n := c.Notices(0)
			if len(n) != 1 || n[0].Level != LevelError {
				t.Fatalf("notices=%+v", n)
			}
		})
	}
}

func TestInit(t *testing.T) {
	fix := gps.Fix{Lat: 45, Lon: -122, Source: "sim"}
	src := &fakeSource{grant: true, current: &fix}
	st := &recordingStore{buses: []store.Bus{{ID: "A", Name: "Bus A"}}}
	c := newTestController(t, src, st)

	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !src.Enabled() {
		t.Fatalf("source not enabled")
	}
	if s := c.Session(); s.LastFix == nil || s.LastFix.Lat != 45 {
		t.Fatalf("last fix=%+v", s.LastFix)
	}
}

func TestInit_LocationFailureIsSilent(t *testing.T) {
	src := &fakeSource{enableErr: errors.New("disabled")}
	c := newTestController(t, src, &recordingStore{})

	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if n := c.Notices(0); len(n) != 0 {
		t.Fatalf("notices=%+v", n)
	}
}

func TestInit_BusListFailureRaisesNotice(t *testing.T) {
	st := &recordingStore{listErr: errors.New("unreachable")}
	c := newTestController(t, readySource(), st)

	if err := c.Init(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	n := c.Notices(0)
	if len(n) != 1 || !strings.Contains(n[0].Message, "unreachable") {
		t.Fatalf("notices=%+v", n)
	}
}

func TestCurrentPosition_NoFix(t *testing.T) {
	c := newTestController(t, readySource(), &recordingStore{})
	if _, err := c.CurrentPosition(context.Background()); !errors.Is(err, gps.ErrNoFix) {
		t.Fatalf("err=%v want ErrNoFix", err)
	}
}

func TestNotices_Bounded(t *testing.T) {
	c := newTestController(t, readySource(), &recordingStore{})
	for i := 0; i < 15; i++ {
		_ = c.Start(context.Background(), StartRequest{Mode: ModeLive})
	}
	if got := len(c.Notices(0)); got != 10 {
		t.Fatalf("notices=%d want 10", got)
	}
	if got := len(c.Notices(3)); got != 3 {
		t.Fatalf("tail=%d want 3", got)
	}
}

func TestSubscribe_Events(t *testing.T) {
	src := readySource()
	c := newTestController(t, src, &recordingStore{})
	c.Select("A")

	id, events := c.Subscribe(16)
	first := <-events
	if first.Type != EventSession || first.Session.SelectedBusID != "A" {
		t.Fatalf("first event=%+v", first)
	}

	_ = c.Start(context.Background(), StartRequest{Mode: ModeManual, Lat: ptr(10), Lon: ptr(20)})

	var sawWrite, sawActive bool
	timeout := time.After(time.Second)
	for !(sawWrite && sawActive) {
		select {
		case ev := <-events:
			switch ev.Type {
			case EventWrite:
				sawWrite = ev.Write.OK && ev.Write.BusID == "A"
			case EventSession:
				sawActive = sawActive || ev.Session.State == StateActiveManual
			}
		case <-timeout:
			t.Fatalf("write=%v active=%v", sawWrite, sawActive)
		}
	}

	c.Unsubscribe(id)
	if _, ok := <-events; ok {
		// Drain whatever was buffered before the close.
		for range events {
		}
	}
}

func TestStop_LetsRunningWriteFinish(t *testing.T) {
	src := readySource()
	st := newBlockingStore()
	c := newTestController(t, src, st)

	if err := c.Start(context.Background(), StartRequest{BusID: "A", Mode: ModeLive}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.emit(gps.Fix{Lat: 1, Lon: 2})
	select {
	case <-st.started:
	case <-time.After(time.Second):
		t.Fatalf("write not started")
	}

	c.Stop()
	close(st.release)
	c.inflight.Wait()

	st.errMu.Lock()
	errs := append([]error(nil), st.errs...)
	st.errMu.Unlock()
	if len(errs) != 1 || errs[0] != nil {
		t.Fatalf("write errors=%v", errs)
	}
	if got := st.snapshot(); len(got) != 1 || got[0] != (write{ID: "A", Lat: 1, Lon: 2}) {
		t.Fatalf("writes=%v", got)
	}
	if s := c.Session(); s.Active || s.WritesOK != 0 {
		t.Fatalf("session=%+v", s)
	}
}

func TestSubscribe_SessionEventsFollowStateOrder(t *testing.T) {
	c := newTestController(t, readySource(), &recordingStore{})
	_, events := c.Subscribe(256)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Select("bus-" + strconv.Itoa(i))
		}(i)
	}
	wg.Wait()

	var last *Session
	for {
		select {
		case ev := <-events:
			if ev.Type == EventSession {
				last = ev.Session
			}
			continue
		default:
		}
		break
	}
	if last == nil || last.SelectedBusID != c.Session().SelectedBusID {
		t.Fatalf("last event=%+v session=%+v", last, c.Session())
	}
}

func TestSession_SeqTagsWrites(t *testing.T) {
	src := readySource()
	c := newTestController(t, src, &recordingStore{})
	_, events := c.Subscribe(64)

	if err := c.Start(context.Background(), StartRequest{BusID: "A", Mode: ModeManual, Lat: ptr(1), Lon: ptr(1)}); err != nil {
		t.Fatalf("Start manual: %v", err)
	}
	first := c.Session().Seq
	if err := c.Start(context.Background(), StartRequest{BusID: "A", Mode: ModeLive}); err != nil {
		t.Fatalf("Start live: %v", err)
	}
	second := c.Session().Seq
	if first == 0 || second <= first {
		t.Fatalf("seq first=%d second=%d", first, second)
	}
	src.emit(gps.Fix{Lat: 2, Lon: 2})
	c.inflight.Wait()

	var seqs []uint64
	for len(events) > 0 {
		if ev := <-events; ev.Type == EventWrite {
			seqs = append(seqs, ev.Write.Seq)
		}
	}
	if len(seqs) != 2 || seqs[0] != first || seqs[1] != second {
		t.Fatalf("write seqs=%v want [%d %d]", seqs, first, second)
	}
}

func TestStart_FailedLiveRestartEndsRunningSession(t *testing.T) {
	src := readySource()
	st := &recordingStore{}
	c := newTestController(t, src, st)

	if err := c.Start(context.Background(), StartRequest{BusID: "A", Mode: ModeLive}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	src.mu.Lock()
	src.permitted, src.grant = false, false
	src.mu.Unlock()

	if err := c.Start(context.Background(), StartRequest{BusID: "B", Mode: ModeLive}); !errors.Is(err, ErrLocationUnavailable) {
		t.Fatalf("err=%v want ErrLocationUnavailable", err)
	}
	if c.Session().Active {
		t.Fatalf("previous session should have ended")
	}
	if !src.subs[0].isCanceled() {
		t.Fatalf("previous subscription not canceled")
	}
	src.emitAll(gps.Fix{Lat: 1, Lon: 1})
	c.inflight.Wait()
	if got := st.snapshot(); len(got) != 0 {
		t.Fatalf("writes=%v", got)
	}
}
