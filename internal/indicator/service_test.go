package indicator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bustracker/internal/store"
	"bustracker/internal/tracking"
)

type nopStore struct{}

func (nopStore) ListBuses(context.Context) ([]store.Bus, error) { return nil, nil }

func (nopStore) UpdatePosition(context.Context, string, float64, float64) (time.Time, error) {
	return time.Now().UTC(), nil
}

type fakeLED struct {
	mu     sync.Mutex
	states []bool
	closed bool
	ch     chan bool
}

func (f *fakeLED) Set(on bool) error {
	f.mu.Lock()
	f.states = append(f.states, on)
	f.mu.Unlock()
	select {
	case f.ch <- on:
	default:
	}
	return nil
}

func (f *fakeLED) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeEvents struct {
	mu   sync.Mutex
	ch   chan tracking.Event
	gone bool
}

func (f *fakeEvents) Subscribe(int) (int, <-chan tracking.Event) {
	return 1, f.ch
}

func (f *fakeEvents) Unsubscribe(int) {
	f.mu.Lock()
	f.gone = true
	f.mu.Unlock()
}

func sessionEvent(active bool) tracking.Event {
	return tracking.Event{Type: tracking.EventSession, Session: &tracking.Session{Active: active}}
}

func stubLED(t *testing.T, l led, err error) {
	t.Helper()
	old := openLEDFn
	openLEDFn = func(pin int) (led, error) { return l, err }
	t.Cleanup(func() { openLEDFn = old })
}

func waitState(t *testing.T, ch <-chan bool, want bool) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("led=%v want %v", got, want)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for led=%v", want)
	}
}

func TestService_FollowsSession(t *testing.T) {
	l := &fakeLED{ch: make(chan bool, 4)}
	stubLED(t, l, nil)
	src := &fakeEvents{ch: make(chan tracking.Event, 4)}

	svc := New(Config{Enable: true, Pin: 17})
	if err := svc.Start(context.Background(), src); err != nil {
		t.Fatalf("Start: %v", err)
	}

	src.ch <- sessionEvent(true)
	waitState(t, l.ch, true)
	if !svc.On() {
		t.Fatalf("expected On")
	}

	// Non-session events leave the LED alone.
	src.ch <- tracking.Event{Type: tracking.EventWrite, Write: &tracking.WriteResult{OK: true}}
	src.ch <- sessionEvent(false)
	waitState(t, l.ch, false)

	svc.Close()
	if !l.closed || svc.On() {
		t.Fatalf("closed=%v on=%v", l.closed, svc.On())
	}
	src.mu.Lock()
	defer src.mu.Unlock()
	if !src.gone {
		t.Fatalf("expected unsubscribe on close")
	}
}

func TestService_OpenFailure(t *testing.T) {
	stubLED(t, nil, errors.New("no gpiochip"))
	svc := New(Config{Enable: true, Pin: 17})
	if err := svc.Start(context.Background(), &fakeEvents{ch: make(chan tracking.Event)}); err == nil {
		t.Fatalf("expected error")
	}
	snap := svc.Snapshot()
	if !snap.Enabled || snap.Available || snap.LastError == "" {
		t.Fatalf("snap=%+v", snap)
	}
	svc.Close()
}

func TestService_Disabled(t *testing.T) {
	stubLED(t, nil, errors.New("must not be called"))
	svc := New(Config{})
	if err := svc.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if svc.Snapshot().Enabled {
		t.Fatalf("disabled service reports enabled")
	}
	svc.Close()
}

func TestService_WithController(t *testing.T) {
	l := &fakeLED{ch: make(chan bool, 4)}
	stubLED(t, l, nil)

	ctl := tracking.New(tracking.Config{}, nil, nopStore{})
	defer ctl.Close()

	svc := New(Config{Enable: true, Pin: 17})
	if err := svc.Start(context.Background(), ctl); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Close()

	lat, lon := 1.0, 2.0
	if err := ctl.Start(context.Background(), tracking.StartRequest{BusID: "A", Mode: tracking.ModeManual, Lat: &lat, Lon: &lon}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitState(t, l.ch, true)
	ctl.Stop()
	waitState(t, l.ch, false)
}
