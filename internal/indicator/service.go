// Package indicator drives an optional LED that is lit while a tracking
// session is active.
package indicator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"bustracker/internal/tracking"
)

type led interface {
	Set(on bool) error
	Close() error
}

// EventSource is the controller's event fanout.
type EventSource interface {
	Subscribe(buffer int) (int, <-chan tracking.Event)
	Unsubscribe(id int)
}

type Config struct {
	Enable bool
	// Pin is BCM GPIO numbering.
	Pin int
}

type Snapshot struct {
	Enabled      bool      `json:"enabled"`
	Available    bool      `json:"available"`
	On           bool      `json:"on"`
	LastUpdateAt time.Time `json:"last_update_utc,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

type Service struct {
	cfg Config

	mu   sync.RWMutex
	snap Snapshot

	ledMu sync.Mutex
	led   led

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config) *Service {
	return &Service{cfg: cfg, stopCh: make(chan struct{})}
}

// Start opens the LED and follows session events from src until ctx ends or
// Close is called. It returns an error only when the LED cannot be opened.
func (s *Service) Start(ctx context.Context, src EventSource) error {
	if s == nil {
		return fmt.Errorf("indicator: service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if src == nil {
		return fmt.Errorf("indicator: event source is nil")
	}
	s.setState(func(sn *Snapshot) { sn.Enabled = true })

	l, err := openLEDFn(s.cfg.Pin)
	if err != nil {
		s.setErr(err.Error())
		return err
	}
	s.ledMu.Lock()
	s.led = l
	s.ledMu.Unlock()
	s.setState(func(sn *Snapshot) { sn.Available = true })
	log.Printf("indicator enabled pin=%d", s.cfg.Pin)

	id, events := src.Subscribe(8)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer src.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Type == tracking.EventSession && ev.Session != nil {
					s.set(ev.Session.Active)
				}
			}
		}
	}()
	return nil
}

func (s *Service) set(on bool) {
	s.ledMu.Lock()
	l := s.led
	var err error
	if l != nil {
		err = l.Set(on)
	}
	s.ledMu.Unlock()
	if l == nil {
		return
	}
	if err != nil {
		s.setErr(err.Error())
		return
	}
	s.setState(func(sn *Snapshot) {
		sn.On = on
		sn.LastError = ""
	})
}

// On reports whether the LED is currently lit.
func (s *Service) On() bool {
	return s.Snapshot().On
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Close stops following events and turns the LED off.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.ledMu.Lock()
	l := s.led
	s.led = nil
	s.ledMu.Unlock()
	if l != nil {
		_ = l.Close()
	}
	s.setState(func(sn *Snapshot) { sn.On = false })
}

func (s *Service) setErr(msg string) {
	s.setState(func(sn *Snapshot) { sn.LastError = msg })
}

func (s *Service) setState(update func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(&s.snap)
	s.snap.LastUpdateAt = time.Now().UTC()
}
