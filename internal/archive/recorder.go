// Package archive records each tracking session's accepted positions to a
// track log that the replay location backend can play back.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"bustracker/internal/replay"
	"bustracker/internal/tracking"
)

const (
	uploadTimeout = 30 * time.Second
	// maxNameTries bounds the suffixes tried when tracks share a start second.
	maxNameTries = 100
)

// EventSource is the controller's event fanout.
type EventSource interface {
	Subscribe(buffer int) (int, <-chan tracking.Event)
	Unsubscribe(id int)
}

type Snapshot struct {
	Enabled     bool   `json:"enabled"`
	Recording   bool   `json:"recording"`
	CurrentPath string `json:"current_path,omitempty"`
	Tracks      uint64 `json:"tracks"`
	Uploads     uint64 `json:"uploads"`
	LastError   string `json:"last_error,omitempty"`
}

type track struct {
	w     *replay.Writer
	busID string
	seq   uint64
	// stem is the start time plus any collision suffix; it names both the
	// local file and the object key.
	stem string
}

// Recorder turns write events into track files. A track starts at the first
// accepted write and ends when the session goes inactive or a write from
// another session arrives.
type Recorder struct {
	dir string
	up  Uploader

	mu   sync.Mutex
	cur  *track
	snap Snapshot

	loopWG   sync.WaitGroup
	uploadWG sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRecorder writes tracks under dir. up may be nil to keep files local.
func NewRecorder(dir string, up Uploader) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create dir %q: %w", dir, err)
	}
	return &Recorder{dir: dir, up: up, snap: Snapshot{Enabled: true}, stopCh: make(chan struct{})}, nil
}

func (r *Recorder) Start(ctx context.Context, src EventSource) {
	id, events := src.Subscribe(64)
	r.loopWG.Add(1)
	go func() {
		defer r.loopWG.Done()
		defer src.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				r.drain(events)
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				r.handle(ev)
			}
		}
	}()
}

// drain handles events already queued when Close was called.
func (r *Recorder) drain(events <-chan tracking.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handle(ev)
		default:
			return
		}
	}
}

func (r *Recorder) handle(ev tracking.Event) {
	switch ev.Type {
	case tracking.EventWrite:
		if ev.Write == nil || !ev.Write.OK {
			return
		}
		at := ev.Write.At
		if ev.Write.UpdatedAt != nil {
			at = *ev.Write.UpdatedAt
		}
		r.record(ev.Write.BusID, ev.Write.Seq, at, ev.Write.Lat, ev.Write.Lon)
	case tracking.EventSession:
		if ev.Session != nil && !ev.Session.Active {
			r.finish()
		}
	}
}

func (r *Recorder) record(busID string, seq uint64, at time.Time, lat, lon float64) {
	r.mu.Lock()
	if r.cur != nil && (r.cur.busID != busID || r.cur.seq != seq) {
		done := r.cur
		r.cur = nil
		r.mu.Unlock()
		r.closeTrack(done)
		r.mu.Lock()
	}
	if r.cur == nil {
		t, err := r.openTrack(busID, seq, at.UTC())
		if err != nil {
			r.snap.LastError = err.Error()
			r.mu.Unlock()
			log.Printf("archive open failed bus=%s: %v", busID, err)
			return
		}
		r.cur = t
		r.snap.Recording = true
		r.snap.CurrentPath = t.w.Path()
		log.Printf("archive recording bus=%s path=%s", busID, t.w.Path())
	}
	cur := r.cur
	err := cur.w.WritePoint(at, lat, lon)
	if err == nil {
		err = cur.w.Flush()
	}
	if err != nil {
		r.snap.LastError = err.Error()
	}
	r.mu.Unlock()
	if err != nil {
		log.Printf("archive write failed bus=%s: %v", busID, err)
	}
}

// openTrack creates a new file for the track, never reusing an existing one.
func (r *Recorder) openTrack(busID string, seq uint64, started time.Time) (*track, error) {
	for n := 0; n < maxNameTries; n++ {
		stem := trackStem(started, n)
		w, err := replay.CreateNewWriterAt(filepath.Join(r.dir, trackFileName(busID, stem)), started)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &track{w: w, busID: busID, seq: seq, stem: stem}, nil
	}
	return nil, fmt.Errorf("archive: no free track name for bus %q at %s", busID, trackStem(started, 0))
}

func (r *Recorder) finish() {
	r.mu.Lock()
	done := r.cur
	r.cur = nil
	r.mu.Unlock()
	if done != nil {
		r.closeTrack(done)
	}
}

func (r *Recorder) closeTrack(t *track) {
	path := t.w.Path()
	points := t.w.Points()
	err := t.w.Close()

	r.mu.Lock()
	r.snap.Recording = r.cur != nil
	if r.cur == nil {
		r.snap.CurrentPath = ""
	}
	if err == nil {
		r.snap.Tracks++
	} else {
		r.snap.LastError = err.Error()
	}
	r.mu.Unlock()

	if err != nil {
		log.Printf("archive close failed path=%s: %v", path, err)
		return
	}
	log.Printf("archive track closed bus=%s points=%d path=%s", t.busID, points, path)
	if r.up == nil {
		return
	}

	key := objectKey(t.busID, t.stem)
	r.uploadWG.Add(1)
	go func() {
		defer r.uploadWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()
		if err := r.up.Upload(ctx, key, path); err != nil {
			r.mu.Lock()
			r.snap.LastError = err.Error()
			r.mu.Unlock()
			log.Printf("archive upload failed key=%s: %v", key, err)
			return
		}
		r.mu.Lock()
		r.snap.Uploads++
		r.mu.Unlock()
	}()
}

func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Close stops recording, closes any open track and waits for uploads.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.loopWG.Wait()
	r.finish()
	r.uploadWG.Wait()
}

const keyTimeLayout = "20060102T150405Z"

// trackStem is the UTC start time, with -n appended for the nth track
// sharing that second.
func trackStem(started time.Time, n int) string {
	stem := started.UTC().Format(keyTimeLayout)
	if n > 0 {
		stem += fmt.Sprintf("-%d", n)
	}
	return stem
}

func objectKey(busID, stem string) string {
	return sanitize(busID) + "/" + stem + ".track"
}

func trackFileName(busID, stem string) string {
	return sanitize(busID) + "_" + stem + ".track"
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}
