package web

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"bustracker/internal/gps"
	"bustracker/internal/store"
	"bustracker/internal/tracking"
)

//go:embed assets/*
var embeddedAssets embed.FS

// Tracker is the controller surface used by the HTTP API. Implementations
// must be safe for concurrent use.
type Tracker interface {
	Buses(ctx context.Context) ([]store.Bus, error)
	Select(busID string)
	Start(ctx context.Context, req tracking.StartRequest) error
	Stop()
	CurrentPosition(ctx context.Context) (gps.Fix, error)
	Session() tracking.Session
	Notices(tail int) []tracking.Notice
	Subscribe(buffer int) (int, <-chan tracking.Event)
	Unsubscribe(id int)
}

func Handler(status *Status, tracker Tracker, logs *LogBuffer) http.Handler {
	if status == nil {
		status = NewStatus()
	}
	mux := http.NewServeMux()

	assetsFS, err := fs.Sub(embeddedAssets, "assets")
	if err != nil {
		assetsFS = nil
	}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, status.Snapshot(time.Now().UTC(), tracker.Session()))
	})

	mux.HandleFunc("/api/about", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, readBuild())
	})

	registerSessionRoutes(mux, tracker)
	mux.Handle("/api/events", eventsHandler(tracker))
	mux.Handle("/gtfs-rt/vehicle-positions", vehiclePositionsHandler(tracker))

	if logs != nil {
		mux.Handle("/api/logs", logs.Handler())
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if r.URL.Path != "/" && path.Dir(r.URL.Path) == "/api" {
			http.NotFound(w, r)
			return
		}
		if assetsFS == nil {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>Bus tracker</title></head><body>")
			_, _ = fmt.Fprintf(w, "<p>Web UI is unavailable. Use <a href=\"/api/status\">/api/status</a>.</p></body></html>")
			return
		}
		b, err := fs.ReadFile(assetsFS, "index.html")
		if err != nil {
			http.Error(w, "ui unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	})

	return mux
}

func Serve(ctx context.Context, listenAddr string, status *Status, tracker Tracker, logs *LogBuffer) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           Handler(status, tracker, logs),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// No WriteTimeout: /api/events holds its connection open.
		IdleTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

// parseTail reads ?tail=N in [1,max]. It writes the 400 itself.
func parseTail(w http.ResponseWriter, r *http.Request, def, max int) (int, bool) {
	s := strings.TrimSpace(r.URL.Query().Get("tail"))
	if s == "" {
		return def, true
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 || v > max {
		http.Error(w, fmt.Sprintf("tail must be an integer in [1,%d]", max), http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

// decodeJSONStrict decodes a single JSON object into dst. Unknown fields and
// trailing data are rejected. It writes the error response itself.
func decodeJSONStrict(w http.ResponseWriter, r *http.Request, dst any) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		http.Error(w, "content-type must be application/json", http.StatusUnsupportedMediaType)
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MiB
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json: unexpected data after object", http.StatusBadRequest)
		return false
	}
	return true
}
