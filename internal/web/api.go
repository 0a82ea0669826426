package web

import (
	"errors"
	"log"
	"net/http"

	"bustracker/internal/store"
	"bustracker/internal/tracking"
)

type selectRequest struct {
	BusID string `json:"bus_id"`
}

type busesResponse struct {
	Buses []store.Bus `json:"buses"`
}

type noticesResponse struct {
	Notices []tracking.Notice `json:"notices"`
}

func registerSessionRoutes(mux *http.ServeMux, tracker Tracker) {
	mux.HandleFunc("/api/buses", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		buses, err := tracker.Buses(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, http.StatusOK, busesResponse{Buses: buses})
	})

	mux.HandleFunc("/api/session", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, tracker.Session())
	})

	mux.HandleFunc("/api/session/select", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		var req selectRequest
		if !decodeJSONStrict(w, r, &req) {
			return
		}
		tracker.Select(req.BusID)
		writeJSON(w, http.StatusOK, tracker.Session())
	})

	mux.HandleFunc("/api/session/start", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		var req tracking.StartRequest
		if !decodeJSONStrict(w, r, &req) {
			return
		}
		if err := tracker.Start(r.Context(), req); err != nil {
			http.Error(w, err.Error(), startErrorStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, tracker.Session())
	})

	mux.HandleFunc("/api/session/stop", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		tracker.Stop()
		writeJSON(w, http.StatusOK, tracker.Session())
	})

	mux.HandleFunc("/api/location", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		fix, err := tracker.CurrentPosition(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, fix)
	})

	mux.HandleFunc("/api/notices", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		tail, ok := parseTail(w, r, 20, 1000)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, noticesResponse{Notices: tracker.Notices(tail)})
	})
}

func startErrorStatus(err error) int {
	switch {
	case errors.Is(err, tracking.ErrLocationUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, tracking.ErrNoBusSelected):
		return http.StatusConflict
	case errors.Is(err, tracking.ErrInvalidMode),
		errors.Is(err, tracking.ErrMissingCoordinates),
		errors.Is(err, tracking.ErrInvalidCoordinates):
		return http.StatusBadRequest
	default:
		log.Printf("web start failed: %v", err)
		return http.StatusInternalServerError
	}
}
