package tracking

import (
	"time"

	"bustracker/internal/gps"
)

// Mode selects where coordinates come from.
type Mode string

const (
	ModeLive   Mode = "live"
	ModeManual Mode = "manual"
)

func (m Mode) valid() bool {
	return m == ModeLive || m == ModeManual
}

type State string

const (
	StateInactive     State = "inactive"
	StateActiveManual State = "active-manual"
	StateActiveLive   State = "active-live"
)

// StartRequest is the operator's start action. An empty BusID means the
// currently selected bus.
type StartRequest struct {
	BusID string   `json:"bus_id,omitempty"`
	Mode  Mode     `json:"mode"`
	Lat   *float64 `json:"lat,omitempty"`
	Lon   *float64 `json:"lon,omitempty"`
}

// WriteResult describes one position write attempt.
type WriteResult struct {
	BusID     string     `json:"bus_id"`
	Lat       float64    `json:"lat"`
	Lon       float64    `json:"lon"`
	OK        bool       `json:"ok"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	Error     string     `json:"error,omitempty"`
	At        time.Time  `json:"at"`
	// Seq identifies the session the write belongs to.
	Seq       uint64     `json:"seq"`
}

// Session is a point-in-time copy of the tracking session.
type Session struct {
	SelectedBusID string       `json:"selected_bus_id,omitempty"`
	BusID         string       `json:"bus_id,omitempty"`
	Mode          Mode         `json:"mode,omitempty"`
	ManualLat     *float64     `json:"manual_lat,omitempty"`
	ManualLon     *float64     `json:"manual_lon,omitempty"`
	Active        bool         `json:"active"`
	// Seq increases with every start; zero when inactive.
	Seq           uint64       `json:"seq,omitempty"`
	State         State        `json:"state"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	WritesOK      uint64       `json:"writes_ok"`
	WritesFailed  uint64       `json:"writes_failed"`
	LastWrite     *WriteResult `json:"last_write,omitempty"`
	LastFix       *gps.Fix     `json:"last_fix,omitempty"`
}

func validCoordinates(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
