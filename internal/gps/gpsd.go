package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	if strings.TrimSpace(addr) == "" {
		addr = gpsdDefaultAddr
	}
	d := &net.Dialer{Timeout: 2 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// gpsdWatch enables JSON streaming reports in SI units.
func gpsdWatch(conn net.Conn) error {
	_, err := conn.Write([]byte("?WATCH={\"enable\":true,\"json\":true,\"scaled\":true}\n"))
	return err
}

type gpsdTPV struct {
	Class string   `json:"class"`
	Mode  *int     `json:"mode"`
	Time  string   `json:"time"`
	Lat   *float64 `json:"lat"`
	Lon   *float64 `json:"lon"`
	Speed *float64 `json:"speed"`
	Track *float64 `json:"track"`
}

type gpsdSKY struct {
	Class      string   `json:"class"`
	HDOP       *float64 `json:"hdop"`
	Satellites []struct {
		Used bool `json:"used"`
	} `json:"satellites"`
}

type gpsdState struct {
	q Quality
}

func (s *gpsdState) quality() Quality { return s.q }

func (s *gpsdState) decode(nowUTC time.Time, line string) (Fix, bool, error) {
	var base struct {
		Class string `json:"class"`
	}
	if err := json.Unmarshal([]byte(line), &base); err != nil {
		return Fix{}, false, fmt.Errorf("gpsd json parse failed: %v", err)
	}

	switch strings.ToUpper(strings.TrimSpace(base.Class)) {
	case "TPV":
		var tpv gpsdTPV
		if err := json.Unmarshal([]byte(line), &tpv); err != nil {
			return Fix{}, false, fmt.Errorf("gpsd tpv parse failed: %v", err)
		}
		fix, ok := s.applyTPV(nowUTC, tpv)
		return fix, ok, nil
	case "SKY":
		var sky gpsdSKY
		if err := json.Unmarshal([]byte(line), &sky); err != nil {
			return Fix{}, false, fmt.Errorf("gpsd sky parse failed: %v", err)
		}
		s.applySKY(sky)
		return Fix{}, false, nil
	default:
		// VERSION, DEVICES, WATCH, ...
		return Fix{}, false, nil
	}
}

// applyTPV yields a fix when mode indicates 2D/3D and lat/lon are present.
func (s *gpsdState) applyTPV(nowUTC time.Time, tpv gpsdTPV) (Fix, bool) {
	if tpv.Mode != nil {
		m := *tpv.Mode
		s.q.FixMode = &m
	}
	if tpv.Mode == nil || *tpv.Mode < 2 || tpv.Lat == nil || tpv.Lon == nil {
		return Fix{}, false
	}

	fixTime := nowUTC
	if strings.TrimSpace(tpv.Time) != "" {
		if t, err := time.Parse(time.RFC3339Nano, tpv.Time); err == nil {
			fixTime = t.UTC()
		}
	}
	fix := Fix{Lat: *tpv.Lat, Lon: *tpv.Lon, Time: fixTime, Source: "gpsd"}
	if tpv.Speed != nil {
		v := *tpv.Speed
		fix.SpeedMS = &v
	}
	if tpv.Track != nil {
		v := *tpv.Track
		fix.TrackDeg = &v
	}
	return fix, true
}

func (s *gpsdState) applySKY(sky gpsdSKY) {
	if sky.HDOP != nil {
		v := *sky.HDOP
		s.q.HDOP = &v
	}
	if len(sky.Satellites) > 0 {
		used := 0
		for _, sat := range sky.Satellites {
			if sat.Used {
				used++
			}
		}
		s.q.Satellites = &used
	}
}
