package gps

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const knotsToMS = 0.514444

type nmeaSentence struct {
	// Type is the sentence type without the talker ID (RMC, GGA, ...).
	Type   string
	Fields []string
}

func parseNMEASentence(line string) (nmeaSentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nmeaSentence{}, fmt.Errorf("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return nmeaSentence{}, fmt.Errorf("nmea: missing checksum")
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return nmeaSentence{}, fmt.Errorf("nmea: short checksum")
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return nmeaSentence{}, fmt.Errorf("nmea: bad checksum")
	}
	var got byte
	for i := 0; i < len(payload); i++ {
		got ^= payload[i]
	}
	if got != want[0] {
		return nmeaSentence{}, fmt.Errorf("nmea: checksum mismatch")
	}

	parts := strings.Split(payload, ",")
	if len(parts[0]) < 3 {
		return nmeaSentence{}, fmt.Errorf("nmea: short type")
	}
	// GNRMC, GPRMC, ... all map to RMC.
	t := parts[0][len(parts[0])-3:]
	return nmeaSentence{Type: strings.ToUpper(t), Fields: parts}, nil
}

// nmeaState turns RMC/GGA sentences into fixes. RMC drives fixes; GGA only
// does so for receivers that never emit RMC.
type nmeaState struct {
	rmcSeen bool
	q       Quality
}

func (s *nmeaState) decode(nowUTC time.Time, line string) (Fix, bool, error) {
	// Receivers may interleave non-NMEA chatter.
	if !strings.HasPrefix(line, "$") {
		return Fix{}, false, nil
	}
	sent, err := parseNMEASentence(line)
	if err != nil {
		return Fix{}, false, err
	}
	switch sent.Type {
	case "RMC":
		return s.applyRMC(nowUTC, sent.Fields)
	case "GGA":
		return s.applyGGA(nowUTC, sent.Fields)
	default:
		return Fix{}, false, nil
	}
}

func (s *nmeaState) quality() Quality { return s.q }

// RMC: Recommended Minimum Specific GNSS Data
//
//	0: talker+type
//	1: time (hhmmss.sss)
//	2: status (A=active, V=void)
//	3: latitude (ddmm.mmmm)
//	4: N/S
//	5: longitude (dddmm.mmmm)
//	6: E/W
//	7: speed over ground (knots)
//	8: course over ground (deg)
//	9: date (ddmmyy)
func (s *nmeaState) applyRMC(nowUTC time.Time, f []string) (Fix, bool, error) {
	if len(f) < 10 {
		return Fix{}, false, nil
	}
	s.rmcSeen = true
	if strings.TrimSpace(f[2]) != "A" {
		return Fix{}, false, nil
	}
	lat, latOK := parseNMEALatLon(f[3], f[4])
	lon, lonOK := parseNMEALatLon(f[5], f[6])
	if !latOK || !lonOK {
		return Fix{}, false, nil
	}

	fix := Fix{Lat: lat, Lon: lon, Time: nowUTC, Source: "nmea"}
	if kt, ok := parseFloat(f[7]); ok {
		v := kt * knotsToMS
		fix.SpeedMS = &v
	}
	if trk, ok := parseFloat(f[8]); ok {
		v := math.Mod(trk+360.0, 360.0)
		fix.TrackDeg = &v
	}
	return fix, true, nil
}

// GGA: Global Positioning System Fix Data
//
//	0: talker+type
//	1: time
//	2: latitude
//	3: N/S
//	4: longitude
//	5: E/W
//	6: fix quality (0=invalid)
//	7: number of satellites
//	8: HDOP
//	9: altitude (meters)
func (s *nmeaState) applyGGA(nowUTC time.Time, f []string) (Fix, bool, error) {
	if len(f) < 10 {
		return Fix{}, false, nil
	}
	fixQ := strings.TrimSpace(f[6])
	if fixQ == "" || fixQ == "0" {
		return Fix{}, false, nil
	}
	if q, err := strconv.Atoi(fixQ); err == nil {
		s.q.FixQuality = &q
	}
	if sats, err := strconv.Atoi(strings.TrimSpace(f[7])); err == nil {
		s.q.Satellites = &sats
	}
	if hdop, ok := parseFloat(f[8]); ok {
		s.q.HDOP = &hdop
	}

	if s.rmcSeen {
		return Fix{}, false, nil
	}
	lat, latOK := parseNMEALatLon(f[2], f[3])
	lon, lonOK := parseNMEALatLon(f[4], f[5])
	if !latOK || !lonOK {
		return Fix{}, false, nil
	}
	return Fix{Lat: lat, Lon: lon, Time: nowUTC, Source: "nmea"}, true, nil
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseNMEALatLon parses ddmm.mmmm (lat) or dddmm.mmmm (lon) plus hemisphere.
func parseNMEALatLon(v string, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.TrimSpace(strings.ToUpper(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}

	intPart := v
	if dot := strings.IndexByte(v, '.'); dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}
	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[len(intPart)-2:], 64)
	if err != nil || mins >= 60 {
		return 0, false
	}

	dec := float64(deg) + mins/60.0
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	limit := 90.0
	if hemi == "E" || hemi == "W" {
		limit = 180.0
	}
	if math.Abs(dec) > limit {
		return 0, false
	}
	return dec, true
}
