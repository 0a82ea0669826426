package sim

import (
	"math"
	"time"
)

const metersPerDegLat = 111_320.0

// LoopSim drives a deterministic figure-eight around a depot.
type LoopSim struct {
	CenterLatDeg float64
	CenterLonDeg float64
	RadiusM      float64
	Period       time.Duration
}

// Position returns the position on the loop at now, plus the instantaneous
// track and ground speed.
func (s LoopSim) Position(now time.Time) (latDeg, lonDeg, trackDeg, speedMS float64) {
	period := s.Period
	if period <= 0 {
		period = 10 * time.Minute
	}
	radiusM := s.RadiusM
	if radiusM <= 0 {
		radiusM = 800
	}
	radiusDeg := radiusM / metersPerDegLat

	phase := float64(now.UnixNano()%period.Nanoseconds()) / float64(period.Nanoseconds())

	// x = cos(2πt), y = 0.5*sin(4πt); stays within the radius.
	w := 2 * math.Pi * phase
	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)

	cosLat := math.Cos(s.CenterLatDeg * math.Pi / 180.0)
	latDeg = s.CenterLatDeg + radiusDeg*y
	lonDeg = s.CenterLonDeg + (radiusDeg*x)/cosLat

	vx := -2 * math.Pi * math.Sin(w)
	vy := 2 * math.Pi * math.Cos(2*w)
	trackDeg = math.Mod((math.Atan2(vx, vy)*180/math.Pi)+360, 360)

	// d/dt of the unit path scaled to meters per second.
	speedMS = math.Hypot(vx, vy) * radiusM / period.Seconds()
	return latDeg, lonDeg, trackDeg, speedMS
}
