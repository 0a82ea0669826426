package sim

import (
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// RouteScript is a timed list of waypoints describing one run of a bus line.
//
// YAML schema (v1):
//
//	version: 1
//	line: "12"
//	duration: 20m   # optional, derived from the last waypoint
//	waypoints:
//	  - t: 0s
//	    lat_deg: 45.52
//	    lon_deg: -122.68
//	    stop: "Pioneer Square"
//	  - t: 3m
//	    lat_deg: 45.53
//	    lon_deg: -122.66
//
// Waypoints must be sorted by t.
type RouteScript struct {
	Version   int           `yaml:"version"`
	Line      string        `yaml:"line"`
	Duration  time.Duration `yaml:"duration"`
	Waypoints []Waypoint    `yaml:"waypoints"`
}

type Waypoint struct {
	T      time.Duration `yaml:"t"`
	LatDeg float64       `yaml:"lat_deg"`
	LonDeg float64       `yaml:"lon_deg"`
	Stop   string        `yaml:"stop"`
}

// Route is the validated runtime form of a RouteScript.
type Route struct {
	script   RouteScript
	duration time.Duration
}

// RouteState is the interpolated position at a point in the run.
type RouteState struct {
	LatDeg   float64
	LonDeg   float64
	TrackDeg float64
	// LastStop is the most recent named waypoint passed.
	LastStop string
}

func LoadRouteScript(path string) (RouteScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return RouteScript{}, err
	}
	return ParseRouteScriptYAML(b)
}

func ParseRouteScriptYAML(b []byte) (RouteScript, error) {
	var s RouteScript
	if err := yaml.Unmarshal(b, &s); err != nil {
		return RouteScript{}, err
	}
	return s, nil
}

func NewRoute(script RouteScript) (*Route, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported route version %d", script.Version)
	}
	if len(script.Waypoints) == 0 {
		return nil, fmt.Errorf("waypoints is required")
	}
	for i, wp := range script.Waypoints {
		if wp.T < 0 {
			return nil, fmt.Errorf("waypoints[%d].t must be >= 0", i)
		}
		if i > 0 && wp.T < script.Waypoints[i-1].T {
			return nil, fmt.Errorf("waypoints must be sorted by t (index %d)", i)
		}
		if wp.LatDeg < -90 || wp.LatDeg > 90 || wp.LonDeg < -180 || wp.LonDeg > 180 {
			return nil, fmt.Errorf("waypoints[%d] is out of range", i)
		}
	}

	dur := script.Duration
	if dur <= 0 {
		dur = script.Waypoints[len(script.Waypoints)-1].T
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration is required (or derivable from waypoints)")
	}
	return &Route{script: script, duration: dur}, nil
}

func (r *Route) Duration() time.Duration {
	if r == nil {
		return 0
	}
	return r.duration
}

func (r *Route) Line() string {
	if r == nil {
		return ""
	}
	return r.script.Line
}

// StateAt interpolates the route at elapsed. With loop set, elapsed wraps
// around Duration(); otherwise it is clamped to [0, Duration()].
func (r *Route) StateAt(elapsed time.Duration, loop bool) RouteState {
	if r == nil {
		return RouteState{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if loop {
		elapsed = elapsed % r.duration
	} else if elapsed > r.duration {
		elapsed = r.duration
	}

	wps := r.script.Waypoints
	w0, w1, alpha := selectSegment(wps, elapsed)
	out := RouteState{
		LatDeg:   lerp(w0.LatDeg, w1.LatDeg, alpha),
		LonDeg:   lerp(w0.LonDeg, w1.LonDeg, alpha),
		TrackDeg: bearingDeg(w0.LatDeg, w0.LonDeg, w1.LatDeg, w1.LonDeg),
	}
	for _, wp := range wps {
		if wp.T > elapsed {
			break
		}
		if wp.Stop != "" {
			out.LastStop = wp.Stop
		}
	}
	return out
}

func selectSegment(wps []Waypoint, t time.Duration) (Waypoint, Waypoint, float64) {
	if len(wps) == 1 {
		return wps[0], wps[0], 0
	}
	idx := sort.Search(len(wps), func(i int) bool { return wps[i].T > t })
	if idx <= 0 {
		return wps[0], wps[0], 0
	}
	if idx >= len(wps) {
		last := wps[len(wps)-1]
		return last, last, 0
	}
	w0, w1 := wps[idx-1], wps[idx]
	dt := w1.T - w0.T
	if dt <= 0 {
		return w1, w1, 0
	}
	alpha := float64(t-w0.T) / float64(dt)
	return w0, w1, math.Max(0, math.Min(1, alpha))
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// bearingDeg is the initial great-circle bearing from a to b; 0 when a == b.
func bearingDeg(lat1, lon1, lat2, lon2 float64) float64 {
	if lat1 == lat2 && lon1 == lon2 {
		return 0
	}
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	y := math.Sin(dLon) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLon)
	return math.Mod(math.Atan2(y, x)*180/math.Pi+360, 360)
}
