package core

import (
	"math"
	"time"

	"github.com/signalsfoundry/satellite-globe/model"
)

const (
	rad2deg = 180.0 / math.Pi
	kmToM   = 1000.0
)

// FailureCause labels why a sample produced no position.
type FailureCause string

const (
	CauseError FailureCause = "error" // propagator returned an error
	CauseNaN   FailureCause = "nan"   // propagator returned NaN in some component
)

// FailureObserver is told about every swallowed sample failure.
type FailureObserver interface {
	PropagationFailed(cause FailureCause)
}

// PositionDeriver turns propagator output into display coordinates. It
// absorbs every failure as "no position" so callers can skip the sample.
type PositionDeriver struct {
	Propagator Propagator
	Observer   FailureObserver // optional
}

// NewPositionDeriver wraps p. A nil propagator falls back to SGP4.
func NewPositionDeriver(p Propagator, obs FailureObserver) *PositionDeriver {
	if p == nil {
		p = NewSGP4Propagator()
	}
	return &PositionDeriver{Propagator: p, Observer: obs}
}

// Derive returns the position of es at the given instant in degrees and
// metres. ok is false when the propagator failed or any component is NaN.
func (d *PositionDeriver) Derive(es model.ElementSet, at time.Time) (pos model.ObservedPosition, ok bool) {
	geo, err := d.Propagator.Propagate(es, at)
	if err != nil {
		d.fail(CauseError)
		return model.ObservedPosition{}, false
	}
	if math.IsNaN(geo.LongitudeRad) || math.IsNaN(geo.LatitudeRad) || math.IsNaN(geo.HeightKm) {
		d.fail(CauseNaN)
		return model.ObservedPosition{}, false
	}
	if math.IsInf(geo.LongitudeRad, 0) {
		d.fail(CauseNaN)
		return model.ObservedPosition{}, false
	}

	return model.ObservedPosition{
		LongitudeDeg: NormalizeLongitude(geo.LongitudeRad) * rad2deg,
		LatitudeDeg:  geo.LatitudeRad * rad2deg,
		HeightM:      geo.HeightKm * kmToM,
		ObservedAt:   at,
	}, true
}

func (d *PositionDeriver) fail(cause FailureCause) {
	if d.Observer != nil {
		d.Observer.PropagationFailed(cause)
	}
}

// NormalizeLongitude wraps a longitude in radians into [-π, π] by adding
// or subtracting whole turns. Values already in range are returned as is.
func NormalizeLongitude(lon float64) float64 {
	if math.Abs(lon) > 1e6 {
		lon = math.Mod(lon, 2*math.Pi)
	}
	for lon < -math.Pi {
		lon += 2 * math.Pi
	}
	for lon > math.Pi {
		lon -= 2 * math.Pi
	}
	return lon
}
