package core

import (
	"errors"
	"fmt"
	"math"
	"time"

	satellite "github.com/joshuaferrara/go-satellite"

	"github.com/signalsfoundry/satellite-globe/model"
)

// Geodetic is a raw propagator result: radians and kilometres, as
// returned by go-satellite. Longitude is not normalised.
type Geodetic struct {
	LongitudeRad float64
	LatitudeRad  float64
	HeightKm     float64
}

// Propagator computes the geodetic position of an element set at an
// instant. Implementations return an error for anything that prevents a
// position (malformed elements, decayed orbit, numerical divergence).
type Propagator interface {
	Propagate(es model.ElementSet, at time.Time) (Geodetic, error)
}

// EarthRadiusKm is the WGS72 equatorial radius. SGP4 flags a satellite
// as decayed once its radius falls below it.
const EarthRadiusKm = 6378.135

// ErrPropagation wraps every failure reported by SGP4Propagator.
var ErrPropagation = errors.New("propagation failed")

// SGP4Propagator binds Propagator to go-satellite using WGS72 constants.
type SGP4Propagator struct{}

// NewSGP4Propagator returns the go-satellite backed propagator.
func NewSGP4Propagator() *SGP4Propagator {
	return &SGP4Propagator{}
}

// Propagate runs SGP4/SDP4 for the UTC instant at, then converts the ECI
// position to latitude/longitude/height using GMST at that instant.
// go-satellite works in kilometres and whole seconds.
func (p *SGP4Propagator) Propagate(es model.ElementSet, at time.Time) (geo Geodetic, err error) {
	if verr := ValidateElementSet(es); verr != nil {
		return Geodetic{}, fmt.Errorf("%w: %v", ErrPropagation, verr)
	}
	defer func() {
		if r := recover(); r != nil {
			geo = Geodetic{}
			err = fmt.Errorf("%w: %v", ErrPropagation, r)
		}
	}()

	sat := satellite.TLEToSat(es.Line1, es.Line2, satellite.GravityWGS72)
	if sat.Error != 0 {
		return Geodetic{}, fmt.Errorf("%w: sgp4 init error %d: %s", ErrPropagation, sat.Error, sat.ErrorStr)
	}

	at = at.UTC()
	year, month, day := at.Date()
	hour, min, sec := at.Clock()

	// Propagate takes the satellite by value, so runtime SGP4 errors
	// (decay, eccentricity out of range) only show in the state vector.
	posECI, _ := satellite.Propagate(sat, year, int(month), day, hour, min, sec)
	r := math.Sqrt(posECI.X*posECI.X + posECI.Y*posECI.Y + posECI.Z*posECI.Z)
	switch {
	case math.IsNaN(r) || math.IsInf(r, 0):
		return Geodetic{}, fmt.Errorf("%w: non-finite state vector at %s", ErrPropagation, at.Format(time.RFC3339))
	case r < EarthRadiusKm:
		return Geodetic{}, fmt.Errorf("%w: orbit decayed at %s (r=%.1f km)", ErrPropagation, at.Format(time.RFC3339), r)
	}

	jd := satellite.JDay(year, int(month), day, hour, min, sec)
	gmst := satellite.ThetaG_JD(jd)
	altitude, _, latLong := satellite.ECIToLLA(posECI, gmst)

	return Geodetic{
		LongitudeRad: latLong.Longitude,
		LatitudeRad:  latLong.Latitude,
		HeightKm:     altitude,
	}, nil
}
