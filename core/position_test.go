package core

import (
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/satellite-globe/model"
)

func TestNormalizeLongitude(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{0, 0},
		{math.Pi, math.Pi},
		{-math.Pi, -math.Pi},
		{4.0, 4.0 - 2*math.Pi},
		{-4.0, -4.0 + 2*math.Pi},
		{7 * math.Pi / 2, -math.Pi / 2},
		{-13 * math.Pi / 2, -math.Pi / 2},
	}
	for _, tc := range cases {
		got := NormalizeLongitude(tc.in)
		if !approxEqual(got, tc.want, 1e-12) {
			t.Fatalf("NormalizeLongitude(%v) = %v, want %v", tc.in, got, tc.want)
		}
		if got < -math.Pi || got > math.Pi {
			t.Fatalf("NormalizeLongitude(%v) = %v outside [-π, π]", tc.in, got)
		}
	}
}

func TestNormalizeLongitudeLargeInputStaysInRange(t *testing.T) {
	for _, in := range []float64{1e9, -1e9, 123456789.5} {
		got := NormalizeLongitude(in)
		if got < -math.Pi || got > math.Pi {
			t.Fatalf("NormalizeLongitude(%v) = %v outside [-π, π]", in, got)
		}
	}
}

func TestDeriveConvertsUnits(t *testing.T) {
	at := issEpoch.Add(5 * time.Minute)
	prop := &scriptedPropagator{fn: func(time.Time) (Geodetic, error) {
		return Geodetic{LongitudeRad: 4.0, LatitudeRad: math.Pi / 6, HeightKm: 420.5}, nil
	}}
	d := NewPositionDeriver(prop, nil)

	pos, ok := d.Derive(issElementSet(), at)
	if !ok {
		t.Fatalf("Derive reported no position")
	}
	if !approxEqual(pos.LongitudeDeg, (4.0-2*math.Pi)*180/math.Pi, 1e-9) {
		t.Fatalf("longitude = %v, want ≈ -130.82", pos.LongitudeDeg)
	}
	if !approxEqual(pos.LatitudeDeg, 30, 1e-9) {
		t.Fatalf("latitude = %v, want 30", pos.LatitudeDeg)
	}
	if !approxEqual(pos.HeightM, 420500, 1e-6) {
		t.Fatalf("height = %v m, want 420500", pos.HeightM)
	}
	if !pos.ObservedAt.Equal(at) {
		t.Fatalf("observed at %s, want %s", pos.ObservedAt, at)
	}
	if pos.EpochMillis() != at.UnixMilli() {
		t.Fatalf("EpochMillis = %d, want %d", pos.EpochMillis(), at.UnixMilli())
	}
}

func TestDeriveAbsorbsFailures(t *testing.T) {
	nan := math.NaN()
	cases := []struct {
		name  string
		geo   Geodetic
		err   error
		cause FailureCause
	}{
		{"error", Geodetic{}, errScripted, CauseError},
		{"nan longitude", Geodetic{LongitudeRad: nan, LatitudeRad: 0.1, HeightKm: 400}, nil, CauseNaN},
		{"nan latitude", Geodetic{LongitudeRad: 0.1, LatitudeRad: nan, HeightKm: 400}, nil, CauseNaN},
		{"nan height", Geodetic{LongitudeRad: 0.1, LatitudeRad: 0.1, HeightKm: nan}, nil, CauseNaN},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obs := &countingObserver{}
			prop := &scriptedPropagator{fn: func(time.Time) (Geodetic, error) { return tc.geo, tc.err }}
			d := NewPositionDeriver(prop, obs)

			pos, ok := d.Derive(issElementSet(), issEpoch)
			if ok {
				t.Fatalf("Derive returned a position: %+v", pos)
			}
			if pos != (model.ObservedPosition{}) {
				t.Fatalf("failed Derive returned non-zero position %+v", pos)
			}
			if got := obs.count(tc.cause); got != 1 {
				t.Fatalf("observer saw %d %q failures, want 1", got, tc.cause)
			}
		})
	}
}

func TestDeriveWithoutObserver(t *testing.T) {
	prop := &scriptedPropagator{fn: func(time.Time) (Geodetic, error) { return Geodetic{}, errScripted }}
	d := NewPositionDeriver(prop, nil)
	if _, ok := d.Derive(issElementSet(), issEpoch); ok {
		t.Fatalf("expected no position")
	}
}
