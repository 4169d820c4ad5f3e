// Package geojson renders satellite features and ground tracks as GeoJSON
// (RFC 7946) with z in metres, the shape the globe client's feature and
// graphics layers consume.
package geojson

import (
	"github.com/signalsfoundry/satellite-globe/model"
)

// FeatureCollection is a GeoJSON feature collection.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// Feature is a GeoJSON feature. ID is omitted for tracks.
type Feature struct {
	Type       string   `json:"type"`
	ID         *int     `json:"id,omitempty"`
	Geometry   Geometry `json:"geometry"`
	Properties any      `json:"properties"`
}

// Geometry holds either a Point ([x, y, z]) or a LineString ([][x, y, z]).
type Geometry struct {
	Type        string `json:"type"`
	Coordinates any    `json:"coordinates"`
}

// SatelliteProperties are the attribute fields of a satellite feature.
type SatelliteProperties struct {
	ObjectID    int    `json:"ObjectID"`
	CommonName  string `json:"commonName"`
	LaunchYear  int    `json:"launchYear"`
	LaunchNum   int    `json:"launchNum"`
	LaunchPiece string `json:"launchPiece,omitempty"`
	Line1       string `json:"line1"`
	Line2       string `json:"line2"`
	ObsTime     int64  `json:"obsTime"` // Unix milliseconds
}

// TrackProperties are the attribute fields of a ground track.
type TrackProperties struct {
	ObjectID    int   `json:"ObjectID"`
	Start       int64 `json:"start"` // Unix milliseconds
	StepSeconds int64 `json:"stepSeconds"`
	Points      int   `json:"points"`
}

// Satellite converts a feature into a GeoJSON point.
func Satellite(f model.Feature) Feature {
	id := f.ID
	p := f.Position
	return Feature{
		Type: "Feature",
		ID:   &id,
		Geometry: Geometry{
			Type:        "Point",
			Coordinates: [3]float64{p.LongitudeDeg, p.LatitudeDeg, p.HeightM},
		},
		Properties: SatelliteProperties{
			ObjectID:    f.ID,
			CommonName:  f.ElementSet.Name,
			LaunchYear:  f.Designator.LaunchYear,
			LaunchNum:   f.Designator.LaunchNumber,
			LaunchPiece: f.Designator.Piece,
			Line1:       f.ElementSet.Line1,
			Line2:       f.ElementSet.Line2,
			ObsTime:     p.EpochMillis(),
		},
	}
}

// Satellites wraps features in a collection, preserving order.
func Satellites(features []model.Feature) FeatureCollection {
	fc := FeatureCollection{Type: "FeatureCollection", Features: make([]Feature, 0, len(features))}
	for _, f := range features {
		fc.Features = append(fc.Features, Satellite(f))
	}
	return fc
}

// Track converts a ground track into a GeoJSON line string.
func Track(t model.Track) Feature {
	coords := make([][3]float64, 0, len(t.Points))
	for _, p := range t.Points {
		coords = append(coords, [3]float64{p.X, p.Y, p.Z})
	}
	return Feature{
		Type: "Feature",
		Geometry: Geometry{
			Type:        "LineString",
			Coordinates: coords,
		},
		Properties: TrackProperties{
			ObjectID:    t.FeatureID,
			Start:       t.Start.UnixMilli(),
			StepSeconds: int64(t.Step.Seconds()),
			Points:      len(t.Points),
		},
	}
}
