package model

import "time"

// ObservedPosition is a geodetic position of one satellite at one instant.
type ObservedPosition struct {
	LongitudeDeg float64 // [-180, 180]
	LatitudeDeg  float64 // [-90, 90]
	HeightM      float64
	ObservedAt   time.Time
}

// EpochMillis returns the observation instant in Unix milliseconds.
func (p ObservedPosition) EpochMillis() int64 {
	return p.ObservedAt.UnixMilli()
}

// TrackPoint is one vertex of a ground track polyline.
type TrackPoint struct {
	X float64 // longitude, degrees
	Y float64 // latitude, degrees
	Z float64 // height, metres
}

// Point converts the position into a polyline vertex.
func (p ObservedPosition) Point() TrackPoint {
	return TrackPoint{X: p.LongitudeDeg, Y: p.LatitudeDeg, Z: p.HeightM}
}

// Track is a chronological polyline of future positions for one feature.
// Points are neither deduplicated nor padded for failed samples.
type Track struct {
	FeatureID int
	Start     time.Time
	Step      time.Duration
	Points    []TrackPoint
}
