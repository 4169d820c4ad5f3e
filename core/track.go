package core

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/satellite-globe/model"
)

const (
	// DefaultTrackStep is the spacing between track samples.
	DefaultTrackStep = time.Minute
	// DefaultTrackSteps covers 24 hours at DefaultTrackStep.
	DefaultTrackSteps = 60 * 24
)

// TrackBuilder samples a PositionDeriver at fixed increments to build a
// ground track polyline.
type TrackBuilder struct {
	Deriver *PositionDeriver
	Step    time.Duration
	Steps   int
	// Workers > 1 samples in parallel. Output order is unaffected.
	Workers int
}

// NewTrackBuilder returns a sequential builder with the default 24h/60s window.
func NewTrackBuilder(d *PositionDeriver) *TrackBuilder {
	return &TrackBuilder{
		Deriver: d,
		Step:    DefaultTrackStep,
		Steps:   DefaultTrackSteps,
		Workers: 1,
	}
}

// Build samples es at base, base+Step, ... for Steps samples. Samples with
// no position are skipped, never substituted. The returned points are in
// chronological order. A cancelled context ends sampling early and the
// track holds what was collected up to that point.
func (b *TrackBuilder) Build(ctx context.Context, featureID int, es model.ElementSet, base time.Time) model.Track {
	track := model.Track{FeatureID: featureID, Start: base, Step: b.Step}
	if b.Steps <= 0 {
		track.Points = []model.TrackPoint{}
		return track
	}

	if b.Workers > 1 {
		track.Points = b.sampleParallel(ctx, es, base)
	} else {
		track.Points = b.sampleSequential(ctx, es, base)
	}
	return track
}

func (b *TrackBuilder) sampleSequential(ctx context.Context, es model.ElementSet, base time.Time) []model.TrackPoint {
	points := make([]model.TrackPoint, 0, b.Steps)
	for i := 0; i < b.Steps; i++ {
		if ctx.Err() != nil {
			break
		}
		if pos, ok := b.Deriver.Derive(es, b.sampleTime(base, i)); ok {
			points = append(points, pos.Point())
		}
	}
	return points
}

// sampleParallel writes each sample into its own slot, then compacts the
// slots in index order.
func (b *TrackBuilder) sampleParallel(ctx context.Context, es model.ElementSet, base time.Time) []model.TrackPoint {
	type slot struct {
		point model.TrackPoint
		ok    bool
	}
	slots := make([]slot, b.Steps)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.Workers)
	for i := 0; i < b.Steps; i++ {
		i := i
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if pos, ok := b.Deriver.Derive(es, b.sampleTime(base, i)); ok {
				slots[i] = slot{point: pos.Point(), ok: true}
			}
			return nil
		})
	}
	_ = g.Wait()

	points := make([]model.TrackPoint, 0, b.Steps)
	for _, s := range slots {
		if s.ok {
			points = append(points, s.point)
		}
	}
	return points
}

func (b *TrackBuilder) sampleTime(base time.Time, i int) time.Time {
	return base.Add(time.Duration(i) * b.Step)
}
