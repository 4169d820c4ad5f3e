package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/satellite-globe/core"
	"github.com/signalsfoundry/satellite-globe/internal/logging"
	"github.com/signalsfoundry/satellite-globe/internal/observability"
	"github.com/signalsfoundry/satellite-globe/internal/source"
	"github.com/signalsfoundry/satellite-globe/layer"
	"github.com/signalsfoundry/satellite-globe/model"
	"github.com/signalsfoundry/satellite-globe/timectrl"
)

// State is the session-level data lifecycle.
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateLoaded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// TrackState is the track display sub-state.
type TrackState int

const (
	TrackNone TrackState = iota
	TrackShowing
)

var (
	ErrLoadInProgress  = errors.New("load already in progress")
	ErrAlreadyLoaded   = errors.New("session already loaded")
	ErrNotLoaded       = errors.New("session not loaded")
	ErrFeatureNotFound = errors.New("feature not found")
	ErrNoElementSets   = errors.New("resource holds no complete element-set records")
	ErrTrackSuperseded = errors.New("track request superseded by a newer selection")
	ErrControlDisabled = errors.New("threshold control disabled")
)

// LoadError is the session-fatal failure of the data layer.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %q: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Control mirrors the threshold control surface.
type Control struct {
	Min     int  `json:"min"`
	Max     int  `json:"max"`
	Value   int  `json:"value"`
	Enabled bool `json:"enabled"`
}

// MetricsRecorder receives session-level measurements.
type MetricsRecorder interface {
	SetSatellitesLoaded(n int)
	AddParseErrors(n int)
	SetFilterThreshold(v int)
	TrackBuilt(points int, took time.Duration)
}

// Archive persists successful loads.
type Archive interface {
	SaveLoad(ctx context.Context, source string, content []byte, loadedAt time.Time, features []model.Feature) (int64, error)
}

// Summary describes a finished load.
type Summary struct {
	Records     int // complete three-line records in the resource
	Features    int // features published
	ParseErrors int // records rejected as malformed
	NoPosition  int // records skipped because propagation failed
	ObservedAt  time.Time
	ArchiveLoad int64 // zero when not archived
}

// Session owns everything one globe view needs: the loaded features, the
// control value, and the current selection and track. All mutation goes
// through its methods.
type Session struct {
	mu sync.Mutex

	source  string
	fetcher source.Fetcher

	deriver *core.PositionDeriver
	tracks  *core.TrackBuilder

	features  *layer.FeatureLayer
	trackView *layer.TrackLayer

	clock   timectrl.Clock
	log     logging.Logger
	metrics MetricsRecorder
	archive Archive

	state    State
	loadErr  error
	control  Control
	selected *int
	// trackGen increments on every selection change so that a slow track
	// build never overwrites the display after a newer request.
	trackGen   uint64
	trackState TrackState
}

// Option customises a Session.
type Option func(*Session)

// WithClock sets the observation clock.
func WithClock(c timectrl.Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithArchive attaches an optional load archive.
func WithArchive(a Archive) Option {
	return func(s *Session) {
		s.archive = a
	}
}

// WithPositionDeriver replaces the default SGP4-backed deriver.
func WithPositionDeriver(d *core.PositionDeriver) Option {
	return func(s *Session) {
		s.deriver = d
	}
}

// WithTrackBuilder replaces the default 24h/60s track builder.
func WithTrackBuilder(b *core.TrackBuilder) Option {
	return func(s *Session) {
		s.tracks = b
	}
}

// WithLayers sets the layers the session renders into.
func WithLayers(features *layer.FeatureLayer, tracks *layer.TrackLayer) Option {
	return func(s *Session) {
		s.features = features
		s.trackView = tracks
	}
}

// New builds an unloaded session reading from location through fetcher.
func New(location string, fetcher source.Fetcher, log logging.Logger, opts ...Option) *Session {
	if log == nil {
		log = logging.Noop()
	}
	s := &Session{
		source:  location,
		fetcher: fetcher,
		log:     log,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.clock == nil {
		s.clock = timectrl.SystemClock{}
	}
	if s.deriver == nil {
		s.deriver = core.NewPositionDeriver(nil, nil)
	}
	if s.tracks == nil {
		s.tracks = core.NewTrackBuilder(s.deriver)
	}
	if s.features == nil {
		s.features = layer.NewFeatureLayer()
	}
	if s.trackView == nil {
		s.trackView = layer.NewTrackLayer()
	}
	return s
}

// Features returns the primary layer.
func (s *Session) Features() *layer.FeatureLayer { return s.features }

// Tracks returns the track layer.
func (s *Session) Tracks() *layer.TrackLayer { return s.trackView }

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LoadErr returns the failure that moved the session to StateFailed.
func (s *Session) LoadErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

// Control returns the threshold control. It is disabled with range 0..0
// until a load succeeds.
func (s *Session) Control() Control {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

// Selection returns the selected feature ID, if any, and the track state.
func (s *Session) Selection() (*int, TrackState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected == nil {
		return nil, s.trackState
	}
	id := *s.selected
	return &id, s.trackState
}

// Load fetches and parses the resource once, publishes one feature per
// element set that decodes and propagates, and applies the initial
// filter showing every feature. Malformed records and failed propagations
// are skipped. A fetch failure or a resource without complete records
// moves the session to StateFailed and returns a *LoadError.
func (s *Session) Load(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	switch s.state {
	case StateLoading:
		s.mu.Unlock()
		return Summary{}, ErrLoadInProgress
	case StateLoaded, StateFailed:
		s.mu.Unlock()
		return Summary{}, ErrAlreadyLoaded
	}
	s.state = StateLoading
	s.mu.Unlock()

	ctx, span := observability.Tracer().Start(ctx, "session.Load")
	defer span.End()
	span.SetAttributes(attribute.String("globe.source", s.source))

	s.log.Info(ctx, "loading element sets", logging.String("source", s.source))

	data, err := s.fetcher.Fetch(ctx, s.source)
	if err != nil {
		return Summary{}, s.fail(ctx, span, err)
	}
	sets := core.ParseElementSets(string(data))
	if len(sets) == 0 {
		return Summary{}, s.fail(ctx, span, ErrNoElementSets)
	}

	now := s.clock.Now()
	sum := Summary{Records: len(sets), ObservedAt: now}
	features := make([]model.Feature, 0, len(sets))
	for i, es := range sets {
		desig, err := decode(i, es)
		if err != nil {
			sum.ParseErrors++
			s.log.Debug(ctx, "skipping malformed element set", logging.Err(err))
			continue
		}
		pos, ok := s.deriver.Derive(es, now)
		if !ok {
			sum.NoPosition++
			continue
		}
		features = append(features, model.Feature{
			ID:         len(features),
			ElementSet: es,
			Designator: desig,
			Position:   pos,
		})
	}
	sum.Features = len(features)

	if err := s.features.AddFeatures(features); err != nil {
		return Summary{}, s.fail(ctx, span, err)
	}

	if s.archive != nil {
		id, err := s.archive.SaveLoad(ctx, s.source, data, now, features)
		if err != nil {
			s.log.Warn(ctx, "failed to archive load", logging.Err(err))
		} else {
			sum.ArchiveLoad = id
		}
	}

	s.mu.Lock()
	s.state = StateLoaded
	s.control = Control{Min: 0, Max: len(features), Value: len(features), Enabled: true}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetSatellitesLoaded(len(features))
		s.metrics.AddParseErrors(sum.ParseErrors)
	}
	span.SetAttributes(
		attribute.Int("globe.records", sum.Records),
		attribute.Int("globe.features", sum.Features),
		attribute.Int("globe.parse_errors", sum.ParseErrors),
		attribute.Int("globe.no_position", sum.NoPosition),
	)
	s.log.Info(ctx, "loaded element sets",
		logging.Int("records", sum.Records),
		logging.Int("features", sum.Features),
		logging.Int("parse_errors", sum.ParseErrors),
		logging.Int("no_position", sum.NoPosition),
	)

	// Layer ready: show everything.
	if err := s.ApplyFilter(ctx, len(features), core.TriggerLayerReady); err != nil {
		return sum, err
	}
	return sum, nil
}

func decode(record int, es model.ElementSet) (model.Designator, error) {
	err := core.ValidateElementSet(es)
	var desig model.Designator
	if err == nil {
		desig, err = core.DecodeDesignator(es.Line1)
	}
	if err != nil {
		var pe *core.ParseError
		if errors.As(err, &pe) {
			pe.Record = record
			pe.Name = es.Name
		}
		return model.Designator{}, err
	}
	return desig, nil
}

func (s *Session) fail(ctx context.Context, span trace.Span, err error) error {
	lerr := &LoadError{Source: s.source, Err: err}

	s.mu.Lock()
	s.state = StateFailed
	s.loadErr = lerr
	s.control = Control{}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetSatellitesLoaded(0)
	}
	span.RecordError(lerr)
	span.SetStatus(codes.Error, "load failed")
	s.log.Error(ctx, "element-set load failed", logging.String("source", s.source), logging.Err(err))
	return lerr
}

// ApplyFilter sets the threshold control to v and shows features whose
// ordinal is below v. Values outside the control range are rejected.
// Re-applying the current value leaves the layer untouched.
func (s *Session) ApplyFilter(ctx context.Context, v int, trigger core.ControlTrigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateLoaded {
		return ErrNotLoaded
	}
	if !s.control.Enabled {
		return ErrControlDisabled
	}
	f, err := core.NewFilter(v, s.control.Max)
	if err != nil {
		return err
	}
	s.control.Value = v
	changed := s.features.SetFilter(f)

	if s.metrics != nil {
		s.metrics.SetFilterThreshold(v)
	}
	if changed {
		s.log.Debug(ctx, "applied satellite filter",
			logging.String("where", f.Expression()),
			logging.String("trigger", string(trigger)),
		)
	}
	return nil
}

// Select changes the selected feature, or clears the selection when id is
// nil. Any displayed track is cleared either way.
func (s *Session) Select(id *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id != nil {
		if s.state != StateLoaded {
			return ErrNotLoaded
		}
		if _, ok := s.features.Get(*id); !ok {
			return fmt.Errorf("%w: %d", ErrFeatureNotFound, *id)
		}
		sel := *id
		s.selected = &sel
	} else {
		s.selected = nil
	}
	s.trackGen++
	s.clearTrackLocked()
	return nil
}

// ClearTrack removes the displayed track and keeps the selection.
func (s *Session) ClearTrack() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackGen++
	s.clearTrackLocked()
}

func (s *Session) clearTrackLocked() {
	s.trackView.Clear()
	s.trackState = TrackNone
}

// ShowTrack selects feature id and replaces the track display with its
// 24-hour ground track starting at the feature's observation time. If a
// newer selection or track request arrives while this one is sampling,
// the result is returned with ErrTrackSuperseded and not displayed.
func (s *Session) ShowTrack(ctx context.Context, id int) (model.Track, error) {
	s.mu.Lock()
	if s.state != StateLoaded {
		s.mu.Unlock()
		return model.Track{}, ErrNotLoaded
	}
	feature, ok := s.features.Get(id)
	if !ok {
		s.mu.Unlock()
		return model.Track{}, fmt.Errorf("%w: %d", ErrFeatureNotFound, id)
	}
	s.trackGen++
	gen := s.trackGen
	sel := id
	s.selected = &sel
	s.clearTrackLocked()
	s.mu.Unlock()

	ctx, span := observability.Tracer().Start(ctx, "session.ShowTrack")
	defer span.End()
	span.SetAttributes(
		attribute.Int("globe.feature_id", id),
		attribute.String("globe.feature_name", feature.ElementSet.Name),
	)

	start := time.Now()
	track := s.tracks.Build(ctx, id, feature.ElementSet, feature.Position.ObservedAt)
	took := time.Since(start)
	if s.metrics != nil {
		s.metrics.TrackBuilt(len(track.Points), took)
	}
	span.SetAttributes(attribute.Int("globe.track_points", len(track.Points)))

	if err := ctx.Err(); err != nil {
		return track, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trackGen != gen {
		return track, ErrTrackSuperseded
	}
	s.trackView.Replace(track)
	s.trackState = TrackShowing

	s.log.Debug(ctx, "showing ground track",
		logging.Int("feature_id", id),
		logging.String("name", feature.ElementSet.Name),
		logging.Int("points", len(track.Points)),
		logging.Duration("took", took),
	)
	return track, nil
}

// Refresh recomputes every feature's position at the given instant.
// Features whose propagation fails keep their previous position. It
// returns the number of features updated.
func (s *Session) Refresh(ctx context.Context, at time.Time) (int, error) {
	if s.State() != StateLoaded {
		return 0, ErrNotLoaded
	}

	ctx, span := observability.Tracer().Start(ctx, "session.Refresh")
	defer span.End()

	updates := make(map[int]model.ObservedPosition)
	for _, f := range s.features.All() {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if pos, ok := s.deriver.Derive(f.ElementSet, at); ok {
			updates[f.ID] = pos
		}
	}
	if err := s.features.UpdatePositions(updates); err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int("globe.refreshed", len(updates)))
	s.log.Debug(ctx, "refreshed positions", logging.Int("updated", len(updates)))
	return len(updates), nil
}
