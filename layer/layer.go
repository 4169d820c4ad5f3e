package layer

import (
	"fmt"
	"sort"
	"sync"

	"github.com/signalsfoundry/satellite-globe/core"
	"github.com/signalsfoundry/satellite-globe/model"
)

// EventType indicates what changed on a layer.
type EventType int

const (
	EventFeaturesAdded EventType = iota
	EventFeaturesRefreshed
	EventFilterChanged
	EventTrackReplaced
	EventTrackCleared
)

func (t EventType) String() string {
	switch t {
	case EventFeaturesAdded:
		return "features_added"
	case EventFeaturesRefreshed:
		return "features_refreshed"
	case EventFilterChanged:
		return "filter_changed"
	case EventTrackReplaced:
		return "track_replaced"
	case EventTrackCleared:
		return "track_cleared"
	default:
		return "unknown"
	}
}

// Event is emitted to subscribers after a layer mutation.
type Event struct {
	Type   EventType
	Count  int          // features affected, for feature events
	Filter core.Filter  // for EventFilterChanged
	Track  *model.Track // for EventTrackReplaced
}

// hub holds subscribers. Callbacks run outside the owning layer's lock.
type hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func (h *hub) subscribe(fn func(Event)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = make(map[int]func(Event))
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	ids := make([]int, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, h.subs[id])
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub(ev)
	}
}

// FeatureLayer is an in-memory, thread-safe point layer of satellites with
// a single ordinal filter. Feature IDs are ordinals and must be dense.
type FeatureLayer struct {
	mu       sync.RWMutex
	features []model.Feature
	filter   core.Filter
	filtered bool

	hub hub
}

// NewFeatureLayer constructs an empty layer. Until a filter is set every
// feature is visible.
func NewFeatureLayer() *FeatureLayer {
	return &FeatureLayer{}
}

// AddFeatures appends a batch. Each feature ID must equal its ordinal in
// the layer after the append.
func (l *FeatureLayer) AddFeatures(batch []model.Feature) error {
	l.mu.Lock()
	for i, f := range batch {
		if want := len(l.features) + i; f.ID != want {
			l.mu.Unlock()
			return fmt.Errorf("feature %q has ID %d, want %d", f.ElementSet.Name, f.ID, want)
		}
	}
	l.features = append(l.features, batch...)
	l.mu.Unlock()

	l.hub.publish(Event{Type: EventFeaturesAdded, Count: len(batch)})
	return nil
}

// UpdatePositions overwrites the positions of existing features, keyed by
// ID. Unknown IDs are an error and nothing is changed.
func (l *FeatureLayer) UpdatePositions(positions map[int]model.ObservedPosition) error {
	l.mu.Lock()
	for id := range positions {
		if id < 0 || id >= len(l.features) {
			l.mu.Unlock()
			return fmt.Errorf("feature with ID %d not found", id)
		}
	}
	for id, pos := range positions {
		l.features[id].Position = pos
	}
	l.mu.Unlock()

	l.hub.publish(Event{Type: EventFeaturesRefreshed, Count: len(positions)})
	return nil
}

// SetFilter applies the ordinal filter. Re-applying the current filter is
// a no-op and emits nothing. It reports whether the visible set changed.
func (l *FeatureLayer) SetFilter(f core.Filter) bool {
	l.mu.Lock()
	if l.filtered && l.filter == f {
		l.mu.Unlock()
		return false
	}
	l.filter = f
	l.filtered = true
	l.mu.Unlock()

	l.hub.publish(Event{Type: EventFilterChanged, Filter: f})
	return true
}

// Filter returns the active filter and whether one has been set.
func (l *FeatureLayer) Filter() (core.Filter, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.filter, l.filtered
}

// Visible returns a snapshot of features passing the filter, in ID order.
func (l *FeatureLayer) Visible() []model.Feature {
	l.mu.RLock()
	defer l.mu.RUnlock()

	res := make([]model.Feature, 0, len(l.features))
	for _, f := range l.features {
		if !l.filtered || l.filter.Includes(f.ID) {
			res = append(res, f)
		}
	}
	return res
}

// All returns a snapshot of every feature, in ID order.
func (l *FeatureLayer) All() []model.Feature {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]model.Feature(nil), l.features...)
}

// Get returns the feature with the given ID.
func (l *FeatureLayer) Get(id int) (model.Feature, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if id < 0 || id >= len(l.features) {
		return model.Feature{}, false
	}
	return l.features[id], true
}

// Count returns the number of features, visible or not.
func (l *FeatureLayer) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.features)
}

// Subscribe registers a callback for layer events. It returns an
// unsubscribe function.
func (l *FeatureLayer) Subscribe(fn func(Event)) (unsubscribe func()) {
	return l.hub.subscribe(fn)
}

// TrackLayer holds at most one track polyline.
type TrackLayer struct {
	mu      sync.RWMutex
	current *model.Track

	hub hub
}

// NewTrackLayer constructs an empty track layer.
func NewTrackLayer() *TrackLayer {
	return &TrackLayer{}
}

// Replace clears the layer and adds t as its only track, atomically.
func (l *TrackLayer) Replace(t model.Track) {
	t.Points = append([]model.TrackPoint(nil), t.Points...)

	l.mu.Lock()
	l.current = &t
	l.mu.Unlock()

	cp := t
	l.hub.publish(Event{Type: EventTrackReplaced, Track: &cp})
}

// Clear removes any displayed track. Clearing an empty layer emits nothing.
func (l *TrackLayer) Clear() {
	l.mu.Lock()
	had := l.current != nil
	l.current = nil
	l.mu.Unlock()

	if had {
		l.hub.publish(Event{Type: EventTrackCleared})
	}
}

// Current returns the displayed track, if any.
func (l *TrackLayer) Current() (model.Track, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.current == nil {
		return model.Track{}, false
	}
	return *l.current, true
}

// Subscribe registers a callback for track events.
func (l *TrackLayer) Subscribe(fn func(Event)) (unsubscribe func()) {
	return l.hub.subscribe(fn)
}
