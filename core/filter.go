package core

import "fmt"

// Filter is the display predicate driven by the threshold control: a
// feature is visible when its ordinal is below Threshold.
type Filter struct {
	Threshold int
}

// Includes reports whether the feature with the given ordinal is visible.
func (f Filter) Includes(ordinal int) bool {
	return ordinal < f.Threshold
}

// Expression renders the filter the way a feature layer query expects it.
func (f Filter) Expression() string {
	return fmt.Sprintf("ObjectID < %d", f.Threshold)
}

// ControlTrigger names the user interaction that moved the control.
type ControlTrigger string

const (
	TriggerLayerReady  ControlTrigger = "layer-ready"
	TriggerThumbDrag   ControlTrigger = "thumb-drag"
	TriggerThumbChange ControlTrigger = "thumb-change"
	TriggerSegmentDrag ControlTrigger = "segment-drag"
	TriggerRefresh     ControlTrigger = "refresh"
)

// ParseControlTrigger accepts the trigger names emitted by the control
// surface. An empty string means a discrete change.
func ParseControlTrigger(s string) (ControlTrigger, error) {
	switch ControlTrigger(s) {
	case "":
		return TriggerThumbChange, nil
	case TriggerLayerReady, TriggerThumbDrag, TriggerThumbChange, TriggerSegmentDrag, TriggerRefresh:
		return ControlTrigger(s), nil
	default:
		return "", fmt.Errorf("unknown control trigger %q", s)
	}
}

// ErrThresholdOutOfRange is returned for a threshold outside [0, max].
type ErrThresholdOutOfRange struct {
	Value, Max int
}

func (e ErrThresholdOutOfRange) Error() string {
	return fmt.Sprintf("threshold %d outside control range 0..%d", e.Value, e.Max)
}

// NewFilter validates v against the control range 0..max.
func NewFilter(v, max int) (Filter, error) {
	if v < 0 || v > max {
		return Filter{}, ErrThresholdOutOfRange{Value: v, Max: max}
	}
	return Filter{Threshold: v}, nil
}
