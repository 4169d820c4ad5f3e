package core

import (
	"errors"
	"testing"
)

func TestFilterIncludes(t *testing.T) {
	f := Filter{Threshold: 2}
	for ordinal, want := range map[int]bool{0: true, 1: true, 2: false, 3: false} {
		if got := f.Includes(ordinal); got != want {
			t.Fatalf("Includes(%d) = %v, want %v", ordinal, got, want)
		}
	}
	if (Filter{}).Includes(0) {
		t.Fatalf("zero threshold must hide every feature")
	}
}

func TestFilterExpression(t *testing.T) {
	if got := (Filter{Threshold: 17}).Expression(); got != "ObjectID < 17" {
		t.Fatalf("Expression = %q", got)
	}
}

func TestNewFilterRange(t *testing.T) {
	for _, v := range []int{0, 1, 5} {
		f, err := NewFilter(v, 5)
		if err != nil {
			t.Fatalf("NewFilter(%d, 5): %v", v, err)
		}
		if f.Threshold != v {
			t.Fatalf("threshold = %d, want %d", f.Threshold, v)
		}
	}
	for _, v := range []int{-1, 6} {
		_, err := NewFilter(v, 5)
		var oor ErrThresholdOutOfRange
		if !errors.As(err, &oor) {
			t.Fatalf("NewFilter(%d, 5) error = %v, want ErrThresholdOutOfRange", v, err)
		}
		if oor.Value != v || oor.Max != 5 {
			t.Fatalf("error fields = %+v", oor)
		}
	}
}

func TestParseControlTrigger(t *testing.T) {
	cases := map[string]ControlTrigger{
		"":             TriggerThumbChange,
		"thumb-drag":   TriggerThumbDrag,
		"thumb-change": TriggerThumbChange,
		"segment-drag": TriggerSegmentDrag,
		"layer-ready":  TriggerLayerReady,
		"refresh":      TriggerRefresh,
	}
	for in, want := range cases {
		got, err := ParseControlTrigger(in)
		if err != nil || got != want {
			t.Fatalf("ParseControlTrigger(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseControlTrigger("wheel"); err == nil {
		t.Fatalf("expected error for unknown trigger")
	}
}
