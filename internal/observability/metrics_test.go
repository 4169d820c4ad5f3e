package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/satellite-globe/core"
	"github.com/signalsfoundry/satellite-globe/model"
)

func TestUnaryInterceptorRecordsHealthCheck(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewGlobeCollector(reg)
	if err != nil {
		t.Fatalf("NewGlobeCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}
	if got := testutil.ToFloat64(collector.GRPCRequests.WithLabelValues("Health", "Check", "OK")); got != 1 {
		t.Fatalf("globe_grpc_requests_total = %v, want 1", got)
	}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.NotFound, "unknown service")
	})
	if got := testutil.ToFloat64(collector.GRPCRequests.WithLabelValues("Health", "Check", "NotFound")); got != 1 {
		t.Fatalf("globe_grpc_requests_total NotFound = %v, want 1", got)
	}
}

func TestInstrumentHandlerRecordsRouteAndCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewGlobeCollector(reg)
	if err != nil {
		t.Fatalf("NewGlobeCollector: %v", err)
	}

	h := collector.InstrumentHandler("track", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Millisecond)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/satellites/0/track", nil))

	if got := testutil.ToFloat64(collector.HTTPRequests.WithLabelValues("track", "429")); got != 1 {
		t.Fatalf("globe_http_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "globe_http_request_duration_seconds", map[string]string{"route": "track"}); count != 1 {
		t.Fatalf("globe_http_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestPropagationFailuresAreLabeledByCause(t *testing.T) {
	collector, err := NewGlobeCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewGlobeCollector: %v", err)
	}

	var obs core.FailureObserver = collector
	obs.PropagationFailed(core.CauseError)
	obs.PropagationFailed(core.CauseError)
	obs.PropagationFailed(core.CauseNaN)

	if got := testutil.ToFloat64(collector.PropagationFailures.WithLabelValues("error")); got != 2 {
		t.Fatalf("error failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.PropagationFailures.WithLabelValues("nan")); got != 1 {
		t.Fatalf("nan failures = %v, want 1", got)
	}
}

func TestDecayedOrbitCountsAsPropagationError(t *testing.T) {
	collector, err := NewGlobeCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewGlobeCollector: %v", err)
	}
	decaying := model.ElementSet{
		Name:  "DECAYING",
		Line1: "1 25544U 98067A   21275.59097222  .00000204  00000-0  50000-1 0  9990",
		Line2: "2 25544  51.6459 115.9059 0001817  61.3028  35.9198 16.60000000257760",
	}
	d := core.NewPositionDeriver(core.NewSGP4Propagator(), collector)

	if _, ok := d.Derive(decaying, time.Date(2021, 10, 2, 15, 11, 0, 0, time.UTC)); ok {
		t.Fatalf("Derive(decayed) reported a position")
	}
	if got := testutil.ToFloat64(collector.PropagationFailures.WithLabelValues("error")); got != 1 {
		t.Fatalf("error failures = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesSessionGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewGlobeCollector(reg)
	if err != nil {
		t.Fatalf("NewGlobeCollector: %v", err)
	}
	collector.SetSatellitesLoaded(7)
	collector.SetFilterThreshold(3)
	collector.AddParseErrors(2)
	collector.TrackBuilt(1296, 20*time.Millisecond)

	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, line := range []string{
		"globe_satellites_loaded 7",
		"globe_filter_threshold 3",
		"globe_parse_errors_total 2",
		"globe_track_builds_total 1",
		"globe_track_points 1296",
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("expected %q in /metrics output:\n%s", line, body)
		}
	}
}

func TestNewGlobeCollectorReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewGlobeCollector(reg)
	if err != nil {
		t.Fatalf("first NewGlobeCollector: %v", err)
	}
	second, err := NewGlobeCollector(reg)
	if err != nil {
		t.Fatalf("second NewGlobeCollector: %v", err)
	}
	second.SetSatellitesLoaded(4)
	if got := testutil.ToFloat64(first.SatellitesLoaded); got != 4 {
		t.Fatalf("collectors should share registered gauges, got %v", got)
	}
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][2]string{
		"":                             {"unknown", "unknown"},
		"/grpc.health.v1.Health/Check": {"Health", "Check"},
		"/Health/Watch":                {"Health", "Watch"},
		"garbage":                      {"unknown", "unknown"},
	}
	for in, want := range cases {
		svc, m := SplitMethod(in)
		if svc != want[0] || m != want[1] {
			t.Fatalf("SplitMethod(%q) = %q/%q, want %q/%q", in, svc, m, want[0], want[1])
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
