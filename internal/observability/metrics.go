package observability

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/satellite-globe/core"
)

// GlobeCollector bundles Prometheus metrics for the load pipeline, track
// builds, the HTTP API and the gRPC health surface.
type GlobeCollector struct {
	gatherer prometheus.Gatherer

	SatellitesLoaded    prometheus.Gauge
	ParseErrors         prometheus.Counter
	PropagationFailures *prometheus.CounterVec
	FilterThreshold     prometheus.Gauge

	TrackBuilds        prometheus.Counter
	TrackPoints        prometheus.Gauge
	TrackBuildDuration prometheus.Histogram

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec
	GRPCRequests  *prometheus.CounterVec
}

// NewGlobeCollector registers metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewGlobeCollector(reg prometheus.Registerer) (*GlobeCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	loaded, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "globe_satellites_loaded",
		Help: "Number of satellite features on the primary layer.",
	}), "globe_satellites_loaded")
	if err != nil {
		return nil, err
	}
	parseErrors, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "globe_parse_errors_total",
		Help: "Element-set records skipped because they were malformed.",
	}), "globe_parse_errors_total")
	if err != nil {
		return nil, err
	}
	propFailures, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "globe_propagation_failures_total",
		Help: "Samples skipped because the propagator produced no position, labeled by cause.",
	}, []string{"cause"}), "globe_propagation_failures_total")
	if err != nil {
		return nil, err
	}
	threshold, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "globe_filter_threshold",
		Help: "Current value of the satellite count control.",
	}), "globe_filter_threshold")
	if err != nil {
		return nil, err
	}

	builds, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "globe_track_builds_total",
		Help: "Number of ground tracks built.",
	}), "globe_track_builds_total")
	if err != nil {
		return nil, err
	}
	points, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "globe_track_points",
		Help: "Vertex count of the most recently built track.",
	}), "globe_track_points")
	if err != nil {
		return nil, err
	}
	buildDuration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "globe_track_build_duration_seconds",
		Help:    "Time spent sampling one ground track.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}), "globe_track_build_duration_seconds")
	if err != nil {
		return nil, err
	}

	httpRequests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "globe_http_requests_total",
		Help: "Handled HTTP requests, labeled by route and status code.",
	}, []string{"route", "code"}), "globe_http_requests_total")
	if err != nil {
		return nil, err
	}
	httpDurations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "globe_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"route"}), "globe_http_request_duration_seconds")
	if err != nil {
		return nil, err
	}
	grpcRequests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "globe_grpc_requests_total",
		Help: "Handled gRPC calls, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "globe_grpc_requests_total")
	if err != nil {
		return nil, err
	}

	return &GlobeCollector{
		gatherer:            gatherer,
		SatellitesLoaded:    loaded,
		ParseErrors:         parseErrors,
		PropagationFailures: propFailures,
		FilterThreshold:     threshold,
		TrackBuilds:         builds,
		TrackPoints:         points,
		TrackBuildDuration:  buildDuration,
		HTTPRequests:        httpRequests,
		HTTPDurations:       httpDurations,
		GRPCRequests:        grpcRequests,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *GlobeCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// PropagationFailed satisfies core.FailureObserver.
func (c *GlobeCollector) PropagationFailed(cause core.FailureCause) {
	if c == nil || c.PropagationFailures == nil {
		return
	}
	c.PropagationFailures.WithLabelValues(string(cause)).Inc()
}

// SetSatellitesLoaded records the primary layer size.
func (c *GlobeCollector) SetSatellitesLoaded(n int) {
	if c == nil {
		return
	}
	c.SatellitesLoaded.Set(float64(n))
}

// AddParseErrors counts skipped records.
func (c *GlobeCollector) AddParseErrors(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.ParseErrors.Add(float64(n))
}

// SetFilterThreshold records the control value.
func (c *GlobeCollector) SetFilterThreshold(v int) {
	if c == nil {
		return
	}
	c.FilterThreshold.Set(float64(v))
}

// TrackBuilt records one completed track build.
func (c *GlobeCollector) TrackBuilt(points int, took time.Duration) {
	if c == nil {
		return
	}
	c.TrackBuilds.Inc()
	c.TrackPoints.Set(float64(points))
	c.TrackBuildDuration.Observe(took.Seconds())
}

// InstrumentHandler wraps next, recording count and latency under route.
func (c *GlobeCollector) InstrumentHandler(route string, next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		c.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		c.HTTPDurations.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is needed by the WebSocket upgrader, which asserts http.Hijacker.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.code = http.StatusSwitchingProtocols
	return http.NewResponseController(r.ResponseWriter).Hijack()
}

// UnaryServerInterceptor records request counts for unary RPCs.
func (c *GlobeCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if c == nil || c.GRPCRequests == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.GRPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components, returning "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return c, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
