package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/satellite-globe/core"
	"github.com/signalsfoundry/satellite-globe/internal/observability"
	"github.com/signalsfoundry/satellite-globe/internal/session"
	"github.com/signalsfoundry/satellite-globe/timectrl"
)

const twoRecords = `SATA
1 25544U 98067A   21275.59097222  .00000204  00000-0  10270-4 0  9990
2 25544  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257760
SATB
1 48274U 21035A   21275.59097222  .00000204  00000-0  10270-4 0  9990
2 48274  51.6459 115.9059 0001817  61.3028  35.9198 15.49370953257760
`

type textFetcher string

func (f textFetcher) Fetch(context.Context, string) ([]byte, error) { return []byte(f), nil }

func newLoadedSession(t *testing.T) *session.Session {
	t.Helper()
	builder := core.NewTrackBuilder(core.NewPositionDeriver(nil, nil))
	builder.Steps = 10
	s := session.New("./all.txt", textFetcher(twoRecords), nil,
		session.WithClock(timectrl.NewFixedClock(time.Date(2021, 10, 2, 0, 0, 0, 0, time.UTC))),
		session.WithTrackBuilder(builder),
	)
	if _, err := s.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

func newTestServer(t *testing.T, sess *session.Session, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(sess, nil, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp, decoded
}

func featureCount(body map[string]any) int {
	features, _ := body["features"].([]any)
	return len(features)
}

func TestSatellitesFollowControl(t *testing.T) {
	_, ts := newTestServer(t, newLoadedSession(t))

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/satellites", "")
	if resp.StatusCode != http.StatusOK || body["type"] != "FeatureCollection" || featureCount(body) != 2 {
		t.Fatalf("GET satellites = %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatalf("response missing %s", requestIDHeader)
	}

	resp, body = do(t, http.MethodPut, ts.URL+"/api/v1/control", `{"value":1,"trigger":"thumb-drag"}`)
	if resp.StatusCode != http.StatusOK || body["value"] != float64(1) || body["where"] != "ObjectID < 1" {
		t.Fatalf("PUT control = %d %v", resp.StatusCode, body)
	}

	_, body = do(t, http.MethodGet, ts.URL+"/api/v1/satellites", "")
	if featureCount(body) != 1 {
		t.Fatalf("visible features after V=1 = %d, want 1", featureCount(body))
	}
	_, body = do(t, http.MethodGet, ts.URL+"/api/v1/satellites?all=true", "")
	if featureCount(body) != 2 {
		t.Fatalf("all features = %d, want 2", featureCount(body))
	}
}

func TestControlValidation(t *testing.T) {
	_, ts := newTestServer(t, newLoadedSession(t))

	cases := []struct {
		body string
		code int
	}{
		{`{"value":3}`, http.StatusBadRequest},
		{`{"value":-1}`, http.StatusBadRequest},
		{`{}`, http.StatusBadRequest},
		{`{"value":1,"trigger":"wheel"}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
		{`{"value":0}`, http.StatusOK},
	}
	for _, tc := range cases {
		resp, body := do(t, http.MethodPut, ts.URL+"/api/v1/control", tc.body)
		if resp.StatusCode != tc.code {
			t.Fatalf("PUT control %s = %d %v, want %d", tc.body, resp.StatusCode, body, tc.code)
		}
	}

	_, body := do(t, http.MethodGet, ts.URL+"/api/v1/control", "")
	if body["min"] != float64(0) || body["max"] != float64(2) || body["value"] != float64(0) || body["enabled"] != true {
		t.Fatalf("GET control = %v", body)
	}
}

func TestNotLoadedSession(t *testing.T) {
	sess := session.New("./all.txt", textFetcher(""), nil)
	_, ts := newTestServer(t, sess)

	resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/satellites", "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("GET satellites before load = %d, want 503", resp.StatusCode)
	}
	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/control", "")
	if resp.StatusCode != http.StatusOK || body["enabled"] != false || body["max"] != float64(0) {
		t.Fatalf("GET control before load = %d %v", resp.StatusCode, body)
	}

	_, _ = sess.Load(context.Background())
	resp, body = do(t, http.MethodGet, ts.URL+"/healthz", "")
	if resp.StatusCode != http.StatusServiceUnavailable || body["state"] != "failed" {
		t.Fatalf("healthz after failed load = %d %v", resp.StatusCode, body)
	}
}

func TestTrackLifecycle(t *testing.T) {
	sess := newLoadedSession(t)
	_, ts := newTestServer(t, sess)

	resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/track", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET track with none displayed = %d, want 404", resp.StatusCode)
	}

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/satellites/1/track", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST track = %d %v", resp.StatusCode, body)
	}
	geom, _ := body["geometry"].(map[string]any)
	coords, _ := geom["coordinates"].([]any)
	if geom["type"] != "LineString" || len(coords) != 10 {
		t.Fatalf("track geometry = %v", geom)
	}

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/track", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET track = %d", resp.StatusCode)
	}

	resp, body = do(t, http.MethodPost, ts.URL+"/api/v1/selection", `{"id":null}`)
	if resp.StatusCode != http.StatusOK || body["id"] != nil || body["track"] != "none" {
		t.Fatalf("POST selection null = %d %v", resp.StatusCode, body)
	}
	if _, ok := sess.Tracks().Current(); ok {
		t.Fatalf("deselect left a track displayed")
	}

	resp, _ = do(t, http.MethodPost, ts.URL+"/api/v1/satellites/7/track", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("POST track unknown id = %d, want 404", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodPost, ts.URL+"/api/v1/satellites/abc/track", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST track bad id = %d, want 400", resp.StatusCode)
	}
	resp, _ = do(t, http.MethodDelete, ts.URL+"/api/v1/track", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE track = %d, want 204", resp.StatusCode)
	}
}

func TestTrackRateLimit(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewGlobeCollector(reg)
	if err != nil {
		t.Fatalf("NewGlobeCollector: %v", err)
	}
	_, ts := newTestServer(t, newLoadedSession(t), WithCollector(collector), WithTrackRateLimit(1, 2))

	codes := make([]int, 0, 3)
	for range 3 {
		resp, _ := do(t, http.MethodPost, ts.URL+"/api/v1/satellites/0/track", "")
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("status codes = %v, want [200 200 429]", codes)
	}
	if got := testutil.ToFloat64(collector.HTTPRequests.WithLabelValues("satellite_track", "429")); got != 1 {
		t.Fatalf("429 counter = %v, want 1", got)
	}
}

func TestTrackRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	_, ts := newTestServer(t, newLoadedSession(t), WithTrackRateLimit(1, 2))

	codes := make([]int, 0, 3)
	for i := range 3 {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/satellites/0/track", nil)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i+1))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("POST track: %v", err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("status codes = %v, want third request throttled", codes)
	}
}

func TestGetSatellite(t *testing.T) {
	_, ts := newTestServer(t, newLoadedSession(t))
	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/satellites/1", "")
	props, _ := body["properties"].(map[string]any)
	if resp.StatusCode != http.StatusOK || props["commonName"] != "SATB" || props["launchYear"] != float64(2021) {
		t.Fatalf("GET satellite 1 = %d %v", resp.StatusCode, body)
	}
}

func TestEventStreamPushesFilterAndTrackEvents(t *testing.T) {
	sess := newLoadedSession(t)
	srv, ts := newTestServer(t, sess)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for srv.events.size() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := sess.ApplyFilter(context.Background(), 1, core.TriggerSegmentDrag); err != nil {
		t.Fatalf("ApplyFilter: %v", err)
	}
	if _, err := sess.ShowTrack(context.Background(), 0); err != nil {
		t.Fatalf("ShowTrack: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got []eventMessage
	for len(got) < 2 {
		var msg eventMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		got = append(got, msg)
	}
	if got[0].Type != "filter_changed" || got[0].Threshold == nil || *got[0].Threshold != 1 || got[0].Where != "ObjectID < 1" {
		t.Fatalf("first event = %+v", got[0])
	}
	if got[1].Type != "track_replaced" || got[1].Track == nil {
		t.Fatalf("second event = %+v", got[1])
	}
}

func TestGRPCHealthFollowsSession(t *testing.T) {
	server, hs := NewGRPCServer(nil, nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("initial status = %s", got)
	}
	SyncHealth(hs, session.StateLoaded)
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("loaded status = %s", got)
	}
	SyncHealth(hs, session.StateFailed)
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("failed status = %s", got)
	}
}

func TestClientIPIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.7:4321"
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	if got := clientIP(r, nil); got != "198.51.100.7" {
		t.Fatalf("clientIP without trusted proxies = %q, want peer", got)
	}

	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	if got := clientIP(r, proxies); got != "198.51.100.7" {
		t.Fatalf("clientIP from untrusted peer = %q, want peer", got)
	}
}

func TestClientIPWalksForwardedForBehindTrustedProxy(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	if err != nil {
		t.Fatalf("ParseTrustedProxies: %v", err)
	}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:4321"
	r.Header.Set("X-Forwarded-For", "1.2.3.4, 203.0.113.9, 192.0.2.1")
	if got := clientIP(r, proxies); got != "203.0.113.9" {
		t.Fatalf("clientIP = %q, want rightmost untrusted hop", got)
	}

	r.Header.Del("X-Forwarded-For")
	if got := clientIP(r, proxies); got != "10.0.0.5" {
		t.Fatalf("clientIP without header = %q, want peer", got)
	}
}

func TestParseTrustedProxiesRejectsGarbage(t *testing.T) {
	if _, err := ParseTrustedProxies([]string{"10.0.0.0/99"}); err == nil {
		t.Fatalf("expected error for bad prefix")
	}
	if _, err := ParseTrustedProxies([]string{"proxy.local"}); err == nil {
		t.Fatalf("expected error for hostname")
	}
}
