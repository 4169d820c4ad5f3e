// Package api exposes a globe session over HTTP: GeoJSON reads, the
// threshold control, selection and track display, and a WebSocket stream
// of layer events.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/satellite-globe/core"
	"github.com/signalsfoundry/satellite-globe/internal/geojson"
	"github.com/signalsfoundry/satellite-globe/internal/logging"
	"github.com/signalsfoundry/satellite-globe/internal/observability"
	"github.com/signalsfoundry/satellite-globe/internal/session"
)

// Server routes HTTP requests to one session.
type Server struct {
	session   *session.Session
	log       logging.Logger
	collector *observability.GlobeCollector
	limiter   *IPRateLimiter
	proxies   []netip.Prefix
	upgrader  websocket.Upgrader

	events      *eventHub
	unsubscribe []func()
	mux         *http.ServeMux
}

// Option customises a Server.
type Option func(*Server)

// WithCollector records per-route request metrics.
func WithCollector(c *observability.GlobeCollector) Option {
	return func(s *Server) {
		s.collector = c
	}
}

// WithTrackRateLimit throttles track requests per client address. A
// non-positive rate disables throttling.
func WithTrackRateLimit(perMinute float64, burst int) Option {
	return func(s *Server) {
		if perMinute <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = NewIPRateLimiter(perMinute, burst)
	}
}

// WithTrustedProxies names the reverse proxies allowed to report the
// client address through X-Forwarded-For. Without it the peer address
// is always used.
func WithTrustedProxies(proxies []netip.Prefix) Option {
	return func(s *Server) {
		s.proxies = proxies
	}
}

// WithCheckOrigin sets the WebSocket origin policy. The default accepts
// same-origin requests only.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) {
		s.upgrader.CheckOrigin = fn
	}
}

// NewServer wires routes and subscribes the event stream to the session's
// layers. Call Close to detach.
func NewServer(sess *session.Session, log logging.Logger, opts ...Option) *Server {
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{
		session: sess,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		mux: http.NewServeMux(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.events = newEventHub(log)
	s.unsubscribe = append(s.unsubscribe,
		sess.Features().Subscribe(s.events.publish),
		sess.Tracks().Subscribe(s.events.publish),
	)
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return withRequestLogger(s.log, s.mux)
}

// Close detaches from the layers and disconnects event clients.
func (s *Server) Close() {
	for _, unsub := range s.unsubscribe {
		unsub()
	}
	s.unsubscribe = nil
	s.events.close()
}

func (s *Server) routes() {
	s.handle("GET /healthz", "healthz", s.healthz)

	s.handle("GET /api/v1/satellites", "satellites", s.listSatellites)
	s.handle("GET /api/v1/satellites/{id}", "satellite", s.getSatellite)
	s.handle("POST /api/v1/satellites/{id}/track", "satellite_track", s.showTrack)

	s.handle("GET /api/v1/control", "control", s.getControl)
	s.handle("PUT /api/v1/control", "control", s.putControl)

	s.handle("POST /api/v1/selection", "selection", s.postSelection)

	s.handle("GET /api/v1/track", "track", s.getTrack)
	s.handle("DELETE /api/v1/track", "track", s.deleteTrack)

	s.handle("GET /api/v1/events", "events", s.serveEvents)
}

func (s *Server) handle(pattern, route string, fn http.HandlerFunc) {
	s.mux.Handle(pattern, s.collector.InstrumentHandler(route, fn))
}

type healthBody struct {
	State    string `json:"state"`
	Features int    `json:"features"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	st := s.session.State()
	body := healthBody{State: st.String(), Features: s.session.Features().Count()}
	code := http.StatusOK
	if st == session.StateFailed {
		code = http.StatusServiceUnavailable
		if err := s.session.LoadErr(); err != nil {
			body.Error = err.Error()
		}
	}
	writeJSONStatus(w, code, body)
}

func (s *Server) listSatellites(w http.ResponseWriter, r *http.Request) {
	if s.session.State() != session.StateLoaded {
		writeError(w, session.ErrNotLoaded)
		return
	}
	all := false
	if raw := r.URL.Query().Get("all"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, fmt.Errorf("%w: all=%q", ErrBadRequest, raw))
			return
		}
		all = v
	}

	features := s.session.Features().Visible()
	if all {
		features = s.session.Features().All()
	}
	writeJSON(w, geojson.Satellites(features))
}

func (s *Server) getSatellite(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	f, ok := s.session.Features().Get(id)
	if !ok {
		writeError(w, fmt.Errorf("%w: %d", session.ErrFeatureNotFound, id))
		return
	}
	writeJSON(w, geojson.Satellite(f))
}

type controlBody struct {
	session.Control
	Where string `json:"where,omitempty"`
}

func (s *Server) controlResponse() controlBody {
	body := controlBody{Control: s.session.Control()}
	if f, ok := s.session.Features().Filter(); ok {
		body.Where = f.Expression()
	}
	return body
}

func (s *Server) getControl(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.controlResponse())
}

func (s *Server) putControl(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value   *int   `json:"value"`
		Trigger string `json:"trigger,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: invalid json", ErrBadRequest))
		return
	}
	if body.Value == nil {
		writeError(w, fmt.Errorf("%w: value required", ErrBadRequest))
		return
	}
	trigger, err := core.ParseControlTrigger(body.Trigger)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if err := s.session.ApplyFilter(r.Context(), *body.Value, trigger); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, s.controlResponse())
}

type selectionBody struct {
	ID    *int   `json:"id"`
	Track string `json:"track"`
}

func trackStateName(ts session.TrackState) string {
	if ts == session.TrackShowing {
		return "showing"
	}
	return "none"
}

func (s *Server) postSelection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID *int `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, fmt.Errorf("%w: invalid json", ErrBadRequest))
		return
	}
	if err := s.session.Select(body.ID); err != nil {
		writeError(w, err)
		return
	}
	sel, ts := s.session.Selection()
	writeJSON(w, selectionBody{ID: sel, Track: trackStateName(ts)})
}

func (s *Server) showTrack(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.limiter != nil && !s.limiter.Allow(clientIP(r, s.proxies)) {
		w.Header().Set("Retry-After", "1")
		writeJSONStatus(w, http.StatusTooManyRequests, errorBody{Error: "track request rate exceeded"})
		return
	}

	track, err := s.session.ShowTrack(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrTrackSuperseded) {
			requestLogger(r, s.log).Debug(r.Context(), "track superseded", logging.Int("feature_id", id))
		}
		writeError(w, err)
		return
	}
	writeJSON(w, geojson.Track(track))
}

func (s *Server) getTrack(w http.ResponseWriter, r *http.Request) {
	track, ok := s.session.Tracks().Current()
	if !ok {
		writeError(w, ErrNoTrack)
		return
	}
	writeJSON(w, geojson.Track(track))
}

func (s *Server) deleteTrack(w http.ResponseWriter, r *http.Request) {
	s.session.ClearTrack()
	w.WriteHeader(http.StatusNoContent)
}

func pathID(r *http.Request) (int, error) {
	raw := r.PathValue("id")
	id, err := strconv.Atoi(raw)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("%w: invalid satellite id %q", ErrBadRequest, raw)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
