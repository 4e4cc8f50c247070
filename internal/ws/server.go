package ws

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ChangLabUcsf/SpikeMemory/internal/detect"
	"github.com/ChangLabUcsf/SpikeMemory/internal/store"
)

//go:embed params.schema.json
var paramsSchemaJSON string

const paramsSchemaURL = "params.schema.json"

const maxParamsBody = 4 << 10

// Controller owns the live detection tunables.
type Controller interface {
	Tunables() detect.Tunables
	UpdateTunables(func(*detect.Tunables)) detect.Tunables
}

type Server struct {
	results     *store.Results
	streams     StreamsPayload
	ctrl        Controller
	broadcaster *Broadcaster

	paramsSchema *jsonschema.Schema

	metricsPath    string
	metricsHandler http.Handler

	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string
}

func NewServer(results *store.Results, streams StreamsPayload, ctrl Controller, broadcaster *Broadcaster, allowedOrigins []string, authToken string) (*Server, error) {
	schema, err := compileParamsSchema()
	if err != nil {
		return nil, err
	}

	s := &Server{
		results:        results,
		streams:        streams,
		ctrl:           ctrl,
		broadcaster:    broadcaster,
		paramsSchema:   schema,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      authToken,
	}

	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s, nil
}

func compileParamsSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(paramsSchemaURL, strings.NewReader(paramsSchemaJSON)); err != nil {
		return nil, fmt.Errorf("params schema: %w", err)
	}
	schema, err := c.Compile(paramsSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("params schema: %w", err)
	}
	return schema, nil
}

// SetMetricsHandler mounts h at path. Must be called before SetupRoutes.
func (s *Server) SetMetricsHandler(path string, h http.Handler) {
	s.metricsPath = path
	s.metricsHandler = h
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/streams", s.guard(s.handleStreams))
	mux.HandleFunc("/api/spikes", s.guard(s.handleSpikes))
	mux.HandleFunc("/api/waveform", s.guard(s.handleWaveform))
	mux.HandleFunc("/api/events", s.guard(s.handleEvents))
	mux.HandleFunc("/api/spikes-by-event", s.guard(s.handleSpikesByEvent))
	mux.HandleFunc("/api/baseline", s.guard(s.handleBaseline))
	mux.HandleFunc("/api/params", s.guard(s.handleParams))

	if s.metricsHandler != nil {
		mux.Handle(s.metricsPath, s.guard(s.metricsHandler.ServeHTTP))
	}
}

// Handler returns the routes wrapped in the security headers middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func (s *Server) guard(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		log.Printf("[ws] rejecting %s: %v", r.RemoteAddr, err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}
	log.Printf("[ws] client connected: %s", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			log.Printf("[ws] client disconnected: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.streams)
}

type spikesResponse struct {
	Times []float64 `json:"times"`
	Scans []uint64  `json:"scans"`
}

func (s *Server) handleSpikes(w http.ResponseWriter, r *http.Request) {
	probe, ch, ok := probeChannel(w, r)
	if !ok {
		return
	}
	times, scans, err := s.results.Spikes(probe, ch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, spikesResponse{Times: times, Scans: scans})
}

func (s *Server) handleWaveform(w http.ResponseWriter, r *http.Request) {
	probe, ch, ok := probeChannel(w, r)
	if !ok {
		return
	}
	wf, err := s.results.TakeWaveform(probe, ch)
	if err != nil {
		writeError(w, err)
		return
	}
	if wf == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, wf)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	typ, ok := intParam(w, r, "type")
	if !ok {
		return
	}
	times, scans, err := s.results.Events(typ)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, spikesResponse{Times: times, Scans: scans})
}

func (s *Server) handleSpikesByEvent(w http.ResponseWriter, r *http.Request) {
	probe, ch, ok := probeChannel(w, r)
	if !ok {
		return
	}
	typ, ok := intParam(w, r, "type")
	if !ok {
		return
	}
	seqs, err := s.results.SpikesByEvent(probe, ch, typ)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, seqs)
}

func (s *Server) handleBaseline(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.results.Baselines())
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.ctrl.Tunables())
	case http.MethodPost:
		req, err := s.decodeParams(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		applied := s.ctrl.UpdateTunables(func(t *detect.Tunables) {
			if req.Mode != nil {
				t.Mode = detect.Mode(*req.Mode)
			}
			if req.Threshold != nil {
				t.SetThreshold(*req.Threshold)
			}
		})
		log.Printf("[ws] params updated: mode=%s threshold=%g", applied.Mode, applied.Params().Threshold)
		s.broadcaster.BroadcastMessage(MsgParams, applied)
		writeJSON(w, applied)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) decodeParams(body io.Reader) (ParamsRequest, error) {
	raw, err := io.ReadAll(io.LimitReader(body, maxParamsBody))
	if err != nil {
		return ParamsRequest{}, err
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ParamsRequest{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := s.paramsSchema.Validate(doc); err != nil {
		return ParamsRequest{}, err
	}

	var req ParamsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return ParamsRequest{}, err
	}
	return req, nil
}

func probeChannel(w http.ResponseWriter, r *http.Request) (probe, ch int, ok bool) {
	if probe, ok = intParam(w, r, "probe"); !ok {
		return 0, 0, false
	}
	if ch, ok = intParam(w, r, "ch"); !ok {
		return 0, 0, false
	}
	return probe, ch, true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid %s", name), http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[ws] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrOutOfRange) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-SpikeMemory-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	name := parsed.Hostname()
	return name == "localhost" || name == "127.0.0.1" || name == "::1"
}

// NewHTTPServer builds the listener for handler.
func NewHTTPServer(host string, port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", host, port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
