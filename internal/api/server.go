package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/PhoneCam/internal/config"
	"github.com/bryanchriswhite/PhoneCam/internal/controller"
	"github.com/bryanchriswhite/PhoneCam/internal/logger"
	"github.com/bryanchriswhite/PhoneCam/internal/metrics"
	"github.com/bryanchriswhite/PhoneCam/internal/output"
	"github.com/bryanchriswhite/PhoneCam/internal/session"
)

const Version = "0.1.0"

// Controller is the session surface the API drives
type Controller interface {
	Start(endpoint session.Endpoint, fps int) error
	Stop()
	SendCommand(text string) error
	SwitchCamera() error
	Status() controller.Status
	Subscribe() chan session.Event
	Unsubscribe(ch chan session.Event)
}

// Server represents the HTTP API server
type Server struct {
	router    *mux.Router
	ctrl      Controller
	configMgr *config.Manager
	mjpeg     *output.MJPEGOutput
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
	log       *zerolog.Logger

	mu       sync.Mutex
	httpSrv  *http.Server
	shutdown bool
}

// NewServer creates a new API server. configMgr, mjpeg and m may be nil;
// their routes are then not mounted.
func NewServer(ctrl Controller, configMgr *config.Manager, mjpeg *output.MJPEGOutput, m *metrics.Metrics) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		ctrl:      ctrl,
		configMgr: configMgr,
		mjpeg:     mjpeg,
		metrics:   m,
		log:       logger.WithComponent("api"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Local control surface
			},
		},
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Session control
	api.HandleFunc("/session", s.handleGetSession).Methods("GET")
	api.HandleFunc("/session/start", s.handleStartSession).Methods("POST")
	api.HandleFunc("/session/stop", s.handleStopSession).Methods("POST")
	api.HandleFunc("/session/switch-camera", s.handleSwitchCamera).Methods("POST")
	api.HandleFunc("/session/command", s.handleCommand).Methods("POST")
	api.HandleFunc("/events", s.handleEvents)

	if s.configMgr != nil {
		api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
		api.HandleFunc("/config/{key}", s.handleSetConfig).Methods("PUT")
	}

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	if s.mjpeg != nil {
		api.HandleFunc("/preview/stats", s.handlePreviewStats).Methods("GET")
		s.router.HandleFunc("/stream", s.mjpeg.GetHTTPHandler())
		s.router.HandleFunc("/snapshot", s.mjpeg.GetSnapshotHandler())
		s.router.HandleFunc("/", s.mjpeg.GetViewerHandler())
	}

	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	}
}

// Handler returns the root handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until Shutdown is called. It returns nil at once if
// Shutdown already ran.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.httpSrv = srv
	s.mu.Unlock()

	s.log.Info().Str("addr", addr).Msgf("Starting server on http://localhost%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for handlers until ctx ends
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// decodeBody decodes an optional JSON body into v
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// controlStatus maps controller errors to HTTP status codes
func controlStatus(err error) int {
	switch {
	case errors.Is(err, controller.ErrAlreadyRunning), errors.Is(err, controller.ErrNoSession):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// HTTP Handlers

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Host string `json:"host"`
		Port int    `json:"port"`
		FPS  int    `json:"fps"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Port < 0 || req.Port > 65535 || req.FPS < 0 {
		writeError(w, http.StatusBadRequest, errors.New("port or fps out of range"))
		return
	}

	if err := s.ctrl.Start(session.Endpoint{Host: req.Host, Port: req.Port}, req.FPS); err != nil {
		writeError(w, controlStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.ctrl.Status())
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Stop()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleSwitchCamera(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.SwitchCamera(); err != nil {
		writeError(w, controlStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, errors.New("command is required"))
		return
	}

	if err := s.ctrl.SendCommand(req.Command); err != nil {
		writeError(w, controlStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// eventMessage is the websocket form of a session event
type eventMessage struct {
	session.Event
	Error string `json:"error,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	events := s.ctrl.Subscribe()
	defer s.ctrl.Unsubscribe(events)

	// Reader loop only notices the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			msg := eventMessage{Event: ev}
			if ev.Err != nil {
				msg.Error = ev.Err.Error()
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req struct {
		Value any `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.configMgr.Set(key, req.Value); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.configMgr.Get())
}

func (s *Server) handlePreviewStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mjpeg.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}
