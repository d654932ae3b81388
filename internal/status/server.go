// Package status serves the operator status API: current state, manual
// backup triggers, a websocket event stream and Prometheus metrics.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"drivebackup/internal/config"
	"drivebackup/internal/dispatch"
	"drivebackup/internal/updates"
)

const (
	pongWait   = 120 * time.Second
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Engine is the part of the dispatch engine the server reports on.
type Engine interface {
	Running() bool
	LastReport() *dispatch.Report
	Destinations() []config.DestinationKind
	StartCycle(ctx context.Context) (<-chan *dispatch.Report, error)
	ListBackups(ctx context.Context, kind config.DestinationKind) (*dispatch.Listing, error)
}

// UpdateSource returns the most recent update check, or nil.
type UpdateSource interface {
	Last() *updates.VersionInfo
}

// Options wires the server's collaborators. Updates, Hub and Gatherer are
// optional; the matching endpoints are omitted when nil.
type Options struct {
	Engine   Engine
	Updates  UpdateSource
	Hub      *Hub
	Gatherer prometheus.Gatherer
	Version  string
}

// Server is the status HTTP server.
type Server struct {
	ctx    context.Context
	opts   Options
	logger zerolog.Logger

	// wg tracks cycles started through the API.
	wg sync.WaitGroup
}

// NewServer creates a server. ctx bounds cycles triggered through the API
// and shuts the listener down when done.
func NewServer(ctx context.Context, opts Options, logger zerolog.Logger) *Server {
	return &Server{
		ctx:    ctx,
		opts:   opts,
		logger: logger.With().Str("component", "status").Logger(),
	}
}

// Response is the body of GET /api/status.
type Response struct {
	Version      string                   `json:"version,omitempty"`
	Running      bool                     `json:"running"`
	Destinations []config.DestinationKind `json:"destinations"`
	LastCycle    *dispatch.Report         `json:"lastCycle,omitempty"`
	Update       *UpdateStatus            `json:"update,omitempty"`
}

// UpdateStatus summarizes the most recent update check.
type UpdateStatus struct {
	Classification string    `json:"classification"`
	CurrentTitle   string    `json:"currentTitle"`
	LatestTitle    string    `json:"latestTitle,omitempty"`
	CheckedAt      time.Time `json:"checkedAt"`
	Error          string    `json:"error,omitempty"`
}

// BackupEntry is one stored backup in GET /api/backups.
type BackupEntry struct {
	Key              string    `json:"key"`
	FileName         string    `json:"fileName"`
	Size             int64     `json:"size"`
	CreatedAt        time.Time `json:"createdAt"`
	RetentionBuckets []string  `json:"retentionBuckets"`
}

// BackupsResponse is the body of GET /api/backups.
type BackupsResponse struct {
	Destination config.DestinationKind `json:"destination"`
	Backups     []BackupEntry          `json:"backups"`
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/backup", s.handleTriggerBackup)
	mux.HandleFunc("/api/backups", s.handleBackups)
	if s.opts.Hub != nil {
		mux.HandleFunc("/api/events/ws", s.handleEventsWS)
	}
	if s.opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves on addr until the server context is done, then
// shuts down and waits for API-triggered cycles to finish.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", addr).Msg("status server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-s.ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.wg.Wait()
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := Response{
		Version:      s.opts.Version,
		Running:      s.opts.Engine.Running(),
		Destinations: s.opts.Engine.Destinations(),
		LastCycle:    s.opts.Engine.LastReport(),
	}
	if resp.Destinations == nil {
		resp.Destinations = []config.DestinationKind{}
	}
	if s.opts.Updates != nil {
		if info := s.opts.Updates.Last(); info != nil {
			resp.Update = &UpdateStatus{
				Classification: string(info.Classification),
				CurrentTitle:   info.CurrentTitle,
				LatestTitle:    info.LatestTitle,
				CheckedAt:      info.CheckedAt,
			}
			if info.Err != nil {
				resp.Update.Error = info.Err.Error()
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTriggerBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	// The cycle outlives the server context: shutdown waits for it instead
	// of cancelling it.
	done, err := s.opts.Engine.StartCycle(context.WithoutCancel(s.ctx))
	if errors.Is(err, dispatch.ErrCycleInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if report := <-done; report != nil {
			s.logger.Info().Str("cycle_id", report.CycleID).Msg("manual backup finished")
		}
	}()
	s.logger.Info().Str("remote", r.RemoteAddr).Msg("manual backup triggered")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	kind := config.DestinationKind(r.URL.Query().Get("destination"))
	if kind == "" {
		writeError(w, http.StatusBadRequest, "query param destination is required")
		return
	}

	listing, err := s.opts.Engine.ListBackups(r.Context(), kind)
	switch {
	case errors.Is(err, dispatch.ErrUnknownDestination):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, dispatch.ErrNotListable):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Warn().Err(err).Str("destination", string(kind)).Msg("failed to list backups")
		writeError(w, http.StatusInternalServerError, "failed to list backups")
		return
	}

	entries := make([]BackupEntry, 0, len(listing.Backups))
	for _, b := range listing.Backups {
		buckets := listing.Buckets[b.Key]
		if buckets == nil {
			buckets = []string{}
		}
		entries = append(entries, BackupEntry{
			Key:              b.Key,
			FileName:         b.FileName,
			Size:             b.Size,
			CreatedAt:        b.CreatedAt,
			RetentionBuckets: buckets,
		})
	}
	writeJSON(w, http.StatusOK, BackupsResponse{Destination: kind, Backups: entries})
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	c := s.opts.Hub.register()
	defer s.opts.Hub.unregister(c)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case msg, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
