// Package server is the coordination service's HTTP surface: the command
// queue the relay polls, telemetry ingestion and the queries behind the web
// UI.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/thiefmaster/cherum/auth"
	"github.com/thiefmaster/cherum/cmdstore"
	"github.com/thiefmaster/cherum/store"
	"github.com/thiefmaster/cherum/telemetry"
)

const (
	maxTelemetryBody  = 1 << 20
	defaultMinutes    = 10
	defaultAreaHours  = 24
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Commands is the command queue and check-in log.
type Commands interface {
	Enqueue(ctx context.Context, command string) (int64, error)
	Latest(ctx context.Context) (cmdstore.Command, error)
	MarkDone(ctx context.Context, id int64) error
	RecordPing(ctx context.Context) error
	LastPing(ctx context.Context) (time.Time, error)
}

// Telemetry is the buffered telemetry store.
type Telemetry interface {
	Store(ctx context.Context, e telemetry.Event) error
	QueryRecent(ctx context.Context, minutes int, droneID string) ([]store.PositionRecord, error)
	QueryArea(ctx context.Context, area store.Area, hours int) ([]store.PositionRecord, error)
	Latest(ctx context.Context, droneID string) (map[telemetry.Kind]*store.Record, error)
}

type Server struct {
	commands  Commands
	telemetry Telemetry
	issuer    *auth.Issuer
	hub       *Hub
	logger    *zap.Logger
}

func New(commands Commands, tel Telemetry, issuer *auth.Issuer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		commands:  commands,
		telemetry: tel,
		issuer:    issuer,
		hub:       NewHub(logger.Named("live")),
		logger:    logger,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /command", s.handleCommand)
	mux.HandleFunc("GET /fetch", s.issuer.Require(s.handleFetch))
	mux.HandleFunc("POST /done/{id}", s.issuer.Require(s.handleDone))
	mux.HandleFunc("GET /last/connection", s.handleLastConnection)
	mux.HandleFunc("GET /last/telemetry", s.handleLastTelemetry)
	mux.HandleFunc("GET /telemetry", s.handleRecentTelemetry)
	mux.HandleFunc("POST /telemetry", s.issuer.Require(s.handleIngest))
	mux.HandleFunc("GET /telemetry/area", s.handleAreaTelemetry)
	mux.Handle("GET /telemetry/live", s.hub)
	return mux
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("coordination service listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("coordination service stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "OK")
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var command string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Command string `json:"command"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid command")
			return
		}
		command = body.Command
	} else {
		command = r.FormValue("command")
	}
	command = strings.TrimSpace(command)
	if command == "" {
		writeError(w, http.StatusBadRequest, "Missing command")
		return
	}

	id, err := s.commands.Enqueue(r.Context(), command)
	if err != nil {
		s.logger.Error("could not queue command", zap.String("command", command), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to queue command")
		return
	}
	s.logger.Info("queued command", zap.Int64("id", id), zap.String("command", command))
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "command": command})
}

type fetchResponse struct {
	ID      *int64 `json:"id"`
	Command string `json:"command"`
	Done    bool   `json:"done"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	if err := s.commands.RecordPing(r.Context()); err != nil {
		s.logger.Warn("could not record ping", zap.Error(err))
	}

	cmd, err := s.commands.Latest(r.Context())
	switch {
	case errors.Is(err, cmdstore.ErrNotFound):
		writeJSON(w, http.StatusOK, fetchResponse{Done: true})
	case err != nil:
		s.logger.Error("could not load latest command", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to fetch command")
	case cmd.Done:
		writeJSON(w, http.StatusOK, fetchResponse{Command: cmd.Command, Done: true})
	default:
		writeJSON(w, http.StatusOK, fetchResponse{ID: &cmd.ID, Command: cmd.Command})
	}
}

func (s *Server) handleDone(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid id")
		return
	}
	switch err := s.commands.MarkDone(r.Context(), id); {
	case errors.Is(err, cmdstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "Unknown command")
	case err != nil:
		s.logger.Error("could not mark command done", zap.Int64("id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to update command")
	default:
		writeJSON(w, http.StatusOK, map[string]int64{"id": id})
	}
}

func (s *Server) handleLastConnection(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	at, err := s.commands.LastPing(r.Context())
	switch {
	case errors.Is(err, cmdstore.ErrNotFound):
		io.WriteString(w, "Never")
	case err != nil:
		s.logger.Error("could not load last ping", zap.Error(err))
		http.Error(w, "Failed to load last connection", http.StatusInternalServerError)
	default:
		io.WriteString(w, at.UTC().Format(time.RFC3339))
	}
}

func (s *Server) handleLastTelemetry(w http.ResponseWriter, r *http.Request) {
	latest, err := s.telemetry.Latest(r.Context(), droneID(r))
	if err != nil {
		s.logger.Error("could not query latest telemetry", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to query telemetry")
		return
	}
	out := make(map[string]*store.Record, len(latest))
	for kind, rec := range latest {
		out[string(kind)] = rec
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecentTelemetry(w http.ResponseWriter, r *http.Request) {
	minutes, err := intParam(r, "minutes", defaultMinutes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	positions, err := s.telemetry.QueryRecent(r.Context(), minutes, droneID(r))
	if err != nil {
		s.logger.Error("could not query telemetry", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to query telemetry")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(positions))
}

func (s *Server) handleAreaTelemetry(w http.ResponseWriter, r *http.Request) {
	var area store.Area
	for _, p := range []struct {
		name string
		dst  *float64
	}{
		{"min_lat", &area.MinLat},
		{"max_lat", &area.MaxLat},
		{"min_lon", &area.MinLon},
		{"max_lon", &area.MaxLon},
	} {
		v, err := strconv.ParseFloat(r.URL.Query().Get(p.name), 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+p.name)
			return
		}
		*p.dst = v
	}
	hours, err := intParam(r, "hours", defaultAreaHours)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	positions, err := s.telemetry.QueryArea(r.Context(), area, hours)
	if err != nil {
		s.logger.Error("could not query telemetry", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to query telemetry")
		return
	}
	writeJSON(w, http.StatusOK, nonNil(positions))
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTelemetryBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid telemetry data")
		return
	}
	event, err := telemetry.Decode(body)
	if err != nil {
		s.logger.Debug("rejected telemetry", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid telemetry data")
		return
	}
	if err := s.telemetry.Store(r.Context(), event); err != nil {
		s.logger.Error("could not store telemetry", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to store telemetry")
		return
	}
	if line, err := telemetry.MarshalLine(event); err == nil {
		s.hub.Broadcast(line)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func droneID(r *http.Request) string {
	if id := r.URL.Query().Get("drone_id"); id != "" {
		return id
	}
	return telemetry.DefaultDroneID
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

func nonNil(positions []store.PositionRecord) []store.PositionRecord {
	if positions == nil {
		return []store.PositionRecord{}
	}
	return positions
}
