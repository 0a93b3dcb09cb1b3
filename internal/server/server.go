// Package server exposes the HTTP surface: the webhook entry point plus the
// strategy management API. This is the only layer that maps engine errors
// onto HTTP status codes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/marketflow/signalbridge/internal/ledger"
	"github.com/marketflow/signalbridge/internal/models"
	"github.com/marketflow/signalbridge/internal/storage"
	"github.com/marketflow/signalbridge/internal/strategy"
	"github.com/marketflow/signalbridge/internal/webhook"
)

// Server routes inbound HTTP to the processor and the strategy service.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	processor *webhook.Processor
	service   *strategy.Service
	ledger    *ledger.Ledger
	storage   storage.Interface
	logger    *logrus.Logger
	addr      string
}

// NewServer wires the routes. addr is the listen address ("host:port").
func NewServer(addr string, processor *webhook.Processor, service *strategy.Service, lg *ledger.Ledger, store storage.Interface, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		processor: processor,
		service:   service,
		ledger:    lg,
		storage:   store,
		logger:    logger,
		addr:      addr,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Post("/webhook/{token}", s.handleWebhook)

	s.router.Route("/api/strategies", func(r chi.Router) {
		r.Post("/", s.handleCreateStrategy)
		r.Get("/", s.handleListStrategies)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetStrategy)
			r.Delete("/", s.handleDeleteStrategy)
			r.Post("/toggle", s.handleToggleStrategy)
			r.Put("/times", s.handleUpdateTimes)
			r.Get("/pnl", s.handlePnL)
			r.Get("/positions", s.handlePositions)
			r.Post("/mappings", s.handleAddMapping)
			r.Post("/mappings/bulk", s.handleAddMappingsBulk)
			r.Get("/mappings", s.handleListMappings)
			r.Delete("/mappings/{mappingID}", s.handleDeleteMapping)
		})
	})

	s.router.Get("/health", s.handleHealth)
}

// Start runs the HTTP listener until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.WithField("addr", s.addr).Info("starting http server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	var sig webhook.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	report, err := s.processor.Process(r.Context(), token, &sig)
	if err != nil {
		s.writeWebhookError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// writeWebhookError maps the processor's typed errors onto status codes.
// Anything unclassified is an internal failure and stays opaque.
func (s *Server) writeWebhookError(w http.ResponseWriter, err error) {
	var (
		valErr    *webhook.ValidationError
		stateErr  *webhook.StateConflictError
		timingErr *webhook.TimingError
		resErr    *webhook.ResolutionError
	)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "unknown webhook token")
	case errors.Is(err, storage.ErrNoAPIKey):
		s.writeError(w, http.StatusUnauthorized, "no API key found")
	case errors.As(err, &stateErr):
		body := map[string]any{
			"error":   stateErr.Reason,
			"message": stateErr.Hint,
		}
		if len(stateErr.Positions) > 0 {
			body["active_positions"] = stateErr.Positions
		}
		s.writeJSON(w, http.StatusConflict, body)
	case errors.As(err, &valErr):
		s.writeError(w, http.StatusBadRequest, valErr.Reason)
	case errors.As(err, &timingErr):
		s.writeError(w, http.StatusBadRequest, timingErr.Reason)
	case errors.As(err, &resErr):
		s.writeError(w, http.StatusBadRequest, resErr.Error())
	default:
		s.logger.WithError(err).Error("webhook processing failed")
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) handleCreateStrategy(w http.ResponseWriter, r *http.Request) {
	var p strategy.CreateParams
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	strat, err := s.service.Create(r.Context(), p)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, strat)
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}
	strategies, err := s.storage.ListStrategies(r.Context(), userID)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, strategies)
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	strat, err := s.storage.GetStrategy(r.Context(), id)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, strat)
}

func (s *Server) handleDeleteStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.service.Delete(r.Context(), id); err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "strategy deleted"})
}

func (s *Server) handleToggleStrategy(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	strat, err := s.service.Toggle(r.Context(), id)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, strat)
}

func (s *Server) handleUpdateTimes(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		StartTime     string `json:"start_time"`
		EndTime       string `json:"end_time"`
		SquareoffTime string `json:"squareoff_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	strat, err := s.service.UpdateTimes(r.Context(), id, body.StartTime, body.EndTime, body.SquareoffTime)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeStorageError(w, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, strat)
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	sum, err := s.ledger.AggregatePnL(r.Context(), id)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	positions, err := s.storage.ListPositions(r.Context(), id)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleAddMapping(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var m models.SymbolMapping
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	added, err := s.service.AddMapping(r.Context(), id, m)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeStorageError(w, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleAddMappingsBulk(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	var body struct {
		Mappings string `json:"mappings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	added, err := s.service.AddMappingsBulk(r.Context(), id, body.Mappings)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeStorageError(w, err)
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "id")
	if !ok {
		return
	}
	mappings, err := s.storage.ListMappings(r.Context(), id)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, mappings)
}

func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	mappingID, ok := s.pathID(w, r, "mappingID")
	if !ok {
		return
	}
	if err := s.storage.DeleteMapping(r.Context(), mappingID); err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "mapping deleted"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return id, true
}

func (s *Server) writeStorageError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.WithError(err).Error("storage operation failed")
	s.writeError(w, http.StatusInternalServerError, "internal server error")
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("encoding response failed")
	}
}
