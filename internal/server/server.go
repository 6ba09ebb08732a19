// Package server exposes health, metrics and the reminder admin endpoints.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hray3182/concierge/internal/models"
	"github.com/hray3182/concierge/internal/reminder"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// OrgHeader scopes a request to one tenant. Without it the server's default org applies.
const OrgHeader = "X-Org-ID"

type Service interface {
	ListRules(ctx context.Context, filter models.RuleFilter) ([]*models.ReminderRule, error)
	GetRule(ctx context.Context, orgID, ruleID uuid.UUID) (*models.ReminderRule, error)
	ListDeliveries(ctx context.Context, orgID, ruleID uuid.UUID) ([]models.DeliveryRecord, error)
	Retry(ctx context.Context, orgID, ruleID uuid.UUID) (*models.ReminderRule, error)
}

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	svc      Service
	pinger   Pinger
	gatherer prometheus.Gatherer
	org      uuid.UUID
	notify   func()
	logger   *zap.Logger
}

type Option func(*Server)

// WithPinger makes /healthz check storage.
func WithPinger(p Pinger) Option {
	return func(s *Server) { s.pinger = p }
}

// WithRetryHook is called after a successful manual retry, typically Worker.Notify.
func WithRetryHook(fn func()) Option {
	return func(s *Server) { s.notify = fn }
}

func New(svc Service, gatherer prometheus.Gatherer, org uuid.UUID, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		gatherer: gatherer,
		org:      org,
		notify:   func() {},
		logger:   logger.With(zap.String("component", "ops_server")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		middleware.RequestID,
		middleware.CleanPath,
		requestLogger(s.logger),
		middleware.Timeout(30*time.Second),
	)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/reminders", func(r chi.Router) {
		r.Get("/", s.listRules)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getRule)
			r.Get("/deliveries", s.listDeliveries)
			r.Post("/retry", s.retry)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	org, err := s.orgFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	filter := models.RuleFilter{OrgID: org}
	switch status := models.RuleStatus(q.Get("status")); status {
	case "", "all":
	case models.StatusPending, models.StatusSent, models.StatusFailed, models.StatusFailedTerminal:
		filter.Status = status
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(string(status)))
		return
	}
	if v := q.Get("person_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid person_id")
			return
		}
		filter.PersonID = &id
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	rules, err := s.svc.ListRules(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if rules == nil {
		rules = []*models.ReminderRule{}
	}
	writeJSON(w, http.StatusOK, listResponse{Rules: toViews(rules), Offset: filter.Offset})
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	org, id, ok := s.target(w, r)
	if !ok {
		return
	}
	rule, err := s.svc.GetRule(r.Context(), org, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toView(rule))
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	org, id, ok := s.target(w, r)
	if !ok {
		return
	}
	records, err := s.svc.ListDeliveries(r.Context(), org, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if records == nil {
		records = []models.DeliveryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": records})
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	org, id, ok := s.target(w, r)
	if !ok {
		return
	}
	rule, err := s.svc.Retry(r.Context(), org, id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.notify()
	writeJSON(w, http.StatusOK, toView(rule))
}

func (s *Server) target(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	org, err := s.orgFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reminder id")
		return uuid.Nil, uuid.Nil, false
	}
	return org, id, true
}

func (s *Server) orgFrom(r *http.Request) (uuid.UUID, error) {
	v := r.Header.Get(OrgHeader)
	if v == "" {
		return s.org, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, errors.New("invalid " + OrgHeader + " header")
	}
	return id, nil
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reminder.ErrNotFound):
		writeError(w, http.StatusNotFound, "reminder not found")
	case errors.Is(err, reminder.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, reminder.ErrConfiguration):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type ruleView struct {
	*models.ReminderRule
	Status models.RuleStatus `json:"status"`
}

type listResponse struct {
	Rules  []ruleView `json:"reminders"`
	Offset int        `json:"offset"`
}

func toView(rule *models.ReminderRule) ruleView {
	return ruleView{ReminderRule: rule, Status: rule.Status()}
}

func toViews(rules []*models.ReminderRule) []ruleView {
	out := make([]ruleView, len(rules))
	for i, r := range rules {
		out[i] = toView(r)
	}
	return out
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
