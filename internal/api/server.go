// Package api exposes job creation and snapshot reads over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/emperorhan/position-aggregator/internal/dispatcher"
	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/emperorhan/position-aggregator/internal/metrics"
	"github.com/emperorhan/position-aggregator/internal/snapshot"
)

const (
	maxRequestBodyBytes = 1 << 20
	defaultMaxAccounts  = 20
	maxAccountLength    = 128
	maxGroupIDLength    = 128
)

// Dispatcher starts jobs.
type Dispatcher interface {
	Dispatch(ctx context.Context, req model.JobRequest) (string, error)
	DispatchOrReuse(ctx context.Context, req model.JobRequest) (string, bool, error)
}

// Snapshots reads job views.
type Snapshots interface {
	Build(ctx context.Context, jobID string) (model.Snapshot, error)
	Latest(ctx context.Context, account string) (model.Snapshot, error)
}

type Server struct {
	dispatcher  Dispatcher
	snapshots   Snapshots
	limiter     *RateLimiter
	maxAccounts int
	logger      *slog.Logger
}

type ServerOption func(*Server)

func WithRateLimiter(rl *RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

func WithMaxAccounts(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxAccounts = n
		}
	}
}

func NewServer(d Dispatcher, snapshots Snapshots, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		dispatcher:  d,
		snapshots:   snapshots,
		maxAccounts: defaultMaxAccounts,
		logger:      logger.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /aggregations", s.handleCreate)
	mux.HandleFunc("GET /aggregations/{jobId}", s.handleGet)
	mux.HandleFunc("GET /aggregations/account/{account}", s.handleGetByAccount)

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Wrap(h)
	}
	return instrument(mux, h)
}

type createRequest struct {
	Accounts      []string `json:"accounts"`
	Chains        []string `json:"chains"`
	WalletGroupID string   `json:"walletGroupId,omitempty"`
	Reuse         bool     `json:"reuse,omitempty"`
}

type createResponse struct {
	JobID     string `json:"jobId"`
	Reused    bool   `json:"reused"`
	StatusURL string `json:"statusUrl"`
}

type errorResponse struct {
	Error string `json:"error"`
	JobID string `json:"jobId,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, msg := s.validate(body)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	var (
		jobID  string
		reused bool
		err    error
	)
	if body.Reuse {
		jobID, reused, err = s.dispatcher.DispatchOrReuse(r.Context(), req)
	} else {
		jobID, err = s.dispatcher.Dispatch(r.Context(), req)
	}
	switch {
	case err == nil:
	case errors.Is(err, dispatcher.ErrNoAccounts), errors.Is(err, dispatcher.ErrNoChains):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, dispatcher.ErrPartialDispatch):
		s.logger.Error("partial dispatch", "job_id", jobID, "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), JobID: jobID})
		return
	default:
		s.logger.Error("dispatch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusAccepted, createResponse{
		JobID:     jobID,
		Reused:    reused,
		StatusURL: "/aggregations/" + jobID,
	})
}

func (s *Server) validate(body createRequest) (model.JobRequest, string) {
	if len(body.Accounts) == 0 {
		return model.JobRequest{}, "accounts is required"
	}
	if len(body.Accounts) > s.maxAccounts {
		return model.JobRequest{}, "too many accounts (max " + strconv.Itoa(s.maxAccounts) + ")"
	}
	for _, a := range body.Accounts {
		a = strings.TrimSpace(a)
		if a == "" || len(a) > maxAccountLength {
			return model.JobRequest{}, "invalid account value"
		}
	}
	if len(body.Chains) == 0 {
		return model.JobRequest{}, "chains is required"
	}
	chains := make([]model.Chain, 0, len(body.Chains))
	for _, raw := range body.Chains {
		c, err := model.ParseChain(raw)
		if err != nil {
			return model.JobRequest{}, "unsupported chain " + strconv.Quote(raw)
		}
		chains = append(chains, c)
	}
	if len(body.WalletGroupID) > maxGroupIDLength {
		return model.JobRequest{}, "walletGroupId too long"
	}
	return model.JobRequest{
		Accounts:      body.Accounts,
		Chains:        chains,
		WalletGroupID: strings.TrimSpace(body.WalletGroupID),
	}, ""
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.writeSnapshot(w, r, "job_id", r.PathValue("jobId"), s.snapshots.Build)
}

func (s *Server) handleGetByAccount(w http.ResponseWriter, r *http.Request) {
	s.writeSnapshot(w, r, "account", r.PathValue("account"), s.snapshots.Latest)
}

func (s *Server) writeSnapshot(w http.ResponseWriter, r *http.Request, field, key string, read func(context.Context, string) (model.Snapshot, error)) {
	if key == "" {
		writeError(w, http.StatusBadRequest, field+" is required")
		return
	}
	snap, err := read(r.Context(), key)
	if errors.Is(err, snapshot.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.logger.Error("read snapshot failed", field, key, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument counts requests by matched route pattern and status code.
func instrument(mux *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := "unmatched"
		if _, pattern := mux.Handler(r); pattern != "" {
			route = pattern
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}
