// Package server exposes the per-cycle state and the trigger catalogue
// to the automation host, plus health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/LRuesink-WebArray/ostrom/internal/device"
	"github.com/LRuesink-WebArray/ostrom/internal/ostrom"
	"github.com/LRuesink-WebArray/ostrom/internal/triggers"
)

// DeviceView is what the handlers need from the device session.
type DeviceView interface {
	Snapshot() (device.Snapshot, bool)
	Evaluate(ruleID string, args triggers.Args) (bool, error)
	Rules() []triggers.Rule
}

// AccountLinker creates hosted login URLs for the onboarding flow.
type AccountLinker interface {
	CreateAccountLink(ctx context.Context, userID, redirectURL string, scopes []string) (*ostrom.AccountLink, error)
}

type Server struct {
	view   DeviceView
	linker AccountLinker
	logger *logrus.Logger
}

// New builds the HTTP handler stack.
func New(view DeviceView, linker AccountLinker, logger *logrus.Logger) *Server {
	return &Server{view: view, linker: linker, logger: logger}
}

// Handler assembles the mux with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/v1/state", s.handleState)
	mux.HandleFunc("GET /api/v1/triggers", s.handleCatalogue)
	mux.HandleFunc("POST /api/v1/triggers/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /api/v1/account-link", s.handleAccountLink)
	mux.Handle("GET /metrics", promhttp.Handler())

	limiter := NewClientRateLimiter(5, 10)
	return RequestID(limiter.Limit(AccessLog(s.logger, mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.view.Snapshot()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no completed refresh cycle yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCatalogue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": s.view.Rules()})
}

type evaluateRequest struct {
	RuleID string        `json:"ruleId"`
	Args   triggers.Args `json:"args"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.RuleID == "" {
		writeError(w, http.StatusBadRequest, "ruleId is required")
		return
	}
	if req.Args == nil {
		req.Args = triggers.Args{}
	}

	result, err := s.view.Evaluate(req.RuleID, req.Args)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"result": result})
}

func (s *Server) handleAccountLink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	redirectURL := q.Get("redirect_url")
	if userID == "" || redirectURL == "" {
		writeError(w, http.StatusBadRequest, "user_id and redirect_url are required")
		return
	}

	link, err := s.linker.CreateAccountLink(r.Context(), userID, redirectURL, q["scope"])
	if err != nil {
		s.logger.WithError(err).Error("account link creation failed")
		writeError(w, http.StatusBadGateway, "account link creation failed")
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
