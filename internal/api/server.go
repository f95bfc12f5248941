// Package api serves the agent's status over HTTP: health, Prometheus
// metrics, the session journal and on-chain session inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocx/memopay/internal/evidence"
	"github.com/ocx/memopay/internal/ledger"
	"github.com/ocx/memopay/internal/session"
)

// Journal lists recorded sessions.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]evidence.Record, error)
}

// StateSource exposes the machine of a running role.
type StateSource interface {
	Current() *session.Machine
}

// Options wires the server. Nil fields disable the matching routes.
type Options struct {
	Journal  Journal
	Fetcher  session.Fetcher
	Gatherer prometheus.Gatherer
	Roles    map[session.Role]StateSource
	// InspectPerMinute caps session inspections per client; zero means 60.
	InspectPerMinute int
	Logger           *slog.Logger
}

type Server struct {
	opts    Options
	logger  *slog.Logger
	limiter *rateLimiter
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "api")
	return &Server{opts: opts, logger: logger, limiter: newRateLimiter(opts.InspectPerMinute, logger)}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS Middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	r.HandleFunc("/api/roles", s.handleRoles).Methods("GET")
	r.HandleFunc("/api/sessions", s.handleSessions).Methods("GET")
	r.Handle("/api/sessions/{request}", s.limiter.middleware(http.HandlerFunc(s.handleSession))).Methods("GET")
	return r
}

// Start serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status API listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type roleStatus struct {
	State   session.State        `json:"state"`
	Elapsed string               `json:"elapsed"`
	History []session.Transition `json:"history"`
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	out := make(map[session.Role]roleStatus)
	for role, src := range s.opts.Roles {
		m := src.Current()
		if m == nil {
			continue
		}
		out[role] = roleStatus{
			State:   m.State(),
			Elapsed: m.Elapsed().Round(time.Millisecond).String(),
			History: m.History(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	records, err := s.opts.Journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing journal failed", "error", err)
		writeError(w, http.StatusInternalServerError, "journal unavailable")
		return
	}
	if records == nil {
		records = []evidence.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.opts.Fetcher == nil {
		writeError(w, http.StatusNotFound, "ledger inspection disabled")
		return
	}
	sigs := make([]ledger.Signature, 3)
	for i, raw := range []string{mux.Vars(r)["request"], r.URL.Query().Get("response"), r.URL.Query().Get("proof")} {
		if raw == "" {
			continue
		}
		sig, err := ledger.ParseSignature(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		sigs[i] = sig
	}

	sess, err := session.Reconstruct(r.Context(), s.opts.Fetcher, sigs[0], sigs[1], sigs[2])
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, sess)
	case errors.Is(err, ledger.ErrTransactionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrInconsistentSession):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Warn("session inspection failed", "request", sigs[0], "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
