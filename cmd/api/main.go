package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/loanservicing/pkg/config"
	"github.com/mcclellann/loanservicing/pkg/errs"
	"github.com/mcclellann/loanservicing/pkg/ledger"
	"github.com/mcclellann/loanservicing/pkg/lending"
	"github.com/mcclellann/loanservicing/pkg/logging"
	"github.com/mcclellann/loanservicing/pkg/metrics"
	"github.com/mcclellann/loanservicing/pkg/models"
	"github.com/mcclellann/loanservicing/pkg/notify"
	"github.com/mcclellann/loanservicing/pkg/payout"
	"github.com/mcclellann/loanservicing/pkg/processor"
	"github.com/mcclellann/loanservicing/pkg/reference"
	"github.com/mcclellann/loanservicing/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server holds the servicing components behind the HTTP surface.
type Server struct {
	lending *lending.Service
	ledger  *ledger.Ledger
	payouts *payout.Workflow
	breaker *processor.Breaker
	logger  *zap.Logger
}

func NewServer(s store.Storage, cfg *config.Config, gateway processor.PaymentProcessor, logger *zap.Logger) *Server {
	refs := reference.Random{}
	breaker := processor.NewBreaker(gateway, processor.BreakerConfig{
		Name:                "payment-processor",
		CallTimeout:         cfg.ProcessorTimeout,
		MaxRequests:         cfg.Breaker.MaxRequests,
		Interval:            cfg.Breaker.Interval,
		Timeout:             cfg.Breaker.Timeout,
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
	}, logger.Named("processor"))
	notifier := notify.NewLogDispatcher(logger)

	escrow := ledger.NewLedger(s, refs, notifier, logger)
	return &Server{
		lending: lending.NewService(s, refs, breaker, notifier, logger,
			lending.WithChargePolicy(cfg.ChargePolicy()),
			lending.WithConcurrency(cfg.SweepConcurrency)),
		ledger:  escrow,
		payouts: payout.NewWorkflow(s, escrow, breaker, refs, notifier, logger, payout.WithConcurrency(cfg.SweepConcurrency)),
		breaker: breaker,
		logger:  logger,
	}
}

// Router wires the read endpoints, health and metrics.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", s.healthHandler).Methods("GET")

	r.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	r.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	r.HandleFunc("/loans/{id}/repayments", s.scheduleHandler).Methods("GET")
	r.HandleFunc("/loans/{id}/summary", s.summaryHandler).Methods("GET")
	r.HandleFunc("/repayments/{id}", s.getRepaymentHandler).Methods("GET")
	r.HandleFunc("/escrow/{id}", s.getAccountHandler).Methods("GET")
	r.HandleFunc("/escrow/{id}/transactions", s.statementHandler).Methods("GET")
	r.HandleFunc("/payouts/{id}", s.getPayoutHandler).Methods("GET")
	r.HandleFunc("/disbursements/{id}", s.getDisbursementHandler).Methods("GET")
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per route template.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		timer := prometheus.NewTimer(metrics.HTTPDuration.WithLabelValues(r.Method, endpoint))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()
		metrics.HTTPRequests.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindStateTransition, errs.KindConcurrencyConflict:
		return http.StatusConflict
	case errs.KindInsufficientFunds, errs.KindOverpayment:
		return http.StatusUnprocessableEntity
	case errs.KindExternalProcessor:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	}
	respondJSON(w, status, map[string]string{"kind": string(kind), "error": msg})
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, errs.Validation("invalid id %q", mux.Vars(r)["id"]))
		return uuid.Nil, false
	}
	return id, true
}

// page reads limit and offset from the query string; the store clamps them.
func page(r *http.Request) (store.Page, error) {
	var p store.Page
	for name, dst := range map[string]*int{"limit": &p.Limit, "offset": &p.Offset} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return store.Page{}, errs.Validation("%s must be a non-negative integer, got %q", name, v)
		}
		*dst = n
	}
	return p, nil
}

// reply writes v, or the error, for a single lookup.
func reply[T any](s *Server, w http.ResponseWriter, r *http.Request, get func(ctx context.Context, id uuid.UUID) (T, error)) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	v, err := get(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, v)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"processor": s.breaker.State(),
	})
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	p, err := page(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	q := r.URL.Query()
	loans, err := s.lending.ListLoans(r.Context(), store.LoanFilter{
		BorrowerID: q.Get("borrower_id"),
		Status:     models.LoanStatus(q.Get("status")),
		Page:       p,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, loans)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	reply(s, w, r, s.lending.GetLoan)
}

func (s *Server) scheduleHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	p, err := page(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	rs, err := s.lending.Schedule(r.Context(), id, p)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rs)
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	reply(s, w, r, s.lending.Summary)
}

func (s *Server) getRepaymentHandler(w http.ResponseWriter, r *http.Request) {
	reply(s, w, r, s.lending.GetRepayment)
}

func (s *Server) getAccountHandler(w http.ResponseWriter, r *http.Request) {
	reply(s, w, r, s.ledger.GetAccount)
}

func (s *Server) statementHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	p, err := page(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	txns, err := s.ledger.Statement(r.Context(), id, p)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, txns)
}

func (s *Server) getPayoutHandler(w http.ResponseWriter, r *http.Request) {
	reply(s, w, r, s.payouts.GetPayout)
}

func (s *Server) getDisbursementHandler(w http.ResponseWriter, r *http.Request) {
	reply(s, w, r, s.payouts.GetDisbursement)
}

// runSweeps refreshes overdue installments and releases due disbursement
// tranches every interval until ctx is done.
func (s *Server) runSweeps(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := s.lending.RefreshOverdue(ctx); err != nil {
			s.logger.Error("overdue refresh failed", zap.Error(err))
		}
		if _, err := s.payouts.ProcessDueDisbursements(ctx); err != nil {
			s.logger.Error("disbursement sweep failed", zap.Error(err))
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*store.SQLStore, error) {
	switch cfg.DatabaseDriver {
	case config.DriverPostgres:
		return store.NewPostgresStore(ctx, cfg.DatabaseURL)
	case config.DriverSQLite:
		return store.NewSQLiteStore(cfg.DatabaseURL)
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, _, err := logging.New(cfg.LogEnvironment(), cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialize store", zap.String("driver", cfg.DatabaseDriver), zap.Error(err))
	}
	defer storage.Close()

	server := NewServer(storage, cfg, processor.NewSandbox(), logger)
	go server.runSweeps(ctx, cfg.SweepInterval)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("driver", cfg.DatabaseDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
	logger.Info("server stopped")
}
