package dvpd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/netutil"

	"dvpsettle/services/dvpd/journal"
	"dvpsettle/services/dvpd/settlement"
)

const maxRequestBody = 1 << 20

// Server exposes the admin API over a Service.
type Server struct {
	svc    *Service
	auth   *Authenticator
	logger *slog.Logger
	now    func() time.Time

	// runCtx outlives requests so accepted settlements keep running after
	// the response is written.
	runCtx context.Context
}

// NewServer builds the admin API. Settlements accepted over HTTP run on
// runCtx.
func NewServer(runCtx context.Context, svc *Service, auth *Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if auth == nil {
		auth, _ = NewAuthenticator(AuthConfig{}, logger)
	}
	return &Server{svc: svc, auth: auth, logger: logger.With(slog.String("component", "admin")), now: time.Now, runCtx: runCtx}
}

// Handler returns the routed, instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.With(s.auth.Require(ScopeWrite)).Post("/settlements", s.handleSettle)
		r.With(s.auth.Require(ScopeWrite)).Post("/operation-ids", s.handleOperationID)
		r.With(s.auth.Require(ScopeWrite)).Post("/exports", s.handleExport)
		r.Group(func(r chi.Router) {
			r.Use(s.auth.Require(ScopeRead))
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Get("/bundles/{commitment}/status", s.handleBundleStatus)
			r.Get("/scenarios", s.handleScenarios)
		})
	})
	return otelhttp.NewHandler(r, "dvpd.admin")
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("admin request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// Serve listens on addr until ctx is cancelled, then drains in-flight
// requests and background settlements.
func (s *Server) Serve(ctx context.Context, addr string, maxConns int) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin api listening", slog.String("address", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("admin shutdown", slog.Any("error", err))
	}
	s.svc.Wait()
	return nil
}

type settleResponse struct {
	RunID    string             `json:"runId"`
	Scenario string             `json:"scenario"`
	Bundles  int                `json:"bundles"`
	Report   *settlement.Report `json:"report,omitempty"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settlement.TradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OperationID == 0 {
		req.OperationID = settlement.NewOperationID(s.now())
	}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait {
		report, err := s.svc.Settle(r.Context(), req)
		if report == nil {
			writeBuildError(w, err)
			return
		}
		status := http.StatusOK
		if err != nil {
			status = http.StatusConflict
		}
		writeJSON(w, status, settleResponse{RunID: report.RunID, Scenario: report.Scenario, Bundles: len(report.Bundles), Report: report})
		return
	}
	inst, _, err := s.svc.Submit(s.runCtx, req)
	if err != nil {
		writeBuildError(w, err)
		return
	}
	s.logger.Info("settlement accepted",
		slog.String("run", inst.RunID),
		slog.String("scenario", inst.Scenario),
		slog.Uint64("operation_id", req.OperationID),
		slog.String("subject", Subject(r.Context())))
	w.Header().Set("Location", "/v1/runs/"+inst.RunID)
	writeJSON(w, http.StatusAccepted, settleResponse{RunID: inst.RunID, Scenario: inst.Scenario, Bundles: len(inst.Bundles)})
}

func writeBuildError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoBuilder):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, settlement.ErrUnknownScenario), errors.Is(err, settlement.ErrPrecondition):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleOperationID(w http.ResponseWriter, _ *http.Request) {
	now := s.now().UTC()
	writeJSON(w, http.StatusOK, map[string]any{
		"operationId": settlement.NewOperationID(now),
		"timestamp":   now.Truncate(time.Millisecond),
	})
}

func (s *Server) handleScenarios(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scenarios": settlement.Scenarios()})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	store := s.svc.Journal()
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	q := r.URL.Query()
	filter := journal.Filter{Scenario: q.Get("scenario")}
	filter.AttentionOnly, _ = strconv.ParseBool(q.Get("attention"))
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = since
	}
	runs, err := store.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	store := s.svc.Journal()
	if store == nil {
		writeError(w, http.StatusServiceUnavailable, "journal disabled")
		return
	}
	_, report, err := store.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, journal.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, journal.ErrTampered):
		s.logger.Error("journal entry failed digest check", slog.String("run", chi.URLParam(r, "id")))
		writeError(w, http.StatusInternalServerError, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	store := s.svc.Journal()
	dir := s.svc.cfg.Journal.ExportDir
	if store == nil || dir == "" {
		writeError(w, http.StatusServiceUnavailable, "journal export not configured")
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		window, err := time.ParseDuration(raw)
		if err != nil || window <= 0 {
			writeError(w, http.StatusBadRequest, "since must be a positive duration")
			return
		}
		since = s.now().Add(-window)
	}
	path := filepath.Join(dir, "legs-"+s.now().UTC().Format("20060102T150405Z")+".parquet")
	n, err := store.ExportParquet(r.Context(), path, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "legs": n})
}

type ledgerStatus struct {
	Ledger     string `json:"ledger"`
	Status     uint8  `json:"status"`
	StatusName string `json:"statusName"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) handleBundleStatus(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "commitment")
	if !isHash(raw) {
		writeError(w, http.StatusBadRequest, "commitment must be a 32-byte hex hash")
		return
	}
	commitment := common.HexToHash(raw)
	network := s.svc.Network()
	ledgers := network.Ledgers()
	if name := r.URL.Query().Get("ledger"); name != "" {
		if _, err := network.Ledger(name); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		ledgers = []string{name}
	}
	out := make([]ledgerStatus, 0, len(ledgers))
	for _, name := range ledgers {
		entry := ledgerStatus{Ledger: name}
		status, err := network.Status(r.Context(), name, commitment)
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Status = uint8(status)
			entry.StatusName = status.String()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"commitment": commitment.Hex(), "ledgers": out})
}

func isHash(raw string) bool {
	raw = strings.TrimPrefix(raw, "0x")
	if len(raw) != 2*common.HashLength {
		return false
	}
	for _, c := range raw {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
