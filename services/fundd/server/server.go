// Package server hosts the fundd HTTP API: public submission endpoints,
// user-triggered settlement claims, the oracle callback and operator admin
// routes.
package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/romain-mg/unknownfinance/fund"
	"github.com/romain-mg/unknownfinance/observability"
)

const requestBodyLimit = 1 << 20 // 1 MiB

// Engine is the slice of the settlement engine the HTTP layer drives.
type Engine interface {
	SubmitMint(caller [20]byte, amount fund.CiphertextHandle, proof []byte) (uint64, error)
	SubmitBurn(caller [20]byte, amount, redeemFlag fund.CiphertextHandle, proof []byte) (uint64, error)
	MintCallback(caller [20]byte, requestID uint64, errorCode uint64, amount *big.Int) error
	BurnCallback(caller [20]byte, requestID uint64, errorCode uint64, amount *big.Int, redeemTokens, hasSufficientBalance bool) error
	FinishMintShares(user [20]byte) error
	InitRedeemAfterBurn(caller [20]byte) error
	FinishRedeemInStablecoinCase(user [20]byte) error
	SendFeesToProtocolOwner(caller [20]byte) error
	ExpireRequest(requestID uint64, now int64) error
}

// AuditLog records the settlement trail for reconciliation. Implementations
// must tolerate being nil-checked; a nil log disables auditing.
type AuditLog interface {
	RecordIntent(ctx context.Context, kind string, requestID uint64, user string) error
	RecordCallback(ctx context.Context, kind string, requestID uint64, outcome string) error
	RecordSettlement(ctx context.Context, kind string, user string, outcome string) error
}

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress   string
	OracleAuthority [20]byte
}

// Server hosts the fundd endpoints.
type Server struct {
	cfg        Config
	engine     Engine
	audit      AuditLog
	logger     *slog.Logger
	adminAuth  *Authenticator
	oracleAuth *Authenticator
	limiter    *RateLimiter
	nowFn      func() time.Time
}

// New constructs the HTTP server.
func New(cfg Config, engine Engine, audit AuditLog, logger *slog.Logger, adminAuth, oracleAuth *Authenticator, limiter *RateLimiter) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if adminAuth == nil || oracleAuth == nil {
		return nil, fmt.Errorf("admin and oracle authenticators required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		engine:     engine,
		audit:      audit,
		logger:     logger,
		adminAuth:  adminAuth,
		oracleAuth: oracleAuth,
		limiter:    limiter,
		nowFn:      time.Now,
	}, nil
}

// Router assembles the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.instrument("healthz", s.handleHealth))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1/fund", func(r chi.Router) {
		submit := func(route string, handler http.HandlerFunc) http.Handler {
			var h http.Handler = s.instrument(route, handler)
			if s.limiter != nil {
				h = s.limiter.Middleware(h)
			}
			return h
		}
		r.Method(http.MethodPost, "/mint", submit("fund.mint", s.handleSubmitMint))
		r.Method(http.MethodPost, "/burn", submit("fund.burn", s.handleSubmitBurn))
		r.Post("/mint/finish", s.instrument("fund.mint.finish", s.handleFinishMint))
		r.Post("/redeem/init", s.instrument("fund.redeem.init", s.handleInitRedeem))
		r.Post("/redeem/finish", s.instrument("fund.redeem.finish", s.handleFinishRedeem))
		r.Method(http.MethodPost, "/fees/sweep", s.adminAuth.Middleware(s.instrument("fund.fees.sweep", s.handleSweepFees)))
		r.Method(http.MethodPost, "/expire", s.adminAuth.Middleware(s.instrument("fund.expire", s.handleExpire)))
	})
	r.Method(http.MethodPost, "/v1/oracle/callback", s.oracleAuth.Middleware(s.instrument("oracle.callback", s.handleOracleCallback)))
	return r
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("http server listening", "component", "server", "listen", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := s.nowFn()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r)
		observability.HTTP().Observe(route, recorder.status, s.nowFn().Sub(started))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusForError(err), map[string]string{"error": err.Error()})
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, fund.ErrNoPendingAction), errors.Is(err, fund.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, fund.ErrBatchNotReady), errors.Is(err, fund.ErrRequestNotExpired):
		return http.StatusConflict
	case errors.Is(err, fund.ErrNotOracle), errors.Is(err, fund.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, fund.ErrAmountExceedsBound), errors.Is(err, fund.ErrInsufficientBalance), errors.Is(err, fund.ErrZeroSharePrice):
		return http.StatusUnprocessableEntity
	case errors.Is(err, fund.ErrPriceFeedUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, requestBodyLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

func parseAddress(raw string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != len(addr) {
		return addr, fmt.Errorf("invalid address %q", raw)
	}
	copy(addr[:], decoded)
	return addr, nil
}

func parseHandle(raw string) (fund.CiphertextHandle, error) {
	var handle fund.CiphertextHandle
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != len(handle) {
		return handle, fmt.Errorf("invalid ciphertext handle %q", raw)
	}
	copy(handle[:], decoded)
	return handle, nil
}

func parseProof(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, nil
	}
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid proof encoding")
	}
	return decoded, nil
}
