package server

import (
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/romain-mg/unknownfinance/observability"
)

type submitMintRequest struct {
	User         string `json:"user"`
	AmountHandle string `json:"amount_handle"`
	Proof        string `json:"proof"`
}

type submitBurnRequest struct {
	User             string `json:"user"`
	AmountHandle     string `json:"amount_handle"`
	RedeemFlagHandle string `json:"redeem_flag_handle"`
	Proof            string `json:"proof"`
}

type userRequest struct {
	User string `json:"user"`
}

type expireRequest struct {
	RequestID uint64 `json:"request_id"`
}

type callbackRequest struct {
	RequestID            uint64 `json:"request_id"`
	Kind                 string `json:"kind"`
	ErrorCode            uint64 `json:"error_code"`
	Amount               string `json:"amount"`
	RedeemTokens         bool   `json:"redeem_tokens"`
	HasSufficientBalance bool   `json:"has_sufficient_balance"`
}

func (s *Server) handleSubmitMint(w http.ResponseWriter, r *http.Request) {
	var req submitMintRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	user, err := parseAddress(req.User)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	handle, err := parseHandle(req.AmountHandle)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	proof, err := parseProof(req.Proof)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	requestID, err := s.engine.SubmitMint(user, handle, proof)
	if err != nil {
		s.logger.Error("submit mint failed", "component", "server", "error", err)
		writeError(w, err)
		return
	}
	s.recordIntent(r, "mint", requestID, req.User)
	writeJSON(w, http.StatusAccepted, map[string]any{"request_id": requestID})
}

func (s *Server) handleSubmitBurn(w http.ResponseWriter, r *http.Request) {
	var req submitBurnRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	user, err := parseAddress(req.User)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	amount, err := parseHandle(req.AmountHandle)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	redeemFlag, err := parseHandle(req.RedeemFlagHandle)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	proof, err := parseProof(req.Proof)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	requestID, err := s.engine.SubmitBurn(user, amount, redeemFlag, proof)
	if err != nil {
		s.logger.Error("submit burn failed", "component", "server", "error", err)
		writeError(w, err)
		return
	}
	s.recordIntent(r, "burn", requestID, req.User)
	writeJSON(w, http.StatusAccepted, map[string]any{"request_id": requestID})
}

func (s *Server) handleOracleCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	amount := new(big.Int)
	if trimmed := strings.TrimSpace(req.Amount); trimmed != "" {
		if _, ok := amount.SetString(trimmed, 10); !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid amount"})
			return
		}
	}
	var err error
	kind := strings.ToLower(strings.TrimSpace(req.Kind))
	switch kind {
	case "mint":
		err = s.engine.MintCallback(s.cfg.OracleAuthority, req.RequestID, req.ErrorCode, amount)
	case "burn":
		err = s.engine.BurnCallback(s.cfg.OracleAuthority, req.RequestID, req.ErrorCode, amount, req.RedeemTokens, req.HasSufficientBalance)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown callback kind %q", req.Kind)})
		return
	}
	if err != nil {
		s.logger.Error("oracle callback failed", "component", "server", "pipeline", kind, "request_id", req.RequestID, "error", err)
		s.recordCallback(r, kind, req.RequestID, "error")
		writeError(w, err)
		return
	}
	s.recordCallback(r, kind, req.RequestID, "resolved")
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (s *Server) handleFinishMint(w http.ResponseWriter, r *http.Request) {
	s.handleUserAction(w, r, "mint", func(user [20]byte) error {
		return s.engine.FinishMintShares(user)
	})
}

func (s *Server) handleInitRedeem(w http.ResponseWriter, r *http.Request) {
	s.handleUserAction(w, r, "redeem_tokens", func(user [20]byte) error {
		return s.engine.InitRedeemAfterBurn(user)
	})
}

func (s *Server) handleFinishRedeem(w http.ResponseWriter, r *http.Request) {
	s.handleUserAction(w, r, "redeem_stablecoin", func(user [20]byte) error {
		return s.engine.FinishRedeemInStablecoinCase(user)
	})
}

func (s *Server) handleUserAction(w http.ResponseWriter, r *http.Request, pipeline string, action func(user [20]byte) error) {
	var req userRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	user, err := parseAddress(req.User)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := action(user); err != nil {
		s.logger.Error("settlement action failed", "component", "server", "pipeline", pipeline, "error", err)
		observability.Fund().RecordSettlement(pipeline, "error")
		s.recordSettlement(r, pipeline, req.User, "error")
		writeError(w, err)
		return
	}
	observability.Fund().RecordSettlement(pipeline, "settled")
	s.recordSettlement(r, pipeline, req.User, "settled")
	writeJSON(w, http.StatusOK, map[string]string{"status": "settled"})
}

func (s *Server) handleSweepFees(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	caller, err := parseAddress(req.User)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.SendFeesToProtocolOwner(caller); err != nil {
		writeError(w, err)
		return
	}
	s.recordSettlement(r, "fees", req.User, "swept")
	writeJSON(w, http.StatusOK, map[string]string{"status": "swept"})
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	var req expireRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.ExpireRequest(req.RequestID, s.nowFn().Unix()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "expired"})
}

func (s *Server) recordIntent(r *http.Request, kind string, requestID uint64, user string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.RecordIntent(r.Context(), kind, requestID, user); err != nil {
		s.logger.Warn("audit intent failed", "component", "server", "error", err)
	}
}

func (s *Server) recordCallback(r *http.Request, kind string, requestID uint64, outcome string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.RecordCallback(r.Context(), kind, requestID, outcome); err != nil {
		s.logger.Warn("audit callback failed", "component", "server", "error", err)
	}
}

func (s *Server) recordSettlement(r *http.Request, kind, user, outcome string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.RecordSettlement(r.Context(), kind, user, outcome); err != nil {
		s.logger.Warn("audit settlement failed", "component", "server", "error", err)
	}
}
