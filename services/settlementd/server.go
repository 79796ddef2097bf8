package settlementd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marketpay/ledger"
	"marketpay/settlement"
)

// SettlementAPI is the orchestrator surface the HTTP layer depends on.
// *settlement.Orchestrator satisfies it.
type SettlementAPI interface {
	ReleasePayment(ctx context.Context, req settlement.ReleaseRequest) (*settlement.ReleaseResult, error)
	VerifyFunding(ctx context.Context, req settlement.FundingRequest) (*settlement.Verification, error)
}

// EndpointHealth reports the pool's view of its upstreams. *ledger.Pool
// satisfies it.
type EndpointHealth interface {
	HealthSnapshot() []ledger.EndpointHealth
}

// Server exposes the settlement API: escrow release and inbound payment
// verification. Transport framing is this service's concern only; the
// orchestrator is transport-agnostic.
type Server struct {
	orchestrator SettlementAPI
	pool         EndpointHealth
	authToken    string
	log          *slog.Logger
}

// NewServer wires the HTTP surface over the orchestrator.
func NewServer(orchestrator SettlementAPI, pool EndpointHealth, authToken string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{orchestrator: orchestrator, pool: pool, authToken: authToken, log: log}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(s.authToken))
		r.Post("/v1/escrows/{id}/release", s.handleRelease)
		r.Post("/v1/payments/verify", s.handleVerify)
	})
	return r
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"endpoints": s.pool.HealthSnapshot(),
	})
}

type releaseRequestBody struct {
	CallerID        string `json:"callerId"`
	PayeeAddress    string `json:"payeeAddress,omitempty"`
	AltPayeeAddress string `json:"altPayeeAddress,omitempty"`
}

type releaseResponseBody struct {
	TransactionReference   string `json:"transactionReference"`
	ReconciliationRequired bool   `json:"reconciliationRequired,omitempty"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	escrowID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "escrow id must be a uuid")
		return
	}
	var body releaseRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	callerID, err := uuid.Parse(strings.TrimSpace(body.CallerID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "callerId must be a uuid")
		return
	}

	result, err := s.orchestrator.ReleasePayment(r.Context(), settlement.ReleaseRequest{
		EscrowID:        escrowID,
		CallerID:        callerID,
		PayeeAddress:    body.PayeeAddress,
		AltPayeeAddress: body.AltPayeeAddress,
	})
	if err != nil {
		// Partial success: funds moved, state write pending reconciliation.
		// The caller gets the reference and the flag, not a failure.
		if errors.Is(err, settlement.ErrPersistenceInconsistency) && result != nil {
			s.log.Error("release needs reconciliation", "escrow", escrowID, "reference", result.TxReference)
			writeJSON(w, http.StatusOK, releaseResponseBody{
				TransactionReference:   result.TxReference,
				ReconciliationRequired: true,
			})
			return
		}
		s.writeSettlementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, releaseResponseBody{TransactionReference: result.TxReference})
}

type verifyRequestBody struct {
	EscrowID             string `json:"escrowId"`
	TransactionReference string `json:"transactionReference"`
	ExpectedPayer        string `json:"expectedPayer"`
	ExpectedAmount       string `json:"expectedAmount,omitempty"`
}

type verifyResponseBody struct {
	Verified       bool   `json:"verified"`
	ObservedAmount string `json:"observedAmount"`
	Reason         string `json:"reason,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body verifyRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	escrowID, err := uuid.Parse(strings.TrimSpace(body.EscrowID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "escrowId must be a uuid")
		return
	}
	if strings.TrimSpace(body.TransactionReference) == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "transactionReference is required")
		return
	}
	req := settlement.FundingRequest{
		EscrowID:      escrowID,
		TxReference:   strings.TrimSpace(body.TransactionReference),
		ExpectedPayer: strings.TrimSpace(body.ExpectedPayer),
	}
	if trimmed := strings.TrimSpace(body.ExpectedAmount); trimmed != "" {
		amount, ok := new(big.Int).SetString(trimmed, 10)
		if !ok {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "expectedAmount must be a base-10 integer")
			return
		}
		req.ExpectedAmount = amount
	}

	verification, err := s.orchestrator.VerifyFunding(r.Context(), req)
	if err != nil {
		s.writeSettlementError(w, err)
		return
	}
	response := verifyResponseBody{
		Verified: verification.Verified,
		Reason:   verification.Reason,
	}
	if verification.ObservedAmount != nil {
		response.ObservedAmount = verification.ObservedAmount.String()
	} else {
		response.ObservedAmount = "0"
	}
	writeJSON(w, http.StatusOK, response)
}

// writeSettlementError maps the settlement error taxonomy onto HTTP statuses
// with stable machine-readable codes.
func (s *Server) writeSettlementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "UNAUTHORIZED", err.Error())
	case errors.Is(err, settlement.ErrEscrowNotFound), errors.Is(err, settlement.ErrProjectNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, settlement.ErrInvalidState):
		writeError(w, http.StatusConflict, "INVALID_STATE", err.Error())
	case errors.Is(err, settlement.ErrReconciliationPending):
		writeError(w, http.StatusConflict, "RECONCILIATION_PENDING", err.Error())
	case errors.Is(err, settlement.ErrAddressResolution):
		writeError(w, http.StatusUnprocessableEntity, "ADDRESS_RESOLUTION_FAILED", err.Error())
	case errors.Is(err, settlement.ErrUnknownToken):
		writeError(w, http.StatusUnprocessableEntity, "UNKNOWN_TOKEN", err.Error())
	case errors.Is(err, settlement.ErrInsufficientBalance):
		writeError(w, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", err.Error())
	case errors.Is(err, settlement.ErrAccountNotFound):
		writeError(w, http.StatusInternalServerError, "ACCOUNT_NOT_FOUND", err.Error())
	case errors.Is(err, settlement.ErrNotTokenAccount):
		writeError(w, http.StatusInternalServerError, "NOT_A_TOKEN_ACCOUNT", err.Error())
	case errors.Is(err, ledger.ErrAmountOutOfRange):
		writeError(w, http.StatusUnprocessableEntity, "AMOUNT_OUT_OF_RANGE", err.Error())
	case errors.Is(err, ledger.ErrSubmissionRejected):
		writeError(w, http.StatusBadGateway, "SUBMISSION_REJECTED", err.Error())
	case errors.Is(err, ledger.ErrUnconfirmed):
		// The transfer may still post; the caller must not retry.
		writeError(w, http.StatusAccepted, "UNCONFIRMED_AFTER_SUBMISSION", err.Error())
	case errors.Is(err, ledger.ErrTransactionFailed):
		writeError(w, http.StatusBadGateway, "TRANSACTION_FAILED", err.Error())
	case errors.Is(err, ledger.ErrEndpointsExhausted):
		writeError(w, http.StatusServiceUnavailable, "ENDPOINTS_EXHAUSTED", err.Error())
	default:
		s.log.Error("unhandled settlement error", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
