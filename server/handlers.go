package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/vitwit/solpay/logger"
	"github.com/vitwit/solpay/types"
	"github.com/vitwit/solpay/unlock"
	"github.com/vitwit/solpay/utils"
)

const maxBodyBytes = 64 << 10

// PaymentService is the payment core behind the API.
type PaymentService interface {
	RequestPayment(ctx context.Context, params types.PaymentRequestParams) (*types.PaymentRequest, error)
	ConfirmSignature(ctx context.Context, req types.ConfirmSignatureRequest) (*types.VerificationResult, error)
	ConfirmReference(ctx context.Context, req types.ConfirmReferenceRequest) (*types.VerificationResult, error)
}

// APIHandlers exposes the pay routes.
type APIHandlers struct {
	logger   logger.Logger
	payments PaymentService
	issuer   *unlock.Issuer
	now      func() time.Time
}

// NewAPIHandlers constructs an APIHandlers instance.
func NewAPIHandlers(log logger.Logger, payments PaymentService, issuer *unlock.Issuer) *APIHandlers {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &APIHandlers{
		logger:   log,
		payments: payments,
		issuer:   issuer,
		now:      time.Now,
	}
}

type confirmResponse struct {
	Status    types.VerificationStatus `json:"status"`
	Signature string                   `json:"signature,omitempty"`
	Reason    string                   `json:"reason,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

type statusResponse struct {
	Unlocked  bool       `json:"unlocked"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *APIHandlers) requestPayment(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, types.ValidationError("failed to read request body"))
		return
	}

	params, err := utils.ParsePaymentRequestParams(body)
	if err != nil {
		writeError(w, err)
		return
	}

	req, err := h.payments.RequestPayment(r.Context(), *params)
	if err != nil {
		h.fail(w, r, "payment request failed", err)
		return
	}

	respondJSON(w, http.StatusOK, req)
}

func (h *APIHandlers) confirmSignature(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, types.ValidationError("failed to read request body"))
		return
	}

	req, err := utils.ParseConfirmSignatureRequest(body)
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.payments.ConfirmSignature(r.Context(), *req)
	if err != nil {
		h.fail(w, r, "signature confirmation failed", err)
		return
	}

	h.writeVerification(w, r, res)
}

func (h *APIHandlers) confirmReference(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req, err := utils.ParseConfirmReferenceRequest(q.Get("reference"), q.Get("currency"), q.Get("amount"))
	if err != nil {
		writeError(w, err)
		return
	}

	res, err := h.payments.ConfirmReference(r.Context(), *req)
	if err != nil {
		h.fail(w, r, "reference confirmation failed", err)
		return
	}

	h.writeVerification(w, r, res)
}

func (h *APIHandlers) unlockStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := h.issuer.FromRequest(r, h.now())
	if !ok {
		respondJSON(w, http.StatusOK, statusResponse{})
		return
	}
	respondJSON(w, http.StatusOK, statusResponse{Unlocked: true, ExpiresAt: &c.ExpiresAt})
}

// writeVerification reports a verification outcome; a confirmed payment also
// sets the unlock cookie.
func (h *APIHandlers) writeVerification(w http.ResponseWriter, r *http.Request, res *types.VerificationResult) {
	out := confirmResponse{Status: res.Status, Signature: res.Signature}

	switch res.Status {
	case types.StatusRPCError:
		out.Error = res.Reason
		respondJSON(w, http.StatusServiceUnavailable, out)
		return
	case types.StatusConfirmed:
		c, minted := h.issuer.Grant(w, r, h.now())
		h.logger.Info("payment confirmed", map[string]any{
			"request_id": RequestID(r.Context()),
			"signature":  res.Signature,
			"minted":     minted,
			"expires_at": c.ExpiresAt,
		})
	default:
		out.Reason = res.Reason
	}

	respondJSON(w, http.StatusOK, out)
}

func (h *APIHandlers) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	var pe *types.PayError
	if !errors.As(err, &pe) {
		h.logger.Error(msg, map[string]any{
			"request_id": RequestID(r.Context()),
			"error":      err.Error(),
		})
	} else if pe.Code == types.ErrConfig {
		h.logger.Error(msg, map[string]any{
			"request_id": RequestID(r.Context()),
			"error":      pe.Message,
		})
	}
	writeError(w, err)
}

// writeError maps err to an HTTP status. Errors that are not a PayError are
// reported as internal without their message.
func writeError(w http.ResponseWriter, err error) {
	var pe *types.PayError
	if !errors.As(err, &pe) {
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch pe.Code {
	case types.ErrValidation:
		status = http.StatusBadRequest
	case types.ErrRateLimited:
		status = http.StatusTooManyRequests
	case types.ErrRPC:
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, errorResponse{Error: pe.Message, Code: pe.Code})
}
