package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/solpay/ratelimit"
	"github.com/vitwit/solpay/types"
	"github.com/vitwit/solpay/unlock"
)

type stubPayments struct {
	requestErr error
	result     *types.VerificationResult
	err        error

	lastSignature types.ConfirmSignatureRequest
	lastReference types.ConfirmReferenceRequest
}

func (s *stubPayments) RequestPayment(ctx context.Context, params types.PaymentRequestParams) (*types.PaymentRequest, error) {
	if s.requestErr != nil {
		return nil, s.requestErr
	}
	return &types.PaymentRequest{
		Reference: "EAx3oF6kmpAa6aR9G6LjhuWoqKJLpYsufSDoGp2dDWkh",
		URL:       "solana:recipient?amount=0.05",
		Amount:    decimal.RequireFromString("0.05"),
		Currency:  types.CurrencySOL,
		Plan:      params.Plan,
		Network:   types.NetworkDevnet,
	}, nil
}

func (s *stubPayments) ConfirmSignature(ctx context.Context, req types.ConfirmSignatureRequest) (*types.VerificationResult, error) {
	s.lastSignature = req
	return s.result, s.err
}

func (s *stubPayments) ConfirmReference(ctx context.Context, req types.ConfirmReferenceRequest) (*types.VerificationResult, error) {
	s.lastReference = req
	return s.result, s.err
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}
func (failingLimiter) Close() error { return nil }

type testServer struct {
	handler  http.Handler
	payments *stubPayments
	registry *prometheus.Registry
}

func newTestServer(t *testing.T, limiter ratelimit.Limiter) *testServer {
	t.Helper()
	issuer, err := unlock.NewIssuer([]byte("test-secret"), 0)
	require.NoError(t, err)

	payments := &stubPayments{}
	reg := prometheus.NewRegistry()
	handler := NewRouter(nil, RouterDependencies{
		API:        NewAPIHandlers(nil, payments, issuer),
		Limiter:    limiter,
		Registerer: reg,
		Gatherer:   reg,
	})
	return &testServer{handler: handler, payments: payments, registry: reg}
}

func (s *testServer) do(method, target, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, target, bytes.NewBufferString(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	for _, c := range cookies {
		r.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, r)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), rec.Body.String())
	return payload
}

func unlockCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == unlock.CookieName {
			return c
		}
	}
	return nil
}

const validSignature = "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW"

func TestRequestPayment(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodPost, "/api/pay/request", `{"currency":"SOL","plan":"monthly"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	payload := decode(t, rec)
	assert.Equal(t, "EAx3oF6kmpAa6aR9G6LjhuWoqKJLpYsufSDoGp2dDWkh", payload["reference"])
	assert.Equal(t, "solana:recipient?amount=0.05", payload["paymentUrl"])
	assert.Equal(t, "0.05", payload["amount"])
	assert.Equal(t, "monthly", payload["plan"])
	assert.Equal(t, "devnet", payload["network"])

	_, err := uuid.Parse(rec.Header().Get(requestIDHeader))
	assert.NoError(t, err)
}

func TestRequestPaymentEmptyBody(t *testing.T) {
	s := newTestServer(t, nil)
	rec := s.do(http.MethodPost, "/api/pay/request", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestPaymentErrors(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodPost, "/api/pay/request", `{"currency":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, types.ErrValidation, decode(t, rec)["code"])

	s.payments.requestErr = types.ConfigError("payment recipient is not configured")
	rec = s.do(http.MethodPost, "/api/pay/request", `{}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	payload := decode(t, rec)
	assert.Equal(t, types.ErrConfig, payload["code"])
	assert.Equal(t, "payment recipient is not configured", payload["error"])

	s.payments.requestErr = errors.New("boom")
	rec = s.do(http.MethodPost, "/api/pay/request", `{}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decode(t, rec)["error"])

	rec = s.do(http.MethodGet, "/api/pay/request", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestConfirmSignatureUnlocks(t *testing.T) {
	s := newTestServer(t, nil)
	s.payments.result = &types.VerificationResult{Status: types.StatusConfirmed, Signature: validSignature}

	body := `{"signature":"` + validSignature + `","currency":"SOL","amount":"0.05"}`
	rec := s.do(http.MethodPost, "/api/pay/confirm-signature", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	payload := decode(t, rec)
	assert.Equal(t, "confirmed", payload["status"])
	assert.Equal(t, validSignature, payload["signature"])
	assert.Equal(t, "0.05", s.payments.lastSignature.Amount)

	cookie := unlockCookie(rec)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, "/", cookie.Path)

	status := s.do(http.MethodGet, "/api/pay/status", "", cookie)
	require.Equal(t, http.StatusOK, status.Code)
	assert.Equal(t, true, decode(t, status)["unlocked"])
}

func TestConfirmSignatureTwiceKeepsCredential(t *testing.T) {
	s := newTestServer(t, nil)
	s.payments.result = &types.VerificationResult{Status: types.StatusConfirmed, Signature: validSignature}
	body := `{"signature":"` + validSignature + `","amount":"0.05"}`

	first := unlockCookie(s.do(http.MethodPost, "/api/pay/confirm-signature", body))
	require.NotNil(t, first)

	rec := s.do(http.MethodPost, "/api/pay/confirm-signature", body, first)
	require.Equal(t, http.StatusOK, rec.Code)
	second := unlockCookie(rec)
	require.NotNil(t, second)
	assert.Equal(t, first.Value, second.Value)
}

func TestConfirmSignaturePendingAndFailed(t *testing.T) {
	s := newTestServer(t, nil)
	body := `{"signature":"` + validSignature + `","amount":"0.05"}`

	for _, status := range []types.VerificationStatus{types.StatusPending, types.StatusFailed} {
		s.payments.result = &types.VerificationResult{Status: status, Reason: "not enough"}

		rec := s.do(http.MethodPost, "/api/pay/confirm-signature", body)
		require.Equal(t, http.StatusOK, rec.Code)
		payload := decode(t, rec)
		assert.Equal(t, string(status), payload["status"])
		assert.Equal(t, "not enough", payload["reason"])
		assert.Nil(t, unlockCookie(rec))
	}
}

func TestConfirmSignatureRPCError(t *testing.T) {
	s := newTestServer(t, nil)
	s.payments.result = &types.VerificationResult{Status: types.StatusRPCError, Reason: "getTransaction: 502"}

	rec := s.do(http.MethodPost, "/api/pay/confirm-signature", `{"signature":"`+validSignature+`","amount":"0.05"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	payload := decode(t, rec)
	assert.Equal(t, "rpc_error", payload["status"])
	assert.Equal(t, "getTransaction: 502", payload["error"])
	assert.Nil(t, unlockCookie(rec))
}

func TestConfirmSignatureValidation(t *testing.T) {
	s := newTestServer(t, nil)

	for _, body := range []string{`{"amount":"0.05"}`, `{"signature":"abc"}`, `not json`} {
		rec := s.do(http.MethodPost, "/api/pay/confirm-signature", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	s.payments.err = types.ValidationError("amount 0.01 is below the SOL price of 0.05")
	rec := s.do(http.MethodPost, "/api/pay/confirm-signature", `{"signature":"`+validSignature+`","amount":"0.01"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfirmReference(t *testing.T) {
	s := newTestServer(t, nil)
	s.payments.result = &types.VerificationResult{Status: types.StatusConfirmed, Signature: validSignature}

	rec := s.do(http.MethodGet, "/api/pay/confirm?reference=EAx3oF6kmpAa6aR9G6LjhuWoqKJLpYsufSDoGp2dDWkh&currency=SOL&amount=0.05", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "confirmed", decode(t, rec)["status"])
	assert.NotNil(t, unlockCookie(rec))
	assert.Equal(t, types.ConfirmReferenceRequest{
		Reference: "EAx3oF6kmpAa6aR9G6LjhuWoqKJLpYsufSDoGp2dDWkh",
		Currency:  "SOL",
		Amount:    "0.05",
	}, s.payments.lastReference)

	rec = s.do(http.MethodGet, "/api/pay/confirm?currency=SOL&amount=0.05", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnlockStatusWithoutCredential(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodGet, "/api/pay/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["unlocked"])

	rec = s.do(http.MethodGet, "/api/pay/status", "", &http.Cookie{Name: unlock.CookieName, Value: "true"})
	assert.Equal(t, false, decode(t, rec)["unlocked"])
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, ratelimit.NewMemoryLimiter(2, time.Minute))

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/pay/request", `{}`).Code)
	}
	rec := s.do(http.MethodPost, "/api/pay/request", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, types.ErrRateLimited, decode(t, rec)["code"])

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/pay/status", "").Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", "").Code)
}

func TestRateLimiterFailureAllows(t *testing.T) {
	s := newTestServer(t, failingLimiter{})
	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/pay/request", `{}`).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	rec := s.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = s.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `solpay_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestRequestIDHonoured(t *testing.T) {
	s := newTestServer(t, nil)
	id := uuid.NewString()

	r := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set(requestIDHeader, id)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, r)
	assert.Equal(t, id, rec.Header().Get(requestIDHeader))

	r = httptest.NewRequest(http.MethodGet, "/health", nil)
	r.Header.Set(requestIDHeader, "<script>")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, r)
	assert.NotEqual(t, "<script>", rec.Header().Get(requestIDHeader))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Real-IP", "192.168.1.1")
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 198.51.100.4")

	// forwarded headers are client controlled without a proxy in front
	assert.Equal(t, "10.0.0.1", clientIP(r, false))

	assert.Equal(t, "198.51.100.4", clientIP(r, true))

	r.Header.Add("X-Forwarded-For", "198.51.100.9")
	assert.Equal(t, "198.51.100.9", clientIP(r, true))

	r.Header.Del("X-Forwarded-For")
	assert.Equal(t, "192.168.1.1", clientIP(r, true))

	r.Header.Del("X-Real-IP")
	assert.Equal(t, "10.0.0.1", clientIP(r, true))
}

func TestRateLimitIgnoresRotatedForwardedFor(t *testing.T) {
	s := newTestServer(t, ratelimit.NewMemoryLimiter(1, time.Minute))

	codes := make([]int, 0, 3)
	for _, fwd := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"} {
		r := httptest.NewRequest(http.MethodPost, "/api/pay/request", bytes.NewBufferString(`{}`))
		r.Header.Set("X-Forwarded-For", fwd)
		rec := httptest.NewRecorder()
		s.handler.ServeHTTP(rec, r)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}

func TestWriteErrorStatus(t *testing.T) {
	cases := map[string]int{
		types.ErrValidation:  http.StatusBadRequest,
		types.ErrConfig:      http.StatusInternalServerError,
		types.ErrRateLimited: http.StatusTooManyRequests,
		types.ErrRPC:         http.StatusServiceUnavailable,
	}
	for code, want := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, &types.PayError{Code: code, Message: "m"})
		assert.Equal(t, want, rec.Code, code)
		assert.True(t, strings.Contains(rec.Body.String(), code))
	}
}
