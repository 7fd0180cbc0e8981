package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Currency is the asset a payment is denominated in
type Currency string

const (
	// CurrencySOL is the native currency, settled in lamports.
	CurrencySOL Currency = "SOL"
	// CurrencyUSDC is the configured stable token.
	CurrencyUSDC Currency = "USDC"
)

// LamportsPerSOL is the number of minor units in one SOL.
const LamportsPerSOL int64 = 1_000_000_000

// ParseCurrency normalizes a client supplied currency. An empty value means SOL.
func ParseCurrency(s string) (Currency, error) {
	switch c := Currency(strings.ToUpper(strings.TrimSpace(s))); c {
	case "":
		return CurrencySOL, nil
	case CurrencySOL, CurrencyUSDC:
		return c, nil
	default:
		return "", &PayError{
			Code:    ErrValidation,
			Message: fmt.Sprintf("unsupported currency: %s", s),
		}
	}
}

// IsNative reports whether the currency is settled in lamports
func (c Currency) IsNative() bool { return c == CurrencySOL }

func (c Currency) String() string { return string(c) }

// PaymentRequest is generated once per unlock attempt and never mutated.
type PaymentRequest struct {
	Reference string          `json:"reference"`
	URL       string          `json:"paymentUrl"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  Currency        `json:"currency"`
	Recipient string          `json:"recipient"`
	Label     string          `json:"label,omitempty"`
	Message   string          `json:"message,omitempty"`
	Memo      string          `json:"memo,omitempty"`
	Plan      string          `json:"plan,omitempty"`
	Network   Network         `json:"network"`

	// Mint is set for token denominated requests.
	Mint string `json:"splToken,omitempty"`
}

// PaymentRequestParams is the input of a payment request.
type PaymentRequestParams struct {
	Currency string `json:"currency"`
	Plan     string `json:"plan" validate:"omitempty,max=64"`
}

// ConfirmSignatureRequest is a manually submitted transaction signature.
type ConfirmSignatureRequest struct {
	Signature string `json:"signature" validate:"required"`
	Currency  string `json:"currency"`
	Amount    string `json:"amount" validate:"required"`

	// Reference binds the signature to the request it claims to pay.
	Reference string `json:"reference,omitempty"`
}

// ConfirmReferenceRequest asks whether any transaction tagged with the
// reference has paid the request.
type ConfirmReferenceRequest struct {
	Reference string `json:"reference" validate:"required"`
	Currency  string `json:"currency"`
	Amount    string `json:"amount" validate:"required"`
}

// VerificationStatus is the outcome of a single verification attempt
type VerificationStatus string

const (
	StatusPending   VerificationStatus = "pending"
	StatusConfirmed VerificationStatus = "confirmed"
	StatusFailed    VerificationStatus = "failed"
	StatusRPCError  VerificationStatus = "rpc_error"
)

// Expectation is what the ledger must show for a payment to count.
type Expectation struct {
	Recipient string
	Currency  Currency
	Mint      string
	Amount    decimal.Decimal
	Reference string
}

// VerificationResult contains the result of payment verification
type VerificationResult struct {
	Status    VerificationStatus `json:"status"`
	Signature string             `json:"signature,omitempty"`
	Currency  Currency           `json:"currency,omitempty"`
	Delta     *decimal.Decimal   `json:"delta,omitempty"`
	Required  *decimal.Decimal   `json:"required,omitempty"`
	Reason    string             `json:"reason,omitempty"`
}

// IsConfirmed reports whether the payment unlocks.
func (r *VerificationResult) IsConfirmed() bool {
	return r != nil && r.Status == StatusConfirmed
}

// UnlockCredential is minted on a confirmed payment and owned by the session layer.
type UnlockCredential struct {
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid reports whether the credential is still usable at now.
func (c UnlockCredential) Valid(now time.Time) bool {
	return !c.IssuedAt.IsZero() && now.Before(c.ExpiresAt)
}

// PayConfig is the payment configuration passed explicitly into the core.
type PayConfig struct {
	Network          Network         `json:"network"`
	Recipient        string          `json:"recipient" validate:"omitempty,solana_address"`
	SOLAmount        decimal.Decimal `json:"solAmount"`
	USDCAmount       decimal.Decimal `json:"usdcAmount"`
	USDCMint         string          `json:"usdcMint" validate:"omitempty,solana_address"`
	Label            string          `json:"label"`
	Message          string          `json:"message"`
	Memo             string          `json:"memo"`
	RPCURL           string          `json:"rpcUrl" validate:"required,url"`
	Commitment       string          `json:"commitment" validate:"omitempty,oneof=confirmed finalized"`
	RPCTimeout       time.Duration   `json:"rpcTimeout"`
	RequireReference bool            `json:"requireReference"`
}

// Price returns the configured amount for currency.
func (c *PayConfig) Price(currency Currency) decimal.Decimal {
	if currency == CurrencyUSDC {
		return c.USDCAmount
	}
	return c.SOLAmount
}

// Error types
type PayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e PayError) Error() string {
	return e.Message
}

// Common error codes
const (
	ErrConfig      = "CONFIG_ERROR"
	ErrValidation  = "VALIDATION_ERROR"
	ErrRPC         = "RPC_ERROR"
	ErrRateLimited = "RATE_LIMITED"
)

// ConfigError builds a configuration error.
func ConfigError(format string, args ...any) error {
	return &PayError{Code: ErrConfig, Message: fmt.Sprintf(format, args...)}
}

// ValidationError builds a validation error.
func ValidationError(format string, args ...any) error {
	return &PayError{Code: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// HasCode reports whether err is a PayError carrying code.
func HasCode(err error, code string) bool {
	var pe *PayError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
