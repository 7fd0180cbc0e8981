// Package solpay verifies Solana Pay payments against the ledger and decides
// whether a payer has unlocked the paid plan.
package solpay

import (
	"context"
	"time"

	"github.com/vitwit/solpay/clients"
	"github.com/vitwit/solpay/confirmation"
	"github.com/vitwit/solpay/logger"
	"github.com/vitwit/solpay/metrics"
	"github.com/vitwit/solpay/paymenturl"
	"github.com/vitwit/solpay/types"
	"github.com/vitwit/solpay/utils"
	"github.com/vitwit/solpay/verification"
)

// DefaultPlan is used when a payment request names no plan.
const DefaultPlan = "monthly"

const defaultTimeout = 30 * time.Second

// SolPay is the payment verification core.
type SolPay struct {
	config   types.PayConfig
	client   clients.Client
	verifier *verification.VerificationService

	logger  logger.Logger
	metrics metrics.Recorder
	timeout time.Duration
}

var _ confirmation.Backend = (*SolPay)(nil)

// New creates a SolPay for cfg. The RPC client is created from cfg unless one
// is supplied with WithClient.
func New(cfg types.PayConfig, opts ...Option) (*SolPay, error) {
	p := &SolPay{
		config:  cfg,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
		timeout: defaultTimeout,
	}
	if cfg.RPCTimeout > 0 {
		p.timeout = cfg.RPCTimeout
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		client, err := clients.NewSolanaClient(cfg.Network, cfg.RPCURL, cfg.Commitment, p.timeout)
		if err != nil {
			return nil, err
		}
		p.client = client
	}

	p.verifier = verification.NewVerificationService(p.client, p.timeout, p.logger, p.metrics)
	return p, nil
}

// RequestPayment creates a payment request with a fresh reference and its
// payment URI. It fails with a configuration error when the recipient, or
// for USDC the mint, is not configured.
func (p *SolPay) RequestPayment(ctx context.Context, params types.PaymentRequestParams) (*types.PaymentRequest, error) {
	currency, err := types.ParseCurrency(params.Currency)
	if err != nil {
		return nil, err
	}

	mint, err := p.payee(currency)
	if err != nil {
		return nil, err
	}

	plan := params.Plan
	if plan == "" {
		plan = DefaultPlan
	}

	req := &types.PaymentRequest{
		Reference: utils.GenerateReference(),
		Amount:    p.config.Price(currency),
		Currency:  currency,
		Recipient: p.config.Recipient,
		Label:     p.config.Label,
		Message:   p.config.Message,
		Memo:      p.config.Memo,
		Plan:      plan,
		Network:   p.config.Network,
		Mint:      mint,
	}

	req.URL = paymenturl.Build(paymenturl.Params{
		Recipient: req.Recipient,
		Amount:    req.Amount,
		Label:     req.Label,
		Message:   req.Message,
		Memo:      req.Memo,
		Reference: req.Reference,
		SPLToken:  req.Mint,
	})

	p.metrics.IncCounter("payment_request", map[string]string{
		"network": p.config.Network.String(),
		"status":  "issued",
	})
	p.logger.Info("payment requested", map[string]any{
		"reference": req.Reference,
		"currency":  currency.String(),
		"amount":    req.Amount.String(),
		"plan":      plan,
	})

	return req, nil
}

// ConfirmSignature verifies a signature the payer submitted. A missing
// signature or amount, or an amount below the configured price, is a
// validation error. RPC failures are reported as the rpc_error status.
func (p *SolPay) ConfirmSignature(ctx context.Context, req types.ConfirmSignatureRequest) (*types.VerificationResult, error) {
	if err := utils.ValidateStruct(&req); err != nil {
		return nil, types.ValidationError("signature and amount are required")
	}
	if _, err := utils.ValidateSignature(req.Signature); err != nil {
		return nil, types.ValidationError("invalid signature: %v", err)
	}

	if req.Reference == "" && p.config.RequireReference {
		return nil, types.ValidationError("reference is required")
	}
	if req.Reference != "" {
		if err := utils.ValidateSolanaAddress(req.Reference); err != nil {
			return nil, types.ValidationError("invalid reference: %v", err)
		}
	}

	exp, err := p.expectation(req.Currency, req.Amount, req.Reference)
	if err != nil {
		return nil, err
	}

	return p.verifier.VerifySignature(ctx, req.Signature, exp)
}

// ConfirmReference looks for a transaction tagged with the reference that
// paid the request.
func (p *SolPay) ConfirmReference(ctx context.Context, req types.ConfirmReferenceRequest) (*types.VerificationResult, error) {
	if err := utils.ValidateStruct(&req); err != nil {
		return nil, types.ValidationError("reference and amount are required")
	}
	if err := utils.ValidateSolanaAddress(req.Reference); err != nil {
		return nil, types.ValidationError("invalid reference: %v", err)
	}

	exp, err := p.expectation(req.Currency, req.Amount, req.Reference)
	if err != nil {
		return nil, err
	}

	return p.verifier.VerifyReference(ctx, exp)
}

// NewSession creates a confirmation session backed by p.
func (p *SolPay) NewSession(params types.PaymentRequestParams, opts ...confirmation.Option) *confirmation.Session {
	opts = append([]confirmation.Option{confirmation.WithLogger(p.logger)}, opts...)
	return confirmation.NewSession(p, params, opts...)
}

// expectation turns a client claim into what the ledger must show. The
// claimed amount is what gets verified, but it may never undercut the price.
func (p *SolPay) expectation(currencyArg, amountArg, reference string) (types.Expectation, error) {
	currency, err := types.ParseCurrency(currencyArg)
	if err != nil {
		return types.Expectation{}, err
	}

	amount, err := utils.ValidateAmount(amountArg)
	if err != nil {
		return types.Expectation{}, types.ValidationError("invalid amount: %v", err)
	}

	mint, err := p.payee(currency)
	if err != nil {
		return types.Expectation{}, err
	}

	if price := p.config.Price(currency); amount.LessThan(price) {
		return types.Expectation{}, types.ValidationError("amount %s is below the %s price of %s", amount, currency, price)
	}

	return types.Expectation{
		Recipient: p.config.Recipient,
		Currency:  currency,
		Mint:      mint,
		Amount:    amount,
		Reference: reference,
	}, nil
}

// payee checks that payments in currency can be received and returns the
// mint for token currencies.
func (p *SolPay) payee(currency types.Currency) (string, error) {
	if p.config.Recipient == "" {
		return "", types.ConfigError("payment recipient is not configured")
	}
	if err := utils.ValidateSolanaAddress(p.config.Recipient); err != nil {
		return "", types.ConfigError("payment recipient is invalid: %v", err)
	}

	if currency.IsNative() {
		return "", nil
	}
	if p.config.USDCMint == "" {
		return "", types.ConfigError("%s mint is not configured", currency)
	}
	return p.config.USDCMint, nil
}

// Network returns the configured cluster.
func (p *SolPay) Network() types.Network {
	return p.config.Network
}

// Close closes the RPC client.
func (p *SolPay) Close() {
	p.verifier.Close()
}

// Version information
const Version = "1.0.0"

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"library_version": Version,
		"supported_networks": []string{
			types.NetworkMainnet.String(), types.NetworkDevnet.String(),
			types.NetworkTestnet.String(), types.NetworkLocalnet.String(),
		},
		"supported_currencies": []string{
			types.CurrencySOL.String(), types.CurrencyUSDC.String(),
		},
	}
}
