package verification

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitwit/solpay/clients"
	"github.com/vitwit/solpay/logger"
	"github.com/vitwit/solpay/metrics"
	"github.com/vitwit/solpay/types"
)

// DefaultReferenceLimit bounds how many reference signatures are inspected.
const DefaultReferenceLimit = 10

var lamportsPerSOL = decimal.NewFromInt(types.LamportsPerSOL)

// Verify decides from the ledger's balance changes whether tx paid at least
// exp.Amount of exp.Currency to exp.Recipient. It never returns rpc_error.
func Verify(tx *types.TransactionRecord, exp types.Expectation) *types.VerificationResult {
	required := exp.Amount
	res := &types.VerificationResult{
		Status:   types.StatusPending,
		Currency: exp.Currency,
		Required: &required,
	}

	if tx == nil {
		res.Reason = "transaction not found"
		return res
	}
	res.Signature = tx.Signature

	// an included transaction that errored moved no funds
	if tx.ErrorPresent {
		res.Status = types.StatusFailed
		res.Reason = fmt.Sprintf("transaction failed on chain: %v", tx.Err)
		return res
	}

	if exp.Reference != "" && tx.AccountIndex(exp.Reference) < 0 {
		res.Reason = "transaction does not carry the payment reference"
		return res
	}

	var delta, threshold decimal.Decimal
	if exp.Currency.IsNative() {
		idx := tx.AccountIndex(exp.Recipient)
		if idx < 0 {
			res.Reason = "recipient is not an account of the transaction"
			return res
		}

		lamports := lamportsAt(tx.PostBalances, idx).Sub(lamportsAt(tx.PreBalances, idx))
		threshold = exp.Amount.Mul(lamportsPerSOL).Round(0)
		deltaSOL := lamports.Shift(-9)
		res.Delta = &deltaSOL
		delta = lamports
	} else {
		key := tokenKey{mint: exp.Mint, owner: exp.Recipient}
		pre := indexTokenBalances(tx.PreTokenBalances)[key]
		post := indexTokenBalances(tx.PostTokenBalances)[key]

		delta = post.Sub(pre)
		threshold = exp.Amount
		res.Delta = &delta
	}

	// overpayment unlocks as well
	if delta.GreaterThanOrEqual(threshold) {
		res.Status = types.StatusConfirmed
		return res
	}

	res.Reason = fmt.Sprintf("recipient received %s %s, need %s", res.Delta.String(), exp.Currency, exp.Amount.String())
	return res
}

func lamportsAt(balances []uint64, idx int) decimal.Decimal {
	if idx >= len(balances) {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(new(big.Int).SetUint64(balances[idx]), 0)
}

type tokenKey struct {
	mint  string
	owner string
}

// indexTokenBalances sums balances per (mint, owner). An owner may hold the
// mint in more than one token account.
func indexTokenBalances(balances []types.TokenBalance) map[tokenKey]decimal.Decimal {
	out := make(map[tokenKey]decimal.Decimal, len(balances))
	for _, b := range balances {
		k := tokenKey{mint: b.Mint, owner: b.Owner}
		out[k] = out[k].Add(uiAmount(b))
	}
	return out
}

// uiAmount prefers the node's decimal string, then the float, then the raw
// integer amount scaled by decimals.
func uiAmount(b types.TokenBalance) decimal.Decimal {
	if b.UIAmountString != "" {
		if d, err := decimal.NewFromString(b.UIAmountString); err == nil {
			return d
		}
	}
	if b.UIAmount != nil {
		return decimal.NewFromFloat(*b.UIAmount)
	}
	if b.Amount != "" {
		if d, err := decimal.NewFromString(b.Amount); err == nil {
			return d.Shift(-int32(b.Decimals))
		}
	}
	return decimal.Zero
}

// VerificationService checks payments against the ledger through a client
type VerificationService struct {
	client         clients.Client
	timeout        time.Duration
	referenceLimit int
	logger         logger.Logger
	metrics        metrics.Recorder
}

// NewVerificationService creates a new verification service
func NewVerificationService(client clients.Client, timeout time.Duration, log logger.Logger, rec metrics.Recorder) *VerificationService {
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}

	return &VerificationService{
		client:         client,
		timeout:        timeout,
		referenceLimit: DefaultReferenceLimit,
		logger:         log,
		metrics:        rec,
	}
}

// VerifySignature fetches the transaction and verifies it. A transaction the
// ledger does not know yet is pending, a failed fetch is rpc_error. Only
// invalid input is returned as an error.
func (s *VerificationService) VerifySignature(
	ctx context.Context,
	signature string,
	exp types.Expectation,
) (*types.VerificationResult, error) {
	verifyCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.verifySignature(verifyCtx, signature, exp)
	if err != nil {
		return nil, err
	}

	s.record("verify_signature", res)
	return res, nil
}

func (s *VerificationService) verifySignature(
	ctx context.Context,
	signature string,
	exp types.Expectation,
) (*types.VerificationResult, error) {
	start := time.Now()
	tx, err := s.client.FetchTransaction(ctx, signature)
	s.metrics.ObserveLatency("fetch_transaction", time.Since(start), s.labels())

	switch {
	case errors.Is(err, clients.ErrTransactionNotFound):
		required := exp.Amount
		return &types.VerificationResult{
			Status:    types.StatusPending,
			Signature: signature,
			Currency:  exp.Currency,
			Required:  &required,
			Reason:    "transaction not found",
		}, nil
	case clients.IsRPCError(err):
		s.logger.Warn("transaction fetch failed", map[string]any{
			"signature": signature,
			"network":   s.client.GetNetwork().String(),
			"error":     err.Error(),
		})
		return &types.VerificationResult{
			Status:    types.StatusRPCError,
			Signature: signature,
			Currency:  exp.Currency,
			Reason:    err.Error(),
		}, nil
	case err != nil:
		return nil, err
	}

	res := Verify(tx, exp)
	s.logger.Debug("transaction verified", map[string]any{
		"signature": signature,
		"status":    string(res.Status),
		"reason":    res.Reason,
	})
	return res, nil
}

// VerifyReference verifies the transactions tagged with exp.Reference, oldest
// first. The first confirmed one wins. Otherwise a candidate that could not be
// fetched makes the result rpc_error, and it is failed only when every
// candidate failed on chain.
func (s *VerificationService) VerifyReference(
	ctx context.Context,
	exp types.Expectation,
) (*types.VerificationResult, error) {
	if exp.Reference == "" {
		return nil, types.ValidationError("reference is required")
	}

	verifyCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := s.verifyReference(verifyCtx, exp)
	if err != nil {
		return nil, err
	}

	s.record("verify_reference", res)
	return res, nil
}

func (s *VerificationService) verifyReference(ctx context.Context, exp types.Expectation) (*types.VerificationResult, error) {
	required := exp.Amount
	pending := &types.VerificationResult{
		Status:   types.StatusPending,
		Currency: exp.Currency,
		Required: &required,
		Reason:   "no transaction carries the reference yet",
	}

	sigs, err := s.client.FindSignatures(ctx, exp.Reference, s.referenceLimit)
	if clients.IsRPCError(err) {
		s.logger.Warn("reference lookup failed", map[string]any{
			"reference": exp.Reference,
			"error":     err.Error(),
		})
		return &types.VerificationResult{
			Status:   types.StatusRPCError,
			Currency: exp.Currency,
			Reason:   err.Error(),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return pending, nil
	}

	var last, unreachable *types.VerificationResult
	failed := 0
	for _, sig := range sigs {
		res, err := s.verifySignature(ctx, sig, exp)
		if err != nil {
			return nil, err
		}

		switch res.Status {
		case types.StatusConfirmed:
			return res, nil
		case types.StatusRPCError:
			// a later candidate may still confirm
			if unreachable == nil {
				unreachable = res
			}
			continue
		case types.StatusFailed:
			failed++
		}
		last = res
	}

	if unreachable != nil {
		return unreachable, nil
	}
	if failed == len(sigs) {
		return last, nil
	}
	if last != nil && last.Status == types.StatusPending {
		return last, nil
	}
	return pending, nil
}

func (s *VerificationService) record(op string, res *types.VerificationResult) {
	labels := s.labels()
	labels["status"] = string(res.Status)
	s.metrics.IncCounter(op, labels)
}

func (s *VerificationService) labels() map[string]string {
	return map[string]string{"network": s.client.GetNetwork().String()}
}

func (s *VerificationService) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Close closes the client connection
func (s *VerificationService) Close() {
	s.client.Close()
}
