package solpay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/solpay/confirmation"
	"github.com/vitwit/solpay/internal/solanatest"
	"github.com/vitwit/solpay/paymenturl"
	"github.com/vitwit/solpay/types"
)

type fixture struct {
	pay       *SolPay
	node      *solanatest.Server
	payer     solana.PublicKey
	recipient solana.PublicKey
	mint      solana.PublicKey
}

func newFixture(t *testing.T, mutate ...func(*types.PayConfig)) *fixture {
	t.Helper()

	f := &fixture{
		node:      solanatest.NewServer(t),
		payer:     solana.NewWallet().PublicKey(),
		recipient: solana.NewWallet().PublicKey(),
		mint:      solana.NewWallet().PublicKey(),
	}

	cfg := types.PayConfig{
		Network:    types.NetworkDevnet,
		Recipient:  f.recipient.String(),
		SOLAmount:  decimal.RequireFromString("0.05"),
		USDCAmount: decimal.RequireFromString("5"),
		USDCMint:   f.mint.String(),
		Label:      "Solana Wallet Analyzer",
		Message:    "Unlock Pro",
		Memo:       "solana-wallet-pro",
		RPCURL:     f.node.URL,
		Commitment: "finalized",
		RPCTimeout: 2 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	p, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	f.pay = p
	return f
}

// paySOL records a transfer of lamports from payer to recipient. Extra keys,
// such as a reference, are appended read-only.
func (f *fixture) paySOL(lamports uint64, failed bool, extra ...solana.PublicKey) solana.Signature {
	sig := solanatest.RandomSignature()
	keys := append([]solana.PublicKey{f.payer, f.recipient}, extra...)
	pre := make([]uint64, len(keys))
	post := make([]uint64, len(keys))
	pre[0], post[0] = 1_000_000_000, 1_000_000_000-lamports-5000
	pre[1], post[1] = 200, 200+lamports

	tx := solanatest.Transaction{Signature: sig, Slot: 7, AccountKeys: keys, PreBalances: pre, PostBalances: post}
	if failed {
		tx.Err = map[string]any{"InstructionError": []any{0, "Custom"}}
	}

	var refs []string
	for _, k := range extra {
		refs = append(refs, k.String())
	}
	f.node.AddTransaction(tx, refs...)
	return sig
}

func (f *fixture) payUSDC(pre, post string, extra ...solana.PublicKey) solana.Signature {
	sig := solanatest.RandomSignature()
	keys := append([]solana.PublicKey{f.payer, solana.NewWallet().PublicKey()}, extra...)

	var refs []string
	for _, k := range extra {
		refs = append(refs, k.String())
	}
	f.node.AddTransaction(solanatest.Transaction{
		Signature:         sig,
		AccountKeys:       keys,
		PreBalances:       make([]uint64, len(keys)),
		PostBalances:      make([]uint64, len(keys)),
		PreTokenBalances:  []solanatest.TokenBalance{{AccountIndex: 1, Mint: f.mint.String(), Owner: f.recipient.String(), Decimals: 6, UIAmountString: pre}},
		PostTokenBalances: []solanatest.TokenBalance{{AccountIndex: 1, Mint: f.mint.String(), Owner: f.recipient.String(), Decimals: 6, UIAmountString: post}},
	}, refs...)
	return sig
}

func TestRequestPaymentSOL(t *testing.T) {
	f := newFixture(t)

	req, err := f.pay.RequestPayment(context.Background(), types.PaymentRequestParams{})
	require.NoError(t, err)

	assert.Equal(t, types.CurrencySOL, req.Currency)
	assert.Equal(t, "0.05", req.Amount.String())
	assert.Equal(t, f.recipient.String(), req.Recipient)
	assert.Equal(t, DefaultPlan, req.Plan)
	assert.Equal(t, types.NetworkDevnet, req.Network)
	assert.Empty(t, req.Mint)

	_, err = solana.PublicKeyFromBase58(req.Reference)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(req.URL, "solana:"+f.recipient.String()+"?amount=0.05&label="), req.URL)
	assert.NotContains(t, req.URL, "spl-token")

	parsed, err := paymenturl.Parse(req.URL)
	require.NoError(t, err)
	assert.Equal(t, req.Reference, parsed.Reference)
	assert.Equal(t, "Unlock Pro", parsed.Message)
	assert.Equal(t, "solana-wallet-pro", parsed.Memo)
	assert.True(t, req.Amount.Equal(parsed.Amount))
}

func TestRequestPaymentUSDC(t *testing.T) {
	f := newFixture(t)

	req, err := f.pay.RequestPayment(context.Background(), types.PaymentRequestParams{Currency: "usdc", Plan: "yearly"})
	require.NoError(t, err)

	assert.Equal(t, types.CurrencyUSDC, req.Currency)
	assert.Equal(t, "5", req.Amount.String())
	assert.Equal(t, "yearly", req.Plan)
	assert.Equal(t, f.mint.String(), req.Mint)
	assert.True(t, strings.HasSuffix(req.URL, "&spl-token="+f.mint.String()))
}

func TestRequestPaymentFreshReferences(t *testing.T) {
	f := newFixture(t)

	a, err := f.pay.RequestPayment(context.Background(), types.PaymentRequestParams{})
	require.NoError(t, err)
	b, err := f.pay.RequestPayment(context.Background(), types.PaymentRequestParams{})
	require.NoError(t, err)
	assert.NotEqual(t, a.Reference, b.Reference)
}

func TestRequestPaymentConfigErrors(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*types.PayConfig)
		currency string
	}{
		{"missing recipient", func(c *types.PayConfig) { c.Recipient = "" }, "SOL"},
		{"invalid recipient", func(c *types.PayConfig) { c.Recipient = "not-a-key" }, "SOL"},
		{"missing mint", func(c *types.PayConfig) { c.USDCMint = "" }, "USDC"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.mutate)
			_, err := f.pay.RequestPayment(context.Background(), types.PaymentRequestParams{Currency: tc.currency})
			require.Error(t, err)
			assert.True(t, types.HasCode(err, types.ErrConfig), err.Error())
		})
	}

	// a missing mint does not affect SOL payments
	f := newFixture(t, func(c *types.PayConfig) { c.USDCMint = "" })
	_, err := f.pay.RequestPayment(context.Background(), types.PaymentRequestParams{Currency: "SOL"})
	assert.NoError(t, err)
}

func TestRequestPaymentUnsupportedCurrency(t *testing.T) {
	f := newFixture(t)
	_, err := f.pay.RequestPayment(context.Background(), types.PaymentRequestParams{Currency: "BTC"})
	assert.True(t, types.HasCode(err, types.ErrValidation))
}

func TestConfirmSignatureOutcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		sig  solana.Signature
		want types.VerificationStatus
	}{
		{"exact amount", f.paySOL(50_000_000, false), types.StatusConfirmed},
		{"overpaid", f.paySOL(60_000_000, false), types.StatusConfirmed},
		{"one lamport short", f.paySOL(49_999_999, false), types.StatusPending},
		{"failed on chain", f.paySOL(50_000_000, true), types.StatusFailed},
		{"not indexed", solanatest.RandomSignature(), types.StatusPending},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.pay.ConfirmSignature(ctx, types.ConfirmSignatureRequest{
				Signature: tc.sig.String(),
				Currency:  "SOL",
				Amount:    "0.05",
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Status)
		})
	}
}

func TestConfirmSignatureUSDC(t *testing.T) {
	f := newFixture(t)

	res, err := f.pay.ConfirmSignature(context.Background(), types.ConfirmSignatureRequest{
		Signature: f.payUSDC("10.0", "15.0").String(),
		Currency:  "USDC",
		Amount:    "5",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, res.Status)
	assert.Equal(t, "5", res.Delta.String())
}

func TestConfirmSignatureRPCError(t *testing.T) {
	f := newFixture(t)
	f.node.SetFailing(true)

	res, err := f.pay.ConfirmSignature(context.Background(), types.ConfirmSignatureRequest{
		Signature: solanatest.RandomSignature().String(),
		Amount:    "0.05",
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRPCError, res.Status)
	assert.NotEmpty(t, res.Reason)
}

func TestConfirmSignatureValidation(t *testing.T) {
	f := newFixture(t)
	sig := solanatest.RandomSignature().String()

	cases := map[string]types.ConfirmSignatureRequest{
		"missing signature": {Amount: "0.05"},
		"missing amount":    {Signature: sig},
		"bad signature":     {Signature: "0OIl", Amount: "0.05"},
		"below price":       {Signature: sig, Amount: "0.01"},
		"usdc below price":  {Signature: sig, Currency: "USDC", Amount: "4.99"},
		"bad amount":        {Signature: sig, Amount: "abc"},
		"bad currency":      {Signature: sig, Currency: "ETH", Amount: "1"},
		"bad reference":     {Signature: sig, Amount: "0.05", Reference: "nope"},
	}

	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.pay.ConfirmSignature(context.Background(), req)
			require.Error(t, err)
			assert.True(t, types.HasCode(err, types.ErrValidation), err.Error())
		})
	}
	assert.Zero(t, f.node.Calls("getTransaction"))
}

func TestConfirmSignatureReferenceBinding(t *testing.T) {
	f := newFixture(t)
	ref := solana.NewWallet().PublicKey()

	unbound := f.paySOL(50_000_000, false)
	bound := f.paySOL(50_000_000, false, ref)

	res, err := f.pay.ConfirmSignature(context.Background(), types.ConfirmSignatureRequest{
		Signature: unbound.String(), Amount: "0.05", Reference: ref.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, res.Status)

	res, err = f.pay.ConfirmSignature(context.Background(), types.ConfirmSignatureRequest{
		Signature: bound.String(), Amount: "0.05", Reference: ref.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, res.Status)
}

func TestConfirmSignatureRequireReference(t *testing.T) {
	f := newFixture(t, func(c *types.PayConfig) { c.RequireReference = true })

	_, err := f.pay.ConfirmSignature(context.Background(), types.ConfirmSignatureRequest{
		Signature: f.paySOL(50_000_000, false).String(), Amount: "0.05",
	})
	assert.True(t, types.HasCode(err, types.ErrValidation))
}

func TestConfirmReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ref := solana.NewWallet().PublicKey()

	query := types.ConfirmReferenceRequest{Reference: ref.String(), Currency: "SOL", Amount: "0.05"}

	res, err := f.pay.ConfirmReference(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, res.Status)

	f.paySOL(10, false, ref)
	sig := f.paySOL(50_000_000, false, ref)

	res, err = f.pay.ConfirmReference(ctx, query)
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, res.Status)
	assert.Equal(t, sig.String(), res.Signature)
}

func TestConfirmReferenceValidation(t *testing.T) {
	f := newFixture(t)

	for name, req := range map[string]types.ConfirmReferenceRequest{
		"missing reference": {Amount: "0.05"},
		"invalid reference": {Reference: "abc", Amount: "0.05"},
		"missing amount":    {Reference: solana.NewWallet().PublicKey().String()},
	} {
		_, err := f.pay.ConfirmReference(context.Background(), req)
		assert.True(t, types.HasCode(err, types.ErrValidation), name)
	}
}

func TestSessionConfirmsEndToEnd(t *testing.T) {
	f := newFixture(t)

	confirmed := make(chan *types.VerificationResult, 1)
	s := f.pay.NewSession(types.PaymentRequestParams{Currency: "SOL"},
		confirmation.WithPollInterval(5*time.Millisecond),
		confirmation.WithTimeout(5*time.Second),
		confirmation.OnConfirmed(func(res *types.VerificationResult) { confirmed <- res }),
	)
	defer s.Close()

	req, err := s.Start(context.Background())
	require.NoError(t, err)

	ref, err := solana.PublicKeyFromBase58(req.Reference)
	require.NoError(t, err)
	sig := f.paySOL(50_000_000, false, ref)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	st, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, confirmation.StateConfirmed, st.State)

	select {
	case res := <-confirmed:
		assert.Equal(t, sig.String(), res.Signature)
	case <-ctx.Done():
		t.Fatal("OnConfirmed not called")
	}
}

func TestSessionManualSignatureEndToEnd(t *testing.T) {
	f := newFixture(t)

	s := f.pay.NewSession(types.PaymentRequestParams{}, confirmation.WithPollInterval(time.Hour))
	defer s.Close()

	req, err := s.Start(context.Background())
	require.NoError(t, err)
	ref, err := solana.PublicKeyFromBase58(req.Reference)
	require.NoError(t, err)

	// a payment for another request does not carry this reference
	other := f.paySOL(50_000_000, false)
	res, err := s.SubmitSignature(context.Background(), other.String())
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, res.Status)

	res, err = s.SubmitSignature(context.Background(), f.paySOL(50_000_000, false, ref).String())
	require.NoError(t, err)
	assert.Equal(t, types.StatusConfirmed, res.Status)
	assert.Equal(t, confirmation.StateConfirmed, s.Status().State)
}

func TestGetVersion(t *testing.T) {
	v := GetVersion()
	assert.Equal(t, Version, v["library_version"])
	assert.Contains(t, v["supported_currencies"], "USDC")
}
