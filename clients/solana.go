package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/vitwit/solpay/types"
)

// maxSupportedTransactionVersion accepts both legacy and v0 transactions.
var maxSupportedTransactionVersion uint64 = 0

// SolanaClient fetches finalized transactions over JSON-RPC
type SolanaClient struct {
	network    types.Network
	rpcURL     string
	client     *rpc.Client
	commitment rpc.CommitmentType
	timeout    time.Duration
}

var _ Client = (*SolanaClient)(nil)

// NewSolanaClient creates a Solana client. An empty commitment means finalized.
func NewSolanaClient(network types.Network, rpcURL string, commitment string, timeout time.Duration) (*SolanaClient, error) {
	if rpcURL == "" {
		return nil, types.ConfigError("rpc url is required for %s", network)
	}

	c := rpc.CommitmentFinalized
	if commitment != "" {
		c = rpc.CommitmentType(commitment)
	}

	return &SolanaClient{
		network:    network,
		rpcURL:     rpcURL,
		client:     rpc.New(rpcURL),
		commitment: c,
		timeout:    timeout,
	}, nil
}

// FetchTransaction retrieves the transaction identified by signature
func (c *SolanaClient) FetchTransaction(ctx context.Context, signature string) (*types.TransactionRecord, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, types.ValidationError("invalid transaction signature: %v", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &maxSupportedTransactionVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, &RPCError{Method: "getTransaction", Err: err}
	}

	if res == nil || res.Transaction == nil {
		return nil, ErrTransactionNotFound
	}
	if res.Meta == nil {
		return nil, &RPCError{Method: "getTransaction", Err: errors.New("response has no transaction meta")}
	}

	tx, err := res.Transaction.GetTransaction()
	if err != nil {
		return nil, &RPCError{Method: "getTransaction", Err: fmt.Errorf("decode transaction: %w", err)}
	}

	return newTransactionRecord(signature, res.Slot, tx, res.Meta), nil
}

// FindSignatures returns up to limit signatures referencing the key, oldest first
func (c *SolanaClient) FindSignatures(ctx context.Context, reference string, limit int) ([]string, error) {
	key, err := solana.PublicKeyFromBase58(reference)
	if err != nil {
		return nil, types.ValidationError("invalid reference: %v", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	opts := &rpc.GetSignaturesForAddressOpts{Commitment: c.commitment}
	if limit > 0 {
		opts.Limit = &limit
	}

	res, err := c.client.GetSignaturesForAddressWithOpts(ctx, key, opts)
	if err != nil {
		return nil, &RPCError{Method: "getSignaturesForAddress", Err: err}
	}

	// the node returns newest first
	sigs := make([]string, 0, len(res))
	for i := len(res) - 1; i >= 0; i-- {
		if res[i] == nil {
			continue
		}
		sigs = append(sigs, res[i].Signature.String())
	}

	return sigs, nil
}

func (c *SolanaClient) GetNetwork() types.Network { return c.network }

func (c *SolanaClient) Close() {}

func (c *SolanaClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// newTransactionRecord flattens a fetched transaction. Account keys are the
// static message keys followed by addresses loaded from lookup tables, which
// is the order the balance arrays use.
func newTransactionRecord(signature string, slot uint64, tx *solana.Transaction, meta *rpc.TransactionMeta) *types.TransactionRecord {
	keys := make([]string, 0, len(tx.Message.AccountKeys)+len(meta.LoadedAddresses.Writable)+len(meta.LoadedAddresses.ReadOnly))
	for _, k := range tx.Message.AccountKeys {
		keys = append(keys, k.String())
	}
	for _, k := range meta.LoadedAddresses.Writable {
		keys = append(keys, k.String())
	}
	for _, k := range meta.LoadedAddresses.ReadOnly {
		keys = append(keys, k.String())
	}

	return &types.TransactionRecord{
		Signature:         signature,
		Slot:              slot,
		ErrorPresent:      meta.Err != nil,
		Err:               meta.Err,
		AccountKeys:       keys,
		PreBalances:       meta.PreBalances,
		PostBalances:      meta.PostBalances,
		PreTokenBalances:  convertTokenBalances(meta.PreTokenBalances),
		PostTokenBalances: convertTokenBalances(meta.PostTokenBalances),
	}
}

func convertTokenBalances(in []rpc.TokenBalance) []types.TokenBalance {
	if len(in) == 0 {
		return nil
	}

	out := make([]types.TokenBalance, 0, len(in))
	for _, b := range in {
		tb := types.TokenBalance{
			AccountIndex: b.AccountIndex,
			Mint:         b.Mint.String(),
		}
		if b.Owner != nil {
			tb.Owner = b.Owner.String()
		}
		if b.UiTokenAmount != nil {
			tb.UIAmountString = b.UiTokenAmount.UiAmountString
			tb.UIAmount = b.UiTokenAmount.UiAmount
			tb.Amount = b.UiTokenAmount.Amount
			tb.Decimals = b.UiTokenAmount.Decimals
		}
		out = append(out, tb)
	}
	return out
}
