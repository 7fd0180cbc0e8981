package clients

import (
	"context"

	"github.com/vitwit/solpay/types"
)

// Client reads transactions from a ledger RPC endpoint.
type Client interface {
	// FetchTransaction returns ErrTransactionNotFound when the ledger has not
	// indexed the signature and an *RPCError when the call itself failed.
	FetchTransaction(ctx context.Context, signature string) (*types.TransactionRecord, error)

	// FindSignatures lists signatures of transactions that include the
	// reference key, oldest first.
	FindSignatures(ctx context.Context, reference string, limit int) ([]string, error)

	GetNetwork() types.Network
	Close()
}
