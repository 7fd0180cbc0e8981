package clients

import (
	"errors"
	"fmt"
)

// ErrTransactionNotFound means the signature is not (yet) visible at the
// requested commitment.
var ErrTransactionNotFound = errors.New("transaction not found")

// RPCError is a failure of the RPC call itself: transport, non-2xx status,
// malformed response or an undecodable transaction.
type RPCError struct {
	Method string
	Err    error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s: %v", e.Method, e.Err)
}

func (e *RPCError) Unwrap() error { return e.Err }

// IsRPCError reports whether err is, or wraps, an *RPCError.
func IsRPCError(err error) bool {
	var re *RPCError
	return errors.As(err, &re)
}
