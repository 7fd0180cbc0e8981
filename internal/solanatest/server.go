// Package solanatest serves a minimal Solana JSON-RPC endpoint for tests.
package solanatest

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
)

// TokenBalance is a token account balance in RPC form.
type TokenBalance struct {
	AccountIndex   uint16
	Mint           string
	Owner          string
	Amount         string
	Decimals       uint8
	UIAmountString string
}

// Transaction is a confirmed transaction served by the fake node. The first
// account key is the fee payer and signer.
type Transaction struct {
	Signature    solana.Signature
	Slot         uint64
	Err          any
	AccountKeys  []solana.PublicKey
	LoadedKeys   []solana.PublicKey
	PreBalances  []uint64
	PostBalances []uint64

	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// Server is an httptest server answering getTransaction and
// getSignaturesForAddress.
type Server struct {
	*httptest.Server

	mu      sync.Mutex
	txs     map[string]Transaction
	refs    map[string][]string
	failing bool
	calls   map[string]int
}

// NewServer starts a fake node that is closed with the test.
func NewServer(t testing.TB) *Server {
	s := &Server{
		txs:   make(map[string]Transaction),
		refs:  make(map[string][]string),
		calls: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// RandomSignature returns a signature that is not on any ledger.
func RandomSignature() solana.Signature {
	var sig solana.Signature
	copy(sig[:], solana.NewWallet().PublicKey().Bytes())
	copy(sig[32:], solana.NewWallet().PublicKey().Bytes())
	return sig
}

// AddTransaction makes tx visible, optionally tagged with reference keys.
func (s *Server) AddTransaction(tx Transaction, references ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sig := tx.Signature.String()
	s.txs[sig] = tx
	for _, ref := range references {
		s.refs[ref] = append(s.refs[ref], sig)
	}
}

// SetFailing makes every call answer with HTTP 502.
func (s *Server) SetFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

// Calls returns how often method was requested.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

type request struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls[req.Method]++
	failing := s.failing
	s.mu.Unlock()

	if failing {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	var first string
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params[0], &first)
	}

	var result any
	switch req.Method {
	case "getTransaction":
		result = s.transaction(first)
	case "getSignaturesForAddress":
		result = s.signatures(first)
	default:
		writeJSON(w, map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]any{"code": -32601, "message": "Method not found"},
		})
		return
	}

	writeJSON(w, map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  result,
	})
}

func (s *Server) transaction(signature string) any {
	s.mu.Lock()
	tx, ok := s.txs[signature]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	msg := solana.Message{
		Header:      solana.MessageHeader{NumRequiredSignatures: 1},
		AccountKeys: tx.AccountKeys,
	}
	raw, err := (&solana.Transaction{
		Signatures: []solana.Signature{tx.Signature},
		Message:    msg,
	}).MarshalBinary()
	if err != nil {
		panic(err)
	}

	loaded := make([]string, 0, len(tx.LoadedKeys))
	for _, k := range tx.LoadedKeys {
		loaded = append(loaded, k.String())
	}

	return map[string]any{
		"slot":        tx.Slot,
		"transaction": []string{base64.StdEncoding.EncodeToString(raw), "base64"},
		"meta": map[string]any{
			"err":               tx.Err,
			"fee":               5000,
			"preBalances":       nonNil(tx.PreBalances),
			"postBalances":      nonNil(tx.PostBalances),
			"preTokenBalances":  tokenBalances(tx.PreTokenBalances),
			"postTokenBalances": tokenBalances(tx.PostTokenBalances),
			"loadedAddresses": map[string]any{
				"writable": loaded,
				"readonly": []string{},
			},
		},
	}
}

func (s *Server) signatures(reference string) any {
	s.mu.Lock()
	sigs := append([]string(nil), s.refs[reference]...)
	s.mu.Unlock()

	out := make([]map[string]any, 0, len(sigs))
	for i := len(sigs) - 1; i >= 0; i-- {
		out = append(out, map[string]any{
			"signature":          sigs[i],
			"slot":               1,
			"err":                nil,
			"memo":               nil,
			"confirmationStatus": "finalized",
		})
	}
	return out
}

func tokenBalances(in []TokenBalance) []map[string]any {
	out := make([]map[string]any, 0, len(in))
	for _, b := range in {
		out = append(out, map[string]any{
			"accountIndex": b.AccountIndex,
			"mint":         b.Mint,
			"owner":        b.Owner,
			"programId":    solana.TokenProgramID.String(),
			"uiTokenAmount": map[string]any{
				"amount":         b.Amount,
				"decimals":       b.Decimals,
				"uiAmountString": b.UIAmountString,
			},
		})
	}
	return out
}

func nonNil(v []uint64) []uint64 {
	if v == nil {
		return []uint64{}
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
