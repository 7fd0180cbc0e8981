// Package paymenturl encodes and decodes Solana Pay transfer request URIs.
package paymenturl

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
)

// Scheme is the URI scheme payer wallets register for.
const Scheme = "solana"

// Params are the fields of a transfer request.
type Params struct {
	Recipient string
	Amount    decimal.Decimal
	Label     string
	Message   string
	Memo      string
	Reference string

	// SPLToken is the mint for token transfers; empty means native SOL.
	SPLToken string
}

// Build returns solana:<recipient>?amount=..&label=..&message=..&memo=..&reference=..[&spl-token=..].
// Empty fields are omitted.
func Build(p Params) string {
	var b strings.Builder
	b.WriteString(Scheme)
	b.WriteByte(':')
	b.WriteString(p.Recipient)

	sep := byte('?')
	add := func(key, value string) {
		if value == "" {
			return
		}
		b.WriteByte(sep)
		sep = '&'
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(value))
	}

	if !p.Amount.IsZero() {
		add("amount", p.Amount.String())
	}
	add("label", p.Label)
	add("message", p.Message)
	add("memo", p.Memo)
	add("reference", p.Reference)
	add("spl-token", p.SPLToken)

	return b.String()
}

// Parse decodes a transfer request URI produced by Build or a payer wallet.
func Parse(raw string) (*Params, error) {
	rest, ok := strings.CutPrefix(raw, Scheme+":")
	if !ok {
		return nil, fmt.Errorf("not a %s URI", Scheme)
	}

	recipient, query, _ := strings.Cut(rest, "?")
	if recipient == "" {
		return nil, fmt.Errorf("missing recipient")
	}

	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	p := &Params{
		Recipient: recipient,
		Label:     values.Get("label"),
		Message:   values.Get("message"),
		Memo:      values.Get("memo"),
		Reference: values.Get("reference"),
		SPLToken:  values.Get("spl-token"),
	}

	if amt := values.Get("amount"); amt != "" {
		p.Amount, err = decimal.NewFromString(amt)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", amt, err)
		}
	}

	return p, nil
}
