// Command solpaywatch requests a payment and waits for it on the ledger,
// printing each session transition. A signature may be submitted with
// -signature or typed on stdin with -stdin; with -stdin the command keeps
// accepting signatures after the polling timeout. A payment whose session
// already ended is confirmed with -reference and -signature.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/vitwit/solpay"
	"github.com/vitwit/solpay/config"
	"github.com/vitwit/solpay/confirmation"
	"github.com/vitwit/solpay/logger"
	"github.com/vitwit/solpay/paymenturl"
	"github.com/vitwit/solpay/types"
)

const (
	exitConfirmed = 0
	exitError     = 1
	exitFailed    = 2
	exitPending   = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	currencyFlag := flag.String("currency", "SOL", "payment currency (SOL or USDC)")
	plan := flag.String("plan", solpay.DefaultPlan, "plan being paid for")
	signature := flag.String("signature", "", "transaction signature to submit")
	reference := flag.String("reference", "", "reference of an earlier payment request; confirms -signature against it without a new request")
	stdin := flag.Bool("stdin", false, "read signatures from stdin, also after the polling timeout")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return exitError
	}

	log := logger.NewZapLogger(cfg.Logging.Level)
	defer func() { _ = log.Sync() }()

	pay, err := solpay.New(cfg.Pay, solpay.WithLogger(log))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create payment core: %v\n", err)
		return exitError
	}
	defer pay.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *reference != "" {
		if *signature == "" {
			fmt.Fprintln(os.Stderr, "-reference needs -signature")
			return exitError
		}
		currency, err := types.ParseCurrency(*currencyFlag)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitError
		}
		return confirmReference(ctx, pay, types.ConfirmSignatureRequest{
			Signature: *signature,
			Currency:  currency.String(),
			Amount:    cfg.Pay.Price(currency).String(),
			Reference: *reference,
		}, os.Stdout)
	}

	session := pay.NewSession(
		types.PaymentRequestParams{Currency: *currencyFlag, Plan: *plan},
		confirmation.WithPollInterval(cfg.Session.PollInterval),
		confirmation.WithTimeout(cfg.Session.PollTimeout),
		confirmation.OnTransition(func(from, to confirmation.State) {
			fmt.Fprintf(os.Stderr, "session: %s -> %s\n", from, to)
		}),
	)
	defer session.Close()

	payment, err := session.Start(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "payment request failed: %v\n", err)
		return exitError
	}
	printPayment(os.Stdout, payment)

	var in io.Reader
	if *stdin {
		in = os.Stdin
	}
	return follow(ctx, session, *signature, in, os.Stdout, os.Stderr)
}

// follow waits for a started session. Signatures read from in are submitted
// until one settles the payment; while in is open a timeout does not end the
// wait.
func follow(ctx context.Context, session *confirmation.Session, signature string, in io.Reader, out, errOut io.Writer) int {
	if signature != "" {
		submit(ctx, session, signature, errOut)
	}

	var readerDone chan struct{}
	if in != nil {
		readerDone = make(chan struct{})
		go func() {
			defer close(readerDone)
			readSignatures(ctx, session, in, errOut)
		}()
	}

	status, err := session.Wait(ctx)
	if err != nil && !errors.Is(err, confirmation.ErrSessionClosed) {
		fmt.Fprintf(errOut, "wait: %v\n", err)
		return exitError
	}

	if status.State == confirmation.StateTimeout && readerDone != nil {
		fmt.Fprintln(errOut, "polling timed out; enter the transaction signature to confirm the payment")

		waitCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-readerDone:
				cancel()
			case <-waitCtx.Done():
			}
		}()
		_, _ = session.WaitTerminal(waitCtx)
		cancel()

		// the reader may have settled the session just before it stopped
		status = session.Status()
	}

	return report(out, status)
}

func report(out io.Writer, status confirmation.Status) int {
	switch status.State {
	case confirmation.StateConfirmed:
		fmt.Fprintf(out, "confirmed: %s\n", status.Result.Signature)
		return exitConfirmed
	case confirmation.StateTimeout:
		fmt.Fprintln(out, "timed out waiting for the payment")
		if status.Payment != nil {
			fmt.Fprintf(out, "confirm it later with: solpaywatch -currency %s -reference %s -signature <signature>\n",
				status.Payment.Currency, status.Payment.Reference)
		}
		return exitPending
	case confirmation.StateFailed, confirmation.StateRPCError:
		fmt.Fprintf(out, "%s: %s\n", status.State, describe(status))
		return exitFailed
	}
	return exitError
}

// confirmReference checks one signature against the request req.Reference
// was issued for.
func confirmReference(ctx context.Context, checker confirmation.Checker, req types.ConfirmSignatureRequest, out io.Writer) int {
	res, err := checker.ConfirmSignature(ctx, req)
	if err != nil {
		fmt.Fprintf(out, "error: %v\n", err)
		return exitError
	}

	switch res.Status {
	case types.StatusConfirmed:
		fmt.Fprintf(out, "confirmed: %s\n", res.Signature)
		return exitConfirmed
	case types.StatusPending:
		fmt.Fprintf(out, "pending: %s\n", res.Reason)
		return exitPending
	}
	fmt.Fprintf(out, "%s: %s\n", res.Status, res.Reason)
	return exitFailed
}

func printPayment(out io.Writer, p *types.PaymentRequest) {
	fmt.Fprintln(out, p.URL)

	params, err := paymenturl.Parse(p.URL)
	if err != nil {
		return
	}
	fmt.Fprintf(out, "  recipient: %s\n", params.Recipient)
	fmt.Fprintf(out, "  amount:    %s %s\n", params.Amount.String(), p.Currency)
	fmt.Fprintf(out, "  reference: %s\n", params.Reference)
	if params.SPLToken != "" {
		fmt.Fprintf(out, "  mint:      %s\n", params.SPLToken)
	}
}

func readSignatures(ctx context.Context, session *confirmation.Session, in io.Reader, errOut io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		sig := strings.TrimSpace(scanner.Text())
		if sig == "" {
			continue
		}
		if submit(ctx, session, sig, errOut) {
			return
		}
	}
}

// submit reports whether the session no longer accepts signatures.
func submit(ctx context.Context, session *confirmation.Session, sig string, errOut io.Writer) bool {
	res, err := session.SubmitSignature(ctx, sig)
	switch {
	case errors.Is(err, confirmation.ErrSessionTerminal), errors.Is(err, confirmation.ErrSessionClosed):
		return true
	case err != nil:
		fmt.Fprintf(errOut, "signature %s: %v\n", sig, err)
		return ctx.Err() != nil
	}

	fmt.Fprintf(errOut, "signature %s: %s %s\n", sig, res.Status, res.Reason)
	return res.Status == types.StatusConfirmed || res.Status == types.StatusFailed || res.Status == types.StatusRPCError
}

func describe(s confirmation.Status) string {
	switch {
	case s.Result != nil && s.Result.Reason != "":
		return s.Result.Reason
	case s.Err != nil:
		return s.Err.Error()
	}
	return "no details"
}
