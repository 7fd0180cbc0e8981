// Package confirmation drives a single payment attempt from request to a
// final outcome by polling the payment reference and accepting manually
// submitted signatures.
package confirmation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vitwit/solpay/logger"
	"github.com/vitwit/solpay/types"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultTimeout      = 2 * time.Minute
)

var (
	ErrSessionTerminal = errors.New("confirmation: session reached a final outcome")
	ErrSessionClosed   = errors.New("confirmation: session closed")
	ErrNotStarted      = errors.New("confirmation: session not started")
	ErrAlreadyStarted  = errors.New("confirmation: session already started")
)

// State of a session. Confirmed, failed and rpc_error are final; timeout
// only ends the automatic polling.
type State string

const (
	StateIdle      State = "idle"
	StatePreparing State = "preparing"
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
	StateRPCError  State = "rpc_error"
	StateTimeout   State = "timeout"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateFailed, StateRPCError:
		return true
	}
	return false
}

// Settled reports whether the session has left the waiting states.
func (s State) Settled() bool {
	return s.Terminal() || s == StateTimeout
}

// Requester creates the payment request a session waits for.
type Requester interface {
	RequestPayment(ctx context.Context, params types.PaymentRequestParams) (*types.PaymentRequest, error)
}

// Checker verifies a payment request against the ledger.
type Checker interface {
	ConfirmReference(ctx context.Context, req types.ConfirmReferenceRequest) (*types.VerificationResult, error)
	ConfirmSignature(ctx context.Context, req types.ConfirmSignatureRequest) (*types.VerificationResult, error)
}

// Backend is what a session needs from the payment core.
type Backend interface {
	Requester
	Checker
}

// Status is a snapshot of a session.
type Status struct {
	State     State
	Payment   *types.PaymentRequest
	Result    *types.VerificationResult
	StartedAt time.Time
	Err       error
}

type Option func(*Session)

func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// OnConfirmed registers fn to run once when the payment is confirmed.
func OnConfirmed(fn func(*types.VerificationResult)) Option {
	return func(s *Session) {
		s.onConfirmed = fn
	}
}

// OnTransition registers fn to run after every state change. It is called
// from the goroutine that made the change and must not block.
func OnTransition(fn func(from, to State)) Option {
	return func(s *Session) {
		s.onTransition = fn
	}
}

type submission struct {
	ctx       context.Context
	signature string
	reply     chan submitReply
}

type submitReply struct {
	result *types.VerificationResult
	err    error
}

// Session is one payment attempt. All ledger checks run on the session's own
// goroutine, so polling and manual submissions never overlap.
type Session struct {
	backend      Backend
	params       types.PaymentRequestParams
	interval     time.Duration
	timeout      time.Duration
	logger       logger.Logger
	onConfirmed  func(*types.VerificationResult)
	onTransition func(from, to State)

	submits chan submission

	mu        sync.Mutex
	state     State
	payment   *types.PaymentRequest
	result    *types.VerificationResult
	err       error
	startedAt time.Time
	changed   chan struct{}
	started   bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}

	closeOnce sync.Once
}

// NewSession creates an idle session for a payment with params.
func NewSession(backend Backend, params types.PaymentRequestParams, opts ...Option) *Session {
	s := &Session{
		backend:  backend,
		params:   params,
		interval: DefaultPollInterval,
		timeout:  DefaultTimeout,
		logger:   logger.NoopLogger{},
		submits:  make(chan submission),
		state:    StateIdle,
		changed:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start requests the payment and begins polling its reference. The session
// lives until ctx is done or Close is called.
func (s *Session) Start(ctx context.Context) (*types.PaymentRequest, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, ErrSessionClosed
	case s.started:
		s.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	s.started = true
	s.transitionLocked(StatePreparing)
	s.mu.Unlock()

	payment, err := s.backend.RequestPayment(ctx, s.params)
	if err != nil {
		s.mu.Lock()
		s.err = err
		s.transitionLocked(StateFailed)
		s.mu.Unlock()
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return nil, ErrSessionClosed
	}
	s.payment = payment
	s.startedAt = time.Now()
	s.cancel = cancel
	s.done = make(chan struct{})
	s.transitionLocked(StatePending)
	s.mu.Unlock()

	s.logger = logger.With(s.logger, map[string]any{"reference": payment.Reference})
	s.logger.Info("payment session started", map[string]any{
		"currency": payment.Currency.String(),
		"amount":   payment.Amount.String(),
		"timeout":  s.timeout.String(),
	})

	go s.run(loopCtx, payment)
	return payment, nil
}

func (s *Session) run(ctx context.Context, payment *types.PaymentRequest) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	deadline := time.NewTimer(s.timeout)
	defer deadline.Stop()

	tick := ticker.C
	expired := deadline.C

	for {
		select {
		case <-ctx.Done():
			return

		case <-tick:
			res, err := s.backend.ConfirmReference(ctx, types.ConfirmReferenceRequest{
				Reference: payment.Reference,
				Currency:  payment.Currency.String(),
				Amount:    payment.Amount.String(),
			})
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				s.logger.Error("reference check failed", map[string]any{"error": err.Error()})
				s.fail(err)
				return
			}
			if s.apply(res).Terminal() {
				return
			}

		case <-expired:
			expired = nil
			ticker.Stop()
			tick = nil
			s.expire()

		case sub := <-s.submits:
			res, err := s.check(ctx, sub, payment)
			sub.reply <- submitReply{result: res, err: err}
			if s.Status().State.Terminal() {
				return
			}
		}
	}
}

// check runs a manual submission, aborted by either the session or the caller.
func (s *Session) check(ctx context.Context, sub submission, payment *types.PaymentRequest) (*types.VerificationResult, error) {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sub.ctx, cancel)
	defer stop()

	res, err := s.backend.ConfirmSignature(callCtx, types.ConfirmSignatureRequest{
		Signature: sub.signature,
		Currency:  payment.Currency.String(),
		Amount:    payment.Amount.String(),
		Reference: payment.Reference,
	})
	if err != nil {
		if cerr := sub.ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}

	s.apply(res)
	return res, nil
}

// SubmitSignature verifies a signature the payer supplied. It still works
// after the automatic polling timed out. Once confirmed it keeps returning
// the confirmed result.
func (s *Session) SubmitSignature(ctx context.Context, signature string) (*types.VerificationResult, error) {
	if signature == "" {
		return nil, types.ValidationError("signature is required")
	}

	s.mu.Lock()
	state, done := s.state, s.done
	s.mu.Unlock()

	if res, final, err := s.settledReply(state); final {
		return res, err
	}
	if done == nil {
		return nil, ErrNotStarted
	}

	reply := make(chan submitReply, 1)
	select {
	case s.submits <- submission{ctx: ctx, signature: signature, reply: reply}:
	case <-done:
		res, final, err := s.settledReply(s.Status().State)
		if !final {
			err = ErrSessionClosed
		}
		return res, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	r := <-reply
	return r.result, r.err
}

// settledReply answers a submission without a ledger check when the state
// already decides it.
func (s *Session) settledReply(state State) (*types.VerificationResult, bool, error) {
	switch {
	case state == StateConfirmed:
		return s.Status().Result, true, nil
	case state.Terminal():
		return nil, true, ErrSessionTerminal
	case state == StateIdle || state == StatePreparing:
		return nil, true, ErrNotStarted
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, true, ErrSessionClosed
	}
	return nil, false, nil
}

// apply maps a verification outcome onto the session state.
func (s *Session) apply(res *types.VerificationResult) State {
	var next State
	switch res.Status {
	case types.StatusConfirmed:
		next = StateConfirmed
	case types.StatusFailed:
		next = StateFailed
	case types.StatusRPCError:
		next = StateRPCError
	default:
		return s.Status().State
	}

	s.mu.Lock()
	if s.state.Terminal() {
		state := s.state
		s.mu.Unlock()
		return state
	}
	s.result = res
	s.transitionLocked(next)
	s.mu.Unlock()

	s.logger.Info("payment session settled", map[string]any{
		"state":     string(next),
		"signature": res.Signature,
		"reason":    res.Reason,
	})

	if next == StateConfirmed && s.onConfirmed != nil {
		s.onConfirmed(res)
	}
	return next
}

func (s *Session) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePending {
		return
	}
	s.transitionLocked(StateTimeout)
	s.logger.Warn("payment session timed out", map[string]any{"after": s.timeout.String()})
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return
	}
	s.err = err
	s.transitionLocked(StateFailed)
}

// transitionLocked must be called with s.mu held.
func (s *Session) transitionLocked(next State) {
	prev := s.state
	s.state = next
	close(s.changed)
	s.changed = make(chan struct{})

	if s.onTransition != nil {
		s.onTransition(prev, next)
	}
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Status{
		State:     s.state,
		Payment:   s.payment,
		Result:    s.result,
		StartedAt: s.startedAt,
		Err:       s.err,
	}
}

// Wait blocks until the session is confirmed, failed, rpc_error or timed
// out, the session is closed, or ctx is done.
func (s *Session) Wait(ctx context.Context) (Status, error) {
	return s.waitUntil(ctx, State.Settled)
}

// WaitTerminal is like Wait but keeps waiting after a timeout, until a
// manual submission confirms or fails the payment.
func (s *Session) WaitTerminal(ctx context.Context) (Status, error) {
	return s.waitUntil(ctx, State.Terminal)
}

func (s *Session) waitUntil(ctx context.Context, reached func(State) bool) (Status, error) {
	for {
		s.mu.Lock()
		state, closed, changed := s.state, s.closed, s.changed
		s.mu.Unlock()

		if reached(state) {
			return s.Status(), nil
		}
		if closed {
			return s.Status(), ErrSessionClosed
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return s.Status(), ctx.Err()
		}
	}
}

// Close stops polling and the timeout, aborts an in-flight check and waits
// for the session goroutine. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancel, done := s.cancel, s.done
		close(s.changed)
		s.changed = make(chan struct{})
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
	})
}
