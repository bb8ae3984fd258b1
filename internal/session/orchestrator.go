package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/mbd888/racegate/internal/identity"
	"github.com/mbd888/racegate/internal/idgen"
	"github.com/mbd888/racegate/internal/issuer"
	"github.com/mbd888/racegate/internal/ledger"
	"github.com/mbd888/racegate/internal/logging"
	"github.com/mbd888/racegate/internal/metrics"
	"github.com/mbd888/racegate/internal/onboarding"
	"github.com/mbd888/racegate/internal/reconcile"
	"github.com/mbd888/racegate/internal/traces"
	"github.com/mbd888/racegate/internal/units"
)

// CreditChecker answers the free-credit balance guard before a free-credit
// payment is started. The balance is advisory; the issuer is authoritative.
type CreditChecker interface {
	FreeCredits(ctx context.Context, subject string) (int, error)
}

// Reconciler records finalized payments whose ticket issuance failed.
type Reconciler interface {
	RecordUnticketed(ctx context.Context, txID, subject, amount, message string) (*reconcile.Record, error)
}

// Config carries the fixed entry parameters.
type Config struct {
	// EntryAmount is the fee in ledger minor units.
	EntryAmount *big.Int

	// Destination receives the entry fee.
	Destination string

	GameType string
	GameID   string
}

// Orchestrator drives one SessionAttempt at a time through the payment
// state machine. All methods are safe for concurrent use; a second payment
// while one is in flight is rejected with ErrPaymentInFlight rather than
// queued.
type Orchestrator struct {
	cfg       Config
	creds     identity.Provider
	ledger    ledger.Client
	issuer    issuer.Issuer
	credits   CreditChecker
	recon     Reconciler
	collector *onboarding.Collector
	logger    *slog.Logger
	onChange  func(Snapshot)

	unsubscribe func()

	mu       sync.Mutex
	attempt  *attempt
	inFlight bool
}

// Option configures the orchestrator
type Option func(*Orchestrator)

// WithCredits enables the free-credit balance guard.
func WithCredits(c CreditChecker) Option {
	return func(o *Orchestrator) { o.credits = c }
}

// WithReconciler enables durable recording of paid-but-unticketed payments.
func WithReconciler(r Reconciler) Option {
	return func(o *Orchestrator) { o.recon = r }
}

// WithCollector sets the onboarding collector. Defaults to a two-player
// minimum roster.
func WithCollector(c *onboarding.Collector) Option {
	return func(o *Orchestrator) { o.collector = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithTransitionHook registers fn to be called after every phase transition
// and on attempt destruction, outside the orchestrator's lock.
func WithTransitionHook(fn func(Snapshot)) Option {
	return func(o *Orchestrator) { o.onChange = fn }
}

// New creates an orchestrator bound to its three collaborators.
//
// The orchestrator subscribes to identity changes: a logout destroys an
// idle attempt, since every later step would fail on the missing
// credential anyway. Call Close to unsubscribe.
func New(cfg Config, creds identity.Provider, led ledger.Client, iss issuer.Issuer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		creds:     creds,
		ledger:    led,
		issuer:    iss,
		collector: onboarding.NewCollector(2),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.unsubscribe = creds.OnChange(o.handleIdentityChange)
	return o
}

// Close unsubscribes from identity change notifications.
func (o *Orchestrator) Close() {
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
}

// Start creates a new attempt in the pay phase. Fails with ErrAttemptLive
// if one is already live.
func (o *Orchestrator) Start(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	if o.attempt != nil {
		o.mu.Unlock()
		return Snapshot{}, ErrAttemptLive
	}
	o.attempt = &attempt{
		id:        idgen.WithPrefix("att_"),
		phase:     PhasePay,
		startedAt: time.Now(),
	}
	snap := o.attempt.snapshot(true)
	o.mu.Unlock()

	o.logger.Info("attempt started", "attempt_id", snap.AttemptID)
	o.notify(snap)
	return snap, nil
}

// Snapshot returns the live attempt's current state.
func (o *Orchestrator) Snapshot() (Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt == nil {
		return Snapshot{}, ErrNoAttempt
	}
	return o.attempt.snapshot(true), nil
}

// Pay executes the payment branch for the chosen method and, on success,
// moves the attempt to the onboarding phase with the ticket stored.
//
// Preconditions are checked without a phase change: a missing credential
// or an empty free-credit balance refuses the transition and leaves the
// attempt in pay. Once the attempt enters paying, any failure moves it to
// error with both a kind and a human-readable message set.
func (o *Orchestrator) Pay(ctx context.Context, method PaymentMethod) (Snapshot, error) {
	if !method.valid() {
		return Snapshot{}, fmt.Errorf("session: unknown payment method %q", method)
	}

	o.mu.Lock()
	a := o.attempt
	if a == nil {
		o.mu.Unlock()
		return Snapshot{}, ErrNoAttempt
	}
	if o.inFlight {
		snap := a.snapshot(true)
		o.mu.Unlock()
		return snap, ErrPaymentInFlight
	}
	if a.phase != PhasePay {
		snap := a.snapshot(true)
		o.mu.Unlock()
		return snap, &PhaseViolationError{Op: "pay", Phase: a.phase}
	}
	o.inFlight = true
	attemptID := a.id
	o.mu.Unlock()

	ctx = logging.WithAttemptID(ctx, attemptID)
	ctx, span := traces.StartSpan(ctx, "session.pay",
		traces.AttemptID(attemptID),
		traces.Method(string(method)),
	)
	defer span.End()

	snap, err := o.pay(ctx, method)
	if err != nil {
		span.RecordError(err)
	} else {
		span.SetAttributes(
			traces.Amount(snap.BetAmount),
			traces.TxID(snap.Proof),
			traces.TicketID(snap.TicketID),
		)
	}

	o.mu.Lock()
	o.inFlight = false
	o.mu.Unlock()
	return snap, err
}

// pay runs with inFlight held. It fetches the credential, applies the
// free-credit guard, transitions to paying, executes the branch, and
// applies the outcome.
func (o *Orchestrator) pay(ctx context.Context, method PaymentMethod) (Snapshot, error) {
	log := o.logger.With("method", string(method))

	cred, err := o.creds.Current(ctx)
	if err != nil {
		log.Warn("payment refused: no credential")
		return o.refusal(&FlowError{Kind: KindAuthMissing, Message: "Sign-in required to enter the race"})
	}

	if method == MethodFreeCredit && o.credits != nil {
		balance, err := o.credits.FreeCredits(ctx, cred.Subject)
		if err != nil {
			log.Warn("payment refused: free-credit guard failed", "error", err)
			return o.refusal(&FlowError{Kind: classify(err), Message: flowMessage(err)})
		}
		if balance <= 0 {
			log.Info("payment refused: no free credit", "subject", cred.Subject)
			return o.refusal(&FlowError{Kind: KindInsufficientCredit, Message: "No free credit available"})
		}
	}

	snap, err := o.transition(PhasePaying, func(a *attempt) {
		a.method = method
		a.lastError = nil
	})
	if err != nil {
		return snap, err
	}
	o.notify(snap)

	start := time.Now()
	ticket, betAmount, proof, flowErr := o.execute(ctx, method, cred)

	o.mu.Lock()
	a := o.attempt
	if a == nil {
		// Attempt vanished during payment. Cancel refuses while a
		// payment is in flight, so this only happens on logout teardown.
		o.mu.Unlock()
		if flowErr == nil {
			return Snapshot{}, ErrNoAttempt
		}
		return Snapshot{}, flowErr
	}
	if flowErr != nil {
		a.phase = PhaseError
		a.lastError = flowErr
		// PaidButUnticketed keeps the proof: it is the reconciliation
		// handle, and clearing it would orphan the payment.
		a.proof = flowErr.TxID
	} else {
		a.phase = PhaseOnboarding
		a.ticket = ticket
		a.proof = proof
		a.betAmount = betAmount
	}
	snap = a.snapshot(true)
	o.mu.Unlock()

	if flowErr != nil {
		metrics.PaymentsTotal.WithLabelValues(string(method), "failure").Inc()
		metrics.AttemptsTotal.WithLabelValues("error").Inc()
		log.Error("payment failed",
			"kind", string(flowErr.Kind),
			"message", flowErr.Message,
			"tx_id", flowErr.TxID,
		)
		o.notify(snap)
		return snap, flowErr
	}

	metrics.PaymentsTotal.WithLabelValues(string(method), "success").Inc()
	metrics.PaymentDuration.WithLabelValues(string(method)).Observe(time.Since(start).Seconds())
	metrics.TicketsIssuedTotal.WithLabelValues(string(method.currency())).Inc()
	log.Info("entry ticket issued", "ticket_id", ticket.ID, "tx_id", proof)
	o.notify(snap)
	return snap, nil
}

// execute runs the external calls for one payment branch. It returns the
// ticket and proof on success, or a *FlowError describing the failure.
func (o *Orchestrator) execute(ctx context.Context, method PaymentMethod, cred *identity.Credential) (*issuer.EntryTicket, string, string, *FlowError) {
	if method == MethodFreeCredit {
		ticket, flowErr := o.issueFreeCredit(ctx, cred)
		return ticket, "0", "", flowErr
	}
	return o.payOnChain(ctx, cred)
}

// issueFreeCredit requests a ticket backed by the player's free-entry
// allowance. There is no ledger dependency; the idempotency key is minted
// once per attempt so a duplicate delivery cannot consume two credits.
func (o *Orchestrator) issueFreeCredit(ctx context.Context, cred *identity.Credential) (*issuer.EntryTicket, *FlowError) {
	ticket, err := o.issuer.Issue(ctx, cred.Token, issuer.PaymentDescriptor{
		GameType:       o.cfg.GameType,
		GameID:         o.cfg.GameID,
		BetAmount:      "0",
		Currency:       issuer.CurrencyFreeCredit,
		IdempotencyKey: idgen.WithPrefix("fc_"),
	})
	if err != nil {
		return nil, &FlowError{Kind: classify(err), Message: flowMessage(err)}
	}
	return ticket, nil
}

// payOnChain runs the three suspension points of the paid branch in strict
// order: submit, await finality, issue. Issuance is gated on finality, not
// on submission acceptance, and the transaction id from submit is the only
// proof ever presented to the issuer.
func (o *Orchestrator) payOnChain(ctx context.Context, cred *identity.Credential) (*issuer.EntryTicket, string, string, *FlowError) {
	betAmount := units.Format(o.cfg.EntryAmount)

	txID, err := o.ledger.SubmitTransfer(ctx, o.cfg.Destination, o.cfg.EntryAmount)
	if err != nil {
		return nil, "", "", &FlowError{Kind: classify(err), Message: flowMessage(err)}
	}
	o.logger.Info("transfer submitted", "tx_id", txID, "amount", betAmount)

	if err := o.ledger.AwaitFinality(ctx, txID); err != nil {
		return nil, "", "", &FlowError{Kind: classify(err), Message: flowMessage(err), TxID: txID}
	}

	// Re-fetch the credential: it may have rotated while the transfer
	// confirmed. If it is gone entirely, present the one the attempt
	// started with and let the issuer reject it; the payment is already
	// final and must reach the unticketed path, not be silently dropped.
	token := cred.Token
	if fresh, err := o.creds.Current(ctx); err == nil {
		token = fresh.Token
	}

	ticket, err := o.issuer.Issue(ctx, token, issuer.PaymentDescriptor{
		GameType:       o.cfg.GameType,
		GameID:         o.cfg.GameID,
		BetAmount:      betAmount,
		Currency:       issuer.CurrencyOnChain,
		Proof:          txID,
		IdempotencyKey: txID,
	})
	if err != nil {
		return nil, "", "", o.unticketed(ctx, cred, txID, betAmount, err)
	}
	return ticket, betAmount, txID, nil
}

// unticketed handles an issuance failure after a finalized payment. The
// transfer cannot be resubmitted without double-charging, so the failure
// is escalation-only: record it for operator review and surface the
// transaction id in the message.
func (o *Orchestrator) unticketed(ctx context.Context, cred *identity.Credential, txID, amount string, cause error) *FlowError {
	metrics.UnticketedPaymentsTotal.Inc()

	msg := fmt.Sprintf(
		"Payment confirmed but the entry ticket could not be issued (%s). Contact support and quote transaction %s.",
		flowMessage(cause), txID,
	)

	if o.recon != nil {
		if _, err := o.recon.RecordUnticketed(ctx, txID, cred.Subject, amount, msg); err != nil {
			o.logger.Error("failed to record unticketed payment", "tx_id", txID, "error", err)
		}
	}

	return &FlowError{Kind: KindPaidButUnticketed, Message: msg, TxID: txID}
}

// CompleteOnboarding validates the onboarding result and, on success, hands
// off the composed session configuration and destroys the attempt.
// Validation failures are local: the attempt stays in onboarding and the
// caller may submit a corrected result.
func (o *Orchestrator) CompleteOnboarding(ctx context.Context, res onboarding.Result) (*onboarding.SessionConfig, error) {
	ctx, span := traces.StartSpan(ctx, "session.onboarding")
	defer span.End()

	o.mu.Lock()
	a := o.attempt
	if a == nil {
		o.mu.Unlock()
		return nil, ErrNoAttempt
	}
	if a.phase != PhaseOnboarding {
		o.mu.Unlock()
		return nil, &PhaseViolationError{Op: "complete onboarding", Phase: a.phase}
	}

	token := ""
	if cred, err := o.creds.Current(ctx); err == nil {
		token = cred.Token
	}
	ticketID := ""
	if a.ticket != nil {
		ticketID = a.ticket.ID
	}
	entry := onboarding.Entry{
		AuthToken:        token,
		GameEntryTokenID: ticketID,
		BetAmount:        a.betAmount,
		Currency:         string(a.method.currency()),
		PaymentSignature: a.proof,
	}

	cfg, err := o.collector.Compose(res, entry)
	if err != nil {
		o.mu.Unlock()
		var valErr *onboarding.ValidationError
		if errors.As(err, &valErr) {
			return nil, &FlowError{Kind: KindValidationFailed, Message: valErr.Message}
		}
		return nil, err
	}

	a.phase = PhaseDone
	snap := a.snapshot(false)
	o.attempt = nil
	o.mu.Unlock()

	metrics.AttemptsTotal.WithLabelValues("done").Inc()
	o.logger.Info("onboarding complete, session handed off",
		"attempt_id", snap.AttemptID,
		"ticket_id", snap.TicketID,
		"players", len(cfg.Players),
		"duration_minutes", cfg.DurationMinutes,
	)
	o.notify(snap)
	return cfg, nil
}

// Retry moves an errored attempt back to pay. The last error, proof, and
// ticket are cleared; the method must be re-chosen. A stale proof is never
// resubmitted.
func (o *Orchestrator) Retry(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	a := o.attempt
	if a == nil {
		o.mu.Unlock()
		return Snapshot{}, ErrNoAttempt
	}
	if a.phase != PhaseError {
		snap := a.snapshot(true)
		o.mu.Unlock()
		return snap, &PhaseViolationError{Op: "retry", Phase: a.phase}
	}
	a.phase = PhasePay
	a.method = ""
	a.betAmount = ""
	a.proof = ""
	a.ticket = nil
	a.lastError = nil
	snap := a.snapshot(true)
	o.mu.Unlock()

	o.logger.Info("attempt retrying", "attempt_id", snap.AttemptID)
	o.notify(snap)
	return snap, nil
}

// Cancel destroys the live attempt. Refused while a payment is in flight:
// an already-dispatched ledger submission or issuer call cannot be aborted
// without orphaning a payment.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	o.mu.Lock()
	a := o.attempt
	if a == nil {
		o.mu.Unlock()
		return ErrNoAttempt
	}
	if o.inFlight || a.phase == PhasePaying {
		o.mu.Unlock()
		return ErrCancelInFlight
	}
	snap := a.snapshot(false)
	o.attempt = nil
	o.mu.Unlock()

	metrics.AttemptsTotal.WithLabelValues("cancelled").Inc()
	o.logger.Info("attempt cancelled", "attempt_id", snap.AttemptID, "phase", string(snap.Phase))
	o.notify(snap)
	return nil
}

// refusal returns the current snapshot with err, leaving the phase alone.
func (o *Orchestrator) refusal(ferr *FlowError) (Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt == nil {
		return Snapshot{}, ErrNoAttempt
	}
	return o.attempt.snapshot(true), ferr
}

// transition applies mutate and moves the attempt to phase under the lock.
func (o *Orchestrator) transition(phase Phase, mutate func(*attempt)) (Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt == nil {
		return Snapshot{}, ErrNoAttempt
	}
	mutate(o.attempt)
	o.attempt.phase = phase
	return o.attempt.snapshot(true), nil
}

// handleIdentityChange destroys an idle attempt on logout. An in-flight
// payment is left alone: the issuer rejection (or the unticketed path)
// handles it with the payment accounted for.
func (o *Orchestrator) handleIdentityChange(cred *identity.Credential) {
	if cred != nil {
		return
	}

	o.mu.Lock()
	a := o.attempt
	if a == nil || o.inFlight || a.phase == PhasePaying {
		o.mu.Unlock()
		return
	}
	snap := a.snapshot(false)
	o.attempt = nil
	o.mu.Unlock()

	metrics.AttemptsTotal.WithLabelValues("cancelled").Inc()
	o.logger.Info("attempt destroyed on logout", "attempt_id", snap.AttemptID)
	o.notify(snap)
}

func (o *Orchestrator) notify(snap Snapshot) {
	if o.onChange != nil {
		o.onChange(snap)
	}
}
