package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/racegate/internal/credit"
	"github.com/mbd888/racegate/internal/identity"
	"github.com/mbd888/racegate/internal/issuer"
	"github.com/mbd888/racegate/internal/ledger"
	"github.com/mbd888/racegate/internal/onboarding"
	"github.com/mbd888/racegate/internal/reconcile"
	"github.com/mbd888/racegate/internal/units"
)

// stubCreds is an in-memory identity provider for driving the flow.
type stubCreds struct {
	mu        sync.Mutex
	cred      *identity.Credential
	listeners []func(*identity.Credential)
}

func newStubCreds(subject string) *stubCreds {
	return &stubCreds{cred: &identity.Credential{
		Token:   "token-" + subject,
		Subject: subject,
	}}
}

func (s *stubCreds) Current(ctx context.Context) (*identity.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return nil, identity.ErrNoCredential
	}
	c := *s.cred
	return &c, nil
}

func (s *stubCreds) OnChange(fn func(*identity.Credential)) func() {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
	return func() {}
}

func (s *stubCreds) logout() {
	s.mu.Lock()
	s.cred = nil
	fns := append([]func(*identity.Credential){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(nil)
	}
}

// stubLedger records submissions and finality waits.
type stubLedger struct {
	mu            sync.Mutex
	txID          string
	submitErr     error
	finalityErr   error
	submitCalls   int
	finalityCalls []string

	// when set, SubmitTransfer signals started and blocks until release
	started chan struct{}
	release chan struct{}
}

func (l *stubLedger) SubmitTransfer(ctx context.Context, destination string, amount *big.Int) (string, error) {
	l.mu.Lock()
	l.submitCalls++
	l.mu.Unlock()
	if l.started != nil {
		close(l.started)
		<-l.release
	}
	if l.submitErr != nil {
		return "", l.submitErr
	}
	return l.txID, nil
}

func (l *stubLedger) AwaitFinality(ctx context.Context, txID string) error {
	l.mu.Lock()
	l.finalityCalls = append(l.finalityCalls, txID)
	l.mu.Unlock()
	return l.finalityErr
}

// stubIssuer records every descriptor it is asked to issue against.
type stubIssuer struct {
	mu     sync.Mutex
	ticket *issuer.EntryTicket
	err    error
	calls  []issuer.PaymentDescriptor
	tokens []string
}

func (s *stubIssuer) Issue(ctx context.Context, credential string, desc issuer.PaymentDescriptor) (*issuer.EntryTicket, error) {
	s.mu.Lock()
	s.calls = append(s.calls, desc)
	s.tokens = append(s.tokens, credential)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.ticket, nil
}

func (s *stubIssuer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	amount, ok := units.Parse("0.01")
	require.True(t, ok)
	return Config{
		EntryAmount: amount,
		Destination: "DEST1",
		GameType:    "racing",
		GameID:      "typerace",
	}
}

func startAttempt(t *testing.T, o *Orchestrator) Snapshot {
	t.Helper()
	snap, err := o.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhasePay, snap.Phase)
	return snap
}

func TestOnChainHappyPath(t *testing.T) {
	creds := newStubCreds("player-1")
	led := &stubLedger{txID: "TX1"}
	iss := &stubIssuer{ticket: &issuer.EntryTicket{ID: "TICK1", IssuedAt: time.Now()}}

	o := New(testConfig(t), creds, led, iss)
	defer o.Close()
	startAttempt(t, o)

	snap, err := o.Pay(context.Background(), MethodOnChain)
	require.NoError(t, err)

	require.Equal(t, PhaseOnboarding, snap.Phase)
	require.Equal(t, "TX1", snap.Proof)
	require.Equal(t, "TICK1", snap.TicketID)
	require.Equal(t, "0.010000", snap.BetAmount)
	require.Nil(t, snap.LastError)

	// finality was awaited for the exact submitted id, then issued once
	require.Equal(t, []string{"TX1"}, led.finalityCalls)
	require.Len(t, iss.calls, 1)
	require.Equal(t, "TX1", iss.calls[0].Proof)
	require.Equal(t, "TX1", iss.calls[0].IdempotencyKey)
	require.Equal(t, issuer.CurrencyOnChain, iss.calls[0].Currency)
	require.Equal(t, "0.010000", iss.calls[0].BetAmount)
	require.Equal(t, "token-player-1", iss.tokens[0])
}

func TestFreeCreditHappyPath(t *testing.T) {
	creds := newStubCreds("player-1")
	led := &stubLedger{}
	iss := &stubIssuer{ticket: &issuer.EntryTicket{ID: "TICK_FC"}}

	source := credit.NewMemorySource()
	source.SetCredits("player-1", 3)

	o := New(testConfig(t), creds, led, iss, WithCredits(credit.NewService(source)))
	defer o.Close()
	startAttempt(t, o)

	snap, err := o.Pay(context.Background(), MethodFreeCredit)
	require.NoError(t, err)

	require.Equal(t, PhaseOnboarding, snap.Phase)
	require.Empty(t, snap.Proof)
	require.Equal(t, "TICK_FC", snap.TicketID)
	require.Equal(t, "0", snap.BetAmount)

	// no ledger involvement on the free-credit branch
	require.Zero(t, led.submitCalls)
	require.Empty(t, led.finalityCalls)

	require.Len(t, iss.calls, 1)
	desc := iss.calls[0]
	require.Equal(t, issuer.CurrencyFreeCredit, desc.Currency)
	require.Equal(t, "0", desc.BetAmount)
	require.Empty(t, desc.Proof)
	require.True(t, strings.HasPrefix(desc.IdempotencyKey, "fc_"))
}

func TestFreeCreditZeroBalanceRefused(t *testing.T) {
	creds := newStubCreds("player-1")
	iss := &stubIssuer{ticket: &issuer.EntryTicket{ID: "TICK_FC"}}

	source := credit.NewMemorySource()
	source.SetCredits("player-1", 0)

	o := New(testConfig(t), creds, &stubLedger{}, iss, WithCredits(credit.NewService(source)))
	defer o.Close()
	startAttempt(t, o)

	snap, err := o.Pay(context.Background(), MethodFreeCredit)

	var ferr *FlowError
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, KindInsufficientCredit, ferr.Kind)

	// refused, not failed: phase unchanged, no issuer call, retriable as-is
	require.Equal(t, PhasePay, snap.Phase)
	require.Nil(t, snap.LastError)
	require.Zero(t, iss.callCount())
}

func TestFreeCreditIssuerRejection(t *testing.T) {
	creds := newStubCreds("player-1")
	iss := &stubIssuer{err: issuer.ErrInsufficientCredit}

	source := credit.NewMemorySource()
	source.SetCredits("player-1", 3)

	o := New(testConfig(t), creds, &stubLedger{}, iss, WithCredits(credit.NewService(source)))
	defer o.Close()
	startAttempt(t, o)

	snap, err := o.Pay(context.Background(), MethodFreeCredit)

	var ferr *FlowError
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, KindInsufficientCredit, ferr.Kind)
	require.Equal(t, PhaseError, snap.Phase)
	require.Empty(t, snap.TicketID)
	require.NotNil(t, snap.LastError)
}

func TestSubmissionRejectedNormalized(t *testing.T) {
	creds := newStubCreds("player-1")
	led := &stubLedger{
		submitErr: fmt.Errorf("%w: user rejected the request", ledger.ErrSubmissionRejected),
	}
	iss := &stubIssuer{ticket: &issuer.EntryTicket{ID: "TICK1"}}

	o := New(testConfig(t), creds, led, iss)
	defer o.Close()
	startAttempt(t, o)

	snap, err := o.Pay(context.Background(), MethodOnChain)

	var ferr *FlowError
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, KindSubmissionRejected, ferr.Kind)
	require.Equal(t, "Transaction cancelled by user", ferr.Message)
	require.Equal(t, PhaseError, snap.Phase)
	require.Zero(t, iss.callCount())
	require.Empty(t, led.finalityCalls)
}

func TestInsufficientFundsNormalized(t *testing.T) {
	creds := newStubCreds("player-1")
	led := &stubLedger{
		submitErr: fmt.Errorf("%w: insufficient funds for gas * price + value", ledger.ErrNetwork),
	}

	o := New(testConfig(t), creds, led, &stubIssuer{})
	defer o.Close()
	startAttempt(t, o)

	_, err := o.Pay(context.Background(), MethodOnChain)

	var ferr *FlowError
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, "Insufficient funds to enter the race", ferr.Message)
}

func TestFinalityFailureBlocksIssuance(t *testing.T) {
	creds := newStubCreds("player-1")
	led := &stubLedger{txID: "TX9", finalityErr: ledger.ErrFinalityTimeout}
	iss := &stubIssuer{ticket: &issuer.EntryTicket{ID: "TICK1"}}

	o := New(testConfig(t), creds, led, iss)
	defer o.Close()
	startAttempt(t, o)

	snap, err := o.Pay(context.Background(), MethodOnChain)

	var ferr *FlowError
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, KindFinalityTimeout, ferr.Kind)
	require.Equal(t, "TX9", ferr.TxID)
	require.Equal(t, PhaseError, snap.Phase)

	// a submitted but unconfirmed payment must never reach the issuer
	require.Zero(t, iss.callCount())
}

func TestExecutionFailure(t *testing.T) {
	creds := newStubCreds("player-1")
	led := &stubLedger{
		txID:        "TX9",
		finalityErr: &ledger.ExecutionError{TxID: "TX9", Reason: "transfer reverted"},
	}

	o := New(testConfig(t), creds, led, &stubIssuer{})
	defer o.Close()
	startAttempt(t, o)

	_, err := o.Pay(context.Background(), MethodOnChain)

	var ferr *FlowError
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, KindExecutionFailed, ferr.Kind)
	require.Equal(t, "transfer reverted", ferr.Message)
	require.Equal(t, "TX9", ferr.TxID)
}

func TestPaidButUnticketed(t *testing.T) {
	creds := newStubCreds("player-1")
	led := &stubLedger{txID: "TX42"}
	iss := &stubIssuer{err: &issuer.IssuanceError{Reason: "backend unavailable", Proof: "TX42"}}

	recon := reconcile.NewService(reconcile.NewMemoryStore(), discardLogger())

	o := New(testConfig(t), creds, led, iss, WithReconciler(recon))
	defer o.Close()
	startAttempt(t, o)

	snap, err := o.Pay(context.Background(), MethodOnChain)

	var ferr *FlowError
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, KindPaidButUnticketed, ferr.Kind)
	require.Equal(t, "TX42", ferr.TxID)
	require.Contains(t, ferr.Message, "TX42")
	require.Equal(t, PhaseError, snap.Phase)
	require.Equal(t, "TX42", snap.Proof)

	// never auto-retried: exactly one issuance request per proof
	require.Equal(t, 1, iss.callCount())
	require.Equal(t, 1, led.submitCalls)

	records, rerr := recon.Unresolved(context.Background(), 10)
	require.NoError(t, rerr)
	require.Len(t, records, 1)
	require.Equal(t, "TX42", records[0].TxID)
	require.Equal(t, "player-1", records[0].Subject)
}

func TestAuthMissingRefusal(t *testing.T) {
	creds := &stubCreds{} // never logged in
	iss := &stubIssuer{ticket: &issuer.EntryTicket{ID: "TICK1"}}

	o := New(testConfig(t), creds, &stubLedger{txID: "TX1"}, iss)
	defer o.Close()
	startAttempt(t, o)

	snap, err := o.Pay(context.Background(), MethodOnChain)

	var ferr *FlowError
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, KindAuthMissing, ferr.Kind)
	require.Equal(t, PhasePay, snap.Phase)
	require.Nil(t, snap.LastError)
	require.Zero(t, iss.callCount())
}

func TestRetryResetsAttempt(t *testing.T) {
	creds := newStubCreds("player-1")
	led := &stubLedger{txID: "TX5", finalityErr: ledger.ErrFinalityTimeout}
	iss := &stubIssuer{ticket: &issuer.EntryTicket{ID: "TICK1"}}

	o := New(testConfig(t), creds, led, iss)
	defer o.Close()
	startAttempt(t, o)

	_, err := o.Pay(context.Background(), MethodOnChain)
	require.Error(t, err)

	snap, err := o.Retry(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhasePay, snap.Phase)
	require.Nil(t, snap.LastError)
	require.Empty(t, snap.Proof)
	require.Empty(t, snap.TicketID)
	require.Empty(t, snap.Method)

	// a fresh payment succeeds and mints a fresh proof
	led.finalityErr = nil
	snap, err = o.Pay(context.Background(), MethodOnChain)
	require.NoError(t, err)
	require.Equal(t, PhaseOnboarding, snap.Phase)
	require.Equal(t, "TX5", snap.Proof)
}

func TestRetryOnlyFromError(t *testing.T) {
	creds := newStubCreds("player-1")
	o := New(testConfig(t), creds, &stubLedger{}, &stubIssuer{})
	defer o.Close()
	startAttempt(t, o)

	_, err := o.Retry(context.Background())
	var perr *PhaseViolationError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, PhasePay, perr.Phase)
}

func TestOnboardingValidationStaysInPlace(t *testing.T) {
	o, _ := onboardedOrchestrator(t)
	defer o.Close()

	res := onboarding.Result{
		Players: []onboarding.Player{
			{Key: "p1", DisplayName: "You", IsHuman: true},
			{Key: "p2", DisplayName: "Bot"},
		},
		DurationMinutes: 0,
		HumanPlayerKey:  "p1",
	}

	cfg, err := o.CompleteOnboarding(context.Background(), res)
	require.Nil(t, cfg)

	var ferr *FlowError
	require.ErrorAs(t, err, &ferr)
	require.Equal(t, KindValidationFailed, ferr.Kind)
	require.Equal(t, "Invalid race duration", ferr.Message)

	snap, serr := o.Snapshot()
	require.NoError(t, serr)
	require.Equal(t, PhaseOnboarding, snap.Phase)
	require.Nil(t, snap.LastError)
}

func TestOnboardingHandoff(t *testing.T) {
	o, transitions := onboardedOrchestrator(t)
	defer o.Close()

	res := onboarding.Result{
		Players: []onboarding.Player{
			{Key: "p1", DisplayName: "You", IsHuman: true},
			{Key: "p2", DisplayName: "Bot"},
		},
		DurationMinutes: 5,
		HumanPlayerKey:  "p1",
	}

	cfg, err := o.CompleteOnboarding(context.Background(), res)
	require.NoError(t, err)

	require.Equal(t, "TICK1", cfg.GameEntryTokenID)
	require.Equal(t, "token-player-1", cfg.AuthToken)
	require.Equal(t, "TX1", cfg.PaymentSignature)
	require.Equal(t, "ON_CHAIN", cfg.Currency)
	require.Equal(t, "0.010000", cfg.BetAmount)
	require.Equal(t, 5, cfg.DurationMinutes)
	require.Len(t, cfg.Players, 2)

	// attempt destroyed on successful handoff
	_, err = o.Snapshot()
	require.ErrorIs(t, err, ErrNoAttempt)

	last := lastTransition(t, transitions)
	require.Equal(t, PhaseDone, last.Phase)
	require.False(t, last.Live)
}

func TestCancelRefusedWhileInFlight(t *testing.T) {
	creds := newStubCreds("player-1")
	led := &stubLedger{
		txID:    "TX1",
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	iss := &stubIssuer{ticket: &issuer.EntryTicket{ID: "TICK1"}}

	o := New(testConfig(t), creds, led, iss)
	defer o.Close()
	startAttempt(t, o)

	done := make(chan error, 1)
	go func() {
		_, err := o.Pay(context.Background(), MethodOnChain)
		done <- err
	}()

	<-led.started

	require.ErrorIs(t, o.Cancel(context.Background()), ErrCancelInFlight)

	_, err := o.Pay(context.Background(), MethodOnChain)
	require.ErrorIs(t, err, ErrPaymentInFlight)

	close(led.release)
	require.NoError(t, <-done)

	// once the payment settled, cancellation is permitted again
	require.NoError(t, o.Cancel(context.Background()))
}

func TestCancelAtRest(t *testing.T) {
	creds := newStubCreds("player-1")
	o := New(testConfig(t), creds, &stubLedger{}, &stubIssuer{})
	defer o.Close()

	require.ErrorIs(t, o.Cancel(context.Background()), ErrNoAttempt)

	startAttempt(t, o)
	require.NoError(t, o.Cancel(context.Background()))
	_, err := o.Snapshot()
	require.ErrorIs(t, err, ErrNoAttempt)

	// a new attempt can start after cancellation
	startAttempt(t, o)
}

func TestSingleLiveAttempt(t *testing.T) {
	creds := newStubCreds("player-1")
	o := New(testConfig(t), creds, &stubLedger{}, &stubIssuer{})
	defer o.Close()

	startAttempt(t, o)
	_, err := o.Start(context.Background())
	require.ErrorIs(t, err, ErrAttemptLive)
}

func TestLogoutDestroysIdleAttempt(t *testing.T) {
	creds := newStubCreds("player-1")
	o := New(testConfig(t), creds, &stubLedger{}, &stubIssuer{})
	defer o.Close()
	startAttempt(t, o)

	creds.logout()

	_, err := o.Snapshot()
	require.ErrorIs(t, err, ErrNoAttempt)
}

func TestUnknownMethodRejected(t *testing.T) {
	creds := newStubCreds("player-1")
	o := New(testConfig(t), creds, &stubLedger{}, &stubIssuer{})
	defer o.Close()
	startAttempt(t, o)

	_, err := o.Pay(context.Background(), PaymentMethod("BARTER"))
	require.Error(t, err)

	snap, serr := o.Snapshot()
	require.NoError(t, serr)
	require.Equal(t, PhasePay, snap.Phase)
}

// onboardedOrchestrator drives a fresh orchestrator through a successful
// on-chain payment and returns it in the onboarding phase, along with the
// recorded phase transitions.
func onboardedOrchestrator(t *testing.T) (*Orchestrator, *[]Snapshot) {
	t.Helper()

	creds := newStubCreds("player-1")
	led := &stubLedger{txID: "TX1"}
	iss := &stubIssuer{ticket: &issuer.EntryTicket{ID: "TICK1"}}

	var mu sync.Mutex
	transitions := &[]Snapshot{}
	hook := func(s Snapshot) {
		mu.Lock()
		*transitions = append(*transitions, s)
		mu.Unlock()
	}

	o := New(testConfig(t), creds, led, iss, WithTransitionHook(hook))

	snap, err := o.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, PhasePay, snap.Phase)

	snap, err = o.Pay(context.Background(), MethodOnChain)
	require.NoError(t, err)
	require.Equal(t, PhaseOnboarding, snap.Phase)

	return o, transitions
}

func lastTransition(t *testing.T, transitions *[]Snapshot) Snapshot {
	t.Helper()
	require.NotEmpty(t, *transitions)
	return (*transitions)[len(*transitions)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
