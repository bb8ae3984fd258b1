// Package identity supplies short-lived bearer credentials for the entry flow.
//
// The orchestrator re-fetches the credential on every external call rather
// than caching it: tokens rotate and expire mid-flow, and a stale token must
// surface as an issuer rejection, not as silently reused state.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoCredential   = errors.New("identity: no credential available")
	ErrMalformedToken = errors.New("identity: malformed token")
	ErrWrongAudience  = errors.New("identity: token issued for a different audience")
)

// Credential is an opaque bearer proof of identity with its parsed lifetime.
// Owned by the provider; read-only to consumers.
type Credential struct {
	Token     string
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the credential's lifetime has passed.
// Credentials without an exp claim never expire locally; the issuer
// remains the authority either way.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Provider supplies the current credential and notifies on identity change.
type Provider interface {
	// Current returns the active credential, or ErrNoCredential if the
	// user is not logged in or the token has expired.
	Current(ctx context.Context) (*Credential, error)

	// OnChange registers fn to be called on login, logout, and rotation.
	// fn receives nil on logout. Returns an unsubscribe function.
	OnChange(fn func(*Credential)) (unsubscribe func())
}

// TokenProvider is a Provider backed by a JWT bearer token pushed in by the
// hosting application on login/logout/rotation.
type TokenProvider struct {
	mu        sync.RWMutex
	raw       string
	listeners map[int]func(*Credential)
	nextID    int
	parser    *jwt.Parser
	now       func() time.Time
	audience  string
}

// Option configures the provider
type Option func(*TokenProvider)

// WithClock sets a custom time source (for testing)
func WithClock(now func() time.Time) Option {
	return func(p *TokenProvider) {
		p.now = now
	}
}

// WithAudience rejects tokens whose aud claim names other audiences only.
// Tokens without an aud claim are accepted; empty disables the check.
func WithAudience(aud string) Option {
	return func(p *TokenProvider) {
		p.audience = aud
	}
}

// NewTokenProvider creates a provider with no credential set.
func NewTokenProvider(opts ...Option) *TokenProvider {
	p := &TokenProvider{
		listeners: make(map[int]func(*Credential)),
		// Tokens are verified upstream by the identity service; here we
		// only need the claims, and expiry is checked against our clock.
		parser: jwt.NewParser(jwt.WithoutClaimsValidation()),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Compile-time interface check
var _ Provider = (*TokenProvider)(nil)

// SetToken installs a new bearer token and notifies listeners.
// An empty token is equivalent to Clear.
func (p *TokenProvider) SetToken(raw string) error {
	if raw == "" {
		p.Clear()
		return nil
	}

	cred, err := p.parse(raw)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.raw = raw
	fns := p.snapshotListeners()
	p.mu.Unlock()

	for _, fn := range fns {
		fn(cred)
	}
	return nil
}

// Clear removes the credential (logout) and notifies listeners with nil.
func (p *TokenProvider) Clear() {
	p.mu.Lock()
	p.raw = ""
	fns := p.snapshotListeners()
	p.mu.Unlock()

	for _, fn := range fns {
		fn(nil)
	}
}

// Current parses and returns the active credential.
func (p *TokenProvider) Current(ctx context.Context) (*Credential, error) {
	p.mu.RLock()
	raw := p.raw
	p.mu.RUnlock()

	if raw == "" {
		return nil, ErrNoCredential
	}

	cred, err := p.parse(raw)
	if err != nil {
		return nil, err
	}
	if cred.Expired(p.now()) {
		return nil, ErrNoCredential
	}
	return cred, nil
}

// OnChange registers a change listener.
func (p *TokenProvider) OnChange(fn func(*Credential)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// snapshotListeners returns the registered callbacks. Caller must hold p.mu.
func (p *TokenProvider) snapshotListeners() []func(*Credential) {
	fns := make([]func(*Credential), 0, len(p.listeners))
	for _, fn := range p.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func (p *TokenProvider) parse(raw string) (*Credential, error) {
	claims := jwt.RegisteredClaims{}
	_, _, err := p.parser.ParseUnverified(raw, &claims)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if p.audience != "" && len(claims.Audience) > 0 && !audienceMatches(claims.Audience, p.audience) {
		return nil, ErrWrongAudience
	}

	cred := &Credential{
		Token:   raw,
		Subject: claims.Subject,
	}
	if claims.IssuedAt != nil {
		cred.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
	}
	return cred, nil
}

func audienceMatches(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}
