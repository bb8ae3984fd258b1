package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/racegate/internal/retry"
)

const (
	// DefaultRequestTimeout for a single issuance request
	DefaultRequestTimeout = 15 * time.Second

	// DefaultMaxAttempts across retries of one issuance
	DefaultMaxAttempts = 3

	// retryBaseDelay before the first retry
	retryBaseDelay = 500 * time.Millisecond
)

// issueRequest is the wire format of an issuance request
type issueRequest struct {
	GameType  string `json:"gameType"`
	GameID    string `json:"gameId"`
	BetAmount string `json:"betAmount"`
	Currency  string `json:"currency"`
	Proof     string `json:"proof,omitempty"`
}

// issueResponse is the wire format of a successful issuance
type issueResponse struct {
	GameEntryTokenID string `json:"gameEntryTokenId"`
}

// errorResponse is the wire format of a failed issuance
type errorResponse struct {
	Message string `json:"message"`
}

// HTTPClient calls the entry-issuance backend over HTTP.
type HTTPClient struct {
	baseURL     string
	httpClient  *http.Client
	maxAttempts int
}

// HTTPOption configures the client
type HTTPOption func(*HTTPClient)

// WithHTTPClient sets a custom http.Client (useful for testing)
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		h.httpClient = c
	}
}

// WithMaxAttempts sets the total attempts per issuance
func WithMaxAttempts(n int) HTTPOption {
	return func(h *HTTPClient) {
		h.maxAttempts = n
	}
}

// NewHTTPClient creates a client for the issuance backend at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		httpClient:  &http.Client{Timeout: DefaultRequestTimeout},
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Compile-time interface check
var _ Issuer = (*HTTPClient)(nil)

// Issue requests an entry ticket. Transport failures and 5xx responses are
// retried with backoff; every attempt carries the same idempotency key, so
// the backend sees one logical request. Rejections (401, 402, other 4xx)
// are permanent.
func (h *HTTPClient) Issue(ctx context.Context, credential string, desc PaymentDescriptor) (*EntryTicket, error) {
	body, err := json.Marshal(issueRequest{
		GameType:  desc.GameType,
		GameID:    desc.GameID,
		BetAmount: desc.BetAmount,
		Currency:  string(desc.Currency),
		Proof:     desc.Proof,
	})
	if err != nil {
		return nil, fmt.Errorf("issuer: marshal request: %w", err)
	}

	var ticket *EntryTicket
	err = retry.Do(ctx, h.maxAttempts, retryBaseDelay, func() error {
		t, attemptErr := h.issueOnce(ctx, credential, desc, body)
		if attemptErr != nil {
			return attemptErr
		}
		ticket = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

func (h *HTTPClient) issueOnce(ctx context.Context, credential string, desc PaymentDescriptor, body []byte) (*EntryTicket, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/entries", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("issuer: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)
	if key := desc.IdempotencyKey; key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("issuer: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("issuer: read response: %w", err)
	}

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		var ok issueResponse
		if err := json.Unmarshal(raw, &ok); err != nil || ok.GameEntryTokenID == "" {
			return nil, retry.Permanent(&IssuanceError{
				Reason: "malformed issuance response",
				Proof:  desc.Proof,
			})
		}
		return &EntryTicket{ID: ok.GameEntryTokenID, IssuedAt: time.Now()}, nil
	}

	message := errorMessage(raw, resp.StatusCode)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrUnauthorized, message))
	case resp.StatusCode == http.StatusPaymentRequired:
		return nil, retry.Permanent(fmt.Errorf("%w: %s", ErrInsufficientCredit, message))
	case resp.StatusCode >= 500:
		// Transient backend failure, safe to retry under the same key
		return nil, &IssuanceError{Reason: message, Proof: desc.Proof}
	default:
		return nil, retry.Permanent(&IssuanceError{Reason: message, Proof: desc.Proof})
	}
}

// errorMessage extracts the backend's message, falling back to the status.
func errorMessage(raw []byte, status int) string {
	var e errorResponse
	if err := json.Unmarshal(raw, &e); err == nil && e.Message != "" {
		return e.Message
	}
	return http.StatusText(status)
}
