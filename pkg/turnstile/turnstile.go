package turnstile

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// DefaultVerifyURL is the Cloudflare Turnstile siteverify endpoint.
const DefaultVerifyURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// Result is the structured outcome of a siteverify call.
type Result struct {
	Success     bool     `json:"success"`
	ChallengeTS string   `json:"challenge_ts"`
	Hostname    string   `json:"hostname"`
	ErrorCodes  []string `json:"error-codes"`
	Action      string   `json:"action,omitempty"`
	CData       string   `json:"cdata,omitempty"`
}

// Verifier checks a challenge token against the verification service.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (Result, error)
}

// Client verifies Turnstile tokens over HTTP.
type Client struct {
	http   *resty.Client
	secret string
}

// NewClient creates a Verifier for the given shared secret. verifyURL
// overrides the production endpoint when non-empty.
func NewClient(secret, verifyURL string) *Client {
	if verifyURL == "" {
		verifyURL = DefaultVerifyURL
	}
	return &Client{
		http:   resty.New().SetBaseURL(verifyURL),
		secret: secret,
	}
}

// Verify posts the token, shared secret and best-effort client IP to the
// verification service and decodes the structured result.
func (c *Client) Verify(ctx context.Context, token, remoteIP string) (Result, error) {
	var result Result

	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"secret":   c.secret,
			"response": token,
			"remoteip": remoteIP,
		}).
		SetResult(&result).
		Post("")
	if err != nil {
		return Result{}, fmt.Errorf("turnstile verify request: %w", err)
	}
	if resp.IsError() {
		return Result{}, fmt.Errorf("turnstile verify returned status %d", resp.StatusCode())
	}

	return result, nil
}
