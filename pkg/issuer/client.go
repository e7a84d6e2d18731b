package issuer

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 of the raw body, hex encoded.
const SignatureHeader = "X-Webhook-Signature"

// Client delivers signed events to one cardrail intake endpoint.
type Client struct {
	httpClient *http.Client
	baseURL    string
	provider   string
	secret     []byte

	// MaxRetries is how many times a delivery is retried on 5xx or
	// transport errors (default: 2). Redelivery is safe: intake
	// deduplicates on the event identity.
	MaxRetries int
	// RetryDelay is the pause between attempts (default: 1s).
	RetryDelay time.Duration
}

// NewClient creates a delivery client for the given provider name and
// shared signing secret.
func NewClient(baseURL, provider, secret string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		provider:   provider,
		secret:     []byte(secret),
		MaxRetries: 2,
		RetryDelay: time.Second,
	}
}

// Deliver signs and posts one event, retrying on server errors.
func (c *Client) Deliver(ctx context.Context, ev *Event) (*Result, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.RetryDelay):
			}
		}

		res, retryable, err := c.post(ctx, payload)
		if err == nil {
			return res, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("delivery failed after %d attempts: %w", c.MaxRetries+1, lastErr)
}

// Sign returns the hex HMAC-SHA256 of payload under the client's secret.
func (c *Client) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) post(ctx context.Context, payload []byte) (*Result, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/webhooks/"+c.provider, bytes.NewReader(payload))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, c.Sign(payload))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, err
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &apiErr)
		// Only server-side failures are worth retrying; 4xx means the
		// delivery itself is bad.
		retryable := resp.StatusCode >= 500
		return nil, retryable, &Error{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, false, fmt.Errorf("decode result: %w", err)
	}
	return &res, false, nil
}
