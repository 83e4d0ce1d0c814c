// Package chain is the on-chain settlement boundary. It is only ever invoked
// from mint queue workers, never from the request-handling path, and is
// treated as an opaque ledger capability: submit succeeds or returns an
// error, finality is not this system's concern.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var ErrSubmitFailed = errors.New("chain: mint submission failed")

// MintPayload describes one on-chain mint.
type MintPayload struct {
	JobID     string `json:"job_id"`
	Recipient string `json:"recipient"`
	RewardID  string `json:"reward_id"`
	Amount    int64  `json:"amount"`
}

// Settlement submits mints and returns an external transaction reference.
type Settlement interface {
	SubmitMint(ctx context.Context, payload MintPayload) (txRef string, err error)
}

// Config for the RPC-backed settlement client.
type Config struct {
	URL         string `toml:"url"`
	AuthToken   string `toml:"auth_token"`
	MaxAttempts int    `toml:"max_attempts"`
	TimeoutSecs int    `toml:"timeout_seconds"`
}

// Client submits mints over HTTP with its own bounded retry policy,
// independent of the queue's delivery retries.
type Client struct {
	url         string
	authToken   string
	maxAttempts int
	backoff     time.Duration
	http        *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("chain: settlement url is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 30
	}
	return &Client{
		url:         cfg.URL,
		authToken:   cfg.AuthToken,
		maxAttempts: cfg.MaxAttempts,
		backoff:     500 * time.Millisecond,
		http:        &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
	}, nil
}

type submitResponse struct {
	TxRef string `json:"tx_ref"`
}

func (c *Client) SubmitMint(ctx context.Context, payload MintPayload) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		ref, err := c.submitOnce(ctx, payload)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", ErrSubmitFailed, ctx.Err())
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
	return "", fmt.Errorf("%w after %d attempts: %v", ErrSubmitFailed, c.maxAttempts, lastErr)
}

func (c *Client) submitOnce(ctx context.Context, payload MintPayload) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("settlement rpc returned %d: %s", resp.StatusCode, raw)
	}
	var parsed submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode settlement response: %w", err)
	}
	if parsed.TxRef == "" {
		return "", fmt.Errorf("settlement rpc returned no tx_ref")
	}
	return parsed.TxRef, nil
}
