package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mr-tron/base58"
)

// CustodialConfig configures the remote signing backend. The custody service
// holds the private key; this process only ever sees signatures.
type CustodialConfig struct {
	URL         string `toml:"url"`
	AuthToken   string `toml:"auth_token"`
	MaxAttempts int    `toml:"max_attempts"`
	TimeoutSecs int    `toml:"timeout_seconds"`
}

// CustodialSigner calls an external custody service with bounded
// retry/backoff. Retry exhaustion fails the issuance request outright; there
// is no fallback to a local key.
type CustodialSigner struct {
	keyID       string
	url         string
	authToken   string
	maxAttempts int
	timeout     time.Duration
	backoff     time.Duration
	client      *http.Client
}

type signRequest struct {
	KeyID   string `json:"key_id"`
	Message string `json:"message"` // base58 canonical bytes
}

type signResponse struct {
	Signature string `json:"signature"` // base58, 64 bytes decoded
}

func NewCustodialSigner(keyID string, cfg CustodialConfig) (*CustodialSigner, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: custodial url is required", ErrMisconfigured)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.TimeoutSecs <= 0 {
		cfg.TimeoutSecs = 10
	}
	return &CustodialSigner{
		keyID:       keyID,
		url:         cfg.URL,
		authToken:   cfg.AuthToken,
		maxAttempts: cfg.MaxAttempts,
		timeout:     time.Duration(cfg.TimeoutSecs) * time.Second,
		backoff:     250 * time.Millisecond,
		client:      &http.Client{Timeout: time.Duration(cfg.TimeoutSecs) * time.Second},
	}, nil
}

func (s *CustodialSigner) KeyID() string { return s.keyID }

func (s *CustodialSigner) Sign(ctx context.Context, message []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		sig, err := s.signOnce(ctx, message)
		if err == nil {
			return sig, nil
		}
		lastErr = err
		slog.Warn("Custodial signing attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", s.maxAttempts),
			slog.Any("error", err))

		if attempt == s.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrSigningFailed, ctx.Err())
		case <-time.After(s.backoff << (attempt - 1)):
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrSigningFailed, s.maxAttempts, lastErr)
}

func (s *CustodialSigner) signOnce(ctx context.Context, message []byte) ([]byte, error) {
	body, err := json.Marshal(signRequest{
		KeyID:   s.keyID,
		Message: base58.Encode(message),
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("custody service returned %d: %s", resp.StatusCode, payload)
	}

	var parsed signResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode custody response: %w", err)
	}
	sig, err := base58.Decode(parsed.Signature)
	if err != nil {
		return nil, fmt.Errorf("custody signature is not base58: %w", err)
	}
	if len(sig) != SignatureSize {
		return nil, fmt.Errorf("custody signature is %d bytes, want %d", len(sig), SignatureSize)
	}
	return sig, nil
}
