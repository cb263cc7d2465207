package cloudevent

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

// Sender posts CloudEvents over HTTP.
type Sender struct {
	client *http.Client
}

// NewSender creates a sender whose requests time out after timeout and carry
// trace context.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: otelhttp.NewTransport(&http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			}),
		},
	}
}

// Send delivers event to url in structured mode, signed with signingKey
// when it is non-empty. Non-2xx responses return an *HTTPError.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, signingKey string) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/cloudevents+json")
	if signingKey != "" {
		req.Header.Set(SignatureHeader, Sign(body, signingKey))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is a valid signature of payload under key.
func Verify(payload []byte, signature, key string) bool {
	return hmac.Equal([]byte(Sign(payload, key)), []byte(signature))
}

// HTTPError is a non-2xx response from the destination.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsClientError reports a 4xx response other than 408 and 429, which
// retrying will not fix.
func IsClientError(err error) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	if he.StatusCode == http.StatusRequestTimeout || he.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return he.StatusCode >= 400 && he.StatusCode < 500
}
