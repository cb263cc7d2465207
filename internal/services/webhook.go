package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"jobflow/internal/job"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// WebhookClass is the class name of WebhookService.
const WebhookClass = "WebhookService"

// webhookRequest is the part of the job request a webhook reads. When Body is
// absent the whole request document is sent.
type webhookRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

// WebhookService delivers the job request to an HTTP endpoint. Client errors
// other than 408 and 429 are permanent; everything else is retried.
type WebhookService struct {
	Base
}

// NewWebhookService is the ServiceFactory for WebhookClass.
func NewWebhookService(b job.Binding) job.Executable {
	return &WebhookService{Base: Base{Binding: b}}
}

func (s *WebhookService) Execute(ctx context.Context) error {
	ctx, span := otel.Tracer("jobflow/services").Start(ctx, "service.webhook")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", s.Job.ID))

	var p webhookRequest
	if err := json.Unmarshal(s.Job.Request, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return job.Permanent(fmt.Errorf("invalid webhook request: %w", err))
	}
	if p.URL == "" {
		err := errors.New("webhook request missing required field 'url'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'url' field")
		return job.Permanent(err)
	}
	if p.Method == "" {
		p.Method = http.MethodPost
	}

	client := &http.Client{Timeout: 15 * time.Second}
	target := p.URL
	headers := map[string]string{}
	if app, ok := s.App.(*HTTPApp); ok {
		client = app.Client
		target = app.resolve(p.URL)
		for k, v := range app.Headers {
			headers[k] = v
		}
	}
	for k, v := range p.Headers {
		headers[k] = v
	}

	span.SetAttributes(
		attribute.String("webhook.url", target),
		attribute.String("webhook.method", p.Method),
	)

	body := []byte(p.Body)
	if len(body) == 0 {
		body = s.Job.Request
	}

	req, err := http.NewRequestWithContext(ctx, p.Method, target, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build request failed")
		return job.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Job-Id", s.Job.ID)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "http call failed")
		return fmt.Errorf("webhook call to %s: %w", target, err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= http.StatusBadRequest {
		err := fmt.Errorf("webhook %s returned status %d: %s", target, resp.StatusCode, bytes.TrimSpace(snippet))
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad status code")
		if permanentStatus(resp.StatusCode) {
			return job.Permanent(err)
		}
		return err
	}
	return nil
}

func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
