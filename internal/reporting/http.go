package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"fiscalpos/backend/internal/domain"
)

const (
	reportPath = "/invoices/report"
	timePath   = "/time"

	maxErrorBody = 4 << 10
)

type HTTPConfig struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// HTTPClient reports invoices over the authority's JSON API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	tracer  trace.Tracer
}

func NewHTTPClient(cfg HTTPConfig, client *http.Client) *HTTPClient {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    client,
		limiter: rate.NewLimiter(limit, burst),
		tracer:  otel.Tracer("fiscalpos/reporting"),
	}
}

func (c *HTTPClient) Report(ctx context.Context, req domain.ReportRequest) (result domain.ReportResult, err error) {
	ctx, span := c.tracer.Start(ctx, "reporting.Report", trace.WithAttributes(
		attribute.String("device.id", req.Invoice.DeviceID),
		attribute.Int64("invoice.sequence", req.Invoice.Sequence),
		attribute.String("idempotency.key", req.IdempotencyKey),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("report.outcome", string(result.Outcome)))
		}
		span.End()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return domain.ReportResult{}, &RetryableError{Err: err}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return domain.ReportResult{}, fmt.Errorf("encode report: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+reportPath, bytes.NewReader(payload))
	if err != nil {
		return domain.ReportResult{}, fmt.Errorf("build report request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return domain.ReportResult{}, &RetryableError{Err: err}
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	return decodeReport(resp)
}

func decodeReport(resp *http.Response) (domain.ReportResult, error) {
	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return domain.ReportResult{}, &RetryableError{StatusCode: resp.StatusCode, Err: errors.New(readSnippet(resp.Body))}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		// credentials are an operator problem, not a property of the invoice
		return domain.ReportResult{}, &RetryableError{StatusCode: resp.StatusCode, Err: errors.New("authority refused credentials")}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.ReportResult{}, &RetryableError{StatusCode: resp.StatusCode, Err: err}
	}

	var result domain.ReportResult
	if err := json.Unmarshal(body, &result); err != nil || !ValidOutcome(result.Outcome) {
		if resp.StatusCode >= 400 {
			return domain.ReportResult{
				Outcome: domain.OutcomeRejected,
				Reason:  fmt.Sprintf("authority returned %d: %s", resp.StatusCode, snippet(body)),
			}, nil
		}
		// a 2xx without a recognisable outcome is not a confirmation
		return domain.ReportResult{}, &RetryableError{StatusCode: resp.StatusCode, Err: errors.New("unrecognised authority response")}
	}
	return result, nil
}

type serverTimeBody struct {
	ServerTime time.Time `json:"server_time"`
}

func (c *HTTPClient) ServerTime(ctx context.Context) (time.Time, error) {
	ctx, span := c.tracer.Start(ctx, "reporting.ServerTime")
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+timePath, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("build time request: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		return time.Time{}, &RetryableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, &RetryableError{StatusCode: resp.StatusCode, Err: errors.New(readSnippet(resp.Body))}
	}
	var body serverTimeBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return time.Time{}, fmt.Errorf("decode server time: %w", err)
	}
	if body.ServerTime.IsZero() {
		return time.Time{}, errors.New("authority returned empty server time")
	}
	return body.ServerTime, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func readSnippet(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return snippet(body)
}

func snippet(body []byte) string {
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	if text == "" {
		return "empty body"
	}
	return text
}
