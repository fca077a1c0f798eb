// Package transport sends signed requests to the payment processor and
// reports raw outcomes. Retries are owned by package retry.
package transport

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultTimeout  = 5000 * time.Millisecond
	maxResponseBody = 1 << 20

	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderTimestamp      = "X-Paygate-Timestamp"
	HeaderSignature      = "X-Paygate-Signature"
	HeaderRequestID      = "X-Request-Id"

	userAgent = "paygate-go/1.0"
)

// HTTPConfig configures an HTTPAdapter.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPAdapter is an Adapter backed by net/http.
type HTTPAdapter struct {
	config     HTTPConfig
	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time
}

// NewHTTPAdapter creates an adapter. A nil httpClient gets a fresh client;
// deadlines are enforced per request through the context, not through
// http.Client.Timeout.
func NewHTTPAdapter(config HTTPConfig, httpClient *http.Client, logger *zap.Logger) *HTTPAdapter {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPAdapter{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

// Send performs exactly one HTTP round trip.
func (a *HTTPAdapter) Send(ctx context.Context, req Request) Outcome {
	start := a.now()

	if err := ctx.Err(); err != nil {
		return Outcome{Kind: OutcomeCancelled, Reason: "context done before send", Err: err}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	httpReq, err := a.buildRequest(attemptCtx, req)
	if err != nil {
		return Outcome{Kind: OutcomeInvalidRequest, Reason: err.Error(), Err: err}
	}

	a.logger.Debug("sending processor request",
		zap.String("method", httpReq.Method),
		zap.String("url", httpReq.URL.String()),
		zap.String("idempotency_key", req.IdempotencyKey),
	)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return a.classifyError(ctx, err, a.now().Sub(start))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return a.classifyError(ctx, err, a.now().Sub(start))
	}

	out := Outcome{
		HTTPStatus: resp.StatusCode,
		Body:       body,
		RetryAfter: resp.Header.Get("Retry-After"),
		Duration:   a.now().Sub(start),
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.Kind = OutcomeSuccess
	} else {
		out.Kind = OutcomeHTTPError
		out.Reason = http.StatusText(resp.StatusCode)
	}

	a.logger.Debug("processor responded",
		zap.String("path", req.Path),
		zap.Int("http_status", resp.StatusCode),
		zap.Duration("duration", out.Duration),
	)

	return out
}

func (a *HTTPAdapter) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	if req.Method == "" {
		return nil, errors.New("missing method")
	}
	if !strings.HasPrefix(req.Path, "/") {
		return nil, fmt.Errorf("path %q must start with /", req.Path)
	}
	if a.config.BaseURL == "" {
		return nil, errors.New("missing base url")
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, a.config.BaseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}

	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}

	timestamp := strconv.FormatInt(a.now().Unix(), 10)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	httpReq.Header.Set(HeaderTimestamp, timestamp)
	httpReq.Header.Set(HeaderSignature, Sign(a.config.APIKey, timestamp, req.Method, req.Path, req.Body))
	if httpReq.Header.Get(HeaderRequestID) == "" {
		httpReq.Header.Set(HeaderRequestID, uuid.NewString())
	}
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(HeaderIdempotencyKey, req.IdempotencyKey)
	}

	return httpReq, nil
}

// classifyError maps a round-trip error. The parent context decides between
// cancellation by the caller and our own per-attempt deadline.
func (a *HTTPAdapter) classifyError(parent context.Context, err error, elapsed time.Duration) Outcome {
	if parent.Err() != nil {
		return Outcome{Kind: OutcomeCancelled, Reason: "cancelled by caller", Err: parent.Err(), Duration: elapsed}
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return Outcome{Kind: OutcomeTimeout, Reason: fmt.Sprintf("no response within %s", a.config.Timeout), Err: err, Duration: elapsed}
	}

	return Outcome{Kind: OutcomeNetworkFailure, Reason: err.Error(), Err: err, Duration: elapsed}
}

// Sign computes the request signature sent in X-Paygate-Signature.
func Sign(apiKey, timestamp, method, path string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write([]byte(timestamp + "." + method + "." + path + "."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
