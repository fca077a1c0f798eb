// Package gateway is the client facade: it wires transport, retries,
// idempotency, the payment tracker and webhook handling behind one Client
// configured explicitly per instance.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ManuelReschke/paygate/pkg/idempotency"
	"github.com/ManuelReschke/paygate/pkg/payerr"
	"github.com/ManuelReschke/paygate/pkg/payment"
	"github.com/ManuelReschke/paygate/pkg/retry"
	"github.com/ManuelReschke/paygate/pkg/transport"
	"github.com/ManuelReschke/paygate/pkg/webhook"
)

// Client talks to the processor. It is safe for concurrent use.
type Client struct {
	config    Config
	logger    *zap.Logger
	transport transport.Adapter
	runner    *retry.Runner
	creates   *idempotency.Manager[payment.Payment]
	refunds   *idempotency.Manager[payment.RefundResult]
	tracker   *payment.Tracker
	webhooks  *webhook.Handler
	recorder  Recorder
	now       func() time.Time
}

type options struct {
	logger       *zap.Logger
	transport    transport.Adapter
	httpClient   *http.Client
	idemStore    idempotency.Store
	pollInterval time.Duration
	dedup        webhook.Dedup
	journal      webhook.Journal
	paymentStore payment.Store
	observer     payment.Observer
	recorder     Recorder
	sleep        retry.SleepFunc
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTransport replaces the HTTP adapter, mainly for tests.
func WithTransport(a transport.Adapter) Option {
	return func(o *options) { o.transport = a }
}

// WithHTTPClient sets the http.Client used by the default adapter.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithIdempotencyStore shares the idempotency registry, e.g. through Redis or
// DynamoDB, between instances.
func WithIdempotencyStore(s idempotency.Store) Option {
	return func(o *options) { o.idemStore = s }
}

// WithIdempotencyPollInterval sets how often a submission waiting on another
// instance's lease re-reads the registry.
func WithIdempotencyPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

func WithDedup(d webhook.Dedup) Option {
	return func(o *options) { o.dedup = d }
}

func WithJournal(j webhook.Journal) Option {
	return func(o *options) { o.journal = j }
}

func WithPaymentStore(s payment.Store) Option {
	return func(o *options) { o.paymentStore = s }
}

func WithObserver(obs payment.Observer) Option {
	return func(o *options) { o.observer = obs }
}

func WithRecorder(r Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(s retry.SleepFunc) Option {
	return func(o *options) { o.sleep = s }
}

// New validates config and builds a Client.
func New(config Config, opts ...Option) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config = config.withDefaults()

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}
	if o.idemStore == nil {
		o.idemStore = idempotency.NewMemoryStore()
	}
	if o.dedup == nil {
		o.dedup = webhook.NewMemoryDedup(config.WebhookDedupCapacity)
	}
	if o.transport == nil {
		o.transport = transport.NewHTTPAdapter(transport.HTTPConfig{
			BaseURL: config.ResolvedBaseURL(),
			APIKey:  config.APIKey,
			Timeout: config.timeout(),
		}, o.httpClient, o.logger.Named("transport"))
	}

	c := &Client{
		config:    config,
		logger:    o.logger,
		transport: o.transport,
		recorder:  o.recorder,
		now:       time.Now,
	}

	runnerOpts := []retry.Option{
		retry.WithLogger(o.logger.Named("retry")),
		retry.WithObserver(c.observeAttempt),
	}
	if o.sleep != nil {
		runnerOpts = append(runnerOpts, retry.WithSleep(o.sleep))
	}
	c.runner = retry.NewRunner(config.retryPolicy(), runnerOpts...)

	idemOpts := []idempotency.Option{
		idempotency.WithRetention(config.IdempotencyRetention),
		idempotency.WithLease(config.IdempotencyLease),
		idempotency.WithPollInterval(o.pollInterval),
		idempotency.WithLogger(o.logger.Named("idempotency")),
	}
	c.creates = idempotency.NewManager[payment.Payment](o.idemStore, idemOpts...)
	c.refunds = idempotency.NewManager[payment.RefundResult](o.idemStore, idemOpts...)

	trackerOpts := []payment.TrackerOption{payment.WithLogger(o.logger.Named("payment"))}
	if o.paymentStore != nil {
		trackerOpts = append(trackerOpts, payment.WithStore(o.paymentStore))
	}
	if o.observer != nil {
		trackerOpts = append(trackerOpts, payment.WithObserver(o.observer))
	}
	c.tracker = payment.NewTracker(trackerOpts...)

	c.webhooks = webhook.NewHandler(config.SharedSecret, c.tracker,
		webhook.WithDedup(o.dedup),
		webhook.WithRetention(config.WebhookDedupRetention),
		webhook.WithJournal(o.journal),
		webhook.WithLogger(o.logger.Named("webhook")),
	)
	return c, nil
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.config
}

// Tracker exposes the payment tracker.
func (c *Client) Tracker() *payment.Tracker {
	return c.tracker
}

type createBody struct {
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	RedirectURL string            `json:"redirectUrl"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type createResponse struct {
	PaymentID  string `json:"paymentId"`
	PaymentURL string `json:"paymentUrl"`
	Status     string `json:"status"`
}

type statusResponse struct {
	PaymentID      string `json:"paymentId"`
	Status         string `json:"status"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	RefundedAmount int64  `json:"refundedAmount"`
}

type refundBody struct {
	Amount int64 `json:"amount"`
}

type refundResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

// CreatePayment creates a remote payment at most once per idempotency key.
// The key is derived from token, or from the request content when token is
// empty. Repeated calls with the same key return the same payment.
func (c *Client) CreatePayment(ctx context.Context, req payment.PaymentRequest, token string) (payment.Payment, error) {
	if err := req.Validate(); err != nil {
		return payment.Payment{}, err
	}
	req = req.Clone()

	key := idempotency.FromContent(req.CanonicalBytes())
	if token != "" {
		key = idempotency.FromToken(token)
	}

	p, err := c.creates.Submit(ctx, key, func(ctx context.Context) (payment.Payment, error) {
		return c.dispatchCreate(ctx, key, req)
	})
	if err != nil {
		return payment.Payment{}, err
	}

	tracked, err := c.tracker.Track(ctx, p)
	if err != nil {
		return p, err
	}
	return tracked, nil
}

func (c *Client) dispatchCreate(ctx context.Context, key idempotency.Key, req payment.PaymentRequest) (payment.Payment, error) {
	body, err := json.Marshal(createBody{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Description: req.Description,
		RedirectURL: req.RedirectURL,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return payment.Payment{}, payerr.Wrap(payerr.KindInvalidRequest, err, "encode payment request")
	}

	out, err := c.send(ctx, transport.Request{
		Method:         http.MethodPost,
		Path:           "/payments",
		Body:           body,
		IdempotencyKey: key.String(),
	})
	if err != nil {
		return payment.Payment{}, err
	}

	var resp createResponse
	if err := decode(out, &resp); err != nil {
		return payment.Payment{}, err
	}
	if resp.PaymentID == "" {
		return payment.Payment{}, payerr.New(payerr.KindServer, "processor response has no paymentId")
	}

	status := payment.StatusCreated
	if st, ok := payment.ParseStatus(resp.Status); ok && payment.Reachable(payment.StatusCreated, st) {
		status = st
	}

	now := c.now()
	c.logger.Info("payment created",
		zap.String("payment_id", resp.PaymentID),
		zap.String("idempotency_key", key.String()))
	return payment.Payment{
		ID:               resp.PaymentID,
		Status:           status,
		Amount:           req.Amount,
		Currency:         req.Currency,
		PaymentURL:       resp.PaymentURL,
		IdempotencyKey:   key.String(),
		CreatedAt:        now,
		LastTransitionAt: now,
	}, nil
}

// CheckStatus polls the processor and applies the returned status.
func (c *Client) CheckStatus(ctx context.Context, paymentID string) (payment.Payment, error) {
	if paymentID == "" {
		return payment.Payment{}, payerr.New(payerr.KindInvalidRequest, "payment id is required")
	}

	out, err := c.send(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   "/payments/" + url.PathEscape(paymentID),
	})
	if err != nil {
		return payment.Payment{}, err
	}

	var resp statusResponse
	if err := decode(out, &resp); err != nil {
		return payment.Payment{}, err
	}
	status, ok := payment.ParseStatus(resp.Status)
	if !ok {
		return payment.Payment{}, payerr.New(payerr.KindServer, "processor returned unknown status %q", resp.Status)
	}

	if _, err := c.tracker.Get(ctx, paymentID); errors.Is(err, payerr.ErrNotFound) {
		if _, err := c.tracker.Track(ctx, payment.Payment{
			ID:       paymentID,
			Status:   payment.StatusCreated,
			Amount:   resp.Amount,
			Currency: resp.Currency,
		}); err != nil {
			return payment.Payment{}, err
		}
	} else if err != nil {
		return payment.Payment{}, err
	}

	p, _, err := c.tracker.Apply(ctx, payment.Event{
		PaymentID:      paymentID,
		Status:         status,
		RefundedAmount: resp.RefundedAmount,
		Source:         payment.SourcePoll,
		OccurredAt:     c.now(),
	})
	return p, err
}

// GetPayment returns the locally tracked state without a network call.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (payment.Payment, error) {
	return c.tracker.Get(ctx, paymentID)
}

// Refund returns part or all of a paid payment. Amount checks happen before
// any network call. With a token, repeated calls return the first result.
func (c *Client) Refund(ctx context.Context, req payment.RefundRequest) (payment.RefundResult, error) {
	if err := req.Validate(); err != nil {
		return payment.RefundResult{}, err
	}

	token := req.Token
	if token == "" {
		token = uuid.NewString()
	}
	key := idempotency.FromContent([]byte("refund|" + req.PaymentID + "|" + token))

	return c.refunds.Submit(ctx, key, func(ctx context.Context) (payment.RefundResult, error) {
		return c.dispatchRefund(ctx, key, req)
	})
}

func (c *Client) dispatchRefund(ctx context.Context, key idempotency.Key, req payment.RefundRequest) (payment.RefundResult, error) {
	if _, err := c.tracker.Get(ctx, req.PaymentID); errors.Is(err, payerr.ErrNotFound) {
		if _, err := c.CheckStatus(ctx, req.PaymentID); err != nil {
			return payment.RefundResult{}, err
		}
	} else if err != nil {
		return payment.RefundResult{}, err
	}

	if _, err := c.tracker.BeginRefund(ctx, req.PaymentID, req.Amount); err != nil {
		return payment.RefundResult{}, err
	}

	log := c.logger.With(zap.String("payment_id", req.PaymentID), zap.String("idempotency_key", key.String()))
	body, _ := json.Marshal(refundBody{Amount: req.Amount})

	// unsettled is set once an attempt may have been booked remotely.
	unsettled := false
	out, err := c.sendObserved(ctx, transport.Request{
		Method:         http.MethodPost,
		Path:           "/payments/" + url.PathEscape(req.PaymentID) + "/refunds",
		Body:           body,
		IdempotencyKey: key.String(),
	}, func(o transport.Outcome) {
		if outcomeUnknown(o) {
			unsettled = true
		}
	})

	var resp refundResponse
	if err == nil {
		if err = decode(out, &resp); err != nil {
			unsettled = true
		}
	}
	if err != nil && unsettled {
		// The refund may exist remotely. It stays pending so no second
		// refund can start until a webhook or poll settles it.
		log.Warn("refund outcome unknown, keeping refund pending", zap.Error(err))
		return payment.RefundResult{Status: payment.RefundPending, ErrorMessage: err.Error()}, nil
	}
	if err != nil {
		if _, _, serr := c.tracker.SettleRefund(context.WithoutCancel(ctx), req.PaymentID, payment.RefundFailed); serr != nil {
			log.Error("failed to restore payment after refund error", zap.Error(serr))
		}
		return payment.RefundResult{}, err
	}

	result := payment.RefundResult{Status: payment.RefundStatus(resp.Status), ErrorMessage: resp.ErrorMessage}
	switch result.Status {
	case payment.RefundSuccess, payment.RefundFailed, payment.RefundPending:
	default:
		result.Status = payment.RefundPending
		log.Warn("unknown refund status, keeping refund pending", zap.String("status", resp.Status))
	}

	p, _, err := c.tracker.SettleRefund(ctx, req.PaymentID, result.Status)
	if err != nil {
		return result, err
	}
	log.Info("refund settled",
		zap.String("refund_status", string(result.Status)),
		zap.String("status", string(p.Status)),
		zap.Int64("refunded_amount", p.RefundedAmount))
	return result, nil
}

// HandleWebhook verifies and applies one webhook delivery. A non-nil error
// means the delivery was not authentic or not decodable; the Result tells
// whether a verified delivery was processed.
func (c *Client) HandleWebhook(ctx context.Context, raw []byte, signatureHeader string) (webhook.Result, error) {
	res, err := c.webhooks.Handle(ctx, raw, signatureHeader)
	switch {
	case errors.Is(err, payerr.ErrInvalidSignature):
		c.recorder.Incr(ctx, CounterWebhookInvalidSignature)
	case err != nil:
		c.recorder.Incr(ctx, CounterWebhookMalformed)
	case !res.Processed():
		c.recorder.Incr(ctx, CounterWebhookProcessingFailed)
	case res.Duplicate:
		c.recorder.Incr(ctx, CounterWebhookDuplicate)
	case res.Applied:
		c.recorder.Incr(ctx, CounterWebhookApplied)
	}
	return res, err
}

func (c *Client) send(ctx context.Context, req transport.Request) (transport.Outcome, error) {
	return c.sendObserved(ctx, req, nil)
}

// sendObserved is send with a callback for every attempt that was handed to
// the transport while ctx was still live.
func (c *Client) sendObserved(ctx context.Context, req transport.Request, seen func(transport.Outcome)) (transport.Outcome, error) {
	out, err := c.runner.Do(ctx, func(ctx context.Context, a retry.Attempt) transport.Outcome {
		live := ctx.Err() == nil
		o := c.transport.Send(ctx, req)
		if live && seen != nil {
			seen(o)
		}
		return o
	})
	if err != nil {
		switch {
		case payerr.KindOf(err) == payerr.KindCancelled:
			c.recorder.Incr(ctx, CounterCancelled)
		case payerr.IsExhausted(err):
			c.recorder.Incr(ctx, CounterGaveUp)
		default:
			c.recorder.Incr(ctx, CounterRejected)
		}
	}
	return out, err
}

func (c *Client) observeAttempt(a retry.Attempt, _ transport.Outcome, d retry.Decision) {
	ctx := context.Background()
	c.recorder.Incr(ctx, CounterAttempt)
	if d.Retry {
		c.recorder.Incr(ctx, CounterRetry)
	}
}

// outcomeUnknown reports whether the processor may have acted on a request
// despite o not being a success.
func outcomeUnknown(o transport.Outcome) bool {
	switch o.Kind {
	case transport.OutcomeTimeout, transport.OutcomeNetworkFailure, transport.OutcomeCancelled:
		return true
	case transport.OutcomeHTTPError:
		return o.HTTPStatus >= http.StatusInternalServerError
	}
	return false
}

func decode(out transport.Outcome, v any) error {
	if err := json.Unmarshal(out.Body, v); err != nil {
		e := payerr.Wrap(payerr.KindServer, err, fmt.Sprintf("invalid processor response (http %d)", out.HTTPStatus))
		e.HTTPStatus = out.HTTPStatus
		return e
	}
	return nil
}
