package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/paygate/pkg/gateway"
	"github.com/ManuelReschke/paygate/pkg/transport"
	"github.com/ManuelReschke/paygate/pkg/webhook"
)

const secret = "whsec_router"

func fakeProcessor(ctx context.Context, req transport.Request) transport.Outcome {
	switch {
	case req.Method == http.MethodPost && req.Path == "/payments":
		return transport.Outcome{Kind: transport.OutcomeSuccess, HTTPStatus: 200,
			Body: []byte(`{"paymentId":"pay_1","paymentUrl":"https://pay.example/pay_1","status":"created"}`)}
	case req.Method == http.MethodGet && req.Path == "/payments/pay_1":
		return transport.Outcome{Kind: transport.OutcomeSuccess, HTTPStatus: 200,
			Body: []byte(`{"paymentId":"pay_1","status":"paid","amount":2000,"currency":"PLN"}`)}
	case req.Method == http.MethodPost && req.Path == "/payments/pay_1/refunds":
		return transport.Outcome{Kind: transport.OutcomeSuccess, HTTPStatus: 200, Body: []byte(`{"status":"success"}`)}
	}
	return transport.Outcome{Kind: transport.OutcomeHTTPError, HTTPStatus: 404, Reason: "Not Found"}
}

func newApp(t *testing.T) *fiber.App {
	t.Helper()
	client, err := gateway.New(gateway.Config{APIKey: "sk_test", SharedSecret: secret},
		gateway.WithTransport(transport.AdapterFunc(fakeProcessor)))
	require.NoError(t, err)

	app := fiber.New()
	InstallRouter(app, client, nil)
	return app
}

func do(t *testing.T, app *fiber.App, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	}
	return resp.StatusCode, body
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthAndPing(t *testing.T) {
	app := newApp(t)

	status, body := do(t, app, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	status, body = do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "pong", body["ping"])
}

func TestPaymentLifecycle(t *testing.T) {
	app := newApp(t)

	req := jsonRequest(http.MethodPost, "/api/v1/payments",
		`{"amount":2000,"currency":"PLN","description":"Order #1","redirectUrl":"https://shop.example/return"}`)
	req.Header.Set("Idempotency-Key", "order-1")
	status, body := do(t, app, req)
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "pay_1", body["paymentId"])
	assert.Equal(t, "created", body["status"])

	status, body = do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/payments/pay_1?refresh=true", nil))
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "paid", body["status"])

	status, body = do(t, app, jsonRequest(http.MethodPost, "/api/v1/payments/pay_1/refunds", `{"amount":2000}`))
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "success", body["status"])

	status, body = do(t, app, jsonRequest(http.MethodPost, "/api/v1/payments/pay_1/refunds", `{"amount":1}`))
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "invalid_refund_amount", body["error"])

	status, body = do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/payments/pay_1", nil))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "refunded", body["status"])
	assert.Equal(t, float64(0), body["remaining"])
}

func TestPaymentErrors(t *testing.T) {
	app := newApp(t)

	status, body := do(t, app, jsonRequest(http.MethodPost, "/api/v1/payments", `{"amount":0}`))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "invalid_request", body["error"])

	status, _ = do(t, app, jsonRequest(http.MethodPost, "/api/v1/payments", `{`))
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/payments/pay_404", nil))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["error"])
}

func TestWebhookEndpoint(t *testing.T) {
	app := newApp(t)
	status, _ := do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/payments/pay_1?refresh=true", nil))
	require.Equal(t, http.StatusOK, status)

	raw := []byte(`{"id":"evt_1","type":"refund.pending","data":{"payment_id":"pay_1"}}`)
	post := func(payload []byte, sig string) (int, map[string]any) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/paygate", bytes.NewReader(payload))
		req.Header.Set(webhook.SignatureHeader, sig)
		return do(t, app, req)
	}

	status, body := post(raw, "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_signature", body["error"])

	bad := []byte(`{"id":`)
	status, body = post(bad, webhook.Sign(bad, secret))
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "malformed_payload", body["error"])

	status, body = post(raw, webhook.Sign(raw, secret))
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, false, body["duplicate"])

	status, body = post(raw, webhook.Sign(raw, secret))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["duplicate"])

	unknown := []byte(`{"id":"evt_2","type":"payment.paid","data":{"payment_id":"pay_unknown","status":"paid"}}`)
	status, _ = post(unknown, webhook.Sign(unknown, secret))
	assert.Equal(t, http.StatusInternalServerError, status, "unprocessed events ask for redelivery")

	_, body = do(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/payments/pay_1", nil))
	assert.Equal(t, "refunding", body["status"])
}
