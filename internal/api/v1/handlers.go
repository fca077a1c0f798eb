package apiv1

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/paygate/pkg/gateway"
	"github.com/ManuelReschke/paygate/pkg/payerr"
	"github.com/ManuelReschke/paygate/pkg/payment"
	"github.com/ManuelReschke/paygate/pkg/webhook"
)

// APIServer exposes the gateway client over HTTP.
type APIServer struct {
	client *gateway.Client
}

// NewAPIServer creates a new API server instance
func NewAPIServer(client *gateway.Client) *APIServer {
	return &APIServer{client: client}
}

// RegisterHandlers mounts the payment routes on r.
func RegisterHandlers(r fiber.Router, s *APIServer) {
	r.Get("/ping", s.GetPing)
	r.Post("/payments", s.PostPayment)
	r.Get("/payments/:id", s.GetPayment)
	r.Post("/payments/:id/refunds", s.PostRefund)
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(Pong{Ping: "pong"})
}

// PostPayment creates a payment. The Idempotency-Key header takes precedence
// over the body field.
func (s *APIServer) PostPayment(c *fiber.Ctx) error {
	var body CreatePaymentRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "bad_request", Message: "invalid JSON body"})
	}

	token := c.Get("Idempotency-Key", body.IdempotencyKey)
	p, err := s.client.CreatePayment(c.UserContext(), payment.PaymentRequest{
		Amount:      body.Amount,
		Currency:    body.Currency,
		Description: body.Description,
		RedirectURL: body.RedirectURL,
		Metadata:    body.Metadata,
	}, token)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(toPaymentResponse(p))
}

// GetPayment returns the tracked state; ?refresh=true polls the processor.
func (s *APIServer) GetPayment(c *fiber.Ctx) error {
	id := c.Params("id")
	var (
		p   payment.Payment
		err error
	)
	if c.QueryBool("refresh") {
		p, err = s.client.CheckStatus(c.UserContext(), id)
	} else {
		p, err = s.client.GetPayment(c.UserContext(), id)
	}
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(toPaymentResponse(p))
}

// PostRefund refunds part or all of a payment.
func (s *APIServer) PostRefund(c *fiber.Ctx) error {
	var body RefundRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "bad_request", Message: "invalid JSON body"})
	}

	res, err := s.client.Refund(c.UserContext(), payment.RefundRequest{
		PaymentID: c.Params("id"),
		Amount:    body.Amount,
		Token:     c.Get("Idempotency-Key", body.IdempotencyKey),
	})
	if err != nil {
		return writeError(c, err)
	}

	status := fiber.StatusOK
	if res.Status == payment.RefundPending {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(res)
}

// PostWebhook ingests a processor delivery. Verified deliveries that could
// not be processed answer 500 so the processor redelivers them.
func (s *APIServer) PostWebhook(c *fiber.Ctx) error {
	res, err := s.client.HandleWebhook(c.UserContext(), c.Body(), c.Get(webhook.SignatureHeader))
	if err != nil {
		return writeError(c, err)
	}
	if !res.Processed() {
		log.Errorf("webhook %s not processed: %v", res.Event.ID, res.ProcessingErr)
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Error:   "processing_failed",
			Message: "event could not be processed",
		})
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"received":  true,
		"duplicate": res.Duplicate,
	})
}

// StatusFor maps an error onto the HTTP status returned to callers.
func StatusFor(err error) int {
	var pe *payerr.Error
	if !errors.As(err, &pe) {
		return fiber.StatusInternalServerError
	}
	switch pe.Kind {
	case payerr.KindVerification:
		if pe.Reason == payerr.ReasonInvalidSignature {
			return fiber.StatusUnauthorized
		}
		return fiber.StatusBadRequest
	case payerr.KindInvalidRequest:
		return fiber.StatusBadRequest
	case payerr.KindClient, payerr.KindInvalidRefundAmount:
		return fiber.StatusUnprocessableEntity
	case payerr.KindStateConflict:
		return fiber.StatusConflict
	case payerr.KindNotFound:
		return fiber.StatusNotFound
	case payerr.KindCancelled:
		return fiber.StatusRequestTimeout
	}
	return fiber.StatusBadGateway
}

func writeError(c *fiber.Ctx, err error) error {
	status := StatusFor(err)
	resp := ErrorResponse{Error: "internal_error", Message: err.Error()}

	var pe *payerr.Error
	if errors.As(err, &pe) {
		resp.Error = string(pe.Kind)
		if pe.Reason != "" {
			resp.Error = pe.Reason
		}
		resp.Message = pe.Error()
		resp.Retryable = pe.Retryable
	}
	if status >= fiber.StatusInternalServerError {
		log.Warnf("request %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(resp)
}
