package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/distrimall/mall-system/order-service/domain"
	"github.com/distrimall/mall-system/shared/models"
	"github.com/distrimall/mall-system/shared/telemetry"
)

// HTTPPaymentGateway implements PaymentGateway against the provider's
// REST API. The Reference field of a charge and the transaction ID of a
// refund act as idempotency keys: the provider deduplicates on them, so
// the saga may safely retry either call.
type HTTPPaymentGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPPaymentGateway creates a gateway client
func NewHTTPPaymentGateway(baseURL, apiKey string, timeout time.Duration) *HTTPPaymentGateway {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPPaymentGateway{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type gatewayChargeRequest struct {
	OrderNo        string `json:"order_no"`
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
}

type gatewayChargeResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
}

type gatewayRefundRequest struct {
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

// Charge performs a gateway charge
func (g *HTTPPaymentGateway) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	start := time.Now()

	var resp gatewayChargeResponse
	err := g.post(ctx, "/v1/charges", gatewayChargeRequest{
		OrderNo:        req.OrderNo,
		UserID:         req.UserID.String(),
		Amount:         req.Amount.Amount,
		Currency:       req.Amount.Currency,
		IdempotencyKey: req.Reference,
	}, &resp)

	g.recordCall(ctx, "charge", err, time.Since(start))
	if err != nil {
		return nil, errors.Wrap(err, "gateway charge request failed")
	}
	if resp.Status != "succeeded" {
		return nil, errors.Errorf("gateway declined charge: %s", resp.Message)
	}
	if resp.TransactionID == "" {
		return nil, errors.New("gateway returned empty transaction ID")
	}

	return &domain.ChargeResult{TransactionID: resp.TransactionID}, nil
}

// Refund refunds a previous charge
func (g *HTTPPaymentGateway) Refund(ctx context.Context, transactionID string, amount models.Money) error {
	start := time.Now()

	var resp gatewayChargeResponse
	err := g.post(ctx, "/v1/refunds", gatewayRefundRequest{
		TransactionID: transactionID,
		Amount:        amount.Amount,
		Currency:      amount.Currency,
	}, &resp)

	g.recordCall(ctx, "refund", err, time.Since(start))
	if err != nil {
		return errors.Wrap(err, "gateway refund request failed")
	}
	if resp.Status != "succeeded" && resp.Status != "already_refunded" {
		return errors.Errorf("gateway declined refund: %s", resp.Message)
	}
	return nil
}

func (g *HTTPPaymentGateway) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return errors.Errorf("gateway returned %d", resp.StatusCode)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "failed to decode response (status %d)", resp.StatusCode)
	}
	return nil
}

func (g *HTTPPaymentGateway) recordCall(ctx context.Context, operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	telemetry.RecordCounter(ctx, "gateway_requests_total", "Total payment gateway requests", 1,
		attribute.String("operation", operation),
		attribute.String("status", status),
	)
	telemetry.RecordHistogram(ctx, "gateway_request_duration_seconds", "Payment gateway request duration", duration.Seconds(),
		attribute.String("operation", operation),
		attribute.String("status", status),
	)
}
