// Package checkout defines the checkout saga: the five steps spanning the
// local order store, the fraud service, and the payment gateway, plus the
// HTTP handlers that trigger a saga and report its status.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/atlanticdynamic/storegate/internal/gateway/proxy"
)

// ErrCardDeclined is the payment gateway refusing the capture. A business
// outcome, not an infrastructure failure.
var ErrCardDeclined = errors.New("card declined")

// ErrFraudResponseInvalid marks a fraud-service reply the gateway cannot
// act on. The service answered, so this is not an availability failure.
var ErrFraudResponseInvalid = errors.New("fraud service returned an unusable response")

// caller is the slice of proxy.Target the clients need. Tests substitute
// a fake.
type caller interface {
	Do(ctx context.Context, req proxy.Request) (*proxy.Response, error)
}

// FraudInput is the scoring payload sent to the fraud service.
type FraudInput struct {
	UserID        string  `json:"user_id"`
	Amount        float64 `json:"amount"`
	PaymentMethod string  `json:"payment_method"`
	OrderID       int64   `json:"order_id"`
}

// Fraud service actions.
const (
	FraudActionApprove = "approve"
	FraudActionReview  = "review"
	FraudActionReject  = "reject"
)

// FraudResult is the fraud service's verdict. Degraded marks a verdict
// fabricated locally because the service was unreachable.
type FraudResult struct {
	RiskScore   float64  `json:"risk_score"`
	Action      string   `json:"action"`
	RiskFactors []string `json:"risk_factors,omitempty"`
	Degraded    bool     `json:"degraded,omitempty"`
}

// FraudClient scores checkout attempts through the resilient proxy.
type FraudClient struct {
	target caller
}

// NewFraudClient creates a fraud client over the given proxy target.
func NewFraudClient(target caller) *FraudClient {
	return &FraudClient{target: target}
}

// Score submits the checkout for risk scoring.
func (c *FraudClient) Score(ctx context.Context, correlationID string, in FraudInput) (FraudResult, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return FraudResult{}, fmt.Errorf("failed to encode fraud payload: %w", err)
	}

	resp, err := c.target.Do(ctx, proxy.Request{
		Method:        http.MethodPost,
		Path:          "/score",
		Header:        jsonHeader(),
		Body:          body,
		CorrelationID: correlationID,
	})
	if err != nil {
		return FraudResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return FraudResult{}, fmt.Errorf("%w: status %d", ErrFraudResponseInvalid, resp.StatusCode)
	}

	var result FraudResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return FraudResult{}, fmt.Errorf("%w: %v", ErrFraudResponseInvalid, err)
	}
	return result, nil
}

// CaptureInput is the payment-intent capture request.
type CaptureInput struct {
	OrderID        int64   `json:"order_id"`
	Amount         float64 `json:"amount"`
	PaymentMethod  string  `json:"payment_method"`
	IdempotencyKey string  `json:"-"`
}

// CaptureResult is a successful capture.
type CaptureResult struct {
	IntentID string `json:"intent_id"`
}

// RefundInput reverses a captured payment.
type RefundInput struct {
	IntentID       string  `json:"intent_id"`
	Amount         float64 `json:"amount"`
	IdempotencyKey string  `json:"-"`
}

// PaymentClient talks to the payment gateway through the resilient proxy.
// Every write carries an idempotency key so a retried request is the same
// logical operation to the gateway.
type PaymentClient struct {
	target caller
}

// NewPaymentClient creates a payment client over the given proxy target.
func NewPaymentClient(target caller) *PaymentClient {
	return &PaymentClient{target: target}
}

// Capture captures the payment intent. A 402 from the gateway surfaces as
// ErrCardDeclined.
func (c *PaymentClient) Capture(ctx context.Context, correlationID string, in CaptureInput) (CaptureResult, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("failed to encode capture payload: %w", err)
	}

	header := jsonHeader()
	header.Set("Idempotency-Key", in.IdempotencyKey)

	resp, err := c.target.Do(ctx, proxy.Request{
		Method:        http.MethodPost,
		Path:          "/capture",
		Header:        header,
		Body:          body,
		CorrelationID: correlationID,
	})
	if err != nil {
		return CaptureResult{}, err
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		return CaptureResult{}, ErrCardDeclined
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return CaptureResult{}, fmt.Errorf("payment gateway returned status %d", resp.StatusCode)
	}

	var result CaptureResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return CaptureResult{}, fmt.Errorf("failed to decode capture response: %w", err)
	}
	if result.IntentID == "" {
		return CaptureResult{}, errors.New("payment gateway returned no intent id")
	}
	return result, nil
}

// Refund reverses a captured intent.
func (c *PaymentClient) Refund(ctx context.Context, correlationID string, in RefundInput) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode refund payload: %w", err)
	}

	header := jsonHeader()
	header.Set("Idempotency-Key", in.IdempotencyKey)

	resp, err := c.target.Do(ctx, proxy.Request{
		Method:        http.MethodPost,
		Path:          "/refund",
		Header:        header,
		Body:          body,
		CorrelationID: correlationID,
	})
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("payment gateway returned status %d", resp.StatusCode)
	}
	return nil
}

func jsonHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return h
}
