package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atlanticdynamic/storegate/internal/saga"
	"github.com/atlanticdynamic/storegate/internal/store"
)

// Step names, in execution order.
const (
	StepCreateOrder      = "create_order"
	StepReserveInventory = "reserve_inventory"
	StepCheckFraud       = "check_fraud"
	StepProcessPayment   = "process_payment"
	StepConfirmOrder     = "confirm_order"
)

// Initial-state keys on the saga context.
const (
	keyUserID          = "user_id"
	keyCartID          = "cart_id"
	keyShippingAddress = "shipping_address"
	keyBillingAddress  = "billing_address"
	keyCustomerNotes   = "customer_notes"
	keyPaymentMethod   = "payment_method"
	keyCorrelationID   = "correlation_id"
)

// riskDeclineFloor is the risk score at or above which a checkout is
// declined regardless of the fraud service's action.
const riskDeclineFloor = 0.9

// degradedRiskScore is recorded when the fraud service is unreachable and
// fail-open is enabled.
const degradedRiskScore = 0.5

// FraudDeclinedError is a fraud-service decline: the checkout is refused
// before any money moves.
type FraudDeclinedError struct {
	RiskScore float64
	Action    string
}

func (e *FraudDeclinedError) Error() string {
	return fmt.Sprintf("fraud check declined checkout (score %.2f, action %s)", e.RiskScore, e.Action)
}

// Orders is the slice of the order store the saga steps use. *store.Store
// satisfies it.
type Orders interface {
	CreateOrderFromCart(ctx context.Context, in store.CreateOrderInput) (store.OrderSummary, error)
	CancelOrder(ctx context.Context, orderID int64, note string) error
	ReserveInventory(ctx context.Context, orderID int64) error
	ReleaseInventory(ctx context.Context, orderID int64) error
	RecordPayment(ctx context.Context, orderID int64, intentID string, amount float64) error
	RecordRefund(ctx context.Context, orderID int64, intentID string, amount float64) error
	ConfirmOrder(ctx context.Context, orderID int64) error
}

// Input is one checkout request handed to the saga.
type Input struct {
	UserID          string
	CartID          int64
	ShippingAddress string
	BillingAddress  string
	CustomerNotes   string
	PaymentMethod   string
	CorrelationID   string
}

// Result is a completed checkout.
type Result struct {
	SagaID      string
	OrderID     int64
	OrderNumber string
	Total       float64
}

// Saga wires the five checkout steps to the order store and the fraud and
// payment downstreams.
type Saga struct {
	orders   Orders
	fraud    *FraudClient
	payments *PaymentClient

	// fraudFailOpen lets a checkout proceed with a degraded score when the
	// fraud service is unreachable. Availability over strictness.
	fraudFailOpen bool

	engine *saga.Engine
	logger *slog.Logger
}

// SagaOption configures a Saga.
type SagaOption func(*Saga)

// WithSagaLogger sets the saga's logger.
func WithSagaLogger(logger *slog.Logger) SagaOption {
	return func(s *Saga) { s.logger = logger }
}

// NewSaga builds the checkout saga definition. registry retains finished
// sagas for the status endpoint; reporter feeds the saga metrics.
func NewSaga(
	orders Orders,
	fraud *FraudClient,
	payments *PaymentClient,
	registry *saga.Registry,
	reporter saga.Reporter,
	fraudFailOpen bool,
	opts ...SagaOption,
) (*Saga, error) {
	s := &Saga{
		orders:        orders,
		fraud:         fraud,
		payments:      payments,
		fraudFailOpen: fraudFailOpen,
		logger:        slog.Default().WithGroup("checkout"),
	}
	for _, opt := range opts {
		opt(s)
	}

	engine, err := saga.NewEngine("checkout", s.steps(), registry,
		saga.WithEngineLogger(s.logger), saga.WithReporter(reporter))
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// Run executes one checkout saga to a terminal state. The returned context
// is non-nil whenever a saga was started, even on failure, so callers can
// surface the saga id.
func (s *Saga) Run(ctx context.Context, in Input) (*saga.Context, Result, error) {
	sc, err := s.engine.Execute(ctx, map[string]any{
		keyUserID:          in.UserID,
		keyCartID:          in.CartID,
		keyShippingAddress: in.ShippingAddress,
		keyBillingAddress:  in.BillingAddress,
		keyCustomerNotes:   in.CustomerNotes,
		keyPaymentMethod:   in.PaymentMethod,
		keyCorrelationID:   in.CorrelationID,
	})
	if err != nil {
		return sc, Result{}, err
	}

	summary := orderSummary(sc)
	return sc, Result{
		SagaID:      sc.ID().String(),
		OrderID:     summary.OrderID,
		OrderNumber: summary.OrderNumber,
		Total:       summary.Total,
	}, nil
}

func (s *Saga) steps() []saga.Step {
	return []saga.Step{
		{
			Name:    StepCreateOrder,
			Timeout: 5 * time.Second,
			Action:  s.createOrder,
			Compensate: func(ctx context.Context, sc *saga.Context) error {
				note := fmt.Sprintf("checkout saga %s failed at %s", sc.ID(), sc.FailedStep())
				return s.orders.CancelOrder(ctx, orderSummary(sc).OrderID, note)
			},
		},
		{
			Name:        StepReserveInventory,
			Timeout:     5 * time.Second,
			MaxAttempts: 3,
			Idempotent:  true,
			Action: func(ctx context.Context, sc *saga.Context) (any, error) {
				err := s.orders.ReserveInventory(ctx, orderSummary(sc).OrderID)
				if errors.Is(err, store.ErrInsufficientStock) {
					return nil, saga.Terminal(err)
				}
				return nil, err
			},
			Compensate: func(ctx context.Context, sc *saga.Context) error {
				return s.orders.ReleaseInventory(ctx, orderSummary(sc).OrderID)
			},
		},
		{
			Name:        StepCheckFraud,
			Timeout:     10 * time.Second,
			MaxAttempts: 2,
			Idempotent:  true,
			Action:      s.checkFraud,
		},
		{
			Name:        StepProcessPayment,
			Timeout:     15 * time.Second,
			MaxAttempts: 2,
			Idempotent:  true,
			Action:      s.processPayment,
			Compensate:  s.refundPayment,
		},
		{
			Name:        StepConfirmOrder,
			Timeout:     5 * time.Second,
			MaxAttempts: 3,
			Idempotent:  true,
			Action: func(ctx context.Context, sc *saga.Context) (any, error) {
				return nil, s.orders.ConfirmOrder(ctx, orderSummary(sc).OrderID)
			},
			Compensate: func(ctx context.Context, sc *saga.Context) error {
				note := fmt.Sprintf("checkout saga %s failed at %s", sc.ID(), sc.FailedStep())
				return s.orders.CancelOrder(ctx, orderSummary(sc).OrderID, note)
			},
		},
	}
}

// createOrder snapshots the cart into an order row. Business refusals
// (empty or missing cart) are terminal.
func (s *Saga) createOrder(ctx context.Context, sc *saga.Context) (any, error) {
	summary, err := s.orders.CreateOrderFromCart(ctx, store.CreateOrderInput{
		UserID:          stringValue(sc, keyUserID),
		CartID:          int64Value(sc, keyCartID),
		ShippingAddress: stringValue(sc, keyShippingAddress),
		BillingAddress:  stringValue(sc, keyBillingAddress),
		CustomerNotes:   stringValue(sc, keyCustomerNotes),
	})
	if err != nil {
		if errors.Is(err, store.ErrEmptyCart) || errors.Is(err, store.ErrCartNotFound) {
			return nil, saga.Terminal(err)
		}
		return nil, err
	}
	return summary, nil
}

// checkFraud scores the attempt. The score is an observation, so there is no
// compensation. When the fraud service is unreachable and fail-open is
// enabled, the checkout proceeds with a degraded verdict recorded on the
// saga.
func (s *Saga) checkFraud(ctx context.Context, sc *saga.Context) (any, error) {
	summary := orderSummary(sc)
	result, err := s.fraud.Score(ctx, stringValue(sc, keyCorrelationID), FraudInput{
		UserID:        stringValue(sc, keyUserID),
		Amount:        summary.Total,
		PaymentMethod: stringValue(sc, keyPaymentMethod),
		OrderID:       summary.OrderID,
	})
	if err != nil {
		// Fail-open covers unavailability only: an answered-but-unusable
		// response is a fraud-service defect and fails the checkout.
		if !s.fraudFailOpen || errors.Is(err, ErrFraudResponseInvalid) {
			return nil, err
		}
		s.logger.Warn("fraud service unavailable, proceeding with degraded score",
			"saga_id", sc.ID(), "order_id", summary.OrderID, "error", err)
		return FraudResult{
			RiskScore: degradedRiskScore,
			Action:    FraudActionReview,
			Degraded:  true,
		}, nil
	}

	if result.Action == FraudActionReject || result.RiskScore >= riskDeclineFloor {
		return nil, saga.Terminal(&FraudDeclinedError{RiskScore: result.RiskScore, Action: result.Action})
	}
	if result.Action == FraudActionReview {
		s.logger.Info("fraud flagged checkout for review, proceeding",
			"saga_id", sc.ID(), "order_id", summary.OrderID, "risk_score", result.RiskScore)
	}
	return result, nil
}

// processPayment captures the charge. The capture goes out first; the local payment row
// is written only after it succeeds, so no DB transaction spans the
// external call. The idempotency key ties every retry of this saga's
// capture to one logical charge.
func (s *Saga) processPayment(ctx context.Context, sc *saga.Context) (any, error) {
	summary := orderSummary(sc)
	capture, err := s.payments.Capture(ctx, stringValue(sc, keyCorrelationID), CaptureInput{
		OrderID:        summary.OrderID,
		Amount:         summary.Total,
		PaymentMethod:  stringValue(sc, keyPaymentMethod),
		IdempotencyKey: sc.ID().String() + "payment",
	})
	if err != nil {
		if errors.Is(err, ErrCardDeclined) {
			return nil, saga.Terminal(err)
		}
		return nil, err
	}

	if err := s.orders.RecordPayment(ctx, summary.OrderID, capture.IntentID, summary.Total); err != nil {
		// The money moved but the local record failed. Refund immediately
		// rather than leaving a captured charge the compensation chain
		// cannot see.
		refundErr := s.payments.Refund(ctx, stringValue(sc, keyCorrelationID), RefundInput{
			IntentID:       capture.IntentID,
			Amount:         summary.Total,
			IdempotencyKey: sc.ID().String() + "refund",
		})
		if refundErr != nil {
			s.logger.Error("failed to refund unrecorded capture, reconciliation required",
				"saga_id", sc.ID(), "intent_id", capture.IntentID, "error", refundErr)
		}
		return nil, err
	}
	return capture, nil
}

// refundPayment undoes a capture: refund the captured amount through the
// idempotency-keyed pathway and record it locally.
func (s *Saga) refundPayment(ctx context.Context, sc *saga.Context) error {
	summary := orderSummary(sc)
	capture := captureResult(sc)

	err := s.payments.Refund(ctx, stringValue(sc, keyCorrelationID), RefundInput{
		IntentID:       capture.IntentID,
		Amount:         summary.Total,
		IdempotencyKey: sc.ID().String() + "refund",
	})
	if err != nil {
		return fmt.Errorf("refund of intent %s failed: %w", capture.IntentID, err)
	}
	return s.orders.RecordRefund(ctx, summary.OrderID, capture.IntentID, summary.Total)
}

func orderSummary(sc *saga.Context) store.OrderSummary {
	v, _ := sc.Result(StepCreateOrder)
	summary, _ := v.(store.OrderSummary)
	return summary
}

func captureResult(sc *saga.Context) CaptureResult {
	v, _ := sc.Result(StepProcessPayment)
	capture, _ := v.(CaptureResult)
	return capture
}

func stringValue(sc *saga.Context, key string) string {
	v, _ := sc.Initial(key)
	s, _ := v.(string)
	return s
}

func int64Value(sc *saga.Context, key string) int64 {
	v, _ := sc.Initial(key)
	n, _ := v.(int64)
	return n
}
