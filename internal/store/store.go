package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jmoiron/sqlx"
)

// Rules are the order pricing rules. Tax applies to the subtotal; shipping
// is a flat fee below the free-shipping floor and free at or above it.
type Rules struct {
	TaxRate           float64
	ShippingFlatFee   float64
	FreeShippingFloor float64
}

// DefaultRules returns the platform pricing defaults.
func DefaultRules() Rules {
	return Rules{
		TaxRate:           0.10,
		ShippingFlatFee:   9.99,
		FreeShippingFloor: 100.00,
	}
}

// Store executes the checkout saga's local database operations.
type Store struct {
	db     *sqlx.DB
	rules  Rules
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithNow overrides the store clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store over the given database handle.
func New(db *sqlx.DB, rules Rules, opts ...Option) *Store {
	s := &Store{
		db:     db,
		rules:  rules,
		logger: slog.Default().WithGroup("store"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// inTx runs fn in one transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// round2 rounds a money amount to two decimal places.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// newOrderNumber generates a unique human-readable order number.
func newOrderNumber(now time.Time) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", fmt.Errorf("failed to generate order number: %w", err)
	}
	suffix := strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))[:8]
	return fmt.Sprintf("ORD-%s-%s", now.UTC().Format("20060102"), suffix), nil
}

// CreateOrderFromCart creates a pending order from the cart's contents,
// locking in current catalog prices. The cart row is locked for the
// duration so a concurrent checkout of the same cart serializes here.
// An empty cart is refused.
func (s *Store) CreateOrderFromCart(ctx context.Context, in CreateOrderInput) (OrderSummary, error) {
	var summary OrderSummary
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var cartID int64
		err := tx.GetContext(ctx, &cartID,
			`SELECT id FROM carts WHERE id = $1 AND user_id = $2 FOR UPDATE`,
			in.CartID, in.UserID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCartNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock cart: %w", err)
		}

		var lines []cartLine
		err = tx.SelectContext(ctx, &lines, `
			SELECT ci.product_id, ci.variant_id, ci.quantity,
			       p.name AS product_name, p.sku,
			       v.name AS variant_name,
			       COALESCE(v.price, p.price) AS unit_price
			FROM cart_items ci
			JOIN products p ON p.id = ci.product_id
			LEFT JOIN variants v ON v.id = ci.variant_id
			WHERE ci.cart_id = $1
			ORDER BY ci.product_id, ci.variant_id`,
			cartID)
		if err != nil {
			return fmt.Errorf("failed to load cart items: %w", err)
		}
		if len(lines) == 0 {
			return ErrEmptyCart
		}

		var subtotal float64
		for _, line := range lines {
			subtotal += line.UnitPrice * float64(line.Quantity)
		}
		subtotal = round2(subtotal)
		tax := round2(subtotal * s.rules.TaxRate)
		shipping := s.rules.ShippingFlatFee
		if subtotal >= s.rules.FreeShippingFloor {
			shipping = 0
		}
		total := round2(subtotal + tax + shipping)

		now := s.now()
		orderNumber, err := newOrderNumber(now)
		if err != nil {
			return err
		}

		var orderID int64
		err = tx.GetContext(ctx, &orderID, `
			INSERT INTO orders (order_number, user_id, cart_id, status, payment_status,
			                    shipping_address, billing_address, customer_notes,
			                    subtotal, tax, shipping, total,
			                    inventory_reserved, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, FALSE, $13)
			RETURNING id`,
			orderNumber, in.UserID, cartID, OrderStatusPending, PaymentStatusUnpaid,
			in.ShippingAddress, in.BillingAddress, in.CustomerNotes,
			subtotal, tax, shipping, total, now)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		for _, line := range lines {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, product_id, variant_id, product_name,
				                         sku, variant_name, quantity, unit_price, total_price)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
				orderID, line.ProductID, line.VariantID, line.ProductName,
				line.SKU, line.VariantName, line.Quantity, line.UnitPrice,
				round2(line.UnitPrice*float64(line.Quantity)))
			if err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}

		summary = OrderSummary{OrderID: orderID, OrderNumber: orderNumber, Total: total}
		return nil
	})
	if err != nil {
		return OrderSummary{}, err
	}
	return summary, nil
}

// CancelOrder marks the order cancelled with an audit note.
func (s *Store) CancelOrder(ctx context.Context, orderID int64, note string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = $1, cancel_note = $2 WHERE id = $3`,
			OrderStatusCancelled, note, orderID)
		if err != nil {
			return fmt.Errorf("failed to cancel order: %w", err)
		}
		return requireRow(res)
	})
}

// ReserveInventory decrements stock for every item on the order in one
// transaction. Idempotent: the order row tracks whether its reservation
// already applied, so a retried step is a no-op instead of a double
// decrement. Rows lock in item order so concurrent sagas serialize
// deterministically.
func (s *Store) ReserveInventory(ctx context.Context, orderID int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		reserved, err := s.lockReservationFlag(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if reserved {
			return nil
		}

		lines, err := s.orderLines(ctx, tx, orderID)
		if err != nil {
			return err
		}

		for _, line := range lines {
			if err := s.adjustStock(ctx, tx, line, -line.Quantity); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders SET inventory_reserved = TRUE WHERE id = $1`, orderID)
		if err != nil {
			return fmt.Errorf("failed to mark inventory reserved: %w", err)
		}
		return nil
	})
}

// ReleaseInventory undoes a reservation, re-incrementing stock by the
// order's recorded quantities. A no-op when the order holds no
// reservation.
func (s *Store) ReleaseInventory(ctx context.Context, orderID int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		reserved, err := s.lockReservationFlag(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !reserved {
			return nil
		}

		lines, err := s.orderLines(ctx, tx, orderID)
		if err != nil {
			return err
		}

		for _, line := range lines {
			if err := s.adjustStock(ctx, tx, line, line.Quantity); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders SET inventory_reserved = FALSE WHERE id = $1`, orderID)
		if err != nil {
			return fmt.Errorf("failed to clear inventory reservation: %w", err)
		}
		return nil
	})
}

// lockReservationFlag locks the order row and returns its reservation
// state.
func (s *Store) lockReservationFlag(ctx context.Context, tx *sqlx.Tx, orderID int64) (bool, error) {
	var reserved bool
	err := tx.GetContext(ctx, &reserved,
		`SELECT inventory_reserved FROM orders WHERE id = $1 FOR UPDATE`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrOrderNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock order: %w", err)
	}
	return reserved, nil
}

// orderLines loads the order's reservation quantities in deterministic
// order.
func (s *Store) orderLines(ctx context.Context, tx *sqlx.Tx, orderID int64) ([]orderLine, error) {
	var lines []orderLine
	err := tx.SelectContext(ctx, &lines, `
		SELECT product_id, variant_id, quantity
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id, variant_id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order items: %w", err)
	}
	return lines, nil
}

// adjustStock applies delta to the stock row the line targets, under a
// row lock. A negative delta that would take stock below zero fails with
// ErrInsufficientStock.
func (s *Store) adjustStock(ctx context.Context, tx *sqlx.Tx, line orderLine, delta int) error {
	var (
		stock int
		err   error
	)
	if line.VariantID.Valid {
		err = tx.GetContext(ctx, &stock,
			`SELECT stock FROM variants WHERE id = $1 FOR UPDATE`, line.VariantID.Int64)
	} else {
		err = tx.GetContext(ctx, &stock,
			`SELECT stock FROM products WHERE id = $1 FOR UPDATE`, line.ProductID)
	}
	if err != nil {
		return fmt.Errorf("failed to lock stock row for product %d: %w", line.ProductID, err)
	}

	if stock+delta < 0 {
		return fmt.Errorf("product %d: %w", line.ProductID, ErrInsufficientStock)
	}

	if line.VariantID.Valid {
		_, err = tx.ExecContext(ctx,
			`UPDATE variants SET stock = stock + $1 WHERE id = $2`, delta, line.VariantID.Int64)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE products SET stock = stock + $1 WHERE id = $2`, delta, line.ProductID)
	}
	if err != nil {
		return fmt.Errorf("failed to adjust stock for product %d: %w", line.ProductID, err)
	}
	return nil
}

// RecordPayment records a successful external capture: a Payment row plus
// the order's paid markers, in one transaction. The external call has
// already completed when this runs.
func (s *Store) RecordPayment(ctx context.Context, orderID int64, intentID string, amount float64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO payments (order_id, intent_id, amount, status, created_at)
			VALUES ($1, $2, $3, 'succeeded', $4)`,
			orderID, intentID, amount, s.now())
		if err != nil {
			return fmt.Errorf("failed to insert payment: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE orders SET payment_status = $1, paid_at = $2 WHERE id = $3`,
			PaymentStatusPaid, s.now(), orderID)
		if err != nil {
			return fmt.Errorf("failed to mark order paid: %w", err)
		}
		return requireRow(res)
	})
}

// RecordRefund records a successful external refund: a Refund row, the
// payment flipped to refunded, and the order's payment status reset.
func (s *Store) RecordRefund(ctx context.Context, orderID int64, intentID string, amount float64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO refunds (order_id, intent_id, amount, created_at)
			VALUES ($1, $2, $3, $4)`,
			orderID, intentID, amount, s.now())
		if err != nil {
			return fmt.Errorf("failed to insert refund: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE payments SET status = 'refunded' WHERE order_id = $1 AND intent_id = $2`,
			orderID, intentID)
		if err != nil {
			return fmt.Errorf("failed to mark payment refunded: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders SET payment_status = $1 WHERE id = $2`,
			PaymentStatusRefunded, orderID)
		if err != nil {
			return fmt.Errorf("failed to mark order refunded: %w", err)
		}
		return nil
	})
}

// ConfirmOrder moves the order to processing and empties its cart, in one
// transaction. Idempotent: re-running on a confirmed order re-applies the
// same terminal values.
func (s *Store) ConfirmOrder(ctx context.Context, orderID int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var cartID int64
		err := tx.GetContext(ctx, &cartID,
			`SELECT cart_id FROM orders WHERE id = $1 FOR UPDATE`, orderID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE orders SET status = $1 WHERE id = $2`, OrderStatusProcessing, orderID)
		if err != nil {
			return fmt.Errorf("failed to confirm order: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`DELETE FROM cart_items WHERE cart_id = $1`, cartID)
		if err != nil {
			return fmt.Errorf("failed to empty cart: %w", err)
		}
		return nil
	})
}

// GetOrder returns an order by id.
func (s *Store) GetOrder(ctx context.Context, orderID int64) (Order, error) {
	var order Order
	err := s.db.GetContext(ctx, &order, `
		SELECT id, order_number, user_id, cart_id, status, payment_status,
		       subtotal, tax, shipping, total, inventory_reserved, paid_at, created_at
		FROM orders WHERE id = $1`,
		orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrOrderNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("failed to load order: %w", err)
	}
	return order, nil
}

// requireRow converts a zero-row update into ErrOrderNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrOrderNotFound
	}
	return nil
}
