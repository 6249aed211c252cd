// Package store is the gateway's order-side persistence layer. Every
// operation that a checkout saga step performs locally runs here, each in
// a single short transaction with row-level locks on the rows it mutates.
// Transactions never span network calls.
package store

import (
	"database/sql"
	"errors"
	"time"
)

// Sentinel errors surfaced to saga steps. Business refusals, not
// infrastructure failures.
var (
	ErrCartNotFound      = errors.New("cart not found")
	ErrEmptyCart         = errors.New("cart is empty")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Order statuses.
const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusCancelled  = "cancelled"
)

// Payment statuses on the order row.
const (
	PaymentStatusUnpaid   = "unpaid"
	PaymentStatusPaid     = "paid"
	PaymentStatusRefunded = "refunded"
)

// cartLine is one cart item joined with its current catalog price and
// identity, read under lock during order creation.
type cartLine struct {
	ProductID   int64          `db:"product_id"`
	VariantID   sql.NullInt64  `db:"variant_id"`
	ProductName string         `db:"product_name"`
	SKU         string         `db:"sku"`
	VariantName sql.NullString `db:"variant_name"`
	Quantity    int            `db:"quantity"`
	UnitPrice   float64        `db:"unit_price"`
}

// orderLine is one order item's reservation view: what to decrement where.
type orderLine struct {
	ProductID int64         `db:"product_id"`
	VariantID sql.NullInt64 `db:"variant_id"`
	Quantity  int           `db:"quantity"`
}

// Order is the order row as read back for status handling.
type Order struct {
	ID                int64        `db:"id"`
	OrderNumber       string       `db:"order_number"`
	UserID            string       `db:"user_id"`
	CartID            int64        `db:"cart_id"`
	Status            string       `db:"status"`
	PaymentStatus     string       `db:"payment_status"`
	Subtotal          float64      `db:"subtotal"`
	Tax               float64      `db:"tax"`
	Shipping          float64      `db:"shipping"`
	Total             float64      `db:"total"`
	InventoryReserved bool         `db:"inventory_reserved"`
	PaidAt            sql.NullTime `db:"paid_at"`
	CreatedAt         time.Time    `db:"created_at"`
}

// OrderSummary is what order creation hands back to the saga.
type OrderSummary struct {
	OrderID     int64
	OrderNumber string
	Total       float64
}

// CreateOrderInput is the order-creation request from the checkout saga.
type CreateOrderInput struct {
	UserID          string
	CartID          int64
	ShippingAddress string
	BillingAddress  string
	CustomerNotes   string
}
