package checkout

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atlanticdynamic/storegate/internal/gateway/middleware"
	"github.com/atlanticdynamic/storegate/internal/gateway/proxy"
	"github.com/atlanticdynamic/storegate/internal/logging"
	"github.com/atlanticdynamic/storegate/internal/saga"
	"github.com/atlanticdynamic/storegate/internal/store"
)

// checkoutRequest is the POST /api/v1/checkout body.
type checkoutRequest struct {
	CartID                int64  `json:"cart_id"`
	ShippingAddress       string `json:"shipping_address"`
	BillingSameAsShipping bool   `json:"billing_same_as_shipping,omitempty"`
	PaymentMethod         string `json:"payment_method"`
	CustomerNotes         string `json:"customer_notes,omitempty"`
}

// checkoutResponse is the successful checkout body.
type checkoutResponse struct {
	OrderID     int64   `json:"order_id"`
	OrderNumber string  `json:"order_number"`
	Total       float64 `json:"total"`
	Status      string  `json:"status"`
	SagaID      string  `json:"saga_id"`
}

// Handler serves the checkout endpoints.
type Handler struct {
	saga     *Saga
	registry *saga.Registry
	logger   *slog.Logger
}

// NewHandler creates the checkout HTTP handler.
func NewHandler(checkoutSaga *Saga, registry *saga.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default().WithGroup("checkout")
	}
	return &Handler{saga: checkoutSaga, registry: registry, logger: logger}
}

// Checkout runs the checkout saga synchronously and reports its outcome.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		middleware.WriteError(w, r, http.StatusUnauthorized, "missing_token", "authorization required")
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, r, http.StatusBadRequest, "invalid_request", "request body is not valid JSON")
		return
	}
	if req.CartID <= 0 || req.ShippingAddress == "" || req.PaymentMethod == "" {
		middleware.WriteError(w, r, http.StatusBadRequest, "invalid_request",
			"cart_id, shipping_address, and payment_method are required")
		return
	}

	billing := ""
	if req.BillingSameAsShipping {
		billing = req.ShippingAddress
	}
	sc, result, err := h.saga.Run(r.Context(), Input{
		UserID:          identity.Subject,
		CartID:          req.CartID,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  billing,
		CustomerNotes:   req.CustomerNotes,
		PaymentMethod:   req.PaymentMethod,
		CorrelationID:   middleware.CorrelationID(r.Context()),
	})
	if err != nil {
		h.writeSagaFailure(w, r, sc, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(checkoutResponse{
		OrderID:     result.OrderID,
		OrderNumber: result.OrderNumber,
		Total:       result.Total,
		Status:      store.OrderStatusProcessing,
		SagaID:      result.SagaID,
	})
}

// Status reports a recent saga's state.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sagaID")
	sc, ok := h.registry.Get(id)
	if !ok {
		middleware.WriteError(w, r, http.StatusNotFound, "saga_not_found",
			"no recent saga with that id")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sc.Snapshot())
}

// writeSagaFailure maps a saga failure onto the client: business refusals
// are 4xx, infrastructure failures 5xx, each with the saga id attached so
// a status query can follow.
func (h *Handler) writeSagaFailure(w http.ResponseWriter, r *http.Request, sc *saga.Context, err error) {
	status, code, message := mapSagaError(err)

	logging.FromContext(r.Context()).Warn("checkout failed",
		"status", status, "code", code, "error", err)

	body := map[string]any{
		"error":          code,
		"message":        message,
		"correlation_id": middleware.CorrelationID(r.Context()),
	}
	if sc != nil {
		body["saga_id"] = sc.ID().String()
		body["failed_step"] = sc.FailedStep()
	}

	if retryAfter := proxy.RetryAfterSeconds(err); retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func mapSagaError(err error) (status int, code, message string) {
	var declined *FraudDeclinedError
	switch {
	case errors.Is(err, store.ErrEmptyCart):
		return http.StatusBadRequest, "empty_cart", "cart has no items"
	case errors.Is(err, store.ErrCartNotFound):
		return http.StatusBadRequest, "cart_not_found", "cart does not exist"
	case errors.Is(err, store.ErrInsufficientStock):
		return http.StatusBadRequest, "insufficient_stock", "not enough stock to fulfill the order"
	case errors.As(err, &declined):
		return http.StatusPaymentRequired, "fraud_declined", "checkout was declined"
	case errors.Is(err, ErrCardDeclined):
		return http.StatusPaymentRequired, "card_declined", "payment was declined"
	default:
		status, code := proxy.MapError(err)
		return status, code, "checkout could not be completed"
	}
}
