package httpx

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/apperr"
	"github.com/ariefcatur/order-fulfillment/internal/orders"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// IdempotencyStore remembers which order an Idempotency-Key created. Claim is atomic:
// exactly one request holding a key gets claimed=true. *redisx.Idempotency implements it.
type IdempotencyStore interface {
	Claim(ctx context.Context, key string) (orderID string, claimed bool, err error)
	Remember(ctx context.Context, key, orderID string) error
	Forget(ctx context.Context, key string) error
}

type OrdersHandler struct {
	Orders *orders.Manager
	Idem   IdempotencyStore // optional
	Log    *zap.Logger
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Post("/orders/cancel", h.cancelOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/number/{orderNumber}", h.getByNumber)
	r.Get("/orders/user/{userId}", h.listByUser)
	r.Post("/orders/{id}/confirm-payment", h.confirmPayment)
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CreateOrderRequest
	if err := decode(r, &req); err != nil {
		respondError(w, h.Log, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	// a retried create replays the first one; the key is scoped to the user
	key := r.Header.Get("Idempotency-Key")
	if h.Idem == nil {
		key = ""
	}
	if key != "" {
		key = req.UserID + ":" + key
		id, claimed, err := h.Idem.Claim(ctx, key)
		switch {
		case err != nil:
			if h.Log != nil {
				h.Log.Warn("idempotency claim failed", zap.Error(err))
			}
			key = ""
		case !claimed && id == "":
			respondError(w, h.Log, r, apperr.Business("a request with this Idempotency-Key is still in progress"))
			return
		case !claimed:
			o, err := h.Orders.Get(ctx, id)
			if err != nil {
				respondError(w, h.Log, r, err)
				return
			}
			respond(w, http.StatusOK, "order already created", o)
			return
		}
	}

	o, err := h.Orders.CreateOrder(ctx, req)
	if err != nil {
		if key != "" {
			h.forget(ctx, key)
		}
		respondError(w, h.Log, r, err)
		return
	}
	if key != "" {
		if err := h.Idem.Remember(ctx, key, o.ID); err != nil && h.Log != nil {
			h.Log.Warn("idempotency save failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	respond(w, http.StatusCreated, "order created", o)
}

// forget releases the claim of a failed create, detached from a request that may be gone.
func (h *OrdersHandler) forget(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := h.Idem.Forget(ctx, key); err != nil && h.Log != nil {
		h.Log.Warn("idempotency release failed", zap.Error(err))
	}
}

func (h *OrdersHandler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CancelRequest
	if err := decode(r, &req); err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	o, err := h.Orders.CancelOrder(r.Context(), req)
	if err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	respond(w, http.StatusOK, "order cancelled", o)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	respond(w, http.StatusOK, "ok", o)
}

func (h *OrdersHandler) getByNumber(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.GetByNumber(r.Context(), chi.URLParam(r, "orderNumber"))
	if err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	respond(w, http.StatusOK, "ok", o)
}

func (h *OrdersHandler) listByUser(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryInt(q.Get("page"), 0)
	if err != nil {
		respondError(w, h.Log, r, apperr.Validation("page must be a number"))
		return
	}
	size, err := queryInt(q.Get("size"), 20)
	if err != nil {
		respondError(w, h.Log, r, apperr.Validation("size must be a number"))
		return
	}
	out, err := h.Orders.ListByUser(r.Context(), chi.URLParam(r, "userId"), page, size)
	if err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	respond(w, http.StatusOK, "ok", out)
}

func (h *OrdersHandler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.ConfirmPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	respond(w, http.StatusOK, "payment confirmed", o)
}

func queryInt(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
