package httpx

import (
	"net/http"
	"strconv"

	"github.com/ariefcatur/order-fulfillment/internal/apperr"
	"github.com/ariefcatur/order-fulfillment/internal/inventory"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type InventoryHandler struct {
	Ledger *inventory.Ledger
	Log    *zap.Logger
}

func (h *InventoryHandler) Register(r chi.Router) {
	r.Post("/inventory/reserve", h.reserve)
	r.Post("/inventory/confirm/{orderId}", h.confirm)
	r.Post("/inventory/release/{orderId}", h.release)
	r.Get("/inventory/available/{productId}", h.available)
	r.Get("/inventory/check/{productId}", h.check)
	r.Get("/inventory/reservations/{orderId}", h.reservations)
	r.Get("/inventory/{productId}", h.record)
	r.Post("/inventory/{productId}/receive", h.receive)
}

// reserve answers 200 for a rejected reservation too; success=false and the failed lines
// travel in the data.
func (h *InventoryHandler) reserve(w http.ResponseWriter, r *http.Request) {
	var req inventory.ReserveRequest
	if err := decode(r, &req); err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	res, err := h.Ledger.Reserve(r.Context(), req)
	if err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	msg := "stock reserved"
	if !res.Success {
		msg = res.Describe()
	}
	respond(w, http.StatusOK, msg, res)
}

func (h *InventoryHandler) confirm(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.Confirm(r.Context(), chi.URLParam(r, "orderId")); err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	respond(w, http.StatusOK, "reservation confirmed", nil)
}

func (h *InventoryHandler) release(w http.ResponseWriter, r *http.Request) {
	if err := h.Ledger.Release(r.Context(), chi.URLParam(r, "orderId")); err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	respond(w, http.StatusOK, "reservation released", nil)
}

func (h *InventoryHandler) available(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "productId")
	n, err := h.Ledger.Available(r.Context(), id)
	if err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	respond(w, http.StatusOK, "ok", map[string]any{"productId": id, "available": n})
}

func (h *InventoryHandler) check(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "productId")
	qty, err := strconv.Atoi(r.URL.Query().Get("quantity"))
	if err != nil {
		respondError(w, h.Log, r, apperr.Validation("quantity must be a number"))
		return
	}
	ok, err := h.Ledger.IsAvailable(r.Context(), id, qty)
	if err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	respond(w, http.StatusOK, "ok", map[string]any{"productId": id, "quantity": qty, "available": ok})
}

func (h *InventoryHandler) reservations(w http.ResponseWriter, r *http.Request) {
	rs, err := h.Ledger.Reservations(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	if rs == nil {
		rs = []inventory.Reservation{}
	}
	respond(w, http.StatusOK, "ok", rs)
}

func (h *InventoryHandler) record(w http.ResponseWriter, r *http.Request) {
	v, err := h.Ledger.Record(r.Context(), chi.URLParam(r, "productId"))
	if err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	respond(w, http.StatusOK, "ok", v)
}

func (h *InventoryHandler) receive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Quantity int `json:"quantity"`
	}
	if err := decode(r, &body); err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	v, err := h.Ledger.Receive(r.Context(), chi.URLParam(r, "productId"), body.Quantity)
	if err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	respond(w, http.StatusOK, "stock received", v)
}
