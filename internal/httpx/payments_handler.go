package httpx

import (
	"net"
	"net/http"

	"github.com/ariefcatur/order-fulfillment/internal/payment"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type PaymentsHandler struct {
	Payments *payment.Service
	Log      *zap.Logger
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Post("/payments/vnpay/create", h.createIntent)
	r.Get("/payments/vnpay/callback", h.callback)
	r.Get("/payments/vnpay/ipn", h.ipn)
	r.Post("/payments/vnpay/ipn", h.ipn)
	r.Get("/payments/order/{orderId}", h.forOrder)
	r.Post("/payments/{paymentCode}/refunds", h.requestRefund)
	r.Post("/payments/refunds/{refundId}/complete", h.completeRefund)
}

func (h *PaymentsHandler) createIntent(w http.ResponseWriter, r *http.Request) {
	var req payment.IntentRequest
	if err := decode(r, &req); err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	req.IPAddr = clientIP(r)
	in, err := h.Payments.CreatePaymentIntent(r.Context(), req)
	if err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	respond(w, http.StatusCreated, "payment created", in)
}

// callback is the browser return leg. The outcome is returned to the frontend, which
// renders it; the order itself moves on the published events.
func (h *PaymentsHandler) callback(w http.ResponseWriter, r *http.Request) {
	res, err := h.Payments.ProcessCallback(r.Context(), flatten(r.URL.Query()))
	if err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	msg := "payment successful"
	if !res.Success {
		msg = "payment failed: " + res.Message
	}
	respond(w, http.StatusOK, msg, res)
}

// ipn always answers 200 with the gateway's own body format.
func (h *PaymentsHandler) ipn(w http.ResponseWriter, r *http.Request) {
	params := flatten(r.URL.Query())
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err == nil {
			for k, v := range flatten(r.PostForm) {
				params[k] = v
			}
		}
	}
	writeJSON(w, http.StatusOK, h.Payments.HandleIPN(r.Context(), params))
}

func (h *PaymentsHandler) forOrder(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payments.PaymentForOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	respond(w, http.StatusOK, "ok", p)
}

func (h *PaymentsHandler) requestRefund(w http.ResponseWriter, r *http.Request) {
	var req payment.RefundRequest
	if err := decode(r, &req); err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	ref, err := h.Payments.RequestRefund(r.Context(), chi.URLParam(r, "paymentCode"), req)
	if err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	respond(w, http.StatusCreated, "refund requested", ref)
}

func (h *PaymentsHandler) completeRefund(w http.ResponseWriter, r *http.Request) {
	var body struct {
		GatewayRefundID string `json:"gatewayRefundId"`
	}
	if err := decode(r, &body); err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	ref, err := h.Payments.CompleteRefund(r.Context(), chi.URLParam(r, "refundId"), body.GatewayRefundID)
	if err != nil {
		respondError(w, h.Log, r, err)
		return
	}
	respond(w, http.StatusOK, "refund completed", ref)
}

func flatten(v map[string][]string) map[string]string {
	out := make(map[string]string, len(v))
	for k, vs := range v {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// clientIP is the address RealIP left in RemoteAddr, without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
