package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ariefcatur/order-fulfillment/internal/apperr"
	"go.uber.org/zap"
)

// Envelope is the body of every JSON response except the gateway IPN.
type Envelope struct {
	Status     string `json:"status"`
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Data       any    `json:"data,omitempty"`
}

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respond(w http.ResponseWriter, code int, message string, data any) {
	writeJSON(w, code, Envelope{Status: "success", StatusCode: code, Message: message, Data: data})
}

// respondError maps err onto its HTTP status. Only the public message leaves the process;
// the full chain is logged for server-side failures.
func respondError(w http.ResponseWriter, log *zap.Logger, r *http.Request, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	kind := apperr.KindOf(err)
	code := kind.HTTPStatus()
	switch kind {
	case apperr.KindUnknown:
		log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	case apperr.KindTransient:
		log.Warn("request failed on a dependency", zap.String("path", r.URL.Path), zap.Error(err))
	case apperr.KindIntegrity:
		log.Warn("request rejected", zap.String("path", r.URL.Path), zap.String("remote", r.RemoteAddr))
	}
	writeJSON(w, code, Envelope{
		Status:     "error",
		StatusCode: code,
		Message:    apperr.PublicMessage(err),
		Data:       apperr.DetailsOf(err),
	})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		return apperr.Validation("invalid json: %s", err.Error())
	}
	return nil
}
