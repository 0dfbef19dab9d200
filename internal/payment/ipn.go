package payment

import (
	"context"
	"errors"
	"runtime/debug"

	"github.com/ariefcatur/order-fulfillment/internal/apperr"
	"go.uber.org/zap"
)

// IPNResponse is the body the gateway expects back from the IPN endpoint.
type IPNResponse struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

var (
	ipnConfirmed        = IPNResponse{RspCode: "00", Message: "Confirm Success"}
	ipnOrderNotFound    = IPNResponse{RspCode: "01", Message: "Order not found"}
	ipnAlreadyConfirmed = IPNResponse{RspCode: "02", Message: "Order already confirmed"}
	ipnInvalidAmount    = IPNResponse{RspCode: "04", Message: "Invalid amount"}
	ipnInvalidChecksum  = IPNResponse{RspCode: "97", Message: "Invalid Checksum"}
	ipnUnknown          = IPNResponse{RspCode: "99", Message: "Unknown error"}
)

// HandleIPN processes a server-to-server notification. It never returns an error and
// never panics; the gateway only understands the response code.
func (s *Service) HandleIPN(ctx context.Context, params map[string]string) (resp IPNResponse) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("ipn handler panic",
				zap.Any("panic", r),
				zap.String("txn_ref", params["vnp_TxnRef"]),
				zap.ByteString("stack", debug.Stack()))
			resp = ipnUnknown
		}
	}()

	res, err := s.ProcessCallback(ctx, params)
	if err != nil {
		return ipnFor(err, s.log, params)
	}
	if res.AlreadyProcessed {
		return ipnAlreadyConfirmed
	}
	// a recorded failure is still a confirmed notification
	return ipnConfirmed
}

func ipnFor(err error, log *zap.Logger, params map[string]string) IPNResponse {
	switch {
	case apperr.Is(err, apperr.KindIntegrity):
		return ipnInvalidChecksum
	case errors.Is(err, ErrInvalidAmount):
		return ipnInvalidAmount
	case apperr.Is(err, apperr.KindNotFound), errors.Is(err, ErrBadTxnRef):
		return ipnOrderNotFound
	}
	log.Error("ipn processing failed", zap.String("txn_ref", params["vnp_TxnRef"]), zap.Error(err))
	return ipnUnknown
}
