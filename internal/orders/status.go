package orders

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusReturned   Status = "RETURNED"
	StatusRefunded   Status = "REFUNDED"
)

var validNext = map[Status]map[Status]bool{
	StatusPending:    {StatusConfirmed: true, StatusProcessing: true, StatusCancelled: true},
	StatusConfirmed:  {StatusProcessing: true, StatusCancelled: true},
	StatusProcessing: {StatusShipped: true},
	StatusShipped:    {StatusDelivered: true},
	StatusDelivered:  {StatusCompleted: true, StatusReturned: true},
	StatusReturned:   {StatusRefunded: true},
	StatusCompleted:  {},
	StatusCancelled:  {},
	StatusRefunded:   {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// Cancellable reports whether an order in s may still be cancelled by its owner.
func (s Status) Cancellable() bool {
	return s == StatusPending || s == StatusConfirmed
}

type PaymentStatus string

const (
	PaymentPending       PaymentStatus = "PENDING"
	PaymentConfirming    PaymentStatus = "CONFIRMING"
	PaymentPaid          PaymentStatus = "PAID"
	PaymentFailed        PaymentStatus = "FAILED"
	PaymentRefunded      PaymentStatus = "REFUNDED"
	PaymentPartialRefund PaymentStatus = "PARTIAL_REFUND"
)

type PaymentMethod string

const (
	MethodCOD          PaymentMethod = "COD"
	MethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	MethodVNPay        PaymentMethod = "VNPAY"
	MethodMoMo         PaymentMethod = "MOMO"
	MethodZaloPay      PaymentMethod = "ZALOPAY"
	MethodCreditCard   PaymentMethod = "CREDIT_CARD"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCOD, MethodBankTransfer, MethodVNPay, MethodMoMo, MethodZaloPay, MethodCreditCard:
		return true
	}
	return false
}

type ShippingMethod string

const (
	ShipStandard ShippingMethod = "STANDARD"
	ShipExpress  ShippingMethod = "EXPRESS"
	ShipSameDay  ShippingMethod = "SAME_DAY"
)

func (m ShippingMethod) Valid() bool {
	return m == ShipStandard || m == ShipExpress || m == ShipSameDay
}
