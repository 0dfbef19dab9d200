package payment

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/config"
	"github.com/shopspring/decimal"
)

const (
	vnpVersion   = "2.1.0"
	vnpCommand   = "pay"
	vnpCurrency  = "VND"
	vnpOrderType = "other"
	vnpDate      = "20060102150405"

	paramSecureHash     = "vnp_SecureHash"
	paramSecureHashType = "vnp_SecureHashType"

	CodeSuccess   = "00"
	paymentWindow = 15 * time.Minute
	txnRefPrefix  = "BO_"
)

// gateway timestamps are Vietnam local time
var ict = time.FixedZone("ICT", 7*60*60)

// VNPay builds signed payment URLs and verifies the gateway's signed callbacks.
type VNPay struct {
	tmnCode   string
	secret    []byte
	payURL    string
	returnURL string
}

func NewVNPay(cfg config.VNPay) *VNPay {
	return &VNPay{
		tmnCode:   cfg.TmnCode,
		secret:    []byte(cfg.HashSecret),
		payURL:    cfg.PayURL,
		returnURL: cfg.ReturnURL,
	}
}

type PayRequest struct {
	TxnRef    string
	Amount    decimal.Decimal
	OrderInfo string
	Locale    string
	IPAddr    string
	BankCode  string
	At        time.Time
}

// PaymentURL returns the redirect URL for r with vnp_SecureHash appended.
func (v *VNPay) PaymentURL(r PayRequest) string {
	params := v.params(r)
	query := Canonical(params)
	return v.payURL + "?" + query + "&" + paramSecureHash + "=" + v.sign(query)
}

func (v *VNPay) params(r PayRequest) map[string]string {
	locale := r.Locale
	if locale == "" {
		locale = "vn"
	}
	ip := r.IPAddr
	if ip == "" {
		ip = "127.0.0.1"
	}
	at := r.At.In(ict)
	p := map[string]string{
		"vnp_Version":    vnpVersion,
		"vnp_Command":    vnpCommand,
		"vnp_TmnCode":    v.tmnCode,
		"vnp_Amount":     gatewayAmount(r.Amount),
		"vnp_CurrCode":   vnpCurrency,
		"vnp_TxnRef":     r.TxnRef,
		"vnp_OrderInfo":  r.OrderInfo,
		"vnp_OrderType":  vnpOrderType,
		"vnp_Locale":     locale,
		"vnp_ReturnUrl":  v.returnURL,
		"vnp_IpAddr":     ip,
		"vnp_CreateDate": at.Format(vnpDate),
		"vnp_ExpireDate": at.Add(paymentWindow).Format(vnpDate),
	}
	if r.BankCode != "" {
		p["vnp_BankCode"] = r.BankCode
	}
	return p
}

// formEscaper turns url.QueryEscape output into the form encoding the gateway signs
// with, which leaves '*' alone and escapes '~'.
var formEscaper = strings.NewReplacer("%2A", "*", "~", "%7E")

// Canonical is the string the gateway signs: keys in ascending order, empty values
// skipped, each pair written as key=escaped value and joined with '&'.
func Canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formEscaper.Replace(url.QueryEscape(params[k])))
	}
	return b.String()
}

func (v *VNPay) sign(data string) string {
	mac := hmac.New(sha512.New, v.secret)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign computes vnp_SecureHash for params, ignoring any hash fields already present.
func (v *VNPay) Sign(params map[string]string) string {
	return v.sign(Canonical(unsigned(params)))
}

// Verify recomputes the signature over every parameter except the hash fields and
// compares it with the supplied vnp_SecureHash in constant time.
func (v *VNPay) Verify(params map[string]string) bool {
	got, err := hex.DecodeString(strings.ToLower(params[paramSecureHash]))
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(v.Sign(params))
	return hmac.Equal(got, want)
}

func unsigned(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		if k == paramSecureHash || k == paramSecureHashType {
			continue
		}
		out[k] = v
	}
	return out
}

// gatewayAmount is the amount in the gateway's minor unit (VND x 100).
func gatewayAmount(d decimal.Decimal) string {
	return d.Mul(decimal.NewFromInt(100)).Truncate(0).String()
}

func parseGatewayAmount(s string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d.Div(decimal.NewFromInt(100)), true
}

// TxnRef is BO_<orderId>_<yyyyMMddHHmmss>; the timestamp keeps retries of one order distinct.
func TxnRef(orderID string, at time.Time) string {
	return txnRefPrefix + orderID + "_" + at.In(ict).Format(vnpDate)
}

// OrderIDFromTxnRef extracts the order id embedded by TxnRef.
func OrderIDFromTxnRef(ref string) (string, bool) {
	rest, ok := strings.CutPrefix(ref, txnRefPrefix)
	if !ok {
		return "", false
	}
	i := strings.LastIndexByte(rest, '_')
	if i <= 0 || len(rest)-i-1 != len(vnpDate) {
		return "", false
	}
	return rest[:i], true
}

var responseMessages = map[string]string{
	"00": "Transaction successful",
	"07": "Amount deducted, transaction suspected of fraud or unusual activity",
	"09": "Card or account is not registered for internet banking",
	"10": "Card or account verification failed more than 3 times",
	"11": "Payment window expired, please retry the transaction",
	"12": "Card or account is locked",
	"13": "Wrong transaction authentication password (OTP)",
	"24": "Customer cancelled the transaction",
	"51": "Insufficient account balance",
	"65": "Account exceeded the daily transaction limit",
	"75": "Paying bank is under maintenance",
	"79": "Wrong payment password entered too many times",
	"99": "Unknown error",
}

// ResponseMessage explains a gateway vnp_ResponseCode.
func ResponseMessage(code string) string {
	if m, ok := responseMessages[code]; ok {
		return m
	}
	return "Transaction failed, code: " + code
}
