package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/apperr"
	"github.com/ariefcatur/order-fulfillment/internal/tracing"
	"github.com/shopspring/decimal"
)

// OrderInfo is the slice of an order the payment service needs.
type OrderInfo struct {
	ID            string          `json:"id"`
	OrderNumber   string          `json:"orderNumber"`
	UserID        string          `json:"userId"`
	Status        string          `json:"status"`
	PaymentStatus string          `json:"paymentStatus"`
	Total         decimal.Decimal `json:"totalAmount"`
}

// OrderLookup resolves an order id. Missing orders come back as apperr NotFound.
type OrderLookup interface {
	Order(ctx context.Context, orderID string) (OrderInfo, error)
}

// OrderClient reads orders from the order service over HTTP.
type OrderClient struct {
	baseURL string
	http    *http.Client
}

func NewOrderClient(baseURL string, timeout time.Duration) *OrderClient {
	return &OrderClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Status     string          `json:"status"`
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
}

func (c *OrderClient) Order(ctx context.Context, orderID string) (OrderInfo, error) {
	var out OrderInfo
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/orders/"+url.PathEscape(orderID), nil)
	if err != nil {
		return out, err
	}
	req.Header.Set("Accept", "application/json")
	tracing.Inject(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return out, apperr.Transient(err, "order service unreachable")
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return out, apperr.Transient(err, "order service returned %d with unreadable body", resp.StatusCode)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return out, apperr.NotFound("order not found: %s", orderID)
	case resp.StatusCode >= 500:
		return out, apperr.Transient(fmt.Errorf("status %d", resp.StatusCode), "order service: %s", env.Message)
	case resp.StatusCode >= 300:
		return out, apperr.Business("%s", env.Message)
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return out, fmt.Errorf("decode order %s: %w", orderID, err)
	}
	return out, nil
}
