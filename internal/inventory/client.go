package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/apperr"
	"github.com/ariefcatur/order-fulfillment/internal/tracing"
)

// Client calls the inventory service over HTTP. It offers the same Reserve/Confirm/Release
// methods as *Ledger so either can back the order manager.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
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

func (c *Client) Reserve(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	var out ReserveResult
	err := c.do(ctx, http.MethodPost, "/inventory/reserve", req, &out)
	return out, err
}

func (c *Client) Confirm(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodPost, "/inventory/confirm/"+url.PathEscape(orderID), nil, nil)
}

func (c *Client) Release(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodPost, "/inventory/release/"+url.PathEscape(orderID), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.Inject(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Transient(err, "inventory service unreachable")
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return apperr.Transient(err, "inventory service returned %d with unreadable body", resp.StatusCode)
	}
	// reserve answers 200 with success=false in data; other endpoints use the status code
	if resp.StatusCode >= 300 {
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return apperr.NotFound("%s", env.Message).Wrap(ErrNoPendingReservations)
		case resp.StatusCode >= 500:
			return apperr.Transient(fmt.Errorf("status %d", resp.StatusCode), "inventory service: %s", env.Message)
		default:
			return apperr.Business("%s", env.Message)
		}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode inventory response: %w", err)
		}
	}
	return nil
}
