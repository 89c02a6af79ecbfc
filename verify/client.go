package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/olrightythen/smart-qr-menu-system-sub000/order"
	"github.com/olrightythen/smart-qr-menu-system-sub000/ratelimit"
)

// ErrNotFound is returned when the API reports an unknown order.
var ErrNotFound = errors.New("verify: order not found")

// Client talks to the order REST API. It backs the fallback verifier and
// order submission.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	limiter *ratelimit.Limiter
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLimiter caps outbound request rate. Every API call waits for a slot
// before hitting the network.
func WithLimiter(l *ratelimit.Limiter) ClientOption {
	return func(c *Client) {
		c.limiter = l
	}
}

// NewClient builds a Client for baseURL. token may be empty for
// unauthenticated table sessions.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		http:    &http.Client{Timeout: 15 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type statusResponse struct {
	OrderID         int64        `json:"order_id"`
	ID              int64        `json:"id"`
	Status          order.Status `json:"status"`
	VendorID        int64        `json:"vendor_id"`
	TableIdentifier string       `json:"table_identifier"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// OrderStatus fetches the authoritative status snapshot for one order.
func (c *Client) OrderStatus(ctx context.Context, id int64) (order.Event, error) {
	var resp statusResponse
	url := fmt.Sprintf("%s/api/orders/%d/status/", c.baseURL, id)
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return order.Event{}, err
	}

	orderID := resp.OrderID
	if orderID == 0 {
		orderID = resp.ID
	}
	if orderID == 0 {
		orderID = id
	}
	return order.Event{
		OrderID:         orderID,
		Status:          resp.Status,
		VendorID:        resp.VendorID,
		TableIdentifier: resp.TableIdentifier,
		UpdatedAt:       resp.UpdatedAt,
		// REST responses are authoritative; no push-freshness signature
		// applies to them.
		Signed: true,
	}, nil
}

type vendorOrdersResponse struct {
	Orders []order.Record `json:"orders"`
}

// VendorOrders fetches the current order list for a vendor.
func (c *Client) VendorOrders(ctx context.Context, vendorID int64) ([]order.Record, error) {
	var resp vendorOrdersResponse
	url := fmt.Sprintf("%s/api/orders/%d/", c.baseURL, vendorID)
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return nil, err
	}
	return resp.Orders, nil
}

type placeOrderRequest struct {
	VendorID        int64        `json:"vendor_id"`
	TableIdentifier string       `json:"table_identifier"`
	Items           []order.Item `json:"items"`
}

type placeOrderResponse struct {
	Success bool   `json:"success"`
	OrderID int64  `json:"order_id"`
	Message string `json:"message"`
}

// CreateOrder submits a new order. Satisfies the cart manager's Creator.
func (c *Client) CreateOrder(ctx context.Context, vendorID int64, table string, items []order.Item) (order.Record, error) {
	body, err := json.Marshal(placeOrderRequest{
		VendorID:        vendorID,
		TableIdentifier: table,
		Items:           items,
	})
	if err != nil {
		return order.Record{}, fmt.Errorf("encode order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/place-order/", strings.NewReader(string(body)))
	if err != nil {
		return order.Record{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	if err := c.wait(ctx); err != nil {
		return order.Record{}, err
	}
	httpResp, err := c.http.Do(req)
	if err != nil {
		return order.Record{}, fmt.Errorf("place order: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusCreated {
		return order.Record{}, fmt.Errorf("place order: unexpected status %d", httpResp.StatusCode)
	}

	var resp placeOrderResponse
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, 1<<20)).Decode(&resp); err != nil {
		return order.Record{}, fmt.Errorf("decode place order response: %w", err)
	}
	if !resp.Success || resp.OrderID == 0 {
		return order.Record{}, fmt.Errorf("place order rejected: %s", resp.Message)
	}

	return order.Record{
		ID:              resp.OrderID,
		Status:          order.StatusPending,
		VendorID:        vendorID,
		TableIdentifier: table,
		Items:           items,
	}, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	if err := c.wait(ctx); err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, url)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", url, err)
	}
	return nil
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Acquire(ctx)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
