// Package notification предоставляет клиент внешней системы оповещений отделов.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/ntikhonov/packtrack-system/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с системой оповещений.
// Доставка и отслеживание прочтения — забота внешней системы.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// Event описывает факт перехода заказа в новый статус.
type Event struct {
	OrderID    string    `json:"order_id"`
	Status     string    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewClient создаёт клиент системы оповещений по указанному адресу.
func NewClient(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.HTTPClient.Timeout = 5 * time.Second
	c.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
	}
}

// OrderStatusChanged отправляет событие "заказ перешёл в статус X".
func (c *Client) OrderStatusChanged(ctx context.Context, orderID string, status model.OrderStatus) error {
	if c == nil || c.baseURL == "" {
		return fmt.Errorf("notification client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(Event{
		OrderID:    orderID,
		Status:     string(status),
		OccurredAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, base+"/api/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	return nil
}
