package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/shopspring/decimal"
)

// Request is the gateway-agnostic payment request.
type Request struct {
	OrderID       string
	ReferenceID   string
	Amount        decimal.Decimal
	Currency      string
	CustomerPhone string
	CustomerEmail string
	IsPartial     bool
}

// Result is the normalized outcome of an Initiate or Confirm call.
type Result struct {
	Status               models.PaymentStatus
	GatewayTransactionID string
	ClientSecret         string
	RedirectURL          string
	Instructions         string
	RequiresAction       bool
	ErrorMessage         string
}

// WebhookNotice is a gateway callback normalized to the common shape.
type WebhookNotice struct {
	EventType            string
	GatewayTransactionID string
	ReferenceID          string
	Status               models.PaymentStatus
	FailureReason        string
}

// Gateway is the uniform adapter each payment provider implements.
// Validate rejects requests the provider can never accept, so callers can
// fail before persisting anything. Confirm is optional; adapters without
// an inquiry API return ErrConfirmNotSupported.
type Gateway interface {
	Name() models.PaymentGateway
	Validate(req Request) error
	Initiate(ctx context.Context, req Request) (*Result, error)
	Confirm(ctx context.Context, referenceID string) (*Result, error)
	ParseWebhook(payload []byte, signature string) (*WebhookNotice, error)
}

// ErrConfirmNotSupported marks adapters whose terminal status arrives only
// via webhook.
var ErrConfirmNotSupported = errors.New("gateway does not support confirm")

// Refunder is implemented by adapters that can reverse a charge through the
// provider. Adapters without it leave the refund to manual back-office
// processing.
type Refunder interface {
	Refund(ctx context.Context, gatewayTransactionID string, amount decimal.Decimal, reason string) error
}

// Registry maps gateway names to adapters.
type Registry struct {
	gateways map[models.PaymentGateway]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[models.PaymentGateway]Gateway)}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

// Get returns the adapter for a gateway name.
func (r *Registry) Get(name models.PaymentGateway) (Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperr.ErrUnsupportedGateway, name)
	}
	return g, nil
}

// postJSON performs an authenticated JSON POST against a provider endpoint.
// Network failures and 5xx responses map to GatewayTimeout (retryable with
// the same reference); 4xx responses map to GatewayRejected.
func postJSON(ctx context.Context, client *http.Client, gw models.PaymentGateway, url string, headers map[string]string, body, out interface{}) error {
	start := time.Now()
	defer func() {
		util.GatewayCallLatency.WithLabelValues(string(gw), "post").Observe(time.Since(start).Seconds())
	}()

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return wrapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s returned %d", apperr.ErrGatewayTimeout, gw, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s returned %d", apperr.ErrGatewayRejected, gw, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return nil
}

func getJSON(ctx context.Context, client *http.Client, gw models.PaymentGateway, url string, headers map[string]string, out interface{}) error {
	start := time.Now()
	defer func() {
		util.GatewayCallLatency.WithLabelValues(string(gw), "get").Observe(time.Since(start).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return wrapTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s returned %d", apperr.ErrGatewayTimeout, gw, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %s returned %d", apperr.ErrGatewayRejected, gw, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// Any transport-level failure is retryable with the same reference.
func wrapTransportError(err error) error {
	return fmt.Errorf("%w: %v", apperr.ErrGatewayTimeout, err)
}
