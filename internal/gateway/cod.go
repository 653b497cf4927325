package gateway

import (
	"context"
	"fmt"

	"fulfillment-service/internal/models"
)

// CashOnDeliveryGateway makes no external calls. The payment stays pending
// until the shipping collaborator reports the cash was collected on
// delivery, which the orchestrator records directly.
type CashOnDeliveryGateway struct{}

func NewCashOnDeliveryGateway() *CashOnDeliveryGateway {
	return &CashOnDeliveryGateway{}
}

func (g *CashOnDeliveryGateway) Name() models.PaymentGateway {
	return models.GatewayCashOnDelivery
}

// Validate accepts everything: there is nothing a courier cannot be handed.
func (g *CashOnDeliveryGateway) Validate(Request) error { return nil }

func (g *CashOnDeliveryGateway) Initiate(ctx context.Context, req Request) (*Result, error) {
	return &Result{
		Status:               models.PaymentStatusPending,
		GatewayTransactionID: "cod_" + req.ReferenceID,
		Instructions:         "Pay the courier in cash on delivery",
	}, nil
}

func (g *CashOnDeliveryGateway) Confirm(ctx context.Context, referenceID string) (*Result, error) {
	return nil, ErrConfirmNotSupported
}

// ParseWebhook exists to satisfy the interface; the provider never calls
// back because there is no provider.
func (g *CashOnDeliveryGateway) ParseWebhook(payload []byte, _ string) (*WebhookNotice, error) {
	return nil, fmt.Errorf("cash on delivery has no webhooks")
}
