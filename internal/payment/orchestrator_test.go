package payment

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fulfillment-service/internal/apperr"
	"fulfillment-service/internal/gateway"
	"fulfillment-service/internal/inventory"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/notify"
	"fulfillment-service/internal/order"
	"fulfillment-service/internal/pricing"
	"fulfillment-service/internal/storetest"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway is a scriptable adapter for orchestrator tests.
type fakeGateway struct {
	name        models.PaymentGateway
	initiateRes *gateway.Result
	initiateErr error
	confirmRes  *gateway.Result
	confirmErr  error
}

func (f *fakeGateway) Name() models.PaymentGateway { return f.name }

// Validate mirrors the mobile money adapters: no phone, no prompt.
func (f *fakeGateway) Validate(req gateway.Request) error {
	if req.CustomerPhone == "" {
		return apperr.ErrMissingPhoneNumber
	}
	return nil
}

func (f *fakeGateway) Initiate(context.Context, gateway.Request) (*gateway.Result, error) {
	return f.initiateRes, f.initiateErr
}

func (f *fakeGateway) Confirm(context.Context, string) (*gateway.Result, error) {
	return f.confirmRes, f.confirmErr
}

type fakeWebhook struct {
	Reference string               `json:"reference"`
	TxID      string               `json:"tx_id"`
	Status    models.PaymentStatus `json:"status"`
	Reason    string               `json:"reason"`
}

func (f *fakeGateway) ParseWebhook(payload []byte, _ string) (*gateway.WebhookNotice, error) {
	var ev fakeWebhook
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &gateway.WebhookNotice{
		EventType:            "fake.event",
		GatewayTransactionID: ev.TxID,
		ReferenceID:          ev.Reference,
		Status:               ev.Status,
		FailureReason:        ev.Reason,
	}, nil
}

type fixture struct {
	mem       *storetest.Memory
	machine   *order.Machine
	gw        *fakeGateway
	publisher *storetest.RecordingPublisher
	orch      *Orchestrator
	order     *models.Order
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := storetest.NewMemory()
	mem.AddProduct(&models.Product{
		ID:       "p1",
		SKU:      "SKU-1",
		Title:    "Test Product",
		Price:    decimal.NewFromInt(50000),
		WeightKg: decimal.NewFromInt(1),
		IsActive: true,
	}, 10)

	ledger := inventory.NewLedger(mem, nil)
	calc := pricing.NewCalculator(
		decimal.RequireFromString("0.1925"),
		decimal.NewFromInt(30),
		decimal.NewFromInt(100),
	)
	zones := pricing.NewStaticZoneProvider(decimal.NewFromInt(500000))
	machine := order.NewMachine(mem, mem, ledger, calc, zones, mem, mem, notify.NopNotifier{}, "FLW")

	gw := &fakeGateway{
		name: models.GatewayOrangeMoney,
		initiateRes: &gateway.Result{
			Status:               models.PaymentStatusPending,
			GatewayTransactionID: "om_1",
		},
	}
	publisher := &storetest.RecordingPublisher{}

	orch := NewOrchestrator(
		mem, machine, gateway.NewRegistry(gw, gateway.NewCashOnDeliveryGateway()),
		publisher, notify.NopNotifier{},
		"XAF", 3, 30*time.Minute,
	)

	o, err := machine.CreateOrder(context.Background(), &order.CreateOrderRequest{
		UserID:       "u1",
		ShippingCity: "Douala",
		Items:        []order.ItemRequest{{ProductID: "p1", Quantity: 1}},
	})
	require.NoError(t, err)

	return &fixture{mem: mem, machine: machine, gw: gw, publisher: publisher, orch: orch, order: o}
}

func (f *fixture) deliverWebhook(t *testing.T, intent *PaymentIntent, status models.PaymentStatus) {
	t.Helper()
	payload, err := json.Marshal(fakeWebhook{
		Reference: intent.ReferenceID,
		TxID:      "om_1",
		Status:    status,
	})
	require.NoError(t, err)
	require.NoError(t, f.orch.HandleWebhook(context.Background(), models.GatewayOrangeMoney, payload, ""))

	require.NotEmpty(t, f.publisher.Events)
	eventID := f.publisher.Events[len(f.publisher.Events)-1]
	require.NoError(t, f.orch.ProcessWebhookEvent(context.Background(), eventID))
}

func TestCreatePaymentDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	intent, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:       f.order.ID,
		Gateway:       models.GatewayOrangeMoney,
		IsPartial:     true,
		CustomerPhone: "+237670000001",
	})
	require.NoError(t, err)

	assert.True(t, f.order.DepositAmount.Equal(intent.Amount), "amount %s", intent.Amount)
	assert.Equal(t, "XAF", intent.Currency)
	assert.Equal(t, models.PaymentStatusPending, intent.Status)
	assert.NotEmpty(t, intent.ReferenceID)

	stored, err := f.mem.GetPaymentByID(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, "om_1", stored.GatewayTransactionID)
	assert.True(t, stored.IsPartial)
}

func TestCreatePaymentFullBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	intent, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:       f.order.ID,
		Gateway:       models.GatewayOrangeMoney,
		CustomerPhone: "+237670000001",
	})
	require.NoError(t, err)
	assert.True(t, f.order.TotalAmount.Equal(intent.Amount))
}

func TestCreatePaymentCancelledOrderRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.machine.Cancel(ctx, f.order.ID, "changed mind", "u1"))

	_, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID: f.order.ID,
		Gateway: models.GatewayOrangeMoney,
	})
	assert.ErrorIs(t, err, apperr.ErrOrderNotPayable)
}

func TestCreatePaymentUnknownGateway(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.CreatePayment(context.Background(), &CreatePaymentRequest{
		OrderID: f.order.ID,
		Gateway: models.PaymentGateway("bitcoin"),
	})
	assert.ErrorIs(t, err, apperr.ErrUnsupportedGateway)
}

func TestCreatePaymentMissingPhoneNoSideEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID: f.order.ID,
		Gateway: models.GatewayOrangeMoney,
	})
	assert.ErrorIs(t, err, apperr.ErrMissingPhoneNumber)

	// Bad input fails before persistence: no row, no burned retry.
	payments, err := f.mem.ListPaymentsByOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)

	retries, err := f.mem.MaxRetryCount(ctx, f.order.ID, models.GatewayOrangeMoney)
	require.NoError(t, err)
	assert.Equal(t, 0, retries)

	// A corrected attempt goes through against a clean slate.
	_, err = f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:       f.order.ID,
		Gateway:       models.GatewayOrangeMoney,
		CustomerPhone: "+237670000001",
	})
	require.NoError(t, err)
}

func TestCreatePaymentRejectionMarksFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.initiateRes = nil
	f.gw.initiateErr = apperr.ErrGatewayRejected

	_, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:       f.order.ID,
		Gateway:       models.GatewayOrangeMoney,
		CustomerPhone: "+237670000001",
	})
	assert.ErrorIs(t, err, apperr.ErrGatewayRejected)

	payments, err := f.mem.ListPaymentsByOrder(ctx, f.order.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusFailed, payments[0].Status)
	assert.Equal(t, 1, payments[0].RetryCount)
}

func TestCreatePaymentTimeoutLeavesInitiated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.initiateRes = nil
	f.gw.initiateErr = apperr.ErrGatewayTimeout

	_, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:       f.order.ID,
		Gateway:       models.GatewayOrangeMoney,
		CustomerPhone: "+237670000001",
	})
	assert.ErrorIs(t, err, apperr.ErrGatewayTimeout)

	// The charge may exist provider-side; the row stays open for
	// reconciliation instead of being failed.
	payments, err := f.mem.ListPaymentsByOrder(ctx, f.order.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, models.PaymentStatusInitiated, payments[0].Status)
	assert.Equal(t, 0, payments[0].RetryCount)
}

func TestCreatePaymentRetryLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.initiateRes = nil
	f.gw.initiateErr = apperr.ErrGatewayRejected

	// Burn through the retry budget.
	for i := 0; i < 3; i++ {
		_, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
			OrderID:       f.order.ID,
			Gateway:       models.GatewayOrangeMoney,
			CustomerPhone: "+237670000001",
		})
		assert.ErrorIs(t, err, apperr.ErrGatewayRejected)
	}

	// storetest tracks RetryCount per payment; after three rejected
	// attempts each row carries one retry, so push one over the limit.
	payments, _ := f.mem.ListPaymentsByOrder(ctx, f.order.ID)
	require.NotEmpty(t, payments)
	for i := 0; i < 2; i++ {
		require.NoError(t, f.mem.IncrementPaymentRetry(ctx, payments[0].ID))
	}

	_, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:       f.order.ID,
		Gateway:       models.GatewayOrangeMoney,
		CustomerPhone: "+237670000001",
	})
	assert.ErrorIs(t, err, apperr.ErrRetryLimitExceeded)
}

func TestWebhookDepositThenBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	deposit, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:       f.order.ID,
		Gateway:       models.GatewayOrangeMoney,
		IsPartial:     true,
		CustomerPhone: "+237670000001",
	})
	require.NoError(t, err)

	f.deliverWebhook(t, deposit, models.PaymentStatusSuccess)

	got, _, err := f.machine.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPartiallyPaid, got.Status)

	balance, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:       f.order.ID,
		Gateway:       models.GatewayOrangeMoney,
		CustomerPhone: "+237670000001",
	})
	require.NoError(t, err)
	assert.True(t, f.order.TotalAmount.Sub(deposit.Amount).Equal(balance.Amount))

	f.deliverWebhook(t, balance, models.PaymentStatusSuccess)

	got, _, err = f.machine.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaidFull, got.Status)
}

func TestWebhookDuplicateDeliveryIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	intent, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:       f.order.ID,
		Gateway:       models.GatewayOrangeMoney,
		IsPartial:     true,
		CustomerPhone: "+237670000001",
	})
	require.NoError(t, err)

	f.deliverWebhook(t, intent, models.PaymentStatusSuccess)
	f.deliverWebhook(t, intent, models.PaymentStatusSuccess)

	// Same-event reprocessing is also a no-op.
	require.NoError(t, f.orch.ProcessWebhookEvent(ctx, f.publisher.Events[0]))

	history, err := f.machine.GetHistory(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2) // created + partially_paid, nothing more

	cumulative, err := f.mem.SumSucceededPayments(ctx, f.order.ID)
	require.NoError(t, err)
	assert.True(t, intent.Amount.Equal(cumulative), "cumulative %s", cumulative)
}

func TestWebhookOnCancelledOrderRecordsPaymentOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	intent, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:       f.order.ID,
		Gateway:       models.GatewayOrangeMoney,
		IsPartial:     true,
		CustomerPhone: "+237670000001",
	})
	require.NoError(t, err)

	require.NoError(t, f.machine.Cancel(ctx, f.order.ID, "cancelled before webhook", "u1"))

	f.deliverWebhook(t, intent, models.PaymentStatusSuccess)

	// Money is recorded for the refund flow; the order stays cancelled.
	stored, err := f.mem.GetPaymentByID(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, stored.Status)

	got, _, err := f.machine.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
}

func TestWebhookFailureIncrementsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	intent, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:       f.order.ID,
		Gateway:       models.GatewayOrangeMoney,
		IsPartial:     true,
		CustomerPhone: "+237670000001",
	})
	require.NoError(t, err)

	f.deliverWebhook(t, intent, models.PaymentStatusFailed)

	stored, err := f.mem.GetPaymentByID(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)

	got, _, err := f.machine.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, got.Status)
}

func TestWebhookMalformedPayloadPermanentlyParked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.orch.HandleWebhook(ctx, models.GatewayOrangeMoney, []byte(`not json`), ""))
	require.NotEmpty(t, f.publisher.Events)
	eventID := f.publisher.Events[0]

	require.NoError(t, f.orch.ProcessWebhookEvent(ctx, eventID))

	ev, err := f.mem.GetWebhookEvent(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	assert.NotEmpty(t, ev.ProcessingError)
}

func TestWebhookUnknownPaymentDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload, _ := json.Marshal(fakeWebhook{
		Reference: "no-such-reference",
		TxID:      "no-such-tx",
		Status:    models.PaymentStatusSuccess,
	})
	require.NoError(t, f.orch.HandleWebhook(ctx, models.GatewayOrangeMoney, payload, ""))
	eventID := f.publisher.Events[0]

	require.NoError(t, f.orch.ProcessWebhookEvent(ctx, eventID))

	ev, err := f.mem.GetWebhookEvent(ctx, eventID)
	require.NoError(t, err)
	assert.True(t, ev.Processed)
}

func TestConfirmPaymentPollsGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	intent, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:       f.order.ID,
		Gateway:       models.GatewayOrangeMoney,
		IsPartial:     true,
		CustomerPhone: "+237670000001",
	})
	require.NoError(t, err)

	f.gw.confirmRes = &gateway.Result{
		Status:               models.PaymentStatusSuccess,
		GatewayTransactionID: "om_1",
	}

	p, err := f.orch.ConfirmPayment(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, p.Status)

	got, _, err := f.machine.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPartiallyPaid, got.Status)
}

func TestMarkCashCollected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	intent, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID: f.order.ID,
		Gateway: models.GatewayCashOnDelivery,
	})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, intent.Status)

	require.NoError(t, f.orch.MarkCashCollected(ctx, intent.PaymentID, "courier-7"))

	stored, err := f.mem.GetPaymentByID(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, stored.Status)

	got, _, err := f.machine.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaidFull, got.Status)
}

func TestMarkCashCollectedRejectsOtherGateways(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	intent, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:       f.order.ID,
		Gateway:       models.GatewayOrangeMoney,
		CustomerPhone: "+237670000001",
	})
	require.NoError(t, err)

	err = f.orch.MarkCashCollected(ctx, intent.PaymentID, "courier-7")
	assert.ErrorIs(t, err, apperr.ErrUnsupportedGateway)
}

func TestRefundWithoutRefunderRecordsManually(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	intent, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:       f.order.ID,
		Gateway:       models.GatewayOrangeMoney,
		CustomerPhone: "+237670000001",
	})
	require.NoError(t, err)
	f.deliverWebhook(t, intent, models.PaymentStatusSuccess)

	require.NoError(t, f.orch.Refund(ctx, intent.PaymentID, "order returned"))

	stored, err := f.mem.GetPaymentByID(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, stored.Status)
}

func TestRefundRequiresSucceededPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	intent, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:       f.order.ID,
		Gateway:       models.GatewayOrangeMoney,
		CustomerPhone: "+237670000001",
	})
	require.NoError(t, err)

	err = f.orch.Refund(ctx, intent.PaymentID, "not settled yet")
	assert.Error(t, err)
}

func TestSweepReprocessesStaleEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	intent, err := f.orch.CreatePayment(ctx, &CreatePaymentRequest{
		OrderID:       f.order.ID,
		Gateway:       models.GatewayOrangeMoney,
		IsPartial:     true,
		CustomerPhone: "+237670000001",
	})
	require.NoError(t, err)

	// Simulate a webhook whose Kafka handoff was lost: stored but never
	// processed, received in the past.
	payload, _ := json.Marshal(fakeWebhook{
		Reference: intent.ReferenceID,
		TxID:      "om_1",
		Status:    models.PaymentStatusSuccess,
	})
	ev := &models.PaymentWebhookEvent{
		ID:         "stale-1",
		Gateway:    models.GatewayOrangeMoney,
		Payload:    payload,
		ReceivedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, f.mem.SaveWebhookEvent(ctx, ev))

	n, err := f.orch.SweepUnprocessedWebhooks(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.mem.GetPaymentByID(ctx, intent.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusSuccess, stored.Status)
}
