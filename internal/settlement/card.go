package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/eyepyon/airzone-sub000/internal/domain"
)

// IntentStatus is the processor-side state of a payment intent.
type IntentStatus string

const (
	IntentRequiresPayment IntentStatus = "requires_payment"
	IntentProcessing      IntentStatus = "processing"
	IntentSucceeded       IntentStatus = "succeeded"
	IntentCanceled        IntentStatus = "canceled"
)

type Intent struct {
	ID           string
	Amount       int64
	Currency     string
	Status       IntentStatus
	ClientSecret string
	// LastError is set when the most recent payment attempt was declined.
	LastError string
}

type IntentParams struct {
	OrderID        string
	Amount         int64
	Currency       string
	IdempotencyKey string
}

// Processor is the card processor surface the card rail needs.
type Processor interface {
	CreateIntent(ctx context.Context, p IntentParams) (Intent, error)
	GetIntent(ctx context.Context, id string) (Intent, error)
	CancelIntent(ctx context.Context, id string) (Intent, error)
}

// WebhookEvent is a verified processor notification.
type WebhookEvent struct {
	ID       string
	Type     string
	IntentID string
}

// WebhookVerifier authenticates processor callbacks.
type WebhookVerifier interface {
	ParseWebhook(payload []byte, signature string) (WebhookEvent, error)
}

var ErrInvalidWebhook = errors.New("invalid webhook signature or payload")

// CardRail settles through a card processor payment intent.
type CardRail struct {
	processor Processor
	logger    *slog.Logger
}

func NewCardRail(p Processor, logger *slog.Logger) *CardRail {
	if logger == nil {
		logger = slog.Default()
	}
	return &CardRail{processor: p, logger: logger}
}

func (c *CardRail) Rail() domain.Rail { return domain.RailCard }

// Begin creates the payment intent. The idempotency key is derived from the
// order id so a repeated Begin for one order reuses the same intent.
func (c *CardRail) Begin(ctx context.Context, order domain.Order) (domain.SettlementRecord, error) {
	if order.Total <= 0 {
		return domain.SettlementRecord{}, domain.Validationf("order total must be positive")
	}
	rec := newRecord(order, domain.RailCard)
	rec.Amount = strconv.FormatInt(order.Total, 10)
	rec.Unit = strings.ToUpper(order.Currency)

	intent, err := c.processor.CreateIntent(ctx, IntentParams{
		OrderID:        order.ID,
		Amount:         order.Total,
		Currency:       order.Currency,
		IdempotencyKey: "settlement:" + order.ID,
	})
	if err != nil {
		c.logger.Warn("card_intent_failed", "order_id", order.ID, "error", err)
		rec.Fail(domain.ReasonProcessorError)
		return rec, nil
	}
	rec.ExternalRef = intent.ID
	rec.ClientSecret = intent.ClientSecret
	rec.Status = domain.SettlementProcessing
	return rec, nil
}

// Confirm checks the intent. Success requires the captured amount and
// currency to match the record exactly.
func (c *CardRail) Confirm(ctx context.Context, rec domain.SettlementRecord) (domain.SettlementRecord, error) {
	if rec.Status.Terminal() {
		return rec, nil
	}
	intent, err := c.processor.GetIntent(ctx, rec.ExternalRef)
	if err != nil {
		return rec, fmt.Errorf("%w: get intent: %v", domain.ErrTransient, err)
	}
	switch intent.Status {
	case IntentSucceeded:
		want, err := strconv.ParseInt(rec.Amount, 10, 64)
		if err != nil || intent.Amount != want || !strings.EqualFold(intent.Currency, rec.Unit) {
			c.logger.Error("card_amount_mismatch", "order_id", rec.OrderID, "intent_id", intent.ID,
				"want", rec.Amount, "got", intent.Amount, "currency", intent.Currency)
			rec.Fail(domain.ReasonAmountMismatch)
			break
		}
		rec.Status = domain.SettlementSucceeded
	case IntentCanceled:
		rec.Status = domain.SettlementCancelled
		rec.ReasonCode = domain.ReasonCancelled
	case IntentRequiresPayment:
		if intent.LastError != "" {
			rec.Fail(domain.ReasonPaymentDeclined)
		}
	}
	touch(&rec)
	return rec, nil
}

func (c *CardRail) Cancel(ctx context.Context, rec domain.SettlementRecord) (domain.SettlementRecord, error) {
	if rec.Status.Terminal() {
		return rec, nil
	}
	if rec.ExternalRef != "" {
		intent, err := c.processor.CancelIntent(ctx, rec.ExternalRef)
		if err != nil {
			return rec, fmt.Errorf("%w: cancel intent: %v", domain.ErrTransient, err)
		}
		if intent.Status == IntentSucceeded {
			return rec, fmt.Errorf("%w: intent already captured", domain.ErrConflict)
		}
	}
	rec.Status = domain.SettlementCancelled
	rec.ReasonCode = domain.ReasonCancelled
	touch(&rec)
	return rec, nil
}

// ParseWebhook delegates to the processor when it can verify callbacks.
func (c *CardRail) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	v, ok := c.processor.(WebhookVerifier)
	if !ok {
		return WebhookEvent{}, fmt.Errorf("%w: processor cannot verify webhooks", ErrInvalidWebhook)
	}
	return v.ParseWebhook(payload, signature)
}
