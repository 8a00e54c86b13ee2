package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

// StripeProcessor implements Processor over Stripe PaymentIntents.
type StripeProcessor struct {
	api           *client.API
	webhookSecret string
}

func NewStripeProcessor(secretKey, webhookSecret string) *StripeProcessor {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProcessor{api: api, webhookSecret: webhookSecret}
}

func (s *StripeProcessor) CreateIntent(ctx context.Context, p IntentParams) (Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(strings.ToLower(p.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.AddMetadata("order_id", p.OrderID)
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe create intent: %w", err)
	}
	return fromStripe(pi), nil
}

func (s *StripeProcessor) GetIntent(ctx context.Context, id string) (Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(id, params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe get intent: %w", err)
	}
	return fromStripe(pi), nil
}

func (s *StripeProcessor) CancelIntent(ctx context.Context, id string) (Intent, error) {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Cancel(id, params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe cancel intent: %w", err)
	}
	return fromStripe(pi), nil
}

// ParseWebhook verifies the Stripe-Signature header and extracts the intent id.
func (s *StripeProcessor) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	if s.webhookSecret == "" {
		return WebhookEvent{}, fmt.Errorf("%w: webhook secret not configured", ErrInvalidWebhook)
	}
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	out := WebhookEvent{ID: event.ID, Type: string(event.Type)}
	if strings.HasPrefix(out.Type, "payment_intent.") && event.Data != nil {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: decode intent: %v", ErrInvalidWebhook, err)
		}
		out.IntentID = pi.ID
	}
	return out, nil
}

func fromStripe(pi *stripe.PaymentIntent) Intent {
	out := Intent{
		ID:           pi.ID,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		ClientSecret: pi.ClientSecret,
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		out.Status = IntentSucceeded
	case stripe.PaymentIntentStatusCanceled:
		out.Status = IntentCanceled
	case stripe.PaymentIntentStatusProcessing, stripe.PaymentIntentStatusRequiresCapture:
		out.Status = IntentProcessing
	default:
		out.Status = IntentRequiresPayment
	}
	if pi.LastPaymentError != nil {
		out.LastError = pi.LastPaymentError.Msg
		if out.LastError == "" {
			out.LastError = string(pi.LastPaymentError.Code)
		}
	}
	return out
}
