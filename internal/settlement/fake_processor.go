package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// FakeProcessor is an in-memory card processor for local runs and tests.
// Intents start in requires_payment; tests drive them with Settle, Decline
// and Tamper.
type FakeProcessor struct {
	// CreateErr, when set, fails CreateIntent.
	CreateErr error

	mu      sync.Mutex
	intents map[string]*Intent
	byKey   map[string]string
	creates int
}

func NewFakeProcessor() *FakeProcessor {
	return &FakeProcessor{intents: make(map[string]*Intent), byKey: make(map[string]string)}
}

func (f *FakeProcessor) CreateIntent(_ context.Context, p IntentParams) (Intent, error) {
	if f.CreateErr != nil {
		return Intent{}, f.CreateErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byKey[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		return *f.intents[id], nil
	}
	f.creates++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", p.OrderID, f.creates)))
	id := "pi_" + hex.EncodeToString(sum[:12])
	intent := &Intent{
		ID:           id,
		Amount:       p.Amount,
		Currency:     strings.ToLower(p.Currency),
		Status:       IntentRequiresPayment,
		ClientSecret: id + "_secret_" + hex.EncodeToString(sum[12:20]),
	}
	f.intents[id] = intent
	if p.IdempotencyKey != "" {
		f.byKey[p.IdempotencyKey] = id
	}
	return *intent, nil
}

func (f *FakeProcessor) GetIntent(_ context.Context, id string) (Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent, ok := f.intents[id]
	if !ok {
		return Intent{}, fmt.Errorf("no such intent %s", id)
	}
	return *intent, nil
}

func (f *FakeProcessor) CancelIntent(_ context.Context, id string) (Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent, ok := f.intents[id]
	if !ok {
		return Intent{}, fmt.Errorf("no such intent %s", id)
	}
	if intent.Status != IntentSucceeded {
		intent.Status = IntentCanceled
	}
	return *intent, nil
}

// ParseWebhook accepts {"id","type","intent"} payloads. The signature must be
// the hex sha256 of the payload.
func (f *FakeProcessor) ParseWebhook(payload []byte, signature string) (WebhookEvent, error) {
	sum := sha256.Sum256(payload)
	if signature != hex.EncodeToString(sum[:]) {
		return WebhookEvent{}, ErrInvalidWebhook
	}
	var body struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Intent string `json:"intent"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	return WebhookEvent{ID: body.ID, Type: body.Type, IntentID: body.Intent}, nil
}

// Settle marks the intent paid.
func (f *FakeProcessor) Settle(id string) {
	f.set(id, func(i *Intent) { i.Status = IntentSucceeded })
}

// Decline records a failed payment attempt.
func (f *FakeProcessor) Decline(id string) {
	f.set(id, func(i *Intent) { i.LastError = "card_declined" })
}

// Tamper changes the captured amount.
func (f *FakeProcessor) Tamper(id string, amount int64) {
	f.set(id, func(i *Intent) { i.Amount = amount })
}

// Intents returns the ids created so far.
func (f *FakeProcessor) Intents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.intents))
	for id := range f.intents {
		out = append(out, id)
	}
	return out
}

func (f *FakeProcessor) set(id string, fn func(*Intent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if intent, ok := f.intents[id]; ok {
		fn(intent)
	}
}
