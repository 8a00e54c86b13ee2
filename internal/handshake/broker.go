package handshake

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eyepyon/airzone-sub000/internal/domain"
	"github.com/eyepyon/airzone-sub000/internal/events"
	"github.com/eyepyon/airzone-sub000/internal/ledger"
	"github.com/eyepyon/airzone-sub000/internal/metrics"
)

// Rejection and expiry reasons recorded on the handshake.
const (
	ReasonDeclined          = "declined"
	ReasonInvalidAddress    = "invalid_address"
	ReasonSignatureRequired = "signature_required"
	ReasonSignatureMismatch = "signature_mismatch"
	ReasonTimedOut          = "timed_out"
	ReasonCancelled         = "cancelled"
)

// Signal is the signing application's answer.
type Signal struct {
	Signed    bool   `json:"signed"`
	Account   string `json:"account,omitempty"`
	Signature string `json:"signature,omitempty"`
}

type Config struct {
	TTL              time.Duration
	Retention        time.Duration
	DeepLinkScheme   string
	PublicBaseURL    string
	RequireSignature bool
}

// snapshot is never mutated after it is published.
type snapshot struct {
	status    domain.HandshakeStatus
	address   string
	reason    string
	updatedAt time.Time
}

type entry struct {
	base  domain.WalletHandshake
	state atomic.Pointer[snapshot]
	done  chan struct{}
	timer *time.Timer

	mu     sync.Mutex
	nextID int
	subs   map[int]chan domain.WalletHandshake
}

func (e *entry) view() domain.WalletHandshake {
	return e.viewOf(e.state.Load())
}

func (e *entry) viewOf(s *snapshot) domain.WalletHandshake {
	hs := e.base
	hs.Status = s.status
	hs.Address = s.address
	hs.Reason = s.reason
	return hs
}

// Broker correlates wallet handshakes with signing-app responses. State lives
// in memory; a handshake outlives its hard deadline only until the janitor
// discards it.
type Broker struct {
	cfg     Config
	metrics *metrics.Registry
	events  *events.Emitter
	logger  *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

func NewBroker(cfg Config, m *metrics.Registry, em *events.Emitter, logger *slog.Logger) *Broker {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 2 * time.Minute
	}
	if cfg.DeepLinkScheme == "" {
		cfg.DeepLinkScheme = "airzone"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cfg:     cfg,
		metrics: m,
		events:  em,
		logger:  logger.With("component", "handshake"),
		entries: make(map[string]*entry),
	}
}

func (b *Broker) issue(principal string, strategy Strategy) (domain.WalletHandshake, error) {
	if principal == "" {
		return domain.WalletHandshake{}, domain.Validationf("principal is required")
	}
	if !strategy.Valid() {
		return domain.WalletHandshake{}, domain.Validationf("unknown handshake strategy %q", strategy)
	}
	challenge := make([]byte, 16)
	if _, err := rand.Read(challenge); err != nil {
		return domain.WalletHandshake{}, fmt.Errorf("generate challenge: %w", err)
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	hs := domain.WalletHandshake{
		ID:        id,
		Principal: principal,
		Strategy:  string(strategy),
		Challenge: hex.EncodeToString(challenge),
		CreatedAt: now,
		ExpiresAt: now.Add(b.cfg.TTL),
	}
	if strategy == StrategyDeepLinkQR {
		hs.DeepLink = b.deepLink(hs)
	}

	e := &entry{base: hs, done: make(chan struct{}), subs: make(map[int]chan domain.WalletHandshake)}
	e.state.Store(&snapshot{status: domain.HandshakeIssued, updatedAt: now})
	e.timer = time.AfterFunc(b.cfg.TTL, func() {
		b.expire(e, ReasonTimedOut)
	})

	b.mu.Lock()
	b.entries[id] = e
	b.mu.Unlock()

	b.logger.Info("handshake_issued", "handshake_id", id, "strategy", strategy, "principal", principal)
	return e.view(), nil
}

func (b *Broker) deepLink(hs domain.WalletHandshake) string {
	q := url.Values{}
	q.Set("id", hs.ID)
	q.Set("challenge", hs.Challenge)
	if b.cfg.PublicBaseURL != "" {
		q.Set("callback", b.cfg.PublicBaseURL+"/api/v1/handshakes/"+hs.ID+"/signal")
	}
	return b.cfg.DeepLinkScheme + "://sign?" + q.Encode()
}

// ChallengeMessage is the text the signing app signs with personal_sign.
func ChallengeMessage(hs domain.WalletHandshake) string {
	return fmt.Sprintf("Airzone wallet link\nid: %s\nchallenge: %s", hs.ID, hs.Challenge)
}

func (b *Broker) lookup(id string) (*entry, error) {
	b.mu.RLock()
	e, ok := b.entries[id]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("handshake %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

func (b *Broker) owned(principal, id string) (*entry, error) {
	e, err := b.lookup(id)
	if err != nil {
		return nil, err
	}
	if e.base.Principal != principal {
		return nil, fmt.Errorf("handshake %s: %w", id, domain.ErrNotFound)
	}
	return e, nil
}

// Get returns the handshake if principal owns it.
func (b *Broker) Get(principal, id string) (domain.WalletHandshake, error) {
	e, err := b.owned(principal, id)
	if err != nil {
		return domain.WalletHandshake{}, err
	}
	return e.view(), nil
}

// Lookup returns the handshake without an ownership check; used by the
// signing-app channel, which knows only the correlation id.
func (b *Broker) Lookup(id string) (domain.WalletHandshake, error) {
	e, err := b.lookup(id)
	if err != nil {
		return domain.WalletHandshake{}, err
	}
	return e.view(), nil
}

// transition moves the handshake from an open state to next. It fails when
// the handshake is already terminal. Only one terminal transition wins.
func (b *Broker) transition(e *entry, next snapshot) (domain.WalletHandshake, bool) {
	next.updatedAt = time.Now().UTC()
	if next.status == domain.HandshakeSigned && !next.updatedAt.Before(e.base.ExpiresAt) {
		next = snapshot{status: domain.HandshakeExpired, reason: ReasonTimedOut, updatedAt: next.updatedAt}
	}
	n := &next
	for {
		cur := e.state.Load()
		if cur.status.Terminal() {
			return e.viewOf(cur), false
		}
		if e.state.CompareAndSwap(cur, n) {
			break
		}
	}

	hs := e.viewOf(n)
	b.publish(e, hs)
	if hs.Status.Terminal() {
		e.timer.Stop()
		b.metrics.IncHandshake(hs.Strategy, string(hs.Status))
		b.events.Emit(context.Background(), domain.EventHandshakeResolved, hs.ID, hs.Principal, map[string]any{
			"status": hs.Status, "reason": hs.Reason,
		})
		b.logger.Info("handshake_resolved", "handshake_id", hs.ID, "status", hs.Status, "reason", hs.Reason)
	}
	return hs, true
}

func (b *Broker) expire(e *entry, reason string) (domain.WalletHandshake, bool) {
	return b.transition(e, snapshot{status: domain.HandshakeExpired, reason: reason})
}

// Open records that the signing app attached to the handshake.
func (b *Broker) Open(id string) (domain.WalletHandshake, error) {
	e, err := b.lookup(id)
	if err != nil {
		return domain.WalletHandshake{}, err
	}
	if time.Now().After(e.base.ExpiresAt) {
		b.expire(e, ReasonTimedOut)
		return e.view(), domain.ErrHandshakeExpired
	}
	cur := e.state.Load()
	if cur.status != domain.HandshakeIssued {
		return e.view(), nil
	}
	hs, _ := b.transition(e, snapshot{status: domain.HandshakePendingSignature})
	return hs, nil
}

// Signal applies the signing app's answer. Signals arriving after the
// handshake resolved are discarded with ErrInvalidTransition.
func (b *Broker) Signal(id string, sig Signal) (domain.WalletHandshake, error) {
	e, err := b.lookup(id)
	if err != nil {
		return domain.WalletHandshake{}, err
	}
	if e.state.Load().status.Terminal() {
		b.logger.Warn("handshake_signal_discarded", "handshake_id", id, "status", e.state.Load().status)
		return e.view(), fmt.Errorf("handshake %s already resolved: %w", id, domain.ErrInvalidTransition)
	}
	if time.Now().After(e.base.ExpiresAt) {
		hs, _ := b.expire(e, ReasonTimedOut)
		return hs, domain.ErrHandshakeExpired
	}

	next := b.evaluate(e.base, sig)
	hs, ok := b.transition(e, next)
	if !ok {
		return hs, fmt.Errorf("handshake %s already resolved: %w", id, domain.ErrInvalidTransition)
	}
	switch hs.Status {
	case domain.HandshakeExpired:
		return hs, domain.ErrHandshakeExpired
	case domain.HandshakeRejected:
		return hs, fmt.Errorf("%w: %s", domain.ErrHandshakeRejected, hs.Reason)
	}
	return hs, nil
}

func (b *Broker) evaluate(hs domain.WalletHandshake, sig Signal) snapshot {
	if !sig.Signed {
		return snapshot{status: domain.HandshakeRejected, reason: ReasonDeclined}
	}
	addr, err := ledger.NormalizeAddress(sig.Account)
	if err != nil {
		return snapshot{status: domain.HandshakeRejected, reason: ReasonInvalidAddress}
	}
	if sig.Signature == "" {
		if b.cfg.RequireSignature || Strategy(hs.Strategy) == StrategyExtension {
			return snapshot{status: domain.HandshakeRejected, reason: ReasonSignatureRequired}
		}
		return snapshot{status: domain.HandshakeSigned, address: addr}
	}
	if err := ledger.VerifySignature(addr, ChallengeMessage(hs), sig.Signature); err != nil {
		return snapshot{status: domain.HandshakeRejected, reason: ReasonSignatureMismatch}
	}
	return snapshot{status: domain.HandshakeSigned, address: addr}
}

func (b *Broker) await(ctx context.Context, e *entry, timeout time.Duration) (domain.WalletHandshake, error) {
	var wait <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		wait = t.C
	}
	deadline := time.NewTimer(time.Until(e.base.ExpiresAt))
	defer deadline.Stop()

	select {
	case <-e.done:
	case <-deadline.C:
		b.expire(e, ReasonTimedOut)
	case <-wait:
		return e.view(), domain.ErrHandshakePending
	case <-ctx.Done():
		return e.view(), ctx.Err()
	}
	return resolution(e.view())
}

func resolution(hs domain.WalletHandshake) (domain.WalletHandshake, error) {
	switch hs.Status {
	case domain.HandshakeSigned:
		return hs, nil
	case domain.HandshakeRejected:
		return hs, fmt.Errorf("%w: %s", domain.ErrHandshakeRejected, hs.Reason)
	case domain.HandshakeExpired:
		return hs, domain.ErrHandshakeExpired
	}
	return hs, domain.ErrHandshakePending
}

func (b *Broker) cancel(principal, id string) (domain.WalletHandshake, error) {
	e, err := b.owned(principal, id)
	if err != nil {
		return domain.WalletHandshake{}, err
	}
	hs, ok := b.expire(e, ReasonCancelled)
	if !ok {
		return hs, fmt.Errorf("handshake %s already resolved: %w", id, domain.ErrInvalidTransition)
	}
	return hs, nil
}

// ResolvedAddress returns the address of a signed handshake owned by
// principal.
func (b *Broker) ResolvedAddress(principal, id string) (string, error) {
	e, err := b.owned(principal, id)
	if err != nil {
		return "", err
	}
	hs, err := resolution(e.view())
	if err != nil {
		return "", err
	}
	return hs.Address, nil
}

// Subscribe streams every state change of the handshake, starting with the
// current state. The channel is closed once the handshake is terminal.
func (b *Broker) Subscribe(id string) (<-chan domain.WalletHandshake, func(), error) {
	e, err := b.lookup(id)
	if err != nil {
		return nil, nil, err
	}
	ch := make(chan domain.WalletHandshake, 4)

	e.mu.Lock()
	defer e.mu.Unlock()
	ch <- e.view()
	select {
	case <-e.done:
		close(ch)
		return ch, func() {}, nil
	default:
	}
	sub := e.nextID
	e.nextID++
	e.subs[sub] = ch

	unsubscribe := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if c, ok := e.subs[sub]; ok {
			delete(e.subs, sub)
			close(c)
		}
	}
	return ch, unsubscribe, nil
}

// publish pushes hs to subscribers. A terminal state closes done and every
// subscriber channel.
func (b *Broker) publish(e *entry, hs domain.WalletHandshake) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- hs:
		default:
			// slow subscriber: drop the oldest update, keep the newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- hs:
			default:
			}
		}
	}
	if !hs.Status.Terminal() {
		return
	}
	close(e.done)
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
}

// RunJanitor discards terminal handshakes older than the retention window.
func (b *Broker) RunJanitor(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := b.Sweep(time.Now()); n > 0 {
				b.logger.Debug("handshakes_discarded", "count", n)
			}
		}
	}
}

// Sweep removes terminal handshakes resolved before now minus retention.
func (b *Broker) Sweep(now time.Time) int {
	cutoff := now.Add(-b.cfg.Retention)
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, e := range b.entries {
		s := e.state.Load()
		if s.status.Terminal() && s.updatedAt.Before(cutoff) {
			delete(b.entries, id)
			removed++
		}
	}
	return removed
}
