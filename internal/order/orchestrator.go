package order

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/eyepyon/airzone-sub000/internal/domain"
	"github.com/eyepyon/airzone-sub000/internal/events"
	"github.com/eyepyon/airzone-sub000/internal/idempotency"
	"github.com/eyepyon/airzone-sub000/internal/ledger"
	"github.com/eyepyon/airzone-sub000/internal/metrics"
	"github.com/eyepyon/airzone-sub000/internal/settlement"
	"github.com/eyepyon/airzone-sub000/internal/store"
	"github.com/eyepyon/airzone-sub000/internal/tasks"
)

// CodeIneligibleAfterSettlement marks an order whose payment succeeded after
// the principal lost eligibility for an item. The settlement is kept for
// refund handling.
const CodeIneligibleAfterSettlement = "ineligible_after_settlement"

// MaxQuantity bounds a single line item.
const MaxQuantity = 10_000

// AddressResolver yields the ledger address of a signed wallet handshake.
type AddressResolver interface {
	ResolvedAddress(principal, handshakeID string) (string, error)
}

type ItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type CheckoutRequest struct {
	Principal        string
	Locale           string
	Items            []ItemRequest
	Rail             domain.Rail
	Recipient        string
	HandshakeID      string
	IdempotencyToken string
}

type CheckoutResult struct {
	Order        domain.Order            `json:"order"`
	Settlement   domain.SettlementRecord `json:"settlement"`
	ClientSecret string                  `json:"clientSecret,omitempty"`
	Replayed     bool                    `json:"replayed"`
}

// ItemView is the fulfilment state of one asset-bearing line item.
type ItemView struct {
	ItemIndex int                 `json:"itemIndex"`
	Task      *domain.Task        `json:"task,omitempty"`
	Asset     *domain.MintedAsset `json:"asset,omitempty"`
}

type View struct {
	Order      domain.Order             `json:"order"`
	Settlement *domain.SettlementRecord `json:"settlement,omitempty"`
	Items      []ItemView               `json:"items"`
}

type Config struct {
	Currency          string
	DedupeWindow      time.Duration
	MaxRetries        int
	SettlementMaxWait time.Duration
}

// Orchestrator owns the order state machine: checkout, settlement and the
// hand-off to the minting worker.
type Orchestrator struct {
	cfg         Config
	orders      store.Orders
	settlements store.Settlements
	assets      store.Assets
	catalog     store.Catalog
	tasks       tasks.Ledger
	rails       settlement.Registry
	idem        idempotency.Store
	wallets     AddressResolver
	metrics     *metrics.Registry
	events      *events.Emitter
	logger      *slog.Logger

	flight singleflight.Group
	bg     sync.WaitGroup
}

type Deps struct {
	Repos   store.Repositories
	Tasks   tasks.Ledger
	Rails   settlement.Registry
	Idem    idempotency.Store
	Wallets AddressResolver
	Metrics *metrics.Registry
	Events  *events.Emitter
	Logger  *slog.Logger
}

func New(cfg Config, d Deps) *Orchestrator {
	if cfg.Currency == "" {
		cfg.Currency = "JPY"
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 24 * time.Hour
	}
	if cfg.SettlementMaxWait <= 0 {
		cfg.SettlementMaxWait = 2 * time.Minute
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:         cfg,
		orders:      d.Repos.Orders,
		settlements: d.Repos.Settlements,
		assets:      d.Repos.Assets,
		catalog:     d.Repos.Catalog,
		tasks:       d.Tasks,
		rails:       d.Rails,
		idem:        d.Idem,
		wallets:     d.Wallets,
		metrics:     d.Metrics,
		events:      d.Events,
		logger:      logger.With("component", "orders"),
	}
}

// Wait blocks until background settlement confirmations have finished.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// Checkout validates the cart, creates the order and starts settlement.
// Repeating a checkout with the same idempotency token, or the same cart
// within the dedupe window, returns the original order.
func (o *Orchestrator) Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	if err := o.validate(req); err != nil {
		o.metrics.IncCheckout("invalid")
		return CheckoutResult{}, err
	}
	recipient, err := o.recipient(req)
	if err != nil {
		o.metrics.IncCheckout("invalid")
		return CheckoutResult{}, err
	}

	fingerprint := cartFingerprint(req, recipient)
	key := "checkout:cart:" + req.Principal + ":" + fingerprint
	if req.IdempotencyToken != "" {
		key = "checkout:token:" + req.IdempotencyToken
	}

	// a known key replays the original order whatever the catalog says now
	if res, ok, err := o.replayExisting(ctx, req.Principal, key, fingerprint); ok || err != nil {
		if err != nil {
			o.metrics.IncCheckout("error")
			return CheckoutResult{}, err
		}
		o.metrics.IncCheckout("replayed")
		return res, nil
	}

	items, total, err := o.price(ctx, req.Items)
	if err != nil {
		o.metrics.IncCheckout("invalid")
		return CheckoutResult{}, err
	}
	if err := o.checkEligible(ctx, req.Principal, req.Locale, items); err != nil {
		o.metrics.IncCheckout("ineligible")
		return CheckoutResult{}, err
	}

	v, err, _ := o.flight.Do(key, func() (any, error) {
		return o.checkout(ctx, req, key, fingerprint, recipient, items, total)
	})
	if err != nil {
		o.metrics.IncCheckout("error")
		return CheckoutResult{}, err
	}
	res := v.(CheckoutResult)
	if res.Replayed {
		o.metrics.IncCheckout("replayed")
	} else {
		o.metrics.IncCheckout("created")
	}
	return res, nil
}

func (o *Orchestrator) validate(req CheckoutRequest) error {
	if req.Principal == "" {
		return domain.Validationf("principal is required")
	}
	if len(req.Items) == 0 {
		return domain.Validationf("cart is empty")
	}
	for i, it := range req.Items {
		if it.ProductID == "" {
			return domain.Validationf("item %d: product id is required", i)
		}
		if it.Quantity <= 0 {
			return domain.Validationf("item %d: quantity must be positive", i)
		}
		if it.Quantity > MaxQuantity {
			return domain.Validationf("item %d: quantity exceeds %d", i, MaxQuantity)
		}
	}
	if !req.Rail.Valid() {
		return domain.Validationf("unknown settlement rail %q", req.Rail)
	}
	if _, ok := o.rails.For(req.Rail); !ok {
		return domain.Validationf("settlement rail %q is not available", req.Rail)
	}
	if (req.Recipient == "") == (req.HandshakeID == "") {
		return domain.Validationf("exactly one of recipient or handshake id is required")
	}
	return nil
}

func (o *Orchestrator) recipient(req CheckoutRequest) (string, error) {
	if req.HandshakeID != "" {
		if o.wallets == nil {
			return "", domain.Validationf("wallet handshakes are not available")
		}
		addr, err := o.wallets.ResolvedAddress(req.Principal, req.HandshakeID)
		if err != nil {
			return "", fmt.Errorf("%w: handshake %s: %w", domain.ErrValidation, req.HandshakeID, err)
		}
		return addr, nil
	}
	addr, err := ledger.NormalizeAddress(req.Recipient)
	if err != nil {
		return "", fmt.Errorf("%w: recipient: %w", domain.ErrValidation, err)
	}
	return addr, nil
}

func (o *Orchestrator) price(ctx context.Context, reqItems []ItemRequest) ([]domain.LineItem, int64, error) {
	items := make([]domain.LineItem, 0, len(reqItems))
	var total int64
	for _, it := range reqItems {
		p, err := o.catalog.Product(ctx, it.ProductID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, 0, domain.Validationf("unknown product %q", it.ProductID)
		}
		if err != nil {
			return nil, 0, err
		}
		if !strings.EqualFold(p.Currency, o.cfg.Currency) {
			return nil, 0, domain.Validationf("product %q is priced in %s", p.ID, p.Currency)
		}
		if p.UnitPrice <= 0 {
			return nil, 0, domain.Validationf("product %q has no price", p.ID)
		}
		if int64(it.Quantity) > math.MaxInt64/p.UnitPrice {
			return nil, 0, domain.Validationf("item %q: subtotal overflows", p.ID)
		}
		sub := p.UnitPrice * int64(it.Quantity)
		if total > math.MaxInt64-sub {
			return nil, 0, domain.Validationf("order total overflows")
		}
		items = append(items, domain.LineItem{
			ProductID:  p.ID,
			Quantity:   it.Quantity,
			UnitPrice:  p.UnitPrice,
			Subtotal:   sub,
			MintsAsset: p.MintsAsset,
		})
		total += sub
	}
	if total <= 0 {
		return nil, 0, domain.Validationf("order total must be positive")
	}
	return items, total, nil
}

// checkEligible rejects the whole cart when any item is restricted for the
// principal.
func (o *Orchestrator) checkEligible(ctx context.Context, principal, locale string, items []domain.LineItem) error {
	holdings, err := o.catalog.Holdings(ctx, principal)
	if err != nil {
		return fmt.Errorf("load holdings: %w", err)
	}
	if holdings.Locale == "" {
		holdings.Locale = locale
	}
	for _, it := range items {
		p, err := o.catalog.Product(ctx, it.ProductID)
		if err != nil {
			return err
		}
		if !p.Restriction.Eligible(holdings) {
			return fmt.Errorf("%w: %s", domain.ErrIneligible, p.ID)
		}
	}
	return nil
}

func cartFingerprint(req CheckoutRequest, recipient string) string {
	items := append([]ItemRequest(nil), req.Items...)
	sort.Slice(items, func(i, j int) bool {
		if items[i].ProductID != items[j].ProductID {
			return items[i].ProductID < items[j].ProductID
		}
		return items[i].Quantity < items[j].Quantity
	})
	b, _ := json.Marshal(struct {
		Principal string        `json:"p"`
		Rail      domain.Rail   `json:"r"`
		Recipient string        `json:"to"`
		Items     []ItemRequest `json:"i"`
	}{req.Principal, req.Rail, recipient, items})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (o *Orchestrator) checkout(ctx context.Context, req CheckoutRequest, key, fingerprint, recipient string, items []domain.LineItem, total int64) (CheckoutResult, error) {
	orderID := uuid.NewString()
	rec, created, err := o.idem.Reserve(ctx, key, fingerprint, orderID, o.cfg.DedupeWindow)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("reserve checkout: %w", err)
	}
	if err := idempotency.Check(rec, created, fingerprint); err != nil {
		return CheckoutResult{}, err
	}
	if !created {
		return o.replay(ctx, req.Principal, rec.Reference)
	}

	now := time.Now().UTC()
	ord := domain.Order{
		ID:        orderID,
		Principal: req.Principal,
		Locale:    req.Locale,
		Items:     items,
		Total:     total,
		Currency:  strings.ToUpper(o.cfg.Currency),
		Status:    domain.OrderPending,
		Rail:      req.Rail,
		Recipient: recipient,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.orders.Create(ctx, ord); err != nil {
		if rerr := o.idem.Release(ctx, key, orderID); rerr != nil {
			o.logger.Warn("checkout_release_failed", "key", key, "error", rerr)
		}
		return CheckoutResult{}, fmt.Errorf("create order: %w", err)
	}
	o.logger.Info("order_created", "order_id", ord.ID, "principal", ord.Principal, "rail", ord.Rail, "total", ord.Total)

	ord, err = o.orders.Update(ctx, ord.ID, func(cur *domain.Order) error {
		return advance(cur, domain.OrderProcessing)
	})
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("start order: %w", err)
	}

	adapter, _ := o.rails.For(ord.Rail)
	srec, err := adapter.Begin(ctx, ord)
	if err != nil {
		_, _ = o.finishFailed(ctx, ord.ID, domain.NewFailure(domain.ReasonSubmissionFailed, "Settlement could not be started", err))
		return CheckoutResult{}, fmt.Errorf("%w: %w", domain.ErrSettlementFailed, err)
	}
	if err := o.settlements.Save(ctx, srec); err != nil {
		return CheckoutResult{}, fmt.Errorf("save settlement: %w", err)
	}

	res := CheckoutResult{Order: ord, Settlement: srec, ClientSecret: srec.ClientSecret}
	switch {
	case srec.Status.Terminal():
		ord, err = o.applySettlement(ctx, srec)
		if err != nil {
			return CheckoutResult{}, err
		}
		res.Order = ord
	case ord.Rail == domain.RailLedger:
		o.confirmInBackground(ctx, srec)
	}
	return res, nil
}

// replayExisting returns the order already recorded under key, if any.
func (o *Orchestrator) replayExisting(ctx context.Context, principal, key, fingerprint string) (CheckoutResult, bool, error) {
	rec, err := o.idem.Get(ctx, key)
	if err != nil {
		return CheckoutResult{}, false, fmt.Errorf("lookup checkout: %w", err)
	}
	if rec == nil {
		return CheckoutResult{}, false, nil
	}
	if err := idempotency.Check(*rec, false, fingerprint); err != nil {
		return CheckoutResult{}, false, err
	}
	res, err := o.replay(ctx, principal, rec.Reference)
	if err != nil {
		return CheckoutResult{}, false, err
	}
	return res, true, nil
}

func (o *Orchestrator) replay(ctx context.Context, principal, orderID string) (CheckoutResult, error) {
	ord, err := o.orders.Get(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return CheckoutResult{}, fmt.Errorf("checkout %s: %w", orderID, domain.ErrInProgress)
	}
	if err != nil {
		return CheckoutResult{}, err
	}
	if ord.Principal != principal {
		return CheckoutResult{}, idempotency.ErrFingerprintMismatch
	}
	res := CheckoutResult{Order: ord, Replayed: true}
	srec, err := o.settlements.LatestForOrder(ctx, orderID)
	switch {
	case err == nil:
		res.Settlement = srec
		res.ClientSecret = srec.ClientSecret
	case errors.Is(err, domain.ErrNotFound):
	default:
		return CheckoutResult{}, err
	}
	return res, nil
}

// confirmInBackground waits for ledger finality outside the request. The
// wait is bounded by the settlement max wait.
func (o *Orchestrator) confirmInBackground(ctx context.Context, rec domain.SettlementRecord) {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SettlementMaxWait+30*time.Second)
		defer cancel()
		if _, err := o.confirm(bctx, rec); err != nil {
			o.logger.Error("settlement_confirm_failed", "order_id", rec.OrderID, "settlement_id", rec.ID, "error", err)
		}
	}()
}

// ResumeSettlements restarts the finality wait for ledger transfers left
// unsettled by a previous process. Each wait ends in success or a finality
// timeout like a fresh checkout.
func (o *Orchestrator) ResumeSettlements(ctx context.Context) (int, error) {
	recs, err := o.settlements.Unsettled(ctx, domain.RailLedger)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		o.logger.Info("settlement_resumed", "order_id", rec.OrderID, "settlement_id", rec.ID, "tx_hash", rec.ExternalRef)
		o.confirmInBackground(ctx, rec)
	}
	return len(recs), nil
}

// ConfirmSettlement re-checks the settlement with the given external
// reference and applies the outcome to its order.
func (o *Orchestrator) ConfirmSettlement(ctx context.Context, externalRef string) (domain.Order, error) {
	rec, err := o.settlements.ByExternalRef(ctx, externalRef)
	if err != nil {
		return domain.Order{}, err
	}
	return o.confirm(ctx, rec)
}

// ConfirmOrder is the principal-facing status check for an order's
// latest settlement.
func (o *Orchestrator) ConfirmOrder(ctx context.Context, principal, orderID string) (domain.Order, error) {
	ord, err := o.owned(ctx, principal, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	rec, err := o.settlements.LatestForOrder(ctx, ord.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return ord, nil
	}
	if err != nil {
		return domain.Order{}, err
	}
	return o.confirm(ctx, rec)
}

func (o *Orchestrator) confirm(ctx context.Context, rec domain.SettlementRecord) (domain.Order, error) {
	if !rec.Status.Terminal() {
		adapter, ok := o.rails.For(rec.Rail)
		if !ok {
			return domain.Order{}, fmt.Errorf("no adapter for rail %q", rec.Rail)
		}
		next, err := adapter.Confirm(ctx, rec)
		if err != nil {
			return domain.Order{}, err
		}
		if !next.Status.Terminal() {
			return o.orders.Get(ctx, rec.OrderID)
		}
		if err := o.settlements.Save(ctx, next); err != nil {
			if !errors.Is(err, domain.ErrInvalidTransition) {
				return domain.Order{}, fmt.Errorf("save settlement: %w", err)
			}
			// another confirmation got there first; follow the stored outcome
			if next, err = o.settlements.Get(ctx, rec.ID); err != nil {
				return domain.Order{}, err
			}
		}
		rec = next
	}
	return o.applySettlement(ctx, rec)
}

func (o *Orchestrator) owned(ctx context.Context, principal, id string) (domain.Order, error) {
	ord, err := o.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if ord.Principal != principal {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, domain.ErrNotFound)
	}
	return ord, nil
}

// Cancel stops an order that has not been paid.
func (o *Orchestrator) Cancel(ctx context.Context, principal, id string) (domain.Order, error) {
	ord, err := o.owned(ctx, principal, id)
	if err != nil {
		return domain.Order{}, err
	}
	if ord.Status.Terminal() {
		return ord, fmt.Errorf("order %s is %s: %w", id, ord.Status, domain.ErrConflict)
	}

	rec, err := o.settlements.LatestForOrder(ctx, id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		return domain.Order{}, err
	case rec.Status == domain.SettlementSucceeded:
		return ord, fmt.Errorf("order %s is paid: %w", id, domain.ErrConflict)
	case !rec.Status.Terminal():
		adapter, _ := o.rails.For(rec.Rail)
		cancelled, err := adapter.Cancel(ctx, rec)
		if err != nil {
			return ord, err
		}
		if err := o.settlements.Save(ctx, cancelled); err != nil {
			return ord, fmt.Errorf("save settlement: %w", err)
		}
		o.metrics.IncSettlement(string(rec.Rail), string(cancelled.Status))
	}

	ord, err = o.orders.Update(ctx, id, func(cur *domain.Order) error {
		return advance(cur, domain.OrderCancelled)
	})
	if err != nil {
		return domain.Order{}, err
	}
	o.logger.Info("order_cancelled", "order_id", id)
	o.events.Emit(ctx, domain.EventOrderCancelled, id, principal, nil)
	return ord, nil
}

// Get returns the order with its settlement and per-item fulfilment state.
func (o *Orchestrator) Get(ctx context.Context, principal, id string) (View, error) {
	ord, err := o.owned(ctx, principal, id)
	if err != nil {
		return View{}, err
	}
	view := View{Order: ord, Items: []ItemView{}}

	rec, err := o.settlements.LatestForOrder(ctx, id)
	switch {
	case err == nil:
		view.Settlement = &rec
	case !errors.Is(err, domain.ErrNotFound):
		return View{}, err
	}

	for _, idx := range ord.AssetItems() {
		iv := ItemView{ItemIndex: idx}
		task, err := o.tasks.Find(ctx, domain.TaskMintNFT, itemDedupeKey(id, idx))
		switch {
		case err == nil:
			iv.Task = &task
			if asset, err := o.assets.ByTask(ctx, task.ID); err == nil {
				iv.Asset = &asset
			} else if !errors.Is(err, domain.ErrNotFound) {
				return View{}, err
			}
		case !errors.Is(err, domain.ErrNotFound):
			return View{}, err
		}
		view.Items = append(view.Items, iv)
	}
	return view, nil
}

func itemDedupeKey(orderID string, idx int) string {
	return fmt.Sprintf("order:%s:item:%d", orderID, idx)
}

func advance(o *domain.Order, to domain.OrderStatus) error {
	if !o.Status.CanTransition(to) {
		return fmt.Errorf("order %s %s -> %s: %w", o.ID, o.Status, to, domain.ErrInvalidTransition)
	}
	o.Status = to
	return nil
}
