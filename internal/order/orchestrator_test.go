package order

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eyepyon/airzone-sub000/internal/domain"
	"github.com/eyepyon/airzone-sub000/internal/events"
	"github.com/eyepyon/airzone-sub000/internal/handshake"
	"github.com/eyepyon/airzone-sub000/internal/idempotency"
	"github.com/eyepyon/airzone-sub000/internal/ledger"
	"github.com/eyepyon/airzone-sub000/internal/metrics"
	"github.com/eyepyon/airzone-sub000/internal/mint"
	"github.com/eyepyon/airzone-sub000/internal/rates"
	"github.com/eyepyon/airzone-sub000/internal/settlement"
	"github.com/eyepyon/airzone-sub000/internal/store"
	"github.com/eyepyon/airzone-sub000/internal/tasks"
)

const (
	principal = "user-1"
	recipient = "0x52908400098527886E0F7030069857D2E4169EE7"
	custody   = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

// countingOrders counts order rows created.
type countingOrders struct {
	store.Orders
	created atomic.Int32
}

func (c *countingOrders) Create(ctx context.Context, o domain.Order) error {
	c.created.Add(1)
	return c.Orders.Create(ctx, o)
}

type harness struct {
	orch      *Orchestrator
	repos     store.Repositories
	orders    *countingOrders
	catalog   *store.MemoryCatalog
	tasks     *tasks.MemoryLedger
	processor *settlement.FakeProcessor
	chain     *ledger.FakeClient
	broker    *handshake.Broker
	events    *events.Recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repos := store.NewMemory()
	catalog := store.NewMemoryCatalog()
	catalog.PutProduct(domain.Product{ID: "badge", Name: "Genesis badge", UnitPrice: 2000, Currency: "JPY", MintsAsset: true, MetadataURI: "ipfs://badge"})
	catalog.PutProduct(domain.Product{ID: "pass", Name: "Event pass", UnitPrice: 2500, Currency: "JPY", MintsAsset: true})
	catalog.PutProduct(domain.Product{ID: "sticker", Name: "Sticker", UnitPrice: 500, Currency: "JPY"})
	catalog.PutProduct(domain.Product{ID: "vip-a", UnitPrice: 1000, Currency: "JPY", MintsAsset: true,
		Restriction: domain.Restriction{Kind: domain.RestrictionAssetGated, RequiredAsset: "gold"}})
	catalog.PutProduct(domain.Product{ID: "vip-b", UnitPrice: 1000, Currency: "JPY", MintsAsset: true,
		Restriction: domain.Restriction{Kind: domain.RestrictionAssetGated, RequiredAsset: "platinum"}})
	catalog.PutProduct(domain.Product{ID: "jp-only", UnitPrice: 1000, Currency: "JPY",
		Restriction: domain.Restriction{Kind: domain.RestrictionLocaleGated, Locales: []string{"ja-JP"}}})
	catalog.PutProduct(domain.Product{ID: "usd", UnitPrice: 10, Currency: "USD"})
	repos.Catalog = catalog

	orders := &countingOrders{Orders: repos.Orders}
	repos.Orders = orders

	h := &harness{
		repos:     repos,
		orders:    orders,
		catalog:   catalog,
		tasks:     tasks.NewMemoryLedger(),
		processor: settlement.NewFakeProcessor(),
		chain:     ledger.NewFakeClient(),
		events:    &events.Recorder{},
	}
	em := events.NewEmitter(h.events, nil)
	h.broker = handshake.NewBroker(handshake.Config{}, nil, em, nil)

	rails := settlement.NewRegistry(
		settlement.NewCardRail(h.processor, nil),
		settlement.NewLedgerRail(h.chain, rates.Static{Value: decimal.NewFromInt(500000)}, settlement.LedgerRailConfig{
			CustodyAddress: custody,
			PollInterval:   time.Millisecond,
			MaxWait:        time.Second,
		}, nil),
	)
	h.orch = New(Config{Currency: "JPY", DedupeWindow: time.Hour, SettlementMaxWait: time.Second}, Deps{
		Repos:   repos,
		Tasks:   h.tasks,
		Rails:   rails,
		Idem:    idempotency.NewMemoryStore(),
		Wallets: h.broker,
		Metrics: metrics.New(),
		Events:  em,
	})
	return h
}

func cardCart(token string) CheckoutRequest {
	return CheckoutRequest{
		Principal: principal,
		Items: []ItemRequest{
			{ProductID: "badge", Quantity: 1},
			{ProductID: "pass", Quantity: 1},
			{ProductID: "sticker", Quantity: 1},
		},
		Rail:             domain.RailCard,
		Recipient:        recipient,
		IdempotencyToken: token,
	}
}

func (h *harness) pay(t *testing.T, res CheckoutResult) domain.Order {
	t.Helper()
	h.processor.Settle(res.Settlement.ExternalRef)
	ord, err := h.orch.ConfirmSettlement(context.Background(), res.Settlement.ExternalRef)
	require.NoError(t, err)
	return ord
}

func TestCheckout_CardOrderMintsPerAssetItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.orch.Checkout(ctx, cardCart("tok-1"))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderProcessing, res.Order.Status)
	assert.Equal(t, int64(5000), res.Order.Total)
	assert.Equal(t, "JPY", res.Order.Currency)
	assert.NotEmpty(t, res.ClientSecret)
	assert.Equal(t, domain.SettlementProcessing, res.Settlement.Status)

	ord := h.pay(t, res)
	assert.Equal(t, domain.OrderCompleted, ord.Status)

	for idx := 0; idx < 2; idx++ {
		task, err := h.tasks.Find(ctx, domain.TaskMintNFT, itemDedupeKey(ord.ID, idx))
		require.NoError(t, err)
		assert.Equal(t, domain.TaskPending, task.Status)
		assert.Equal(t, recipient, task.Payload.Recipient)
		assert.Equal(t, ord.ID, task.Payload.SourceID)
	}
	_, err = h.tasks.Find(ctx, domain.TaskMintNFT, itemDedupeKey(ord.ID, 2))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	stats, err := h.tasks.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[domain.TaskPending])

	// a repeated confirmation changes nothing
	again, err := h.orch.ConfirmSettlement(ctx, res.Settlement.ExternalRef)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, again.Status)
	stats, _ = h.tasks.Stats(ctx)
	assert.Equal(t, 2, stats[domain.TaskPending])

	view, err := h.orch.Get(ctx, principal, ord.ID)
	require.NoError(t, err)
	require.NotNil(t, view.Settlement)
	assert.Equal(t, domain.SettlementSucceeded, view.Settlement.Status)
	assert.Len(t, view.Items, 2)
	assert.Contains(t, h.events.Types(), domain.EventOrderCompleted)
}

func TestCheckout_IdempotentToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orch.Checkout(ctx, cardCart("tok-1"))
	require.NoError(t, err)
	second, err := h.orch.Checkout(ctx, cardCart("tok-1"))
	require.NoError(t, err)

	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.ClientSecret, second.ClientSecret)
	assert.EqualValues(t, 1, h.orders.created.Load())
	assert.Len(t, h.processor.Intents(), 1)

	other := cardCart("tok-1")
	other.Items = other.Items[:1]
	_, err = h.orch.Checkout(ctx, other)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCheckout_SameCartWithoutTokenDeduplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.orch.Checkout(ctx, cardCart(""))
	require.NoError(t, err)

	// item order does not change the cart
	req := cardCart("")
	req.Items[0], req.Items[2] = req.Items[2], req.Items[0]
	second, err := h.orch.Checkout(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.EqualValues(t, 1, h.orders.created.Load())
}

func TestCheckout_ConcurrentDuplicates(t *testing.T) {
	h := newHarness(t)
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.orch.Checkout(context.Background(), cardCart("tok-race"))
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrInProgress)
				return
			}
			mu.Lock()
			ids[res.Order.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 1)
	assert.EqualValues(t, 1, h.orders.created.Load())
}

func TestCheckout_IneligibleItemRejectsCart(t *testing.T) {
	h := newHarness(t)
	h.catalog.Grant(principal, "gold")

	req := CheckoutRequest{
		Principal: principal,
		Items:     []ItemRequest{{ProductID: "vip-a", Quantity: 1}, {ProductID: "vip-b", Quantity: 1}},
		Rail:      domain.RailCard,
		Recipient: recipient,
	}
	_, err := h.orch.Checkout(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrIneligible)
	assert.Contains(t, err.Error(), "vip-b")
	assert.Zero(t, h.orders.created.Load())
	assert.Empty(t, h.processor.Intents())

	h.catalog.Grant(principal, "platinum")
	_, err = h.orch.Checkout(context.Background(), req)
	require.NoError(t, err)
}

func TestCheckout_LocaleGate(t *testing.T) {
	h := newHarness(t)
	req := CheckoutRequest{
		Principal: principal,
		Locale:    "en-US",
		Items:     []ItemRequest{{ProductID: "jp-only", Quantity: 1}},
		Rail:      domain.RailCard,
		Recipient: recipient,
	}
	_, err := h.orch.Checkout(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrIneligible)

	req.Locale = "ja-JP"
	_, err = h.orch.Checkout(context.Background(), req)
	assert.NoError(t, err)
}

func TestCheckout_Validation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		mut  func(*CheckoutRequest)
	}{
		{"empty cart", func(r *CheckoutRequest) { r.Items = nil }},
		{"zero quantity", func(r *CheckoutRequest) { r.Items[0].Quantity = 0 }},
		{"unknown product", func(r *CheckoutRequest) { r.Items[0].ProductID = "nope" }},
		{"unknown rail", func(r *CheckoutRequest) { r.Rail = "cash" }},
		{"bad recipient", func(r *CheckoutRequest) { r.Recipient = "0x123" }},
		{"recipient and handshake", func(r *CheckoutRequest) { r.HandshakeID = "hs-1" }},
		{"other currency", func(r *CheckoutRequest) { r.Items = []ItemRequest{{ProductID: "usd", Quantity: 1}} }},
		{"quantity above cap", func(r *CheckoutRequest) { r.Items[0].Quantity = MaxQuantity + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := cardCart("")
			tt.mut(&req)
			_, err := h.orch.Checkout(context.Background(), req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	assert.Zero(t, h.orders.created.Load())
}

func TestCheckout_TotalOverflowRejected(t *testing.T) {
	h := newHarness(t)
	h.catalog.PutProduct(domain.Product{ID: "bar", UnitPrice: 1 << 62, Currency: "JPY"})
	ctx := context.Background()

	for _, items := range [][]ItemRequest{
		{{ProductID: "bar", Quantity: 4}},
		{{ProductID: "bar", Quantity: 1}, {ProductID: "sticker", Quantity: 1}, {ProductID: "bar", Quantity: 1}},
	} {
		_, err := h.orch.Checkout(ctx, CheckoutRequest{
			Principal: principal,
			Items:     items,
			Rail:      domain.RailCard,
			Recipient: recipient,
		})
		assert.ErrorIs(t, err, domain.ErrValidation)
	}
	assert.Zero(t, h.orders.created.Load())
	assert.Empty(t, h.processor.Intents())
}

func TestCheckout_ReplayIgnoresLaterIneligibility(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.catalog.Grant(principal, "gold")

	req := CheckoutRequest{
		Principal:        principal,
		Items:            []ItemRequest{{ProductID: "vip-a", Quantity: 1}},
		Rail:             domain.RailCard,
		Recipient:        recipient,
		IdempotencyToken: "tok-gold",
	}
	first, err := h.orch.Checkout(ctx, req)
	require.NoError(t, err)

	h.catalog.Revoke(principal, "gold")
	again, err := h.orch.Checkout(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Order.ID, again.Order.ID)

	req.IdempotencyToken = "tok-new"
	_, err = h.orch.Checkout(ctx, req)
	assert.ErrorIs(t, err, domain.ErrIneligible)
}

func TestCheckout_RecipientFromHandshake(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.broker.Connector(handshake.StrategyManual)
	require.NoError(t, err)
	hs, err := c.Issue(ctx, principal)
	require.NoError(t, err)

	req := cardCart("")
	req.Recipient = ""
	req.HandshakeID = hs.ID
	_, err = h.orch.Checkout(ctx, req)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.ErrorIs(t, err, domain.ErrHandshakePending)

	_, err = h.broker.Signal(hs.ID, handshake.Signal{Signed: true, Account: "0x52908400098527886e0f7030069857d2e4169ee7"})
	require.NoError(t, err)
	res, err := h.orch.Checkout(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, recipient, res.Order.Recipient)

	// someone else's handshake is not visible
	req.Principal = "user-2"
	_, err = h.orch.Checkout(ctx, req)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCheckout_CardDeclined(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.orch.Checkout(ctx, cardCart(""))
	require.NoError(t, err)

	h.processor.Decline(res.Settlement.ExternalRef)
	ord, err := h.orch.ConfirmOrder(ctx, principal, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFailed, ord.Status)
	assert.Equal(t, domain.ReasonPaymentDeclined, ord.FailureCode)

	stats, _ := h.tasks.Stats(ctx)
	assert.Zero(t, stats[domain.TaskPending])
	assert.Contains(t, h.events.Types(), domain.EventOrderFailed)
}

func TestCheckout_ProcessorErrorFailsOrder(t *testing.T) {
	h := newHarness(t)
	h.processor.CreateErr = errors.New("stripe unavailable")

	res, err := h.orch.Checkout(context.Background(), cardCart(""))
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFailed, res.Order.Status)
	assert.Equal(t, domain.ReasonProcessorError, res.Order.FailureCode)
	assert.Equal(t, domain.SettlementFailed, res.Settlement.Status)
}

func TestCheckout_EligibilityLostAfterSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.catalog.Grant(principal, "gold")

	res, err := h.orch.Checkout(ctx, CheckoutRequest{
		Principal: principal,
		Items:     []ItemRequest{{ProductID: "vip-a", Quantity: 1}},
		Rail:      domain.RailCard,
		Recipient: recipient,
	})
	require.NoError(t, err)

	h.catalog.Revoke(principal, "gold")
	ord := h.pay(t, res)
	assert.Equal(t, domain.OrderFailed, ord.Status)
	assert.Equal(t, CodeIneligibleAfterSettlement, ord.FailureCode)

	view, err := h.orch.Get(ctx, principal, ord.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementSucceeded, view.Settlement.Status)
	require.Len(t, view.Items, 1)
	assert.Nil(t, view.Items[0].Task)
}

func TestCheckout_LedgerRail(t *testing.T) {
	h := newHarness(t)
	h.chain.PendingPolls = 2
	req := cardCart("")
	req.Rail = domain.RailLedger

	res, err := h.orch.Checkout(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementProcessing, res.Settlement.Status)
	assert.Equal(t, "wei", res.Settlement.Unit)
	// 5000 JPY at 500000 JPY per unit
	assert.Equal(t, "10000000000000000", res.Settlement.Amount)

	h.orch.Wait()

	view, err := h.orch.Get(context.Background(), principal, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, view.Order.Status)
	assert.Equal(t, domain.SettlementSucceeded, view.Settlement.Status)
	assert.Len(t, h.chain.Transfers(), 1)
	assert.Equal(t, custody, h.chain.Transfers()[0].To)
}

func TestCheckout_LedgerFinalityTimeout(t *testing.T) {
	h := newHarness(t)
	h.chain.PendingPolls = 1_000_000
	req := cardCart("")
	req.Rail = domain.RailLedger

	res, err := h.orch.Checkout(context.Background(), req)
	require.NoError(t, err)
	h.orch.Wait()

	view, err := h.orch.Get(context.Background(), principal, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFailed, view.Order.Status)
	assert.Equal(t, domain.ReasonFinalityTimeout, view.Order.FailureCode)
	assert.Len(t, h.chain.Transfers(), 1)
}

func TestResumeSettlements_FinishesTransfersFromEarlierRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()
	ord := domain.Order{
		ID: "ord-restart", Principal: principal, Currency: "JPY", Rail: domain.RailLedger, Recipient: recipient,
		Items:     []domain.LineItem{{ProductID: "badge", Quantity: 1, UnitPrice: 2000, Subtotal: 2000, MintsAsset: true}},
		Total:     2000,
		Status:    domain.OrderProcessing,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.repos.Orders.Create(ctx, ord))
	sub, err := h.chain.SubmitTransfer(ctx, ledger.TransferRequest{To: custody, Amount: big.NewInt(4_000_000_000_000_000), Reference: "settlement:" + ord.ID})
	require.NoError(t, err)
	require.NoError(t, h.repos.Settlements.Save(ctx, domain.SettlementRecord{
		ID: "set-restart", OrderID: ord.ID, Rail: domain.RailLedger, ExternalRef: sub.TxHash,
		Amount: "4000000000000000", Unit: "wei", Status: domain.SettlementProcessing, CreatedAt: now, UpdatedAt: now,
	}))

	n, err := h.orch.ResumeSettlements(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.orch.Wait()

	view, err := h.orch.Get(ctx, principal, ord.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, view.Order.Status)
	assert.Equal(t, domain.SettlementSucceeded, view.Settlement.Status)
	assert.Len(t, h.chain.Transfers(), 1)
	require.Len(t, view.Items, 1)
	assert.NotNil(t, view.Items[0].Task)

	n, err = h.orch.ResumeSettlements(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.orch.Checkout(ctx, cardCart("a"))
	require.NoError(t, err)
	ord, err := h.orch.Cancel(ctx, principal, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, ord.Status)

	view, err := h.orch.Get(ctx, principal, res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementCancelled, view.Settlement.Status)

	_, err = h.orch.Cancel(ctx, principal, res.Order.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)

	paid, err := h.orch.Checkout(ctx, cardCart("b"))
	require.NoError(t, err)
	h.pay(t, paid)
	_, err = h.orch.Cancel(ctx, principal, paid.Order.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = h.orch.Cancel(ctx, "user-2", paid.Order.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancel_CapturedBeforeConfirm(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.orch.Checkout(ctx, cardCart(""))
	require.NoError(t, err)

	// paid at the processor, webhook not processed yet
	h.processor.Settle(res.Settlement.ExternalRef)
	_, err = h.orch.Cancel(ctx, principal, res.Order.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)

	ord, err := h.orch.ConfirmSettlement(ctx, res.Settlement.ExternalRef)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, ord.Status)
}

func TestMintExhaustionLeavesOrderCompletedWithUnresolvedAsset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.chain.MintErr = func(int) error {
		return errors.Join(domain.ErrTransient, errors.New("rpc unavailable"))
	}

	res, err := h.orch.Checkout(ctx, CheckoutRequest{
		Principal: principal,
		Items:     []ItemRequest{{ProductID: "badge", Quantity: 1}, {ProductID: "sticker", Quantity: 2}},
		Rail:      domain.RailCard,
		Recipient: recipient,
	})
	require.NoError(t, err)
	ord := h.pay(t, res)
	require.Equal(t, domain.OrderCompleted, ord.Status)

	worker := mint.NewWorker(mint.Config{
		InitialBackoff: time.Microsecond,
		MaxBackoff:     time.Millisecond,
		ConfirmTimeout: 50 * time.Millisecond,
		ConfirmPoll:    time.Millisecond,
	}, h.tasks, h.chain, h.repos.Assets, nil, nil, nil)
	worker.Register(domain.SourceOrder, h.orch)

	task, err := h.tasks.Find(ctx, domain.TaskMintNFT, itemDedupeKey(ord.ID, 0))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		if _, err := worker.RunOnce(ctx); err != nil {
			return false
		}
		cur, err := h.tasks.Get(ctx, task.ID)
		return err == nil && cur.Status.Terminal()
	}, 5*time.Second, time.Millisecond)

	view, err := h.orch.Get(ctx, principal, ord.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, view.Order.Status)
	assert.Equal(t, 1, view.Order.UnresolvedAssets)
	require.Len(t, view.Items, 1)
	assert.Equal(t, domain.TaskFailed, view.Items[0].Task.Status)
	assert.Equal(t, tasks.DefaultMaxRetries, view.Items[0].Task.RetryCount)
	require.NotNil(t, view.Items[0].Asset)
	assert.Equal(t, domain.AssetFailed, view.Items[0].Asset.Status)
	assert.Equal(t, tasks.DefaultMaxRetries, h.chain.MintCalls())
	assert.Contains(t, h.events.Types(), domain.EventOrderAssetUnresolved)
}

func TestPrecondition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res, err := h.orch.Checkout(ctx, cardCart(""))
	require.NoError(t, err)

	task := domain.Task{Payload: domain.TaskPayload{SourceKind: domain.SourceOrder, SourceID: res.Order.ID}}
	assert.Error(t, h.orch.Precondition(ctx, task), "unpaid order")

	h.pay(t, res)
	assert.NoError(t, h.orch.Precondition(ctx, task))
}
