package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eyepyon/airzone-sub000/internal/domain"
	"github.com/eyepyon/airzone-sub000/internal/ledger"
	"github.com/eyepyon/airzone-sub000/internal/rates"
)

const custody = "0x52908400098527886E0F7030069857D2E4169EE7"

func testOrder(total int64) domain.Order {
	return domain.Order{ID: "ord-1", Total: total, Currency: "JPY", Rail: domain.RailCard}
}

func TestCardRailSucceeds(t *testing.T) {
	proc := NewFakeProcessor()
	rail := NewCardRail(proc, nil)

	rec, err := rail.Begin(context.Background(), testOrder(5000))
	require.NoError(t, err)
	require.Equal(t, domain.SettlementProcessing, rec.Status)
	assert.NotEmpty(t, rec.ClientSecret)
	assert.Equal(t, "5000", rec.Amount)

	rec, err = rail.Confirm(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementProcessing, rec.Status)

	proc.Settle(rec.ExternalRef)
	rec, err = rail.Confirm(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementSucceeded, rec.Status)
}

func TestCardRailBeginReusesIntentForOrder(t *testing.T) {
	proc := NewFakeProcessor()
	rail := NewCardRail(proc, nil)

	a, err := rail.Begin(context.Background(), testOrder(5000))
	require.NoError(t, err)
	b, err := rail.Begin(context.Background(), testOrder(5000))
	require.NoError(t, err)
	assert.Equal(t, a.ExternalRef, b.ExternalRef)
	assert.Len(t, proc.Intents(), 1)
}

func TestCardRailAmountMismatch(t *testing.T) {
	proc := NewFakeProcessor()
	rail := NewCardRail(proc, nil)

	rec, err := rail.Begin(context.Background(), testOrder(5000))
	require.NoError(t, err)
	proc.Tamper(rec.ExternalRef, 4999)
	proc.Settle(rec.ExternalRef)

	rec, err = rail.Confirm(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementFailed, rec.Status)
	assert.Equal(t, domain.ReasonAmountMismatch, rec.ReasonCode)
}

func TestCardRailDeclineAndProcessorError(t *testing.T) {
	proc := NewFakeProcessor()
	rail := NewCardRail(proc, nil)

	rec, err := rail.Begin(context.Background(), testOrder(100))
	require.NoError(t, err)
	proc.Decline(rec.ExternalRef)
	rec, err = rail.Confirm(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonPaymentDeclined, rec.ReasonCode)

	proc.CreateErr = errors.New("processor down")
	rec, err = rail.Begin(context.Background(), domain.Order{ID: "ord-2", Total: 100, Currency: "JPY"})
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementFailed, rec.Status)
	assert.Equal(t, domain.ReasonProcessorError, rec.ReasonCode)
}

func TestCardRailCancel(t *testing.T) {
	proc := NewFakeProcessor()
	rail := NewCardRail(proc, nil)

	rec, err := rail.Begin(context.Background(), testOrder(100))
	require.NoError(t, err)
	rec, err = rail.Cancel(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementCancelled, rec.Status)

	paid, err := rail.Begin(context.Background(), domain.Order{ID: "ord-3", Total: 100, Currency: "JPY"})
	require.NoError(t, err)
	proc.Settle(paid.ExternalRef)
	_, err = rail.Cancel(context.Background(), paid)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func newLedgerRail(client ledger.Client, maxWait time.Duration) *LedgerRail {
	return NewLedgerRail(client, rates.Static{Value: decimal.NewFromInt(500000)}, LedgerRailConfig{
		CustodyAddress: custody,
		PollInterval:   time.Millisecond,
		PollTimeout:    10 * time.Millisecond,
		MaxWait:        maxWait,
	}, nil)
}

func TestLedgerRailToleratesPollTimeouts(t *testing.T) {
	fake := ledger.NewFakeClient()
	fake.StatusErr = func(poll int) error {
		if poll <= 2 {
			return context.DeadlineExceeded
		}
		return nil
	}
	rail := newLedgerRail(fake, time.Second)

	rec, err := rail.Begin(context.Background(), domain.Order{ID: "ord-1", Total: 5000, Currency: "JPY"})
	require.NoError(t, err)
	require.Equal(t, domain.SettlementProcessing, rec.Status)
	assert.Equal(t, "10000000000000000", rec.Amount)
	assert.Equal(t, "wei", rec.Unit)

	rec, err = rail.Confirm(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementSucceeded, rec.Status)
	assert.Len(t, fake.Transfers(), 1)
}

func TestLedgerRailFinalityTimeout(t *testing.T) {
	fake := ledger.NewFakeClient()
	fake.PendingPolls = 1 << 30
	rail := newLedgerRail(fake, 20*time.Millisecond)

	rec, err := rail.Begin(context.Background(), domain.Order{ID: "ord-1", Total: 5000, Currency: "JPY"})
	require.NoError(t, err)
	rec, err = rail.Confirm(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementFailed, rec.Status)
	assert.Equal(t, domain.ReasonFinalityTimeout, rec.ReasonCode)
	assert.Len(t, fake.Transfers(), 1)
}

func TestLedgerRailRejectedTransfer(t *testing.T) {
	fake := ledger.NewFakeClient()
	rail := NewLedgerRail(fake, rates.Static{Value: decimal.NewFromInt(500000)}, LedgerRailConfig{
		CustodyAddress: "not-an-address",
	}, nil)

	rec, err := rail.Begin(context.Background(), domain.Order{ID: "ord-1", Total: 5000, Currency: "JPY"})
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementFailed, rec.Status)
	assert.Equal(t, domain.ReasonLedgerRejected, rec.ReasonCode)
}

func TestLedgerRailCancelAfterSubmit(t *testing.T) {
	rail := newLedgerRail(ledger.NewFakeClient(), time.Second)
	rec, err := rail.Begin(context.Background(), domain.Order{ID: "ord-1", Total: 5000, Currency: "JPY"})
	require.NoError(t, err)
	_, err = rail.Cancel(context.Background(), rec)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(NewCardRail(NewFakeProcessor(), nil), newLedgerRail(ledger.NewFakeClient(), time.Second))
	a, ok := reg.For(domain.RailCard)
	require.True(t, ok)
	assert.Equal(t, domain.RailCard, a.Rail())
	_, ok = reg.For(domain.Rail("cash"))
	assert.False(t, ok)
}
