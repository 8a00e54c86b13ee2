package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/eyepyon/airzone-sub000/internal/domain"
	"github.com/eyepyon/airzone-sub000/internal/ledger"
	"github.com/eyepyon/airzone-sub000/internal/rates"
)

// LedgerRailConfig bounds the finality wait.
type LedgerRailConfig struct {
	CustodyAddress string
	PollInterval   time.Duration
	PollTimeout    time.Duration
	MaxWait        time.Duration
}

// LedgerRail settles by transferring the converted amount to the custody
// address and waiting for finality.
type LedgerRail struct {
	client ledger.Client
	rates  rates.Source
	cfg    LedgerRailConfig
	logger *slog.Logger
}

func NewLedgerRail(client ledger.Client, src rates.Source, cfg LedgerRailConfig, logger *slog.Logger) *LedgerRail {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LedgerRail{client: client, rates: src, cfg: cfg, logger: logger}
}

func (l *LedgerRail) Rail() domain.Rail { return domain.RailLedger }

// Begin submits exactly one transfer. Conversion rounds up to whole wei.
func (l *LedgerRail) Begin(ctx context.Context, order domain.Order) (domain.SettlementRecord, error) {
	if order.Total <= 0 {
		return domain.SettlementRecord{}, domain.Validationf("order total must be positive")
	}
	rec := newRecord(order, domain.RailLedger)
	rec.Unit = "wei"

	quote, err := l.rates.Rate(ctx, order.Currency)
	if err != nil {
		l.logger.Warn("ledger_rate_unavailable", "order_id", order.ID, "error", err)
		rec.Fail(domain.ReasonSubmissionFailed)
		return rec, nil
	}
	wei, err := rates.ToWei(order.Total, quote)
	if err != nil {
		rec.Fail(domain.ReasonSubmissionFailed)
		return rec, nil
	}
	rec.Amount = wei.String()
	rec.Rate = quote.Rate.String()

	sub, err := l.client.SubmitTransfer(ctx, ledger.TransferRequest{
		To:        l.cfg.CustodyAddress,
		Amount:    wei.BigInt(),
		Reference: "settlement:" + order.ID,
	})
	if err != nil {
		reason := domain.ReasonSubmissionFailed
		if errors.Is(err, ledger.ErrRejected) {
			reason = domain.ReasonLedgerRejected
		}
		l.logger.Warn("ledger_transfer_failed", "order_id", order.ID, "error", err)
		rec.Fail(reason)
		return rec, nil
	}
	rec.ExternalRef = sub.TxHash
	rec.Status = domain.SettlementProcessing
	l.logger.Info("ledger_transfer_submitted", "order_id", order.ID, "tx_hash", sub.TxHash,
		"wei", rec.Amount, "rate", rec.Rate, "fallback_rate", quote.Fallback)
	return rec, nil
}

// Confirm waits for finality of the already submitted transfer. Poll
// timeouts are tolerated; the transfer is never resubmitted.
func (l *LedgerRail) Confirm(ctx context.Context, rec domain.SettlementRecord) (domain.SettlementRecord, error) {
	if rec.Status.Terminal() {
		return rec, nil
	}
	if rec.ExternalRef == "" {
		rec.Fail(domain.ReasonSubmissionFailed)
		touch(&rec)
		return rec, nil
	}
	if _, ok := new(big.Int).SetString(rec.Amount, 10); !ok {
		return rec, fmt.Errorf("%w: malformed settlement amount %q", domain.ErrValidation, rec.Amount)
	}

	status, err := ledger.WaitFinal(ctx, l.client, rec.ExternalRef, ledger.WaitOptions{
		Interval:    l.cfg.PollInterval,
		PollTimeout: l.cfg.PollTimeout,
		MaxWait:     l.cfg.MaxWait,
	})
	switch {
	case err == nil && status == ledger.TxConfirmed:
		rec.Status = domain.SettlementSucceeded
	case errors.Is(err, ledger.ErrFinalityTimeout):
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}
		rec.Fail(domain.ReasonFinalityTimeout)
	default:
		l.logger.Warn("ledger_transfer_not_final", "order_id", rec.OrderID, "tx_hash", rec.ExternalRef, "error", err)
		rec.Fail(domain.ReasonLedgerRejected)
	}
	touch(&rec)
	return rec, nil
}

// Cancel is only possible before a transfer was submitted.
func (l *LedgerRail) Cancel(_ context.Context, rec domain.SettlementRecord) (domain.SettlementRecord, error) {
	if rec.Status.Terminal() {
		return rec, nil
	}
	if rec.ExternalRef != "" {
		return rec, fmt.Errorf("%w: transfer already submitted", domain.ErrConflict)
	}
	rec.Status = domain.SettlementCancelled
	rec.ReasonCode = domain.ReasonCancelled
	touch(&rec)
	return rec, nil
}
