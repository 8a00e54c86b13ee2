package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/eyepyon/airzone-sub000/internal/domain"
	"github.com/eyepyon/airzone-sub000/internal/tasks"
)

var failureMessages = map[string]string{
	domain.ReasonProcessorError:   "The card processor is unavailable",
	domain.ReasonAmountMismatch:   "Payment amount did not match the order",
	domain.ReasonPaymentDeclined:  "Payment was declined",
	domain.ReasonLedgerRejected:   "The ledger rejected the payment",
	domain.ReasonSubmissionFailed: "Payment could not be submitted",
	domain.ReasonFinalityTimeout:  "Payment was not confirmed in time",
	domain.ReasonCancelled:        "Payment was cancelled",
	CodeIneligibleAfterSettlement: "An item is no longer available to you; the payment will be refunded",
}

func failureFor(code string, err error) *domain.Failure {
	msg, ok := failureMessages[code]
	if !ok {
		msg = "Payment failed"
	}
	return domain.NewFailure(code, msg, err)
}

// applySettlement moves the order according to a terminal settlement. It is
// safe to repeat: task enqueueing is deduplicated and finished orders are
// returned unchanged.
func (o *Orchestrator) applySettlement(ctx context.Context, rec domain.SettlementRecord) (domain.Order, error) {
	ord, err := o.orders.Get(ctx, rec.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	switch rec.Status {
	case domain.SettlementSucceeded:
	case domain.SettlementFailed, domain.SettlementCancelled:
		if ord.Status.Terminal() {
			return ord, nil
		}
		o.metrics.IncSettlement(string(rec.Rail), string(rec.Status))
		return o.finishFailed(ctx, ord.ID, failureFor(rec.ReasonCode, nil))
	default:
		return ord, nil
	}

	if ord.Status.Terminal() {
		if ord.Status != domain.OrderCompleted {
			o.logger.Error("settlement_succeeded_for_closed_order", "order_id", ord.ID, "status", ord.Status, "settlement_id", rec.ID)
		}
		return ord, nil
	}
	o.metrics.IncSettlement(string(rec.Rail), string(rec.Status))

	if err := o.checkEligible(ctx, ord.Principal, ord.Locale, ord.Items); err != nil {
		if !errors.Is(err, domain.ErrIneligible) {
			return domain.Order{}, err
		}
		o.logger.Warn("order_ineligible_after_settlement", "order_id", ord.ID, "error", err)
		return o.finishFailed(ctx, ord.ID, failureFor(CodeIneligibleAfterSettlement, err))
	}

	for _, idx := range ord.AssetItems() {
		item := ord.Items[idx]
		payload := domain.TaskPayload{
			Principal:  ord.Principal,
			Recipient:  ord.Recipient,
			SourceKind: domain.SourceOrder,
			SourceID:   ord.ID,
			ItemIndex:  idx,
			ProductID:  item.ProductID,
			Quantity:   item.Quantity,
		}
		if p, err := o.catalog.Product(ctx, item.ProductID); err == nil {
			payload.MetadataURI = p.MetadataURI
		}
		_, err := o.tasks.Enqueue(ctx, tasks.NewTask{
			Type:       domain.TaskMintNFT,
			DedupeKey:  itemDedupeKey(ord.ID, idx),
			Payload:    payload,
			MaxRetries: o.cfg.MaxRetries,
		})
		if err != nil && !errors.Is(err, tasks.ErrDuplicate) {
			return domain.Order{}, fmt.Errorf("enqueue mint for item %d: %w", idx, err)
		}
	}

	ord, err = o.orders.Update(ctx, ord.ID, func(cur *domain.Order) error {
		return advance(cur, domain.OrderCompleted)
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		return o.orders.Get(ctx, rec.OrderID)
	}
	if err != nil {
		return domain.Order{}, err
	}
	o.logger.Info("order_completed", "order_id", ord.ID, "mint_tasks", len(ord.AssetItems()))
	o.events.Emit(ctx, domain.EventOrderCompleted, ord.ID, ord.Principal, map[string]any{
		"total": ord.Total, "currency": ord.Currency, "rail": ord.Rail,
	})
	return ord, nil
}

func (o *Orchestrator) finishFailed(ctx context.Context, id string, f *domain.Failure) (domain.Order, error) {
	ord, err := o.orders.Update(ctx, id, func(cur *domain.Order) error {
		if err := advance(cur, domain.OrderFailed); err != nil {
			return err
		}
		cur.ApplyFailure(f)
		return nil
	})
	if errors.Is(err, domain.ErrInvalidTransition) {
		return o.orders.Get(ctx, id)
	}
	if err != nil {
		return domain.Order{}, err
	}
	o.logger.Warn("order_failed", "order_id", id, "code", f.Code, "detail", f.Detail)
	o.events.Emit(ctx, domain.EventOrderFailed, id, ord.Principal, map[string]any{"code": f.Code})
	return ord, nil
}

// Precondition lets the minting worker act only for orders that are still
// live and hold a succeeded settlement.
func (o *Orchestrator) Precondition(ctx context.Context, task domain.Task) error {
	ord, err := o.orders.Get(ctx, task.Payload.SourceID)
	if err != nil {
		return err
	}
	if ord.Status == domain.OrderFailed || ord.Status == domain.OrderCancelled {
		return fmt.Errorf("order %s is %s", ord.ID, ord.Status)
	}
	rec, err := o.settlements.LatestForOrder(ctx, ord.ID)
	if err != nil {
		return fmt.Errorf("order %s settlement: %w", ord.ID, err)
	}
	if rec.Status != domain.SettlementSucceeded {
		return fmt.Errorf("order %s settlement is %s", ord.ID, rec.Status)
	}
	return nil
}

// TaskSettled records a permanently failed mint on the order. The order
// stays completed; unresolved assets are surfaced on the order view.
func (o *Orchestrator) TaskSettled(ctx context.Context, task domain.Task, asset domain.MintedAsset) {
	if task.Status != domain.TaskFailed {
		o.logger.Info("order_item_minted", "order_id", task.Payload.SourceID, "item", task.Payload.ItemIndex, "object_ref", asset.ObjectRef)
		return
	}
	ord, err := o.orders.Update(ctx, task.Payload.SourceID, func(cur *domain.Order) error {
		cur.UnresolvedAssets++
		return nil
	})
	if err != nil {
		o.logger.Error("order_unresolved_not_recorded", "order_id", task.Payload.SourceID, "task_id", task.ID, "error", err)
		return
	}
	o.logger.Warn("order_asset_unresolved", "order_id", ord.ID, "task_id", task.ID, "unresolved", ord.UnresolvedAssets)
	o.events.Emit(ctx, domain.EventOrderAssetUnresolved, ord.ID, ord.Principal, map[string]any{
		"taskId": task.ID, "itemIndex": task.Payload.ItemIndex, "unresolved": ord.UnresolvedAssets,
	})
}
