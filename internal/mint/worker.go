package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eyepyon/airzone-sub000/internal/domain"
	"github.com/eyepyon/airzone-sub000/internal/events"
	"github.com/eyepyon/airzone-sub000/internal/ledger"
	"github.com/eyepyon/airzone-sub000/internal/metrics"
	"github.com/eyepyon/airzone-sub000/internal/store"
	"github.com/eyepyon/airzone-sub000/internal/tasks"
)

// Source is implemented by the orchestrator that owns a kind of task.
// Precondition runs before the ledger is touched; TaskSettled is called after
// every terminal transition of the task.
type Source interface {
	Precondition(ctx context.Context, task domain.Task) error
	TaskSettled(ctx context.Context, task domain.Task, asset domain.MintedAsset)
}

type Config struct {
	WorkerID       string
	Concurrency    int
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration
}

func (c *Config) defaults() {
	if c.WorkerID == "" {
		c.WorkerID = "mint-worker"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 90 * time.Second
	}
	if c.ConfirmPoll <= 0 {
		c.ConfirmPoll = 2 * time.Second
	}
}

// Worker claims mint_nft and stake_maturity tasks and issues the reward
// token for each exactly once.
type Worker struct {
	cfg     Config
	tasks   tasks.Ledger
	chain   ledger.Client
	assets  store.Assets
	metrics *metrics.Registry
	events  *events.Emitter
	logger  *slog.Logger

	mu      sync.RWMutex
	sources map[string]Source
}

func NewWorker(cfg Config, tl tasks.Ledger, chain ledger.Client, assets store.Assets, m *metrics.Registry, em *events.Emitter, logger *slog.Logger) *Worker {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:     cfg,
		tasks:   tl,
		chain:   chain,
		assets:  assets,
		metrics: m,
		events:  em,
		logger:  logger.With("component", "mint_worker"),
		sources: make(map[string]Source),
	}
}

// Register attaches the owner of tasks whose payload source kind is kind.
func (w *Worker) Register(kind string, src Source) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sources[kind] = src
}

func (w *Worker) source(kind string) (Source, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	src, ok := w.sources[kind]
	return src, ok
}

var taskTypes = []domain.TaskType{domain.TaskMintNFT, domain.TaskStakeMaturity}

// Failure codes recorded on a task. The message next to each is what the
// principal sees; the underlying error stays in the task detail and the logs.
const (
	CodeUnsupported  = "unsupported_task"
	CodePrecondition = "precondition_failed"
	CodeRejected     = "mint_rejected"
	CodeReverted     = "mint_reverted"
	CodeUnavailable  = "ledger_unavailable"
)

var failureMessages = map[string]string{
	CodeUnsupported:  "This task cannot be processed",
	CodePrecondition: "The purchase or stake behind this reward is no longer eligible",
	CodeRejected:     "The ledger rejected the mint",
	CodeReverted:     "The mint transaction was reverted",
	CodeUnavailable:  "The ledger is temporarily unavailable",
}

func ledgerCode(err error) string {
	if errors.Is(err, ledger.ErrRejected) {
		return CodeRejected
	}
	return CodeUnavailable
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		id := fmt.Sprintf("%s-%d", w.cfg.WorkerID, i)
		g.Go(func() error {
			return w.loop(ctx, id)
		})
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, id string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		worked, err := w.runOnce(ctx, id)
		if err != nil {
			w.logger.Error("claim_failed", "worker", id, "error", err)
		}
		if worked {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// RunOnce claims and processes a single task. It reports false when nothing
// was ready.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	return w.runOnce(ctx, w.cfg.WorkerID)
}

func (w *Worker) runOnce(ctx context.Context, workerID string) (bool, error) {
	task, err := w.tasks.ClaimNext(ctx, workerID, taskTypes)
	if errors.Is(err, tasks.ErrNoTask) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// a claimed task is finished even during shutdown; the confirm timeout
	// bounds how long that takes
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ConfirmTimeout+30*time.Second)
	defer cancel()
	w.process(pctx, task)
	return true, nil
}

func (w *Worker) process(ctx context.Context, task domain.Task) {
	log := w.logger.With("task_id", task.ID, "type", task.Type, "attempt", task.RetryCount+1)

	src, ok := w.source(task.Payload.SourceKind)
	if !ok {
		w.fail(ctx, task, nil, CodeUnsupported, fmt.Errorf("no source registered for %q", task.Payload.SourceKind), false)
		return
	}

	asset, err := w.assets.ByTask(ctx, task.ID)
	if errors.Is(err, domain.ErrNotFound) {
		asset, err = w.assets.Save(ctx, domain.MintedAsset{
			TaskID:    task.ID,
			Owner:     task.Payload.Principal,
			Recipient: task.Payload.Recipient,
			ProductID: task.Payload.ProductID,
			Status:    domain.AssetPending,
			Metadata: map[string]string{
				"source":      task.Payload.SourceKind,
				"source_id":   task.Payload.SourceID,
				"metadataUri": task.Payload.MetadataURI,
			},
		})
	}
	if err != nil {
		w.fail(ctx, task, nil, CodeUnavailable, fmt.Errorf("record asset: %w", err), true)
		return
	}

	if err := src.Precondition(ctx, task); err != nil {
		log.Warn("mint_precondition_failed", "error", err)
		w.fail(ctx, task, &asset, CodePrecondition, fmt.Errorf("%w: %v", domain.ErrPrecondition, err), false)
		return
	}

	asset.Status = domain.AssetMinting
	if asset, err = w.assets.Save(ctx, asset); err != nil {
		w.fail(ctx, task, nil, CodeUnavailable, fmt.Errorf("record asset: %w", err), true)
		return
	}

	ref := ledger.MintReference(task.ID)
	if rec, found, err := w.chain.LookupMint(ctx, ref); err != nil {
		w.fail(ctx, task, &asset, ledgerCode(err), fmt.Errorf("lookup mint: %w", err), ledger.IsRetryable(err))
		return
	} else if found {
		log.Info("mint_already_landed", "token_id", rec.TokenID)
		w.complete(ctx, task, asset, rec)
		return
	}

	sub, err := w.chain.SubmitMint(ctx, ledger.MintRequest{
		Recipient:   task.Payload.Recipient,
		Reference:   ref,
		MetadataURI: task.Payload.MetadataURI,
	})
	if err != nil {
		// the submission may have landed even though the call failed
		if rec, found, lerr := w.chain.LookupMint(ctx, ref); lerr == nil && found {
			w.complete(ctx, task, asset, rec)
			return
		}
		w.fail(ctx, task, &asset, ledgerCode(err), fmt.Errorf("submit mint: %w", err), ledger.IsRetryable(err))
		return
	}
	log.Info("mint_submitted", "tx_hash", sub.TxHash)
	asset.TxRef = sub.TxHash
	if asset, err = w.assets.Save(ctx, asset); err != nil {
		log.Warn("asset_tx_ref_not_recorded", "error", err)
	}

	status, err := ledger.WaitFinal(ctx, w.chain, sub.TxHash, ledger.WaitOptions{
		Interval: w.cfg.ConfirmPoll,
		MaxWait:  w.cfg.ConfirmTimeout,
	})
	if err == nil && status == ledger.TxConfirmed {
		rec, found, lerr := w.chain.LookupMint(ctx, ref)
		if lerr != nil || !found {
			rec = ledger.MintRecord{TxHash: sub.TxHash}
		}
		if rec.TxHash == "" {
			rec.TxHash = sub.TxHash
		}
		w.complete(ctx, task, asset, rec)
		return
	}
	if rec, found, lerr := w.chain.LookupMint(ctx, ref); lerr == nil && found {
		w.complete(ctx, task, asset, rec)
		return
	}
	if status == ledger.TxFailed {
		w.fail(ctx, task, &asset, CodeReverted, fmt.Errorf("mint %s reverted", sub.TxHash), false)
		return
	}
	w.fail(ctx, task, &asset, CodeUnavailable, fmt.Errorf("mint %s not confirmed: %w", sub.TxHash, err), true)
}

func (w *Worker) complete(ctx context.Context, task domain.Task, asset domain.MintedAsset, rec ledger.MintRecord) {
	asset.Status = domain.AssetCompleted
	asset.ObjectRef = rec.TokenID
	if rec.TxHash != "" {
		asset.TxRef = rec.TxHash
	}
	asset.Error = ""
	saved, err := w.assets.Save(ctx, asset)
	if err != nil {
		// task stays running and is requeued; the next attempt finds the mint by reference
		w.logger.Error("asset_complete_not_recorded", "task_id", task.ID, "error", err)
		return
	}

	result, _ := json.Marshal(domain.MintResult{AssetID: saved.ID, ObjectRef: saved.ObjectRef, TxRef: saved.TxRef})
	done, err := w.tasks.Complete(ctx, task.ID, task.ClaimedBy, result)
	if err != nil {
		w.logger.Error("task_complete_failed", "task_id", task.ID, "error", err)
		return
	}
	w.metrics.IncTask(string(task.Type), string(domain.TaskCompleted))
	w.events.Emit(ctx, domain.EventTaskCompleted, task.ID, task.Payload.Principal, map[string]any{
		"type": task.Type, "objectRef": saved.ObjectRef, "txRef": saved.TxRef,
	})
	w.logger.Info("mint_completed", "task_id", task.ID, "object_ref", saved.ObjectRef, "tx_ref", saved.TxRef)
	w.settled(ctx, done, saved)
}

func (w *Worker) fail(ctx context.Context, task domain.Task, asset *domain.MintedAsset, code string, cause error, retryable bool) {
	retryAt := time.Now().UTC().Add(w.backoff(task.RetryCount))
	after, err := w.tasks.Fail(ctx, task.ID, task.ClaimedBy, tasks.FailOptions{
		Code:      code,
		Message:   failureMessages[code],
		Detail:    cause.Error(),
		Retryable: retryable,
		RetryAt:   retryAt,
	})
	if err != nil {
		w.logger.Error("task_fail_failed", "task_id", task.ID, "error", err)
		return
	}
	if after.Status != domain.TaskFailed {
		w.metrics.IncRetry(string(task.Type))
		w.logger.Warn("mint_retry_scheduled", "task_id", task.ID, "retry_count", after.RetryCount,
			"available_at", after.AvailableAt, "error", cause)
		return
	}

	var saved domain.MintedAsset
	if asset != nil {
		asset.Status = domain.AssetFailed
		asset.Error = failureMessages[code]
		if saved, err = w.assets.Save(ctx, *asset); err != nil {
			w.logger.Error("asset_fail_not_recorded", "task_id", task.ID, "error", err)
			saved = *asset
		}
	}
	w.metrics.IncTask(string(task.Type), string(domain.TaskFailed))
	w.events.Emit(ctx, domain.EventTaskFailed, task.ID, task.Payload.Principal, map[string]any{
		"type": task.Type, "retryCount": after.RetryCount,
	})
	w.logger.Error("mint_failed", "task_id", task.ID, "retry_count", after.RetryCount, "error", cause)
	w.settled(ctx, after, saved)
}

func (w *Worker) settled(ctx context.Context, task domain.Task, asset domain.MintedAsset) {
	src, ok := w.source(task.Payload.SourceKind)
	if !ok {
		return
	}
	src.TaskSettled(ctx, task, asset)
}

// backoff returns a full-jitter delay for the given retry index.
func (w *Worker) backoff(retry int) time.Duration {
	ceiling := float64(w.cfg.InitialBackoff) * math.Pow(w.cfg.Multiplier, float64(retry))
	if ceiling > float64(w.cfg.MaxBackoff) || math.IsInf(ceiling, 0) {
		ceiling = float64(w.cfg.MaxBackoff)
	}
	if ceiling < 1 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling)) + 1)
}
