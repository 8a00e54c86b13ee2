package stake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/eyepyon/airzone-sub000/internal/domain"
	"github.com/eyepyon/airzone-sub000/internal/events"
	"github.com/eyepyon/airzone-sub000/internal/ledger"
	"github.com/eyepyon/airzone-sub000/internal/metrics"
	"github.com/eyepyon/airzone-sub000/internal/store"
	"github.com/eyepyon/airzone-sub000/internal/tasks"
)

type AddressResolver interface {
	ResolvedAddress(principal, handshakeID string) (string, error)
}

type CommitRequest struct {
	Principal    string
	CampaignID   string
	Amount       int64
	LockDuration time.Duration
	Recipient    string
	HandshakeID  string
}

type View struct {
	Stake      domain.StakeCommitment `json:"stake"`
	RewardTask *domain.Task           `json:"rewardTask,omitempty"`
}

type Config struct {
	MaxLock        time.Duration
	SweepInterval  time.Duration
	SweepBatch     int
	MaxRetries     int
	RewardMetadata string
	StaleTaskAfter time.Duration
}

// Orchestrator tracks stake commitments and issues the maturity reward
// once per stake.
type Orchestrator struct {
	cfg     Config
	stakes  store.Stakes
	tasks   tasks.Ledger
	wallets AddressResolver
	metrics *metrics.Registry
	events  *events.Emitter
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config, stakes store.Stakes, tl tasks.Ledger, wallets AddressResolver, m *metrics.Registry, em *events.Emitter, logger *slog.Logger) *Orchestrator {
	if cfg.MaxLock <= 0 {
		cfg.MaxLock = 365 * 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if cfg.StaleTaskAfter <= 0 {
		cfg.StaleTaskAfter = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		stakes:  stakes,
		tasks:   tl,
		wallets: wallets,
		metrics: m,
		events:  em,
		logger:  logger.With("component", "stakes"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) Commit(ctx context.Context, req CommitRequest) (domain.StakeCommitment, error) {
	switch {
	case req.Principal == "":
		return domain.StakeCommitment{}, domain.Validationf("principal is required")
	case req.CampaignID == "":
		return domain.StakeCommitment{}, domain.Validationf("campaign id is required")
	case req.Amount <= 0:
		return domain.StakeCommitment{}, domain.Validationf("amount must be positive")
	case req.LockDuration <= 0:
		return domain.StakeCommitment{}, domain.Validationf("lock duration must be positive")
	case req.LockDuration > o.cfg.MaxLock:
		return domain.StakeCommitment{}, domain.Validationf("lock duration exceeds %s", o.cfg.MaxLock)
	case (req.Recipient == "") == (req.HandshakeID == ""):
		return domain.StakeCommitment{}, domain.Validationf("exactly one of recipient or handshake id is required")
	}

	recipient, err := o.recipient(req)
	if err != nil {
		return domain.StakeCommitment{}, err
	}

	now := o.now()
	s := domain.StakeCommitment{
		ID:           uuid.NewString(),
		Principal:    req.Principal,
		CampaignID:   req.CampaignID,
		Amount:       req.Amount,
		LockDuration: req.LockDuration,
		MaturityAt:   now.Add(req.LockDuration),
		Recipient:    recipient,
		Status:       domain.StakeActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.stakes.Create(ctx, s); err != nil {
		return domain.StakeCommitment{}, fmt.Errorf("create stake: %w", err)
	}
	o.logger.Info("stake_committed", "stake_id", s.ID, "principal", s.Principal, "campaign", s.CampaignID, "maturity_at", s.MaturityAt)
	return s, nil
}

func (o *Orchestrator) recipient(req CommitRequest) (string, error) {
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

func (o *Orchestrator) owned(ctx context.Context, principal, id string) (domain.StakeCommitment, error) {
	s, err := o.stakes.Get(ctx, id)
	if err != nil {
		return domain.StakeCommitment{}, err
	}
	if s.Principal != principal {
		return domain.StakeCommitment{}, fmt.Errorf("stake %s: %w", id, domain.ErrNotFound)
	}
	return s, nil
}

// Cancel withdraws a stake before it matures.
func (o *Orchestrator) Cancel(ctx context.Context, principal, id string) (domain.StakeCommitment, error) {
	if _, err := o.owned(ctx, principal, id); err != nil {
		return domain.StakeCommitment{}, err
	}
	now := o.now()
	s, err := o.stakes.Update(ctx, id, func(cur *domain.StakeCommitment) error {
		if cur.Status != domain.StakeActive {
			return fmt.Errorf("stake %s is %s: %w", id, cur.Status, domain.ErrConflict)
		}
		if cur.Matured(now) {
			return fmt.Errorf("stake %s already matured: %w", id, domain.ErrConflict)
		}
		cur.Status = domain.StakeCancelled
		return nil
	})
	if err != nil {
		return domain.StakeCommitment{}, err
	}
	o.logger.Info("stake_cancelled", "stake_id", id)
	return s, nil
}

func (o *Orchestrator) Get(ctx context.Context, principal, id string) (View, error) {
	s, err := o.owned(ctx, principal, id)
	if err != nil {
		return View{}, err
	}
	v := View{Stake: s}
	if s.RewardTaskID != "" {
		task, err := o.tasks.Get(ctx, s.RewardTaskID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return View{}, err
		}
		if err == nil {
			v.RewardTask = &task
		}
	}
	return v, nil
}

// Sweep enqueues the maturity reward for every due stake and returns how
// many new tasks were created. Concurrent sweeps are safe: the task ledger
// keeps one live task per stake.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	due, err := o.stakes.Due(ctx, o.now(), o.cfg.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list due stakes: %w", err)
	}
	created := 0
	for _, s := range due {
		task, err := o.tasks.Enqueue(ctx, tasks.NewTask{
			Type:      domain.TaskStakeMaturity,
			DedupeKey: "stake:" + s.ID,
			Payload: domain.TaskPayload{
				Principal:   s.Principal,
				Recipient:   s.Recipient,
				SourceKind:  domain.SourceStake,
				SourceID:    s.ID,
				MetadataURI: o.cfg.RewardMetadata,
			},
			MaxRetries: o.cfg.MaxRetries,
		})
		switch {
		case err == nil:
			created++
			o.metrics.IncSweep("enqueued")
		case errors.Is(err, tasks.ErrDuplicate):
			o.metrics.IncSweep("duplicate")
		default:
			o.metrics.IncSweep("error")
			o.logger.Error("stake_reward_enqueue_failed", "stake_id", s.ID, "error", err)
			continue
		}
		if _, err := o.stakes.Update(ctx, s.ID, func(cur *domain.StakeCommitment) error {
			if cur.RewardTaskID == "" {
				cur.RewardTaskID = task.ID
			}
			return nil
		}); err != nil {
			o.logger.Error("stake_reward_task_not_linked", "stake_id", s.ID, "task_id", task.ID, "error", err)
		}
	}
	if created > 0 {
		o.logger.Info("stake_sweep", "due", len(due), "enqueued", created)
	}
	return created, nil
}

// Run sweeps on a ticker until ctx is cancelled. Each tick also returns
// tasks abandoned by crashed workers to the queue.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		o.tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	if _, err := o.Sweep(ctx); err != nil && ctx.Err() == nil {
		o.logger.Error("stake_sweep_failed", "error", err)
	}
	if n, err := o.tasks.RequeueStale(ctx, o.cfg.StaleTaskAfter); err != nil && ctx.Err() == nil {
		o.logger.Error("requeue_stale_failed", "error", err)
	} else if n > 0 {
		o.logger.Warn("stale_tasks_requeued", "count", n)
	}
	if stats, err := o.tasks.Stats(ctx); err == nil {
		o.metrics.SetQueueDepth(stats)
	}
}

// Precondition allows the reward only for active, matured stakes.
func (o *Orchestrator) Precondition(ctx context.Context, task domain.Task) error {
	s, err := o.stakes.Get(ctx, task.Payload.SourceID)
	if err != nil {
		return err
	}
	if s.Status != domain.StakeActive {
		return fmt.Errorf("stake %s is %s", s.ID, s.Status)
	}
	if !s.Matured(o.now()) {
		return fmt.Errorf("stake %s matures at %s", s.ID, s.MaturityAt.Format(time.RFC3339))
	}
	return nil
}

// TaskSettled completes the stake, or records the reward error so the sweep
// does not pick it up again.
func (o *Orchestrator) TaskSettled(ctx context.Context, task domain.Task, asset domain.MintedAsset) {
	id := task.Payload.SourceID
	s, err := o.stakes.Update(ctx, id, func(cur *domain.StakeCommitment) error {
		cur.RewardTaskID = task.ID
		if task.Status == domain.TaskCompleted {
			if cur.Status == domain.StakeActive {
				cur.Status = domain.StakeCompleted
			}
			cur.RewardError = ""
			return nil
		}
		cur.RewardError = task.FailureMessage
		if cur.RewardError == "" {
			cur.RewardError = "reward mint failed"
		}
		return nil
	})
	if err != nil {
		o.logger.Error("stake_outcome_not_recorded", "stake_id", id, "task_id", task.ID, "error", err)
		return
	}
	if task.Status == domain.TaskCompleted {
		o.logger.Info("stake_completed", "stake_id", id, "object_ref", asset.ObjectRef)
		o.events.Emit(ctx, domain.EventStakeCompleted, id, s.Principal, map[string]any{"objectRef": asset.ObjectRef})
		return
	}
	o.logger.Warn("stake_reward_failed", "stake_id", id, "task_id", task.ID, "code", task.FailureCode, "error", task.Error)
	o.events.Emit(ctx, domain.EventStakeRewardFailed, id, s.Principal, map[string]any{"taskId": task.ID})
}
