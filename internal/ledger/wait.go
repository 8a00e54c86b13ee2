package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrFinalityTimeout is returned when a transaction is not final within the
// caller's bound.
var ErrFinalityTimeout = errors.New("transaction not final before deadline")

// WaitOptions bounds a finality poll.
type WaitOptions struct {
	Interval    time.Duration
	PollTimeout time.Duration
	MaxWait     time.Duration
}

// WaitFinal polls TxStatus until the transaction is confirmed, failed, or the
// overall bound elapses. A poll that errors or times out is not a verdict; the
// loop keeps polling until MaxWait.
func WaitFinal(ctx context.Context, c Client, txHash string, opts WaitOptions) (TxStatus, error) {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = opts.Interval
	}
	if opts.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.MaxWait)
		defer cancel()
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var lastErr error
	for {
		pollCtx, cancel := context.WithTimeout(ctx, opts.PollTimeout)
		status, err := c.TxStatus(pollCtx, txHash)
		cancel()
		switch {
		case err == nil && status == TxConfirmed:
			return TxConfirmed, nil
		case err == nil && status == TxFailed:
			return TxFailed, fmt.Errorf("%w: %s reverted", ErrRejected, txHash)
		case err != nil && !IsRetryable(err):
			return "", err
		case err != nil:
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return TxPending, fmt.Errorf("%w: %v", ErrFinalityTimeout, lastErr)
			}
			return TxPending, ErrFinalityTimeout
		case <-ticker.C:
		}
	}
}
