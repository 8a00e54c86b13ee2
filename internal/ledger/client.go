package ledger

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/eyepyon/airzone-sub000/internal/domain"
)

// Client abstracts the ledger network calls made by settlement and minting.
type Client interface {
	SubmitTransfer(ctx context.Context, req TransferRequest) (Submission, error)
	TxStatus(ctx context.Context, txHash string) (TxStatus, error)
	SubmitMint(ctx context.Context, req MintRequest) (Submission, error)
	LookupMint(ctx context.Context, ref [32]byte) (MintRecord, bool, error)
}

// HealthChecker is implemented by clients that can check the RPC endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

type TransferRequest struct {
	To        string
	Amount    *big.Int // wei
	Reference string
}

type MintRequest struct {
	Recipient   string
	Reference   [32]byte
	MetadataURI string
}

type Submission struct {
	TxHash string
}

type MintRecord struct {
	TokenID string
	TxHash  string
}

// ErrRejected marks a definitive refusal by the network (revert, invalid
// parameters). It is never retried.
var ErrRejected = errors.New("ledger rejected transaction")

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejected) || errors.Is(err, domain.ErrValidation) {
		return false
	}
	return true
}

// classify maps node error strings onto ErrRejected.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	// nonce collisions clear on the next attempt
	for _, marker := range []string{"nonce too low", "replacement transaction underpriced", "already known"} {
		if strings.Contains(msg, marker) {
			return errors.Join(domain.ErrTransient, err)
		}
	}
	for _, marker := range []string{"execution reverted", "invalid", "insufficient funds"} {
		if strings.Contains(msg, marker) {
			return errors.Join(ErrRejected, err)
		}
	}
	return errors.Join(domain.ErrTransient, err)
}
