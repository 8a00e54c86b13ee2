package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
)

// FakeClient is an in-memory ledger. Transaction hashes are derived from the
// request so repeated runs are deterministic; reward references are unique
// just like on the real contract.
type FakeClient struct {
	// MintErr, when set, is consulted before every SubmitMint.
	MintErr func(attempt int) error
	// StatusErr, when set, is consulted before every TxStatus poll.
	StatusErr func(poll int) error
	// PendingPolls is the number of polls a transaction stays pending.
	PendingPolls int
	// FailTx marks submitted transactions as reverted.
	FailTx bool

	mu          sync.Mutex
	transfers   []TransferRequest
	mintCalls   int
	statusPolls map[string]int
	polls       int
	mints       map[[32]byte]MintRecord
	nextToken   int64
}

func NewFakeClient() *FakeClient {
	return &FakeClient{}
}

func (f *FakeClient) SubmitTransfer(_ context.Context, req TransferRequest) (Submission, error) {
	if err := ValidateAddress(req.To); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return Submission{}, fmt.Errorf("%w: amount must be positive", ErrRejected)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, TransferRequest{To: req.To, Amount: new(big.Int).Set(req.Amount), Reference: req.Reference})
	return Submission{TxHash: fakeHash(fmt.Sprintf("transfer:%s:%s:%d", req.Reference, req.Amount, len(f.transfers)))}, nil
}

func (f *FakeClient) TxStatus(_ context.Context, txHash string) (TxStatus, error) {
	f.mu.Lock()
	f.polls++
	poll := f.polls
	if f.statusPolls == nil {
		f.statusPolls = make(map[string]int)
	}
	f.statusPolls[txHash]++
	seen := f.statusPolls[txHash]
	hook := f.StatusErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(poll); err != nil {
			return "", err
		}
	}
	if f.FailTx {
		return TxFailed, nil
	}
	if seen <= f.PendingPolls {
		return TxPending, nil
	}
	return TxConfirmed, nil
}

func (f *FakeClient) SubmitMint(_ context.Context, req MintRequest) (Submission, error) {
	if err := ValidateAddress(req.Recipient); err != nil {
		return Submission{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	f.mu.Lock()
	f.mintCalls++
	attempt := f.mintCalls
	hook := f.MintErr
	f.mu.Unlock()

	if hook != nil {
		if err := hook(attempt); err != nil {
			return Submission{}, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mints == nil {
		f.mints = make(map[[32]byte]MintRecord)
	}
	if _, dup := f.mints[req.Reference]; dup {
		return Submission{}, fmt.Errorf("%w: execution reverted: reference already used", ErrRejected)
	}
	f.nextToken++
	tx := fakeHash(fmt.Sprintf("mint:%x", req.Reference))
	f.mints[req.Reference] = MintRecord{TokenID: big.NewInt(f.nextToken).String(), TxHash: tx}
	return Submission{TxHash: tx}, nil
}

func (f *FakeClient) LookupMint(_ context.Context, ref [32]byte) (MintRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.mints[ref]
	return rec, ok, nil
}

func (f *FakeClient) Ping(context.Context) error { return nil }

// Transfers returns the transfers submitted so far.
func (f *FakeClient) Transfers() []TransferRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TransferRequest, len(f.transfers))
	copy(out, f.transfers)
	return out
}

// MintCalls returns how many times SubmitMint was invoked.
func (f *FakeClient) MintCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mintCalls
}

// Minted returns the number of distinct references minted.
func (f *FakeClient) Minted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mints)
}

func fakeHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return "0x" + hex.EncodeToString(sum[:])
}
