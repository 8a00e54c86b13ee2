package ledger

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eyepyon/airzone-sub000/internal/domain"
)

const recipient = "0x52908400098527886E0F7030069857D2E4169EE7"

func TestValidateAddress(t *testing.T) {
	cases := []struct {
		name string
		addr string
		want error
	}{
		{"checksummed", recipient, nil},
		{"lowercase", "0x52908400098527886e0f7030069857d2e4169ee7", nil},
		{"bad checksum", "0x52908400098527886e0F7030069857D2E4169EE7", ErrBadChecksum},
		{"no prefix", "52908400098527886E0F7030069857D2E4169EE7", ErrInvalidAddress},
		{"short", "0x1234", ErrInvalidAddress},
		{"zero", "0x0000000000000000000000000000000000000000", ErrInvalidAddress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateAddress(tc.addr)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestVerifySignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	msg := "airzone handshake challenge 42"
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	require.NoError(t, VerifySignature(addr, msg, hexutil.Encode(sig)))
	assert.ErrorIs(t, VerifySignature(addr, "other message", hexutil.Encode(sig)), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(recipient, msg, hexutil.Encode(sig)), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(addr, msg, "0xdead"), ErrInvalidSignature)
}

func TestMintReferenceDeterministic(t *testing.T) {
	assert.Equal(t, MintReference("task-1"), MintReference("task-1"))
	assert.NotEqual(t, MintReference("task-1"), MintReference("task-2"))
}

func TestClassify(t *testing.T) {
	assert.False(t, IsRetryable(classify(errors.New("execution reverted: paused"))))
	assert.False(t, IsRetryable(classify(errors.New("insufficient funds for gas"))))
	for _, msg := range []string{"nonce too low: next nonce 7, tx nonce 6", "replacement transaction underpriced", "already known"} {
		assert.True(t, IsRetryable(classify(errors.New("mint tx: "+msg))), msg)
	}
	transient := classify(errors.New("dial tcp: connection refused"))
	assert.True(t, IsRetryable(transient))
	assert.ErrorIs(t, transient, domain.ErrTransient)
}

func TestFakeClientRejectsReusedReference(t *testing.T) {
	fake := NewFakeClient()
	ref := MintReference("task-1")
	_, err := fake.SubmitMint(context.Background(), MintRequest{Recipient: recipient, Reference: ref})
	require.NoError(t, err)

	_, err = fake.SubmitMint(context.Background(), MintRequest{Recipient: recipient, Reference: ref})
	assert.ErrorIs(t, err, ErrRejected)

	rec, ok, err := fake.LookupMint(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", rec.TokenID)
	assert.Equal(t, 1, fake.Minted())
}

func TestWaitFinalToleratesPollTimeouts(t *testing.T) {
	fake := NewFakeClient()
	fake.StatusErr = func(poll int) error {
		if poll <= 2 {
			return context.DeadlineExceeded
		}
		return nil
	}
	sub, err := fake.SubmitTransfer(context.Background(), TransferRequest{To: recipient, Amount: big.NewInt(10)})
	require.NoError(t, err)

	status, err := WaitFinal(context.Background(), fake, sub.TxHash, WaitOptions{
		Interval: time.Millisecond,
		MaxWait:  time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, status)
	assert.Len(t, fake.Transfers(), 1)
}

func TestWaitFinalBounded(t *testing.T) {
	fake := NewFakeClient()
	fake.PendingPolls = 1 << 30

	_, err := WaitFinal(context.Background(), fake, "0xabc", WaitOptions{
		Interval: time.Millisecond,
		MaxWait:  20 * time.Millisecond,
	})
	assert.ErrorIs(t, err, ErrFinalityTimeout)
}

func TestWaitFinalReverted(t *testing.T) {
	fake := NewFakeClient()
	fake.FailTx = true

	status, err := WaitFinal(context.Background(), fake, "0xabc", WaitOptions{Interval: time.Millisecond})
	assert.Equal(t, TxFailed, status)
	assert.ErrorIs(t, err, ErrRejected)
}
