package ledger

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidAddress   = errors.New("invalid ledger address")
	ErrBadChecksum      = errors.New("address checksum mismatch")
	ErrInvalidSignature = errors.New("invalid signature")
)

// ValidateAddress applies the ledger's address-format rules: 0x-prefixed
// 20-byte hex, EIP-55 checksum enforced when the address is mixed case.
func ValidateAddress(addr string) error {
	if !strings.HasPrefix(addr, "0x") || !common.IsHexAddress(addr) {
		return ErrInvalidAddress
	}
	body := addr[2:]
	if strings.ToLower(body) != body && strings.ToUpper(body) != body {
		if common.HexToAddress(addr).Hex() != addr {
			return ErrBadChecksum
		}
	}
	if common.HexToAddress(addr) == (common.Address{}) {
		return ErrInvalidAddress
	}
	return nil
}

// NormalizeAddress returns the checksummed form of a valid address.
func NormalizeAddress(addr string) (string, error) {
	if err := ValidateAddress(addr); err != nil {
		return "", err
	}
	return common.HexToAddress(addr).Hex(), nil
}

// VerifySignature checks that sigHex is a personal_sign signature of message
// produced by addr.
func VerifySignature(addr, message, sigHex string) error {
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return ErrInvalidSignature
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(addr) {
		return ErrInvalidSignature
	}
	return nil
}

// MintReference derives the idempotency reference for a mint from the task
// id. Resubmissions of the same task always carry the same reference.
func MintReference(taskID string) [32]byte {
	return crypto.Keccak256Hash([]byte("airzone:mint:" + taskID))
}
