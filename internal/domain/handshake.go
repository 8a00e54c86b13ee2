package domain

import "time"

type HandshakeStatus string

const (
	HandshakeIssued           HandshakeStatus = "issued"
	HandshakePendingSignature HandshakeStatus = "pending_signature"
	HandshakeSigned           HandshakeStatus = "signed"
	HandshakeRejected         HandshakeStatus = "rejected"
	HandshakeExpired          HandshakeStatus = "expired"
)

func (s HandshakeStatus) Terminal() bool {
	return s == HandshakeSigned || s == HandshakeRejected || s == HandshakeExpired
}

// WalletHandshake is the server-owned record of one challenge/response
// exchange with a signing application.
type WalletHandshake struct {
	ID        string          `json:"id"`
	Principal string          `json:"-"`
	Strategy  string          `json:"strategy"`
	Status    HandshakeStatus `json:"status"`
	Address   string          `json:"address,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Challenge string          `json:"challenge"`
	DeepLink  string          `json:"deepLink,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}
