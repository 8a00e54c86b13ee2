package domain

import "time"

type AssetStatus string

const (
	AssetPending   AssetStatus = "pending"
	AssetMinting   AssetStatus = "minting"
	AssetCompleted AssetStatus = "completed"
	AssetFailed    AssetStatus = "failed"
)

// MintedAsset tracks one token issued for one task.
type MintedAsset struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"taskId"`
	Owner     string            `json:"owner"`
	Recipient string            `json:"recipient"`
	ProductID string            `json:"productId,omitempty"`
	ObjectRef string            `json:"objectRef,omitempty"`
	TxRef     string            `json:"txRef,omitempty"`
	Status    AssetStatus       `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Error     string            `json:"error,omitempty"` // user-facing reason
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}
