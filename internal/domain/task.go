package domain

import (
	"encoding/json"
	"time"
)

type TaskType string

const (
	TaskMintNFT       TaskType = "mint_nft"
	TaskStakeMaturity TaskType = "stake_maturity"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Source kinds carried in a task payload.
const (
	SourceOrder = "order"
	SourceStake = "stake"
)

// TaskPayload holds the parameters a worker needs to act on a task.
type TaskPayload struct {
	Principal   string `json:"principal"`
	Recipient   string `json:"recipient"`
	SourceKind  string `json:"sourceKind"`
	SourceID    string `json:"sourceId"`
	ItemIndex   int    `json:"itemIndex,omitempty"`
	ProductID   string `json:"productId,omitempty"`
	Quantity    int    `json:"quantity,omitempty"`
	MetadataURI string `json:"metadataUri,omitempty"`
}

// Task is a durable unit of asynchronous work. Tasks are never deleted.
type Task struct {
	ID          string          `json:"id"`
	Type        TaskType        `json:"type"`
	DedupeKey   string          `json:"dedupeKey"`
	Payload     TaskPayload     `json:"payload"`
	Status      TaskStatus      `json:"status"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	Result      json.RawMessage `json:"result,omitempty"`
	// FailureCode and FailureMessage describe the last failed attempt to the
	// principal; Error keeps the internal detail.
	FailureCode    string `json:"failureCode,omitempty"`
	FailureMessage string `json:"failureMessage,omitempty"`
	Error          string `json:"-"`
	ClaimedBy   string          `json:"claimedBy,omitempty"`
	AvailableAt time.Time       `json:"availableAt"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// MintResult is stored as the task result after a confirmed mint.
type MintResult struct {
	AssetID   string `json:"assetId"`
	ObjectRef string `json:"objectRef"`
	TxRef     string `json:"txRef"`
}
