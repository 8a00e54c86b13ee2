package domain

import "time"

type StakeStatus string

const (
	StakeActive    StakeStatus = "active"
	StakeCompleted StakeStatus = "completed"
	StakeCancelled StakeStatus = "cancelled"
)

func (s StakeStatus) Terminal() bool {
	return s == StakeCompleted || s == StakeCancelled
}

// StakeCommitment is a time-locked commitment that resolves into a reward mint.
type StakeCommitment struct {
	ID           string        `json:"id"`
	Principal    string        `json:"principal"`
	CampaignID   string        `json:"campaignId"`
	Amount       int64         `json:"amount"`
	LockDuration time.Duration `json:"lockDuration"`
	MaturityAt   time.Time     `json:"maturityAt"`
	Recipient    string        `json:"recipient"`
	Status       StakeStatus   `json:"status"`
	RewardTaskID string        `json:"rewardTaskId,omitempty"`
	RewardError  string        `json:"rewardError,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Matured reports whether the lock has elapsed at now.
func (s StakeCommitment) Matured(now time.Time) bool {
	return !now.Before(s.MaturityAt)
}
