package domain

import "time"

type SettlementStatus string

const (
	SettlementPending    SettlementStatus = "pending"
	SettlementProcessing SettlementStatus = "processing"
	SettlementSucceeded  SettlementStatus = "succeeded"
	SettlementFailed     SettlementStatus = "failed"
	SettlementCancelled  SettlementStatus = "cancelled"
)

func (s SettlementStatus) Terminal() bool {
	return s == SettlementSucceeded || s == SettlementFailed || s == SettlementCancelled
}

// Settlement reason codes.
const (
	ReasonProcessorError   = "processor_error"
	ReasonAmountMismatch   = "amount_mismatch"
	ReasonPaymentDeclined  = "payment_declined"
	ReasonLedgerRejected   = "ledger_rejected"
	ReasonSubmissionFailed = "submission_failed"
	ReasonFinalityTimeout  = "finality_timeout"
	ReasonCancelled        = "cancelled"
)

// SettlementRecord is immutable once terminal. Amount is an integer string in
// Unit (minor currency units for the card rail, wei for the ledger rail).
type SettlementRecord struct {
	ID           string           `json:"id"`
	OrderID      string           `json:"orderId"`
	Rail         Rail             `json:"rail"`
	ExternalRef  string           `json:"externalRef"`
	Amount       string           `json:"amount"`
	Unit         string           `json:"unit"`
	Rate         string           `json:"rate,omitempty"`
	Status       SettlementStatus `json:"status"`
	ReasonCode   string           `json:"reasonCode,omitempty"`
	ClientSecret string           `json:"-"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// Fail marks the record failed with a reason code.
func (r *SettlementRecord) Fail(reason string) {
	r.Status = SettlementFailed
	r.ReasonCode = reason
}
