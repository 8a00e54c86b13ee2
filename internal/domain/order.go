package domain

import "time"

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderCompleted  OrderStatus = "completed"
	OrderFailed     OrderStatus = "failed"
	OrderCancelled  OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderFailed || s == OrderCancelled
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderProcessing, OrderFailed, OrderCancelled},
	OrderProcessing: {OrderCompleted, OrderFailed, OrderCancelled},
}

// CanTransition reports whether from -> to moves the order forward.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type Rail string

const (
	RailCard   Rail = "card"
	RailLedger Rail = "ledger"
)

func (r Rail) Valid() bool {
	return r == RailCard || r == RailLedger
}

type LineItem struct {
	ProductID  string `json:"productId"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unitPrice"`
	Subtotal   int64  `json:"subtotal"`
	MintsAsset bool   `json:"mintsAsset"`
}

// Order is owned by the order orchestrator; everything downstream reads it.
type Order struct {
	ID               string      `json:"id"`
	Principal        string      `json:"principal"`
	Locale           string      `json:"locale,omitempty"`
	Items            []LineItem  `json:"items"`
	Total            int64       `json:"total"`
	Currency         string      `json:"currency"`
	Status           OrderStatus `json:"status"`
	Rail             Rail        `json:"rail"`
	Recipient        string      `json:"recipient"`
	FailureCode      string      `json:"failureCode,omitempty"`
	FailureMessage   string      `json:"failureMessage,omitempty"`
	FailureDetail    string      `json:"-"`
	UnresolvedAssets int         `json:"unresolvedAssets"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// AssetItems returns the indexes of line items that mint an asset.
func (o Order) AssetItems() []int {
	var idx []int
	for i, item := range o.Items {
		if item.MintsAsset {
			idx = append(idx, i)
		}
	}
	return idx
}

// ApplyFailure copies a failure onto the order.
func (o *Order) ApplyFailure(f *Failure) {
	if f == nil {
		return
	}
	o.FailureCode = f.Code
	o.FailureMessage = f.Message
	o.FailureDetail = f.Detail
}
