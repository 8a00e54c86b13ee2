package domain

import "time"

type EventType string

const (
	EventOrderCompleted       EventType = "order.completed"
	EventOrderFailed          EventType = "order.failed"
	EventOrderCancelled       EventType = "order.cancelled"
	EventOrderAssetUnresolved EventType = "order.asset_unresolved"
	EventTaskCompleted        EventType = "task.completed"
	EventTaskFailed           EventType = "task.failed"
	EventStakeCompleted       EventType = "stake.completed"
	EventStakeRewardFailed    EventType = "stake.reward_failed"
	EventHandshakeResolved    EventType = "handshake.resolved"
)

// Event is a notification about a terminal state change.
type Event struct {
	Type      EventType      `json:"type"`
	Subject   string         `json:"subject"`
	Principal string         `json:"principal,omitempty"`
	At        time.Time      `json:"at"`
	Data      map[string]any `json:"data,omitempty"`
}
