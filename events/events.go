// Package events publishes payment lifecycle events to an external sink so
// a presentation or audit collaborator can follow the flow. The orchestrator
// only emits structured events; formatting is out of scope.
package events

import (
	"time"

	"github.com/vitwit/payflow/types"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventStateChanged      EventType = "state_changed"
	EventApprovalPending   EventType = "approval_pending"
	EventTransferConfirmed EventType = "transfer_confirmed"
	EventPaymentComplete   EventType = "payment_complete"
	EventPaymentFailed     EventType = "payment_failed"
)

// PaymentEvent is one lifecycle notification.
type PaymentEvent struct {
	Type      EventType            `json:"type"`
	Payer     string               `json:"payer"`
	State     types.PaymentState   `json:"state"`
	TxHash    string               `json:"txHash,omitempty"`
	ErrorCode string               `json:"errorCode,omitempty"`
	Record    *types.PaymentRecord `json:"record,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Emitter delivers payment events. Implementations must be safe for use
// from a single orchestration goroutine; delivery failures are reported but
// never interrupt the payment flow.
type Emitter interface {
	EmitEvent(event PaymentEvent) error
	Close() error
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

func (NoopEmitter) EmitEvent(PaymentEvent) error { return nil }
func (NoopEmitter) Close() error                 { return nil }
