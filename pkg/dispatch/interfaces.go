// Package dispatch defines the collaborators of the notification dispatcher.
package dispatch

import (
	"context"

	"firebase.google.com/go/v4/messaging"
)

// Gateway is the push delivery service.
type Gateway interface {
	// Send delivers a single message and returns the gateway-assigned message id.
	// The returned error's text is recorded verbatim on the notification record.
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// StatusUpdate is the partial field set written back onto a record.
// Sent=true writes sent, sentAt and messageId; Sent=false writes sent, error and failedAt.
// Timestamps are assigned by the store.
type StatusUpdate struct {
	Sent      bool
	MessageID string
	Error     string
}

// RecordStore writes delivery outcomes back onto notification records.
type RecordStore interface {
	WriteStatus(ctx context.Context, documentID string, update StatusUpdate) error
}

// ReplayGuard claims a record for delivery so that a redelivered trigger
// for the same document does not send twice.
type ReplayGuard interface {
	// Claim returns true if the caller now owns delivery of documentID.
	Claim(ctx context.Context, documentID string) (bool, error)
	// Release drops a claim whose outcome never reached the record, so a
	// redelivered trigger can deliver again.
	Release(ctx context.Context, documentID string) error
}
