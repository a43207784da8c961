// Package notification contains the public domain models for the push
// dispatcher: the queued notification record and the creation event that
// carries it.
package notification

import "time"

// NotificationRecord is one queued notification document.
// Field names match the documents written by the upstream producer.
type NotificationRecord struct {
	FCMToken       string `firestore:"fcmToken,omitempty" json:"fcmToken,omitempty"`
	Title          string `firestore:"title,omitempty" json:"title,omitempty"`
	Body           string `firestore:"body,omitempty" json:"body,omitempty"`
	NotificationID string `firestore:"notificationId,omitempty" json:"notificationId,omitempty"`
	PostID         string `firestore:"postId,omitempty" json:"postId,omitempty"`
	UserEmail      string `firestore:"userEmail,omitempty" json:"userEmail,omitempty"`

	// Delivery status, written back by the dispatcher.
	Sent      bool       `firestore:"sent" json:"sent"`
	Error     string     `firestore:"error,omitempty" json:"error,omitempty"`
	SentAt    *time.Time `firestore:"sentAt,omitempty" json:"sentAt,omitempty"`
	FailedAt  *time.Time `firestore:"failedAt,omitempty" json:"failedAt,omitempty"`
	MessageID string     `firestore:"messageId,omitempty" json:"messageId,omitempty"`
}

// Terminal reports whether a previous run already left the record in a
// terminal state (sent, or failed with a recorded failure time).
func (r *NotificationRecord) Terminal() bool {
	return r.Sent || r.FailedAt != nil
}

// CreatedEvent is the trigger payload: the key of the newly created document
// plus its full field set at creation time.
type CreatedEvent struct {
	DocumentID string             `json:"documentId"`
	Record     NotificationRecord `json:"record"`
}
