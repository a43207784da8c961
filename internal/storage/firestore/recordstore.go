// Package firestore persists delivery outcomes onto notification documents and
// watches the notification collection for newly created documents.
package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-push-dispatcher/pkg/notification"
)

// ErrRecordNotFound is returned when the notification document no longer exists.
var ErrRecordNotFound = errors.New("notification record not found")

// RecordStore implements dispatch.RecordStore using Google Cloud Firestore.
type RecordStore struct {
	client     *firestore.Client
	collection string
}

func NewRecordStore(client *firestore.Client, collection string) *RecordStore {
	return &RecordStore{client: client, collection: collection}
}

// WriteStatus merges the outcome into the existing document.
// sentAt / failedAt are assigned by the Firestore server.
func (s *RecordStore) WriteStatus(ctx context.Context, documentID string, update dispatch.StatusUpdate) error {
	_, err := s.recordRef(documentID).Update(ctx, statusUpdates(update))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrRecordNotFound, documentID)
		}
		return fmt.Errorf("firestore status update failed for %s: %w", documentID, err)
	}
	return nil
}

// Get reads the current state of one record.
func (s *RecordStore) Get(ctx context.Context, documentID string) (*notification.NotificationRecord, error) {
	doc, err := s.recordRef(documentID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, documentID)
		}
		return nil, fmt.Errorf("firestore read failed for %s: %w", documentID, err)
	}

	var record notification.NotificationRecord
	if err := doc.DataTo(&record); err != nil {
		return nil, fmt.Errorf("failed to decode record %s: %w", documentID, err)
	}
	return &record, nil
}

// statusUpdates builds the partial field set for one terminal state.
func statusUpdates(update dispatch.StatusUpdate) []firestore.Update {
	if update.Sent {
		return []firestore.Update{
			{Path: "sent", Value: true},
			{Path: "sentAt", Value: firestore.ServerTimestamp},
			{Path: "messageId", Value: update.MessageID},
		}
	}
	return []firestore.Update{
		{Path: "sent", Value: false},
		{Path: "error", Value: update.Error},
		{Path: "failedAt", Value: firestore.ServerTimestamp},
	}
}

// recordRef: {collection}/{documentID}
func (s *RecordStore) recordRef(documentID string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(documentID)
}
