package firestore

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-dispatcher/pkg/notification"
)

// CreatedFunc handles one newly created notification document.
type CreatedFunc func(ctx context.Context, documentID string, record *notification.NotificationRecord)

// Listener turns query snapshots of the notification collection into
// creation events. Changes are handled sequentially, in snapshot order.
type Listener struct {
	client     *firestore.Client
	collection string
	logger     *slog.Logger
}

func NewListener(client *firestore.Client, collection string, logger *slog.Logger) *Listener {
	return &Listener{
		client:     client,
		collection: collection,
		logger:     logger.With("component", "FirestoreListener", "collection", collection),
	}
}

// Run blocks until ctx is cancelled or the snapshot stream fails.
// The first snapshot reports every existing document as added; documents
// that already failed on a previous run are skipped so a restart does not
// send them again.
func (l *Listener) Run(ctx context.Context, onCreated CreatedFunc) error {
	iter := l.client.Collection(l.collection).Snapshots(ctx)
	defer iter.Stop()

	l.logger.Info("Listening for new notification records")
	for {
		snap, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				l.logger.Info("Listener stopped")
				return nil
			}
			return fmt.Errorf("firestore snapshot stream failed: %w", err)
		}

		for _, change := range snap.Changes {
			if change.Kind != firestore.DocumentAdded {
				continue
			}

			var record notification.NotificationRecord
			if err := change.Doc.DataTo(&record); err != nil {
				// Undecodable documents cannot be dispatched or written back meaningfully.
				l.logger.Warn("Skipping undecodable record", "document_id", change.Doc.Ref.ID, "err", err)
				continue
			}
			if record.FailedAt != nil {
				l.logger.Debug("Skipping record with recorded failure", "document_id", change.Doc.Ref.ID)
				continue
			}

			onCreated(ctx, change.Doc.Ref.ID, &record)
		}
	}
}
