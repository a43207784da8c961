package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-push-dispatcher/internal/dispatcher"
	"github.com/tinywideclouds/go-push-dispatcher/pkg/notification"
)

// RecordDispatcher is the part of *dispatcher.Dispatcher the processor uses.
type RecordDispatcher interface {
	Dispatch(ctx context.Context, documentID string, record *notification.NotificationRecord) dispatcher.Result
}

// NewProcessor dispatches each created event and always acknowledges it.
// Every outcome is already recorded on the document, so returning an error
// here would only make Pub/Sub redeliver and send the push a second time.
func NewProcessor(
	d RecordDispatcher,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[notification.CreatedEvent] {

	return func(ctx context.Context, original messagepipeline.Message, event *notification.CreatedEvent) error {
		procLogger := logger.With(
			"document_id", event.DocumentID,
			"pubsub_msg_id", original.ID,
		)

		res := d.Dispatch(ctx, event.DocumentID, &event.Record)

		switch res.Outcome {
		case dispatcher.OutcomeSent:
			procLogger.Info("Notification sent", "message_id", res.MessageID)
		case dispatcher.OutcomeAlreadyProcessed:
			procLogger.Debug("Notification already processed")
		default:
			procLogger.Warn("Notification not delivered", "outcome", res.Outcome, "err", res.Err)
		}
		if res.WriteErr != nil {
			procLogger.Error("Outcome not persisted; acknowledging anyway", "err", res.WriteErr)
		}

		return nil
	}
}
