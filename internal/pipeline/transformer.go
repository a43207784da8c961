// Package pipeline adapts the dispatcher to the Pub/Sub streaming pipeline.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-push-dispatcher/pkg/notification"
)

var errMissingDocumentID = errors.New("created event has no documentId")

// CreatedEventTransformer unmarshals a raw message payload into a
// notification.CreatedEvent.
//
// Malformed payloads return skip=true with an error so the StreamingService
// nacks them and Pub/Sub dead-letters them after the max delivery attempts.
// Field-level problems in the record itself are not checked here; those are
// recorded on the document by the dispatcher.
func CreatedEventTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*notification.CreatedEvent, bool, error) {
	var event notification.CreatedEvent

	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal created event from message %s: %w", msg.ID, err)
	}
	// Without a key there is nowhere to write the outcome.
	if event.DocumentID == "" {
		return nil, true, fmt.Errorf("message %s: %w", msg.ID, errMissingDocumentID)
	}

	return &event, false, nil
}
