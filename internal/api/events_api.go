package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-push-dispatcher/internal/dispatcher"
	"github.com/tinywideclouds/go-push-dispatcher/pkg/notification"
)

// RecordDispatcher is the part of *dispatcher.Dispatcher the API uses.
type RecordDispatcher interface {
	Dispatch(ctx context.Context, documentID string, record *notification.NotificationRecord) dispatcher.Result
}

// EventsAPI receives pushed creation events over HTTP (e.g. from Eventarc).
type EventsAPI struct {
	Dispatcher RecordDispatcher
	Logger     *slog.Logger
}

func NewEventsAPI(d RecordDispatcher, logger *slog.Logger) *EventsAPI {
	return &EventsAPI{
		Dispatcher: d,
		Logger:     logger,
	}
}

// DispatchResponse reports what happened to one pushed event.
type DispatchResponse struct {
	InvocationID string `json:"invocationId"`
	DocumentID   string `json:"documentId"`
	Outcome      string `json:"outcome"`
	MessageID    string `json:"messageId,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Created handles POST /api/v1/events/created.
// Any decodable event is acknowledged with 200 whatever the delivery outcome,
// so the pushing service never retries it.
func (api *EventsAPI) Created(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	invocationID := r.Header.Get("Ce-Id")
	if invocationID == "" {
		invocationID = uuid.NewString()
	}
	log := api.Logger.With("invocation_id", invocationID)

	var event notification.CreatedEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		log.Warn("Created: JSON Decode failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid event json")
		return
	}
	if event.DocumentID == "" {
		log.Warn("Created: Validation failed", "reason", "missing documentId")
		response.WriteJSONError(w, http.StatusBadRequest, "missing documentId")
		return
	}

	res := api.Dispatcher.Dispatch(ctx, event.DocumentID, &event.Record)
	if res.WriteErr != nil {
		log.Error("Created: outcome not persisted", "document_id", event.DocumentID, "err", res.WriteErr)
	}

	body := DispatchResponse{
		InvocationID: invocationID,
		DocumentID:   event.DocumentID,
		Outcome:      string(res.Outcome),
		MessageID:    res.MessageID,
	}
	if res.Err != nil {
		body.Error = res.Err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn("Created: failed to write response", "err", err)
	}
}
