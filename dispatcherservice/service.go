// Package dispatcherservice assembles the push dispatcher: the creation
// trigger, the HTTP surface and the shared dispatcher.
package dispatcherservice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-push-dispatcher/dispatcherservice/config"
	"github.com/tinywideclouds/go-push-dispatcher/internal/api"
	"github.com/tinywideclouds/go-push-dispatcher/internal/dispatcher"
	"github.com/tinywideclouds/go-push-dispatcher/internal/metrics"
	"github.com/tinywideclouds/go-push-dispatcher/internal/pipeline"
	fsStore "github.com/tinywideclouds/go-push-dispatcher/internal/storage/firestore"
	"github.com/tinywideclouds/go-push-dispatcher/pkg/notification"
)

// CreationListener streams newly created records (the Firestore trigger).
type CreationListener interface {
	Run(ctx context.Context, onCreated fsStore.CreatedFunc) error
}

// Triggers carries the event source selected by config.Trigger.
// Exactly one of Consumer (pubsub) or Listener (firestore) is used.
type Triggers struct {
	Consumer messagepipeline.MessageConsumer
	Listener CreationListener
}

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[notification.CreatedEvent]
	listener        CreationListener
	dispatcher      *dispatcher.Dispatcher

	listenerCancel context.CancelFunc
	listenerDone   chan error
	logger         *slog.Logger
}

// New assembles the service. A nil authMiddleware leaves the HTTP trigger
// unregistered; the Pub/Sub and Firestore triggers do not depend on it.
func New(
	cfg *config.Config,
	triggers Triggers,
	d *dispatcher.Dispatcher,
	m *metrics.Metrics,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	w := &Wrapper{
		BaseServer: baseServer,
		dispatcher: d,
		logger:     logger,
	}

	// 2. Trigger
	switch cfg.Trigger {
	case config.TriggerFirestore:
		if triggers.Listener == nil {
			return nil, errors.New("firestore trigger selected but no listener provided")
		}
		w.listener = triggers.Listener

	default:
		if triggers.Consumer == nil {
			return nil, errors.New("pubsub trigger selected but no consumer provided")
		}
		processor := pipeline.NewProcessor(d, logger)
		streamingService, err := messagepipeline.NewStreamingService(
			messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
			triggers.Consumer,
			pipeline.CreatedEventTransformer,
			processor,
			logger,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create streaming service: %w", err)
		}
		w.pipelineService = streamingService
	}

	mux := baseServer.Mux()
	mux.Handle("GET /internal/metrics", m.Handler())

	// 3. API (HTTP push trigger). Never served unauthenticated.
	if authMiddleware == nil {
		logger.Warn("No auth middleware configured; HTTP trigger disabled", "route", "POST /api/v1/events/created")
		return w, nil
	}

	eventsAPI := api.NewEventsAPI(d, logger)
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)

	mux.Handle("POST /api/v1/events/created", corsMiddleware(authMiddleware(http.HandlerFunc(eventsAPI.Created))))

	// CORS preflight for the API namespace
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	return w, nil
}

// Start launches the trigger, marks the service ready and blocks serving HTTP.
func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing trigger starting...")

	if w.pipelineService != nil {
		if err := w.pipelineService.Start(ctx); err != nil {
			return fmt.Errorf("failed to start processing service: %w", err)
		}
	}

	w.SetReady(true)
	w.logger.Info("Service is now ready.")

	// Started after SetReady(true) so a failed stream is not reported ready again.
	if w.listener != nil {
		listenCtx, cancel := context.WithCancel(ctx)
		w.listenerCancel = cancel
		w.listenerDone = make(chan error, 1)
		go func() {
			err := w.listener.Run(listenCtx, w.onCreated)
			if err != nil {
				w.logger.Error("Firestore listener stopped with error; no further records will be dispatched", "err", err)
				w.SetReady(false)
			}
			w.listenerDone <- err
		}()
	}

	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if w.pipelineService != nil {
		if err := w.pipelineService.Stop(ctx); err != nil {
			w.logger.Error("Processing pipeline shutdown failed.", "err", err)
			finalErr = err
		}
	}
	if w.listenerCancel != nil {
		w.listenerCancel()
		select {
		case err := <-w.listenerDone:
			if err != nil {
				finalErr = err
			}
		case <-ctx.Done():
			w.logger.Error("Firestore listener did not stop in time.", "err", ctx.Err())
			finalErr = ctx.Err()
		}
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}

// onCreated is the listener callback. Like the pipeline processor it never
// fails: the outcome lives on the document.
func (w *Wrapper) onCreated(ctx context.Context, documentID string, record *notification.NotificationRecord) {
	res := w.dispatcher.Dispatch(ctx, documentID, record)
	if res.WriteErr != nil {
		w.logger.Error("Outcome not persisted", "document_id", documentID, "outcome", res.Outcome, "err", res.WriteErr)
	}
}
