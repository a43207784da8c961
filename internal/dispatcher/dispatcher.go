// Package dispatcher forwards newly created notification records to the push
// gateway and writes the delivery outcome back onto the record.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-dispatcher/internal/metrics"
	"github.com/tinywideclouds/go-push-dispatcher/pkg/dispatch"
	"github.com/tinywideclouds/go-push-dispatcher/pkg/notification"
)

// Outcome is the terminal classification of one Dispatch call.
type Outcome string

const (
	OutcomeSent             Outcome = "sent"
	OutcomeInvalid          Outcome = "invalid"
	OutcomeFailed           Outcome = "failed"
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

// Result describes what Dispatch did. Err holds the ValidationError or
// DeliveryError for the failure outcomes; WriteErr is set when the
// write-back itself did not persist.
type Result struct {
	DocumentID string
	Outcome    Outcome
	MessageID  string
	Err        error
	WriteErr   error
}

const releaseTimeout = 5 * time.Second

// Option configures optional collaborators.
type Option func(*Dispatcher)

// WithReplayGuard installs a guard that is claimed before the gateway call.
func WithReplayGuard(g dispatch.ReplayGuard) Option {
	return func(d *Dispatcher) { d.guard = g }
}

// WithMetrics records outcomes and gateway latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

type Dispatcher struct {
	gateway dispatch.Gateway
	store   dispatch.RecordStore
	guard   dispatch.ReplayGuard
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(gateway dispatch.Gateway, store dispatch.RecordStore, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		gateway: gateway,
		store:   store,
		logger:  logger.With("component", "NotificationDispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch processes one creation event. It never returns an error: every
// failure is recorded on the record and reported through the Result.
func (d *Dispatcher) Dispatch(ctx context.Context, documentID string, record *notification.NotificationRecord) Result {
	res := d.dispatch(ctx, documentID, record)
	d.metrics.RecordOutcome(string(res.Outcome))
	if res.WriteErr != nil {
		d.metrics.RecordWriteBackFailure()
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, documentID string, record *notification.NotificationRecord) Result {
	log := d.logger.With("document_id", documentID)
	res := Result{DocumentID: documentID}

	// 1. Idempotence
	if record.Sent {
		log.Debug("Record already sent; skipping")
		res.Outcome = OutcomeAlreadyProcessed
		return res
	}

	// 2. Validation
	if verr := validate(record); verr != nil {
		log.Warn("Rejecting notification", "reason", verr.Detail())
		res.Outcome = OutcomeInvalid
		res.Err = verr
		res.WriteErr = d.write(ctx, log, documentID, dispatch.StatusUpdate{Sent: false, Error: verr.Error()})
		return res
	}

	claimed := false
	if d.guard != nil {
		ok, err := d.guard.Claim(ctx, documentID)
		switch {
		case err != nil:
			d.metrics.RecordGuardError()
			log.Warn("Replay guard unavailable; delivering anyway", "err", err)
		case !ok:
			log.Info("Record already claimed by another invocation; skipping")
			res.Outcome = OutcomeAlreadyProcessed
			return res
		default:
			claimed = true
		}
	}

	// 3. Payload
	msg := BuildMessage(record)

	// 4. Delivery
	start := time.Now()
	messageID, err := d.gateway.Send(ctx, msg)
	d.metrics.RecordGatewayCall(time.Since(start))
	if err != nil {
		derr := &DeliveryError{Err: err}
		log.Error("Push delivery failed", "err", err)
		res.Outcome = OutcomeFailed
		res.Err = derr
		res.WriteErr = d.write(ctx, log, documentID, dispatch.StatusUpdate{Sent: false, Error: derr.Error()})
		if res.WriteErr != nil && claimed {
			d.release(ctx, log, documentID)
		}
		return res
	}

	log.Info("Push delivered", "message_id", messageID)
	res.Outcome = OutcomeSent
	res.MessageID = messageID
	res.WriteErr = d.write(ctx, log, documentID, dispatch.StatusUpdate{Sent: true, MessageID: messageID})
	if res.WriteErr != nil && claimed {
		d.release(ctx, log, documentID)
	}
	return res
}

// release drops the claim when the record kept its pre-dispatch state, so a
// redelivered trigger re-runs the flow instead of being skipped forever.
// It runs detached from ctx since the usual cause is an expired invocation.
func (d *Dispatcher) release(ctx context.Context, log *slog.Logger, documentID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := d.guard.Release(rctx, documentID); err != nil {
		d.metrics.RecordGuardError()
		log.Error("Failed to release replay claim; redelivery will be skipped until it expires", "err", err)
		return
	}
	log.Info("Released replay claim after failed write-back")
}

func (d *Dispatcher) write(ctx context.Context, log *slog.Logger, documentID string, update dispatch.StatusUpdate) error {
	if err := d.store.WriteStatus(ctx, documentID, update); err != nil {
		// No reconciliation: a replay after a lost write may resend.
		log.Error("Failed to write delivery status", "sent", update.Sent, "err", err)
		return err
	}
	return nil
}

func validate(r *notification.NotificationRecord) *ValidationError {
	var missing []string
	if r.FCMToken == "" {
		missing = append(missing, "fcmToken")
	}
	if r.Title == "" {
		missing = append(missing, "title")
	}
	if r.Body == "" {
		missing = append(missing, "body")
	}
	if len(missing) == 0 {
		return nil
	}
	return &ValidationError{Missing: missing}
}
