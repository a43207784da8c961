// Package fcm adapts the Firebase Cloud Messaging client to the dispatch.Gateway contract.
package fcm

import (
	"context"
	"log/slog"

	"firebase.google.com/go/v4/messaging"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it; tests substitute a mock.
type MessagingClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type Gateway struct {
	client MessagingClient
	logger *slog.Logger
}

// NewGateway accepts the concrete client but stores it as the interface.
func NewGateway(client MessagingClient, logger *slog.Logger) *Gateway {
	return &Gateway{
		client: client,
		logger: logger.With("component", "FCMGateway"),
	}
}

// Send delivers one message. The SDK error is returned unwrapped so the
// caller records FCM's own failure text on the notification record.
func (g *Gateway) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	id, err := g.client.Send(ctx, msg)
	if err != nil {
		switch {
		case messaging.IsRegistrationTokenNotRegistered(err):
			g.logger.Warn("FCM token is no longer registered", "err", err)
		case messaging.IsInvalidArgument(err):
			g.logger.Warn("FCM rejected message as InvalidArgument", "err", err)
		case messaging.IsQuotaExceeded(err), messaging.IsUnavailable(err), messaging.IsInternal(err):
			g.logger.Error("FCM transient failure", "err", err)
		default:
			g.logger.Error("FCM send failed", "err", err)
		}
		return "", err
	}
	return id, nil
}
