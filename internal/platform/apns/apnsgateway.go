// Package apns provides a gateway that delivers directly to the Apple Push
// Notification Service instead of routing through FCM.
package apns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"firebase.google.com/go/v4/messaging"
	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	// Development routes to the sandbox endpoint.
	Development bool
}

// RejectedError is returned when APNs answers but does not accept the push.
// Its message is the APNs reason string (e.g. "BadDeviceToken").
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("APNs rejected notification with status %d", e.StatusCode)
	}
	return e.Reason
}

type Gateway struct {
	client APNSClient
	topic  string // The App Bundle ID
	logger *slog.Logger
}

// NewGateway creates a configured APNS gateway.
// It parses the P8 key immediately to fail fast on startup if credentials are bad.
func NewGateway(cfg Config, logger *slog.Logger) (*Gateway, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	tokenSource := &token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	client := apns2.NewTokenClient(tokenSource)
	if cfg.Development {
		client = client.Development()
	} else {
		client = client.Production()
	}

	return NewGatewayWithClient(client, cfg.BundleID, logger), nil
}

// NewGatewayWithClient wires an already constructed client.
func NewGatewayWithClient(client APNSClient, bundleID string, logger *slog.Logger) *Gateway {
	return &Gateway{
		client: client,
		topic:  bundleID,
		logger: logger.With("component", "APNSGateway"),
	}
}

// Send translates the FCM-shaped message into an APNs notification and pushes it.
// The APNs HTTP/2 API is unary, so this is always exactly one request.
func (g *Gateway) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	n := &apns2.Notification{
		DeviceToken: msg.Token,
		Topic:       g.topic,
		Payload:     buildPayload(msg),
		Priority:    priority(msg),
	}

	res, err := g.client.PushWithContext(ctx, n)
	if err != nil {
		g.logger.Error("APNs transport failed", "err", err)
		return "", err
	}
	if res == nil {
		return "", errors.New("APNs returned no response")
	}

	if !res.Sent() {
		switch res.Reason {
		case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
			g.logger.Warn("APNs token is dead", "reason", res.Reason, "status", res.StatusCode)
		default:
			g.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		}
		return "", &RejectedError{StatusCode: res.StatusCode, Reason: res.Reason}
	}

	return res.ApnsID, nil
}

func buildPayload(msg *messaging.Message) *payload.Payload {
	p := payload.NewPayload()
	if msg.Notification != nil {
		p.AlertTitle(msg.Notification.Title).AlertBody(msg.Notification.Body)
	}

	if msg.APNS != nil && msg.APNS.Payload != nil && msg.APNS.Payload.Aps != nil {
		aps := msg.APNS.Payload.Aps
		if aps.Sound != "" {
			p.Sound(aps.Sound)
		}
		if aps.Badge != nil {
			p.Badge(*aps.Badge)
		}
		if aps.ContentAvailable {
			p.ContentAvailable()
		}
	}

	for k, v := range msg.Data {
		p.Custom(k, v)
	}
	return p
}

func priority(msg *messaging.Message) int {
	if msg.APNS != nil {
		if raw, ok := msg.APNS.Headers["apns-priority"]; ok {
			if p, err := strconv.Atoi(raw); err == nil {
				return p
			}
		}
	}
	return apns2.PriorityHigh
}
