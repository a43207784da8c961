package dispatcher

import (
	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-push-dispatcher/pkg/notification"
)

const (
	// MessageType is the fixed data.type value clients route on.
	MessageType = "social_notification"

	defaultSound          = "default"
	defaultAndroidChannel = "default"
	iosBadgeCount         = 1
	// 10 asks APNs for immediate delivery.
	apnsPriorityImmediate = "10"
)

// BuildMessage converts a validated record into the vendor push message.
// Optional correlation fields are sent as empty strings when absent.
func BuildMessage(r *notification.NotificationRecord) *messaging.Message {
	badge := iosBadgeCount

	return &messaging.Message{
		Token: r.FCMToken,
		Notification: &messaging.Notification{
			Title: r.Title,
			Body:  r.Body,
		},
		Data: map[string]string{
			"notificationId": r.NotificationID,
			"postId":         r.PostID,
			"userEmail":      r.UserEmail,
			"type":           MessageType,
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority": apnsPriorityImmediate,
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Sound:            defaultSound,
					Badge:            &badge,
					ContentAvailable: true,
				},
			},
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound:     defaultSound,
				ChannelID: defaultAndroidChannel,
			},
		},
	}
}
