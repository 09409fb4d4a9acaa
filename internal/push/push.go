// Package push delivers best-effort mobile notifications over FCM. The
// websocket is the primary transport; every push attempt, successful or not,
// lands in the notification audit log, and permanently dead tokens are
// cleared so later sends don't keep hitting them.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/oklog/ulid/v2"
	"google.golang.org/api/option"

	"github.com/visiblelabs/visible/internal/geo"
	"github.com/visiblelabs/visible/internal/service"
)

// Messenger is the slice of the FCM client the dispatcher needs.
type Messenger interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// permanentError reports token-level failures that will never succeed on
// retry: the token was unregistered or rejected outright.
func permanentError(err error) bool {
	return messaging.IsUnregistered(err) || messaging.IsInvalidArgument(err)
}

// Dispatcher sends typed notifications to a user's registered device token.
type Dispatcher struct {
	client  Messenger
	tokens  service.DeviceTokenStorer
	logs    service.NotificationStorer
	timeout time.Duration
}

// New builds a dispatcher from a Firebase service-account credentials blob.
// An empty blob yields a disabled dispatcher: every send is recorded as
// failed and the caller falls back to the websocket.
func New(ctx context.Context, credentialsJSON string, tokens service.DeviceTokenStorer, logs service.NotificationStorer, timeout time.Duration) (*Dispatcher, error) {
	d := &Dispatcher{tokens: tokens, logs: logs, timeout: timeout}
	if d.timeout <= 0 {
		d.timeout = 5 * time.Second
	}

	if credentialsJSON == "" {
		slog.Warn("push disabled, no FCM credentials configured")
		return d, nil
	}

	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsJSON([]byte(credentialsJSON)))
	if err != nil {
		return nil, fmt.Errorf("init firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("init fcm client: %w", err)
	}

	d.client = client
	slog.Info("push dispatcher ready")

	return d, nil
}

// NewWithMessenger builds a dispatcher around an existing client. Tests use
// this to substitute a fake.
func NewWithMessenger(client Messenger, tokens service.DeviceTokenStorer, logs service.NotificationStorer, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{client: client, tokens: tokens, logs: logs, timeout: timeout}
}

// WorkAssigned notifies the provider of a fresh assignment request. The data
// payload carries everything the client needs to open the request screen.
func (d *Dispatcher) WorkAssigned(ctx context.Context, order *service.WorkOrder, seekerName string) bool {
	distance := "nearby"
	if order.DistanceKm != nil {
		distance = fmt.Sprintf("%.2fkm", *order.DistanceKm)
	}

	msg := &messaging.Message{
		Data: map[string]string{
			"type":         string(service.NotifyWorkAssigned),
			"work_id":      order.ID,
			"seeker_name":  seekerName,
			"service_type": order.ServiceType,
			"distance":     distance,
			"message":      order.Message,
			"created_at":   order.CreatedAt.Format(time.RFC3339),
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: "New Work Assignment",
						Body:  fmt.Sprintf("%s needs %s", seekerName, order.ServiceType),
					},
					Sound: "alarm.mp3",
				},
			},
		},
	}

	return d.send(ctx, order.ProviderID, order.ID, service.NotifyWorkAssigned, msg)
}

// WorkResponse notifies the seeker of the provider's decision.
func (d *Dispatcher) WorkResponse(ctx context.Context, order *service.WorkOrder, sessionID string, accepted bool) bool {
	kind := service.NotifyWorkRejected
	title := "Work Request Declined"
	if accepted {
		kind = service.NotifyWorkAccepted
		title = "Work Request Accepted"
	}

	msg := &messaging.Message{
		Data: map[string]string{
			"type":         string(kind),
			"work_id":      order.ID,
			"session_id":   sessionID,
			"service_type": order.ServiceType,
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{Title: title, Body: order.ServiceType},
				},
			},
		},
	}

	return d.send(ctx, order.SeekerID, order.ID, kind, msg)
}

// ChatMessage notifies the counterparty of a new chat message. The preview is
// clipped so the notification never carries the full text.
func (d *Dispatcher) ChatMessage(ctx context.Context, sess *service.WorkSession, msg *service.ChatMessage) bool {
	preview := msg.Text
	if len(preview) > 80 {
		preview = preview[:80]
	}

	var meters string
	if sess.DistanceMeters != nil {
		meters = geo.FormatDistance(*sess.DistanceMeters)
	}

	fcmMsg := &messaging.Message{
		Data: map[string]string{
			"type":        string(service.NotifyChatMessage),
			"session_id":  sess.ID,
			"message_id":  msg.ID,
			"sender_type": string(msg.SenderRole),
			"preview":     preview,
			"distance":    meters,
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: fmt.Sprintf("New message from %s", msg.SenderRole),
						Body:  preview,
					},
				},
			},
		},
	}

	return d.send(ctx, sess.Counterparty(msg.SenderID), sess.WorkOrderID, service.NotifyChatMessage, fcmMsg)
}

// send resolves the recipient's token, delivers with a bounded timeout and
// appends the audit row. Returns whether delivery was handed to FCM.
func (d *Dispatcher) send(ctx context.Context, recipientID, orderID string, kind service.NotificationKind, msg *messaging.Message) bool {
	now := time.Now().UTC()
	logRow := service.NotificationLog{
		ID:          ulid.Make().String(),
		WorkOrderID: orderID,
		RecipientID: recipientID,
		Kind:        kind,
		Transport:   service.TransportPush,
		CreatedAt:   now,
	}

	token, err := d.tokens.GetDeviceToken(ctx, recipientID)
	if err != nil || token == "" || d.client == nil {
		logRow.Status = service.NotificationFailed
		switch {
		case err != nil:
			logRow.Error = fmt.Sprintf("resolve token: %v", err)
		case token == "":
			logRow.Error = "no push token registered"
		default:
			logRow.Error = "push disabled"
		}
		d.appendLog(ctx, logRow)
		return false
	}

	msg.Token = token

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	externalID, err := d.client.Send(sendCtx, msg)
	if err != nil {
		logRow.Status = service.NotificationFailed
		logRow.Error = err.Error()
		if permanentError(err) {
			if clearErr := d.tokens.ClearDeviceToken(ctx, recipientID); clearErr != nil {
				slog.Error("clear dead push token", "user_id", recipientID, "error", clearErr)
			} else {
				slog.Info("cleared unregistered push token", "user_id", recipientID)
			}
		}
		d.appendLog(ctx, logRow)
		return false
	}

	logRow.Status = service.NotificationSent
	logRow.ExternalID = externalID
	logRow.SentAt = &now
	d.appendLog(ctx, logRow)

	slog.Debug("push sent", "kind", kind, "recipient", recipientID, "fcm_id", externalID)

	return true
}

func (d *Dispatcher) appendLog(ctx context.Context, row service.NotificationLog) {
	if err := d.logs.AppendNotification(ctx, row); err != nil {
		slog.Error("append notification log", "kind", row.Kind, "error", err)
	}
}
