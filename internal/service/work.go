package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/visiblelabs/visible/internal/bus"
	"github.com/visiblelabs/visible/internal/geo"
)

// PushNotifier is the mobile-push dispatcher seen from the services. Sends
// are best-effort: the return value only reports whether delivery was handed
// off, and failures are recorded in the notification log by the dispatcher.
type PushNotifier interface {
	WorkAssigned(ctx context.Context, order *WorkOrder, seekerName string) bool
	WorkResponse(ctx context.Context, order *WorkOrder, sessionID string, accepted bool) bool
	ChatMessage(ctx context.Context, sess *WorkSession, msg *ChatMessage) bool
}

// WorkOrders owns the pre-session lifecycle: request creation, the provider's
// single decision, and the dual-transport notification of both.
type WorkOrders struct {
	users    UserStorer
	orders   WorkOrderStorer
	sessions SessionStorer
	statuses ProviderStatusStorer
	notifs   NotificationStorer
	push     PushNotifier
	bus      *bus.Bus
}

func NewWorkOrders(users UserStorer, orders WorkOrderStorer, sessions SessionStorer, statuses ProviderStatusStorer, notifs NotificationStorer, pushN PushNotifier, b *bus.Bus) *WorkOrders {
	return &WorkOrders{
		users:    users,
		orders:   orders,
		sessions: sessions,
		statuses: statuses,
		notifs:   notifs,
		push:     pushN,
		bus:      b,
	}
}

// AssignResult reports the created order and which transports reached the
// provider. The order is durable either way.
type AssignResult struct {
	OrderID string `json:"order_id"`
	FCMSent bool   `json:"fcm_sent"`
	WSSent  bool   `json:"ws_sent"`
}

// AssignInput is a seeker's assignment request.
type AssignInput struct {
	ProviderID   string
	ServiceType  string
	MainCategory string
	SubCategory  string
	Message      string
	Schedule     json.RawMessage
	Latitude     float64
	Longitude    float64
}

// Assign validates and persists a pending order, then dispatches the
// work_assigned notification over push and websocket. Transport failures are
// audited, never surfaced: the order exists regardless.
func (w *WorkOrders) Assign(ctx context.Context, seekerID string, in AssignInput) (*AssignResult, error) {
	seeker, err := w.users.GetUser(ctx, seekerID)
	if err != nil {
		return nil, fmt.Errorf("lookup seeker: %w", err)
	}
	if seeker == nil {
		return nil, NotFoundf("user %s not found", seekerID)
	}
	if seeker.Role != RoleSeeker {
		return nil, ErrNotSeeker
	}

	provider, err := w.users.GetUser(ctx, in.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("lookup provider: %w", err)
	}
	if provider == nil {
		return nil, NotFoundf("provider %s not found", in.ProviderID)
	}
	if provider.Role != RoleProvider {
		return nil, ErrNotProvider
	}

	if in.ServiceType == "" {
		return nil, Validationf("service_type is required")
	}
	if !geo.ValidCoords(in.Latitude, in.Longitude) {
		return nil, ErrInvalidCoords
	}

	pending, err := w.orders.HasPendingOrder(ctx, seekerID, in.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("check pending order: %w", err)
	}
	if pending {
		return nil, InvalidStatef("a pending order with this provider already exists")
	}

	order := WorkOrder{
		ID:           ulid.Make().String(),
		SeekerID:     seekerID,
		ProviderID:   in.ProviderID,
		ServiceType:  in.ServiceType,
		MainCategory: in.MainCategory,
		SubCategory:  in.SubCategory,
		Message:      in.Message,
		Schedule:     in.Schedule,
		SeekerLat:    &in.Latitude,
		SeekerLng:    &in.Longitude,
		Status:       OrderPending,
		CreatedAt:    time.Now().UTC(),
	}

	// Distance against the provider's current presence, when there is one.
	status, err := w.statuses.GetProviderStatus(ctx, in.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("load provider status: %w", err)
	}
	if status != nil && status.Latitude != nil && status.Longitude != nil {
		order.ProviderLat = status.Latitude
		order.ProviderLng = status.Longitude
		d := geo.RoundKm(geo.DistanceKm(in.Latitude, in.Longitude, *status.Latitude, *status.Longitude))
		order.DistanceKm = &d
	}

	created, err := w.orders.CreateWorkOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("create work order: %w", err)
	}

	fcmSent := w.push.WorkAssigned(ctx, created, seeker.Mobile)
	wsSent := w.publishToUser(ctx, created.ProviderID, RoleProvider, created.ID, NotifyWorkAssigned, bus.Frame{
		Type: "work_assigned",
		Data: map[string]any{
			"work_id":      created.ID,
			"service_type": created.ServiceType,
			"message":      created.Message,
			"distance_km":  created.DistanceKm,
			"schedule":     created.Schedule,
			"created_at":   created.CreatedAt.Format(time.RFC3339),
		},
	})

	if err := w.orders.SetOrderDispatchFlags(ctx, created.ID, fcmSent, wsSent); err != nil {
		slog.Error("record dispatch flags", "order_id", created.ID, "error", err)
	}

	slog.Info("work order assigned",
		"order_id", created.ID,
		"seeker_id", seekerID,
		"provider_id", in.ProviderID,
		"fcm_sent", fcmSent,
		"ws_sent", wsSent,
	)

	return &AssignResult{OrderID: created.ID, FCMSent: fcmSent, WSSent: wsSent}, nil
}

// RespondResult carries the decided order and, on acceptance, the session
// created for it.
type RespondResult struct {
	Order   *WorkOrder
	Session *WorkSession
}

// Respond records the provider's decision on a pending order. Acceptance is
// the only producer of sessions: the session row is created in state waiting
// before the seeker is notified.
func (w *WorkOrders) Respond(ctx context.Context, providerID, orderID string, accepted bool) (*RespondResult, error) {
	order, err := w.orders.GetWorkOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load work order: %w", err)
	}
	if order == nil || order.ProviderID != providerID {
		return nil, NotFoundf("work order %s not found", orderID)
	}
	if order.Status != OrderPending {
		return nil, InvalidStatef("work order is %s, not pending", order.Status)
	}

	to := OrderRejected
	if accepted {
		to = OrderAccepted
	}

	now := time.Now().UTC()
	ok, err := w.orders.UpdateWorkOrderStatus(ctx, orderID, OrderPending, to, now)
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}
	if !ok {
		// A concurrent responder won the pending guard.
		return nil, InvalidStatef("work order is no longer pending")
	}

	order.Status = to
	order.ResponseTime = &now

	var session *WorkSession
	if accepted {
		sessionID := uuid.NewString()
		session, err = w.sessions.CreateSession(ctx, WorkSession{
			ID:          sessionID,
			WorkOrderID: order.ID,
			State:       SessionWaiting,
			SeekerID:    order.SeekerID,
			ProviderID:  order.ProviderID,
			CreatedAt:   now,
		})
		if err != nil {
			return nil, fmt.Errorf("create work session: %w", err)
		}
	}

	sessionID := ""
	if session != nil {
		sessionID = session.ID
	}

	w.push.WorkResponse(ctx, order, sessionID, accepted)

	kind := NotifyWorkRejected
	if accepted {
		kind = NotifyWorkAccepted
	}
	w.publishToUser(ctx, order.SeekerID, RoleSeeker, order.ID, kind, bus.Frame{
		Type: "work_response",
		Data: map[string]any{
			"work_id":    order.ID,
			"accepted":   accepted,
			"session_id": sessionID,
		},
	})
	if accepted {
		w.bus.Publish(bus.UserGroup(order.SeekerID, string(RoleSeeker)), bus.Frame{
			Type: "work_accepted",
			Data: map[string]any{
				"work_id":      order.ID,
				"session_id":   sessionID,
				"chat_room_id": sessionID,
			},
		})
	}

	slog.Info("work order decided",
		"order_id", order.ID,
		"provider_id", providerID,
		"accepted", accepted,
		"session_id", sessionID,
	)

	return &RespondResult{Order: order, Session: session}, nil
}

// List returns a page of the user's orders, optionally filtered by status.
func (w *WorkOrders) List(ctx context.Context, userID string, status OrderStatus, limit, offset int) ([]WorkOrder, int, error) {
	user, err := w.users.GetUser(ctx, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("lookup user: %w", err)
	}
	if user == nil {
		return nil, 0, NotFoundf("user %s not found", userID)
	}

	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	return w.orders.ListWorkOrders(ctx, userID, user.Role, status, limit, offset)
}

// publishToUser fans a lossless frame to the user's role group and appends
// the websocket leg to the audit log. Delivered means at least one live
// connection existed at publish time.
func (w *WorkOrders) publishToUser(ctx context.Context, userID string, role Role, orderID string, kind NotificationKind, frame bus.Frame) bool {
	group := bus.UserGroup(userID, string(role))
	delivered := w.bus.GroupSize(group) > 0
	w.bus.Publish(group, frame)

	now := time.Now().UTC()
	logRow := NotificationLog{
		ID:          ulid.Make().String(),
		WorkOrderID: orderID,
		RecipientID: userID,
		Kind:        kind,
		Transport:   TransportWS,
		CreatedAt:   now,
	}
	if delivered {
		logRow.Status = NotificationSent
		logRow.SentAt = &now
	} else {
		logRow.Status = NotificationFailed
		logRow.Error = "no live connection"
	}

	if err := w.notifs.AppendNotification(ctx, logRow); err != nil {
		slog.Error("append ws notification log", "order_id", orderID, "error", err)
	}

	return delivered
}
