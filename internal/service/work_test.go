package service_test

import (
	"context"
	"testing"

	"github.com/visiblelabs/visible/internal/bus"
	"github.com/visiblelabs/visible/internal/service"
)

func TestAssignCreatesPendingOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)

	if _, err := h.presence.SetProviderActive(ctx, provider.ID, 11.2590, 75.8580, "MS0001", "SS0001", true); err != nil {
		t.Fatalf("activate provider: %v", err)
	}

	res, err := h.orders.Assign(ctx, seeker.ID, service.AssignInput{
		ProviderID:   provider.ID,
		ServiceType:  "Electrician",
		MainCategory: "MS0001",
		SubCategory:  "SS0001",
		Message:      "fuse box sparks",
		Latitude:     11.2588,
		Longitude:    75.8577,
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !res.FCMSent {
		t.Error("expected fcm_sent=true from the fake dispatcher")
	}

	order, err := h.store.GetWorkOrder(ctx, res.OrderID)
	if err != nil || order == nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if order.Status != service.OrderPending {
		t.Errorf("expected pending, got %s", order.Status)
	}
	if order.DistanceKm == nil || *order.DistanceKm != 0.04 {
		t.Errorf("expected calculated distance 0.04, got %v", order.DistanceKm)
	}
	if h.push.assigned != 1 {
		t.Errorf("expected one push dispatch, got %d", h.push.assigned)
	}

	// The websocket leg had no live connection; the audit trail records it.
	logs := h.store.Notifications()
	if len(logs) != 1 {
		t.Fatalf("expected one ws audit row, got %d", len(logs))
	}
	if logs[0].Transport != service.TransportWS || logs[0].Status != service.NotificationFailed {
		t.Errorf("unexpected audit row: %+v", logs[0])
	}
}

func TestAssignRejectsSecondPendingForPair(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)

	in := service.AssignInput{
		ProviderID:  provider.ID,
		ServiceType: "Electrician",
		Latitude:    11.2588,
		Longitude:   75.8577,
	}

	if _, err := h.orders.Assign(ctx, seeker.ID, in); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if _, err := h.orders.Assign(ctx, seeker.ID, in); !service.IsKind(err, service.KindInvalidState) {
		t.Errorf("expected InvalidState for duplicate pending, got %v", err)
	}
}

func TestAssignValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)
	otherSeeker := h.addUser(t, service.RoleSeeker)

	cases := []struct {
		name   string
		caller string
		in     service.AssignInput
		kind   service.ErrKind
	}{
		{
			name:   "provider as caller",
			caller: provider.ID,
			in:     service.AssignInput{ProviderID: provider.ID, ServiceType: "x", Latitude: 11, Longitude: 75},
			kind:   service.KindValidation,
		},
		{
			name:   "target is not a provider",
			caller: seeker.ID,
			in:     service.AssignInput{ProviderID: otherSeeker.ID, ServiceType: "x", Latitude: 11, Longitude: 75},
			kind:   service.KindValidation,
		},
		{
			name:   "unknown target",
			caller: seeker.ID,
			in:     service.AssignInput{ProviderID: "missing", ServiceType: "x", Latitude: 11, Longitude: 75},
			kind:   service.KindNotFound,
		},
		{
			name:   "bad coordinates",
			caller: seeker.ID,
			in:     service.AssignInput{ProviderID: provider.ID, ServiceType: "x", Latitude: 91, Longitude: 75},
			kind:   service.KindValidation,
		},
		{
			name:   "missing service type",
			caller: seeker.ID,
			in:     service.AssignInput{ProviderID: provider.ID, Latitude: 11, Longitude: 75},
			kind:   service.KindValidation,
		},
	}

	for _, c := range cases {
		if _, err := h.orders.Assign(ctx, c.caller, c.in); !service.IsKind(err, c.kind) {
			t.Errorf("%s: expected kind %v, got %v", c.name, c.kind, err)
		}
	}
}

func TestRespondAcceptCreatesWaitingSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)

	res, err := h.orders.Assign(ctx, seeker.ID, service.AssignInput{
		ProviderID:  provider.ID,
		ServiceType: "Electrician",
		Latitude:    11.2588,
		Longitude:   75.8577,
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	seekerSub := h.listen(bus.UserGroup(seeker.ID, "seeker"))

	dec, err := h.orders.Respond(ctx, provider.ID, res.OrderID, true)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if dec.Order.Status != service.OrderAccepted {
		t.Errorf("expected accepted, got %s", dec.Order.Status)
	}
	if dec.Order.ResponseTime == nil {
		t.Error("response_time not stamped")
	}
	if dec.Session == nil || dec.Session.State != service.SessionWaiting {
		t.Fatalf("expected waiting session, got %+v", dec.Session)
	}
	if dec.Session.ChatRoomID() != dec.Session.ID {
		t.Error("chat room id must equal session id")
	}

	// The seeker hears the decision and then the session id.
	if f := nextFrame(t, seekerSub); f.Type != "work_response" {
		t.Fatalf("expected work_response, got %q", f.Type)
	}
	f := nextFrame(t, seekerSub)
	if f.Type != "work_accepted" {
		t.Fatalf("expected work_accepted, got %q", f.Type)
	}
	if f.Data["session_id"] != dec.Session.ID {
		t.Errorf("work_accepted missing session id: %v", f.Data)
	}
}

func TestRespondRejectLeavesNoSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)

	res, err := h.orders.Assign(ctx, seeker.ID, service.AssignInput{
		ProviderID:  provider.ID,
		ServiceType: "Electrician",
		Latitude:    11.2588,
		Longitude:   75.8577,
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	dec, err := h.orders.Respond(ctx, provider.ID, res.OrderID, false)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if dec.Order.Status != service.OrderRejected {
		t.Errorf("expected rejected, got %s", dec.Order.Status)
	}
	if dec.Session != nil {
		t.Error("rejection must not create a session")
	}

	sess, err := h.store.GetSessionByOrder(ctx, res.OrderID)
	if err != nil || sess != nil {
		t.Errorf("unexpected session row: %+v err=%v", sess, err)
	}
}

func TestRespondOnDecidedOrderFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)

	res, err := h.orders.Assign(ctx, seeker.ID, service.AssignInput{
		ProviderID:  provider.ID,
		ServiceType: "Electrician",
		Latitude:    11.2588,
		Longitude:   75.8577,
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := h.orders.Respond(ctx, provider.ID, res.OrderID, false); err != nil {
		t.Fatalf("first respond: %v", err)
	}

	if _, err := h.orders.Respond(ctx, provider.ID, res.OrderID, true); !service.IsKind(err, service.KindInvalidState) {
		t.Errorf("expected InvalidState, got %v", err)
	}

	order, _ := h.store.GetWorkOrder(ctx, res.OrderID)
	if order.Status != service.OrderRejected {
		t.Errorf("terminal state mutated: %s", order.Status)
	}
}

func TestRespondByWrongProviderIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)
	intruder := h.addUser(t, service.RoleProvider)

	res, err := h.orders.Assign(ctx, seeker.ID, service.AssignInput{
		ProviderID:  provider.ID,
		ServiceType: "Electrician",
		Latitude:    11.2588,
		Longitude:   75.8577,
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	if _, err := h.orders.Respond(ctx, intruder.ID, res.OrderID, true); !service.IsKind(err, service.KindNotFound) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeker := h.addUser(t, service.RoleSeeker)
	p1 := h.addUser(t, service.RoleProvider)
	p2 := h.addUser(t, service.RoleProvider)

	r1, err := h.orders.Assign(ctx, seeker.ID, service.AssignInput{ProviderID: p1.ID, ServiceType: "a", Latitude: 11, Longitude: 75})
	if err != nil {
		t.Fatalf("assign 1: %v", err)
	}
	if _, err := h.orders.Assign(ctx, seeker.ID, service.AssignInput{ProviderID: p2.ID, ServiceType: "b", Latitude: 11, Longitude: 75}); err != nil {
		t.Fatalf("assign 2: %v", err)
	}
	if _, err := h.orders.Respond(ctx, p1.ID, r1.OrderID, false); err != nil {
		t.Fatalf("respond: %v", err)
	}

	pending, total, err := h.orders.List(ctx, seeker.ID, service.OrderPending, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(pending) != 1 || pending[0].Status != service.OrderPending {
		t.Errorf("expected one pending order, got total=%d list=%+v", total, pending)
	}

	all, total, err := h.orders.List(ctx, seeker.ID, "", 10, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if total != 2 || len(all) != 2 {
		t.Errorf("expected two orders, got total=%d len=%d", total, len(all))
	}
}
