package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/visiblelabs/visible/internal/bus"
	"github.com/visiblelabs/visible/internal/service"
	"github.com/visiblelabs/visible/internal/store/memory"
)

// fakePush records dispatcher calls without talking to FCM.
type fakePush struct {
	assigned  int
	responses int
	chats     int
	result    bool
}

func (f *fakePush) WorkAssigned(_ context.Context, _ *service.WorkOrder, _ string) bool {
	f.assigned++
	return f.result
}

func (f *fakePush) WorkResponse(_ context.Context, _ *service.WorkOrder, _ string, _ bool) bool {
	f.responses++
	return f.result
}

func (f *fakePush) ChatMessage(_ context.Context, _ *service.WorkSession, _ *service.ChatMessage) bool {
	f.chats++
	return f.result
}

// harness wires every service over the memory store, mirroring main.
type harness struct {
	store    *memory.Store
	bus      *bus.Bus
	push     *fakePush
	presence *service.Presence
	orders   *service.WorkOrders
	sessions *service.Sessions
	chat     *service.Chat
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st := memory.New()
	st.SeedCategory(
		service.WorkCategory{Code: "MS0001", Name: "Skilled Services"},
		service.WorkSubCategory{Code: "SS0001", MainCode: "MS0001", Name: "Electrician"},
		service.WorkSubCategory{Code: "SS0002", MainCode: "MS0001", Name: "Plumber"},
	)

	b := bus.New()
	p := &fakePush{result: true}
	idx := service.NewGeoIndex()

	presence := service.NewPresence(st, st, st, st, idx, b)
	sessions := service.NewSessions(st, st, st, st, b, 24*time.Hour, 30*time.Second, 50)
	orders := service.NewWorkOrders(st, st, st, st, st, p, b)
	chat := service.NewChat(st, sessions, b, p, 5*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sessions.Start(ctx)

	return &harness{
		store:    st,
		bus:      b,
		push:     p,
		presence: presence,
		orders:   orders,
		sessions: sessions,
		chat:     chat,
	}
}

func (h *harness) addUser(t *testing.T, role service.Role) *service.User {
	t.Helper()

	id := ulid.Make().String()
	u, err := h.store.CreateUser(context.Background(), service.User{
		ID:        id,
		Mobile:    "+9198" + id[len(id)-8:],
		Role:      role,
		Verified:  true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// listen subscribes to one bus group with a roomy buffer.
func (h *harness) listen(group string) *bus.Subscriber {
	sub := h.bus.Subscribe(32)
	h.bus.Join(sub, group)
	return sub
}

// nextFrame pops a frame or fails after a short wait.
func nextFrame(t *testing.T, sub *bus.Subscriber) bus.Frame {
	t.Helper()

	select {
	case f, ok := <-sub.C():
		if !ok {
			t.Fatal("subscriber closed")
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}
	return bus.Frame{}
}

// noFrame asserts nothing is buffered.
func noFrame(t *testing.T, sub *bus.Subscriber) {
	t.Helper()

	select {
	case f := <-sub.C():
		t.Fatalf("unexpected frame %q", f.Type)
	default:
	}
}

// acceptedSession drives a full assign/accept flow, returning the order and
// the waiting session.
func (h *harness) acceptedSession(t *testing.T, seeker, provider *service.User) (*service.WorkOrder, *service.WorkSession) {
	t.Helper()
	ctx := context.Background()

	res, err := h.orders.Assign(ctx, seeker.ID, service.AssignInput{
		ProviderID:   provider.ID,
		ServiceType:  "Electrician",
		MainCategory: "MS0001",
		SubCategory:  "SS0001",
		Latitude:     11.2588,
		Longitude:    75.8577,
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	dec, err := h.orders.Respond(ctx, provider.ID, res.OrderID, true)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if dec.Session == nil {
		t.Fatal("expected session")
	}
	return dec.Order, dec.Session
}

// activateSession moves a waiting session to active via the seeker's medium
// selection.
func (h *harness) activateSession(t *testing.T, sess *service.WorkSession) *service.WorkSession {
	t.Helper()

	out, err := h.sessions.SelectMediums(context.Background(), sess.ID, sess.SeekerID, map[string]string{"call": "+919876543210"})
	if err != nil {
		t.Fatalf("select mediums: %v", err)
	}
	if out.State != service.SessionActive {
		t.Fatalf("expected active, got %s", out.State)
	}
	return out
}
