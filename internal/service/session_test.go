package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/visiblelabs/visible/internal/bus"
	"github.com/visiblelabs/visible/internal/service"
)

func TestMediumSelectionActivatesSession(t *testing.T) {
	h := newHarness(t)

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)
	_, sess := h.acceptedSession(t, seeker, provider)

	providerSub := h.listen(bus.UserGroup(provider.ID, "provider"))

	out, err := h.sessions.SelectMediums(context.Background(), sess.ID, seeker.ID, map[string]string{"call": "+919876543210", "whatsapp": "9876543210"})
	if err != nil {
		t.Fatalf("select mediums: %v", err)
	}
	if out.State != service.SessionActive {
		t.Errorf("expected active, got %s", out.State)
	}
	if out.MediumsSharedAt == nil {
		t.Error("mediums_shared_at not stamped")
	}

	f := nextFrame(t, providerSub)
	if f.Type != "medium_selection_update" {
		t.Errorf("expected medium_selection_update to provider, got %q", f.Type)
	}
}

func TestMediumValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)
	_, sess := h.acceptedSession(t, seeker, provider)

	if _, err := h.sessions.SelectMediums(ctx, sess.ID, seeker.ID, nil); !service.IsKind(err, service.KindValidation) {
		t.Errorf("empty mediums: expected Validation, got %v", err)
	}
	if _, err := h.sessions.SelectMediums(ctx, sess.ID, seeker.ID, map[string]string{"pigeon": "x"}); !service.IsKind(err, service.KindValidation) {
		t.Errorf("unknown medium: expected Validation, got %v", err)
	}

	sess2, _ := h.store.GetSession(ctx, sess.ID)
	if sess2.State != service.SessionWaiting {
		t.Errorf("invalid selection mutated state to %s", sess2.State)
	}
}

func TestProviderMediumsSharedToSeeker(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)
	_, sess := h.acceptedSession(t, seeker, provider)

	// Provider cannot share before the seeker selects.
	if _, err := h.sessions.SelectMediums(ctx, sess.ID, provider.ID, map[string]string{"call": "1"}); !service.IsKind(err, service.KindInvalidState) {
		t.Errorf("expected InvalidState before activation, got %v", err)
	}

	h.activateSession(t, sess)

	seekerSub := h.listen(bus.UserGroup(seeker.ID, "seeker"))

	if _, err := h.sessions.SelectMediums(ctx, sess.ID, provider.ID, map[string]string{"telegram": "@sparky"}); err != nil {
		t.Fatalf("provider mediums: %v", err)
	}

	f := nextFrame(t, seekerSub)
	if f.Type != "provider_mediums_shared" {
		t.Fatalf("expected provider_mediums_shared, got %q", f.Type)
	}
	mediums, _ := f.Data["mediums"].(map[string]string)
	if mediums["telegram"] != "@sparky" {
		t.Errorf("mediums not forwarded verbatim: %v", f.Data)
	}
}

func TestLocationNoiseSuppression(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)
	_, sess := h.acceptedSession(t, seeker, provider)
	h.activateSession(t, sess)

	if err := h.sessions.UpdateLocation(ctx, sess.ID, seeker.ID, 11.2588, 75.8577); err != nil {
		t.Fatalf("first update: %v", err)
	}

	before, _ := h.store.GetSession(ctx, sess.ID)

	// ~24 m north: inside the 50 m noise floor, must not touch state.
	if err := h.sessions.UpdateLocation(ctx, sess.ID, seeker.ID, 11.25901, 75.8577); err != nil {
		t.Fatalf("noise update: %v", err)
	}

	after, _ := h.store.GetSession(ctx, sess.ID)
	if !after.SeekerLocAt.Equal(*before.SeekerLocAt) || *after.SeekerLat != *before.SeekerLat {
		t.Error("noise update mutated the stored point")
	}

	// ~120 m north: stored.
	if err := h.sessions.UpdateLocation(ctx, sess.ID, seeker.ID, 11.2599, 75.8577); err != nil {
		t.Fatalf("real update: %v", err)
	}
	moved, _ := h.store.GetSession(ctx, sess.ID)
	if *moved.SeekerLat != 11.2599 {
		t.Errorf("expected stored point 11.2599, got %v", *moved.SeekerLat)
	}
}

func TestDistanceComputedAndPublished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)
	_, sess := h.acceptedSession(t, seeker, provider)
	h.activateSession(t, sess)

	sub := h.listen(bus.SessionGroup(sess.ID))

	if err := h.sessions.UpdateLocation(ctx, sess.ID, seeker.ID, 11.2588, 75.8577); err != nil {
		t.Fatalf("seeker location: %v", err)
	}
	// Only one point stored: no distance yet.
	noFrame(t, sub)

	// ~0.5 km north of the seeker.
	if err := h.sessions.UpdateLocation(ctx, sess.ID, provider.ID, 11.2633, 75.8577); err != nil {
		t.Fatalf("provider location: %v", err)
	}

	f := nextFrame(t, sub)
	if f.Type != "distance_update" {
		t.Fatalf("expected distance_update, got %q", f.Type)
	}
	if !f.Lossy {
		t.Error("distance_update must be lossy")
	}
	meters, _ := f.Data["distance_meters"].(float64)
	if meters < 450 || meters > 550 {
		t.Errorf("expected ~500 m, got %v", meters)
	}
	text, _ := f.Data["distance_text"].(string)
	if text == "" {
		t.Error("distance_text missing")
	}

	stored, _ := h.store.GetSession(ctx, sess.ID)
	if stored.DistanceMeters == nil || *stored.DistanceMeters != meters {
		t.Errorf("published distance diverges from stored: %v vs %v", stored.DistanceMeters, meters)
	}
}

func TestDistanceTickerKeepAlive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// A dedicated manager with a fast ticker for the test.
	sessions := service.NewSessions(h.store, h.store, h.store, h.store, h.bus, 24*time.Hour, 20*time.Millisecond, 50)
	tctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sessions.Start(tctx)

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)
	_, sess := h.acceptedSession(t, seeker, provider)

	if _, err := sessions.SelectMediums(ctx, sess.ID, seeker.ID, map[string]string{"call": "1"}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := sessions.UpdateLocation(ctx, sess.ID, seeker.ID, 11.2588, 75.8577); err != nil {
		t.Fatalf("seeker location: %v", err)
	}
	if err := sessions.UpdateLocation(ctx, sess.ID, provider.ID, 11.2633, 75.8577); err != nil {
		t.Fatalf("provider location: %v", err)
	}

	sub := h.listen(bus.SessionGroup(sess.ID))

	// Nobody moves; the ticker must still publish.
	f := nextFrame(t, sub)
	if f.Type != "distance_update" {
		t.Errorf("expected ticker distance_update, got %q", f.Type)
	}
}

func TestStartChatStampsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)
	_, sess := h.acceptedSession(t, seeker, provider)

	if _, err := h.sessions.StartChat(ctx, sess.ID, seeker.ID); !service.IsKind(err, service.KindInvalidState) {
		t.Errorf("chat on waiting session: expected InvalidState, got %v", err)
	}

	h.activateSession(t, sess)

	sub := h.listen(bus.SessionGroup(sess.ID))

	first, err := h.sessions.StartChat(ctx, sess.ID, seeker.ID)
	if err != nil {
		t.Fatalf("start chat: %v", err)
	}
	if first.ChatStartedAt == nil {
		t.Fatal("chat_started_at not stamped")
	}
	if f := nextFrame(t, sub); f.Type != "chat_ready" || f.Data["chat_room_id"] != sess.ID {
		t.Errorf("unexpected chat_ready frame: %+v", f)
	}

	second, err := h.sessions.StartChat(ctx, sess.ID, provider.ID)
	if err != nil {
		t.Fatalf("second start chat: %v", err)
	}
	if !second.ChatStartedAt.Equal(*first.ChatStartedAt) {
		t.Error("chat_started_at restamped by second request")
	}
}

func TestCancelSessionFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)

	// The seeker stopped searching once the order was accepted; cancellation
	// must flip this back on.
	if _, err := h.presence.SetSeekerSearch(ctx, seeker.ID, 11.2588, 75.8577, "MS0001", "SS0001", 5, false); err != nil {
		t.Fatalf("seed seeker search: %v", err)
	}

	order, sess := h.acceptedSession(t, seeker, provider)
	h.activateSession(t, sess)

	if _, err := h.chat.Send(ctx, sess.ID, seeker.ID, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	sub := h.listen(bus.SessionGroup(sess.ID))

	out, err := h.sessions.Cancel(ctx, sess.ID, provider.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.State != service.SessionCancelled || out.CancelledAt == nil || out.CancelledBy == nil {
		t.Errorf("cancel not stamped: %+v", out)
	}

	if f := nextFrame(t, sub); f.Type != "connection_cancelled" {
		t.Errorf("expected connection_cancelled, got %q", f.Type)
	}

	flipped, _ := h.store.GetWorkOrder(ctx, order.ID)
	if flipped.Status != service.OrderCancelled {
		t.Errorf("order not flipped: %s", flipped.Status)
	}

	search, _ := h.store.GetSeekerSearch(ctx, seeker.ID)
	if search == nil || !search.Searching {
		t.Error("seeker search not re-enabled")
	}

	// Chat TTL: all messages expire 24 h after the terminal transition.
	msgs, _ := h.store.ListSessionMessages(ctx, sess.ID)
	if len(msgs) != 1 || msgs[0].ExpiresAt == nil {
		t.Fatalf("expiry not scheduled: %+v", msgs)
	}
	want := out.CancelledAt.Add(24 * time.Hour)
	if !msgs[0].ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", msgs[0].ExpiresAt, want)
	}

	// The sweep removes them once expired.
	deleted, err := h.store.DeleteExpiredMessages(ctx, want.Add(time.Minute))
	if err != nil || deleted != 1 {
		t.Errorf("sweep: deleted=%d err=%v", deleted, err)
	}

	// Terminal sessions reject further mutation.
	if _, err := h.sessions.Cancel(ctx, sess.ID, seeker.ID); !service.IsKind(err, service.KindInvalidState) {
		t.Errorf("double cancel: expected InvalidState, got %v", err)
	}
}

func TestCompleteSeekerOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)
	order, sess := h.acceptedSession(t, seeker, provider)

	// Completion requires an active session.
	if _, err := h.sessions.Complete(ctx, sess.ID, seeker.ID, nil, ""); !service.IsKind(err, service.KindInvalidState) {
		t.Errorf("complete from waiting: expected InvalidState, got %v", err)
	}

	h.activateSession(t, sess)

	if _, err := h.sessions.Complete(ctx, sess.ID, provider.ID, nil, ""); !service.IsKind(err, service.KindInvalidState) {
		t.Errorf("provider completion: expected InvalidState, got %v", err)
	}

	bad := 6
	if _, err := h.sessions.Complete(ctx, sess.ID, seeker.ID, &bad, ""); !service.IsKind(err, service.KindValidation) {
		t.Errorf("rating 6: expected Validation, got %v", err)
	}

	sub := h.listen(bus.SessionGroup(sess.ID))

	stars := 5
	out, err := h.sessions.Complete(ctx, sess.ID, seeker.ID, &stars, "great work")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.State != service.SessionCompleted || out.CompletedAt == nil {
		t.Errorf("completion not stamped: %+v", out)
	}
	if out.RatingStars == nil || *out.RatingStars != 5 {
		t.Errorf("rating not stored: %v", out.RatingStars)
	}

	if f := nextFrame(t, sub); f.Type != "service_finished" {
		t.Errorf("expected service_finished, got %q", f.Type)
	}

	flipped, _ := h.store.GetWorkOrder(ctx, order.ID)
	if flipped.Status != service.OrderCompleted || flipped.CompletionTime == nil {
		t.Errorf("order not completed: %+v", flipped)
	}
}

func TestSessionAccessControl(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seeker := h.addUser(t, service.RoleSeeker)
	provider := h.addUser(t, service.RoleProvider)
	outsider := h.addUser(t, service.RoleSeeker)
	_, sess := h.acceptedSession(t, seeker, provider)

	if _, err := h.sessions.Get(ctx, sess.ID, outsider.ID); !service.IsKind(err, service.KindNotFound) {
		t.Errorf("outsider read: expected NotFound, got %v", err)
	}
	if err := h.sessions.UpdateLocation(ctx, sess.ID, outsider.ID, 11.2, 75.8); !service.IsKind(err, service.KindNotFound) {
		t.Errorf("outsider location: expected NotFound, got %v", err)
	}
}
