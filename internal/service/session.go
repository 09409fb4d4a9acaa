package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/visiblelabs/visible/internal/bus"
	"github.com/visiblelabs/visible/internal/geo"
)

// Sessions drives the live two-party interaction for accepted work orders:
// location streams, medium exchange, chat start, cancellation and completion.
// All mutating operations for one session serialize behind its actor, so
// subscribers of the session group observe a total order of state changes.
type Sessions struct {
	store    SessionStorer
	orders   WorkOrderStorer
	chats    ChatStorer
	searches SeekerSearchStorer
	bus      *bus.Bus

	chatTTL          time.Duration
	distanceInterval time.Duration
	minMoveMeters    float64

	// baseCtx bounds every per-session ticker; set by Start.
	baseCtx context.Context

	mu     sync.Mutex
	actors map[string]*sessionActor
}

// sessionActor serializes mutations and owns the distance ticker of one
// session.
type sessionActor struct {
	mu         sync.Mutex
	stopTicker context.CancelFunc
}

func NewSessions(store SessionStorer, orders WorkOrderStorer, chats ChatStorer, searches SeekerSearchStorer, b *bus.Bus, chatTTL, distanceInterval time.Duration, minMoveMeters float64) *Sessions {
	if chatTTL <= 0 {
		chatTTL = 24 * time.Hour
	}
	if distanceInterval <= 0 {
		distanceInterval = 30 * time.Second
	}
	if minMoveMeters <= 0 {
		minMoveMeters = 50
	}

	return &Sessions{
		store:            store,
		orders:           orders,
		chats:            chats,
		searches:         searches,
		bus:              b,
		chatTTL:          chatTTL,
		distanceInterval: distanceInterval,
		minMoveMeters:    minMoveMeters,
		baseCtx:          context.Background(),
		actors:           make(map[string]*sessionActor),
	}
}

// Start binds session tickers to the application lifetime. Active sessions
// resume their keep-alive ticker lazily, on the next Attach, when a party's
// socket rejoins the session group.
func (m *Sessions) Start(ctx context.Context) {
	m.baseCtx = ctx
}

func (m *Sessions) actor(sessionID string) *sessionActor {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.actors[sessionID]
	if !ok {
		a = &sessionActor{}
		m.actors[sessionID] = a
	}
	return a
}

// Serialize runs fn inside the session's actor. The chat substream uses this
// so message timestamps are allocated in the same total order as session
// state changes.
func (m *Sessions) Serialize(sessionID string, fn func() error) error {
	a := m.actor(sessionID)
	a.mu.Lock()
	defer a.mu.Unlock()
	return fn()
}

// Get returns the session if userID is one of its two parties.
func (m *Sessions) Get(ctx context.Context, sessionID, userID string) (*WorkSession, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil || sess.RoleOf(userID) == "" {
		return nil, NotFoundf("session %s not found", sessionID)
	}
	return sess, nil
}

// ActiveForUser returns the user's current non-terminal session, if any.
// Gateways use it to rehydrate reconnecting clients.
func (m *Sessions) ActiveForUser(ctx context.Context, userID string) (*WorkSession, error) {
	sess, err := m.store.GetActiveSessionForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load session for user: %w", err)
	}
	return sess, nil
}

// Attach is called when a party's socket joins the session group: it makes
// sure an active session's ticker is running again after a restart and tells
// the counterparty the user is back.
func (m *Sessions) Attach(ctx context.Context, sess *WorkSession, userID string) {
	if sess.State == SessionActive {
		m.ensureTicker(sess.ID)
	}

	m.bus.Publish(bus.SessionGroup(sess.ID), bus.Frame{
		Type:  "user_presence",
		Lossy: true,
		Data: map[string]any{
			"session_id": sess.ID,
			"user_type":  string(sess.RoleOf(userID)),
			"status":     "connected",
		},
	})
}

// Detach mirrors Attach on socket close. The keep-alive ticker stops with
// the disconnect; the next Attach restarts it.
func (m *Sessions) Detach(sess *WorkSession, userID string) {
	m.stopTicker(sess.ID)

	m.bus.Publish(bus.SessionGroup(sess.ID), bus.Frame{
		Type:  "user_presence",
		Lossy: true,
		Data: map[string]any{
			"session_id": sess.ID,
			"user_type":  string(sess.RoleOf(userID)),
			"status":     "disconnected",
		},
	})
}

// ─── Location stream ───

// UpdateLocation stores a party's position and republishes the pair
// distance. Points closer than the noise floor to the previous one are
// dropped without touching state.
func (m *Sessions) UpdateLocation(ctx context.Context, sessionID, userID string, lat, lng float64) error {
	if !geo.ValidCoords(lat, lng) {
		return ErrInvalidCoords
	}

	a := m.actor(sessionID)
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, err := m.Get(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if sess.State.Terminal() {
		return InvalidStatef("session is %s", sess.State)
	}

	now := time.Now().UTC()
	role := sess.RoleOf(userID)

	var prevLat, prevLng *float64
	if role == RoleSeeker {
		prevLat, prevLng = sess.SeekerLat, sess.SeekerLng
	} else {
		prevLat, prevLng = sess.ProviderLat, sess.ProviderLng
	}

	if prevLat != nil && prevLng != nil {
		if geo.DistanceMeters(*prevLat, *prevLng, lat, lng) < m.minMoveMeters {
			return nil
		}
	}

	if role == RoleSeeker {
		sess.SeekerLat, sess.SeekerLng, sess.SeekerLocAt = &lat, &lng, &now
	} else {
		sess.ProviderLat, sess.ProviderLng, sess.ProviderLocAt = &lat, &lng, &now
	}

	if sess.SeekerLat != nil && sess.ProviderLat != nil {
		meters := geo.DistanceMeters(*sess.SeekerLat, *sess.SeekerLng, *sess.ProviderLat, *sess.ProviderLng)
		sess.DistanceMeters = &meters
		sess.LastDistanceAt = &now
	}

	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("store location: %w", err)
	}

	if sess.DistanceMeters != nil {
		m.publishDistance(sess)
	}

	return nil
}

func (m *Sessions) publishDistance(sess *WorkSession) {
	meters := *sess.DistanceMeters
	m.bus.Publish(bus.SessionGroup(sess.ID), bus.Frame{
		Type:  "distance_update",
		Lossy: true,
		Data: map[string]any{
			"session_id":      sess.ID,
			"distance_meters": meters,
			"distance_text":   geo.FormatDistance(meters),
			"updated_at":      time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// ensureTicker starts the keep-alive distance ticker if it is not running.
// The stopTicker field is guarded by m.mu, not the actor mutex, so Attach can
// call this without serializing behind session mutations.
func (m *Sessions) ensureTicker(sessionID string) {
	m.mu.Lock()
	a, ok := m.actors[sessionID]
	if !ok {
		a = &sessionActor{}
		m.actors[sessionID] = a
	}
	if a.stopTicker != nil {
		m.mu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	a.stopTicker = cancel
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(m.distanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sess, err := m.store.GetSession(ctx, sessionID)
				if err != nil || sess == nil {
					continue
				}
				if sess.State != SessionActive {
					return
				}
				if sess.DistanceMeters != nil {
					m.publishDistance(sess)
				}
			}
		}
	}()
}

func (m *Sessions) stopTicker(sessionID string) {
	m.mu.Lock()
	var cancel context.CancelFunc
	if a, ok := m.actors[sessionID]; ok && a.stopTicker != nil {
		cancel = a.stopTicker
		a.stopTicker = nil
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// ─── Medium exchange ───

func validateMediums(mediums map[string]string) error {
	if len(mediums) == 0 {
		return Validationf("at least one communication medium is required")
	}
	for k := range mediums {
		if _, ok := MediumKeys[k]; !ok {
			return Validationf("unknown communication medium %q", k)
		}
	}
	return nil
}

// SelectMediums records a party's contact channels. The seeker's first valid
// selection advances the session from waiting to active and starts the
// distance ticker; a provider's later submission is forwarded to the seeker.
func (m *Sessions) SelectMediums(ctx context.Context, sessionID, userID string, mediums map[string]string) (*WorkSession, error) {
	if err := validateMediums(mediums); err != nil {
		return nil, err
	}

	a := m.actor(sessionID)
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, err := m.Get(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return nil, InvalidStatef("session is %s", sess.State)
	}

	now := time.Now().UTC()
	role := sess.RoleOf(userID)

	switch role {
	case RoleSeeker:
		sess.SeekerMediums = mediums
		sess.MediumsSharedAt = &now
		activated := sess.State == SessionWaiting
		if activated {
			sess.State = SessionActive
		}

		if err := m.store.UpdateSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("store mediums: %w", err)
		}

		if activated {
			m.ensureTicker(sess.ID)
			slog.Info("session activated", "session_id", sess.ID)
		}

		m.bus.Publish(bus.UserGroup(sess.ProviderID, string(RoleProvider)), bus.Frame{
			Type: "medium_selection_update",
			Data: map[string]any{
				"session_id": sess.ID,
				"mediums":    mediums,
			},
		})

	case RoleProvider:
		if sess.State != SessionActive {
			return nil, InvalidStatef("seeker has not selected mediums yet")
		}
		sess.ProviderMediums = mediums

		if err := m.store.UpdateSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("store mediums: %w", err)
		}

		m.bus.Publish(bus.UserGroup(sess.SeekerID, string(RoleSeeker)), bus.Frame{
			Type: "provider_mediums_shared",
			Data: map[string]any{
				"session_id": sess.ID,
				"mediums":    mediums,
			},
		})
	}

	return sess, nil
}

// ─── Chat start ───

// StartChat marks the chat room open. The first request stamps the start
// time; every request answers both parties with chat_ready.
func (m *Sessions) StartChat(ctx context.Context, sessionID, userID string) (*WorkSession, error) {
	a := m.actor(sessionID)
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, err := m.Get(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess.State != SessionActive {
		return nil, InvalidStatef("chat requires an active session")
	}

	if sess.ChatStartedAt == nil {
		now := time.Now().UTC()
		sess.ChatStartedAt = &now
		if err := m.store.UpdateSession(ctx, sess); err != nil {
			return nil, fmt.Errorf("store chat start: %w", err)
		}
	}

	m.bus.Publish(bus.SessionGroup(sess.ID), bus.Frame{
		Type: "chat_ready",
		Data: map[string]any{
			"session_id":   sess.ID,
			"chat_room_id": sess.ChatRoomID(),
		},
	})

	return sess, nil
}

// ─── Terminal transitions ───

// Cancel ends the session from any non-terminal state. Either party may
// cancel. The terminal write, the parent order flip and the counterparty
// notification happen under the actor lock so observers see one consistent
// sequence.
func (m *Sessions) Cancel(ctx context.Context, sessionID, userID string) (*WorkSession, error) {
	a := m.actor(sessionID)
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, err := m.Get(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		return nil, InvalidStatef("session is already %s", sess.State)
	}

	now := time.Now().UTC()
	sess.State = SessionCancelled
	sess.CancelledBy = &userID
	sess.CancelledAt = &now

	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("store cancellation: %w", err)
	}

	if _, err := m.orders.UpdateWorkOrderStatus(ctx, sess.WorkOrderID, OrderAccepted, OrderCancelled, now); err != nil {
		slog.Error("flip order to cancelled", "order_id", sess.WorkOrderID, "error", err)
	}

	m.scheduleChatExpiry(ctx, sess.ID, now)
	m.stopTicker(sess.ID)

	// Searching resumes for the seeker so discovery picks them back up.
	if err := m.searches.SetSeekerSearching(ctx, sess.SeekerID, true); err != nil {
		slog.Error("re-enable seeker search", "user_id", sess.SeekerID, "error", err)
	}

	m.bus.Publish(bus.SessionGroup(sess.ID), bus.Frame{
		Type: "connection_cancelled",
		Data: map[string]any{
			"session_id":   sess.ID,
			"cancelled_by": string(sess.RoleOf(userID)),
			"cancelled_at": now.Format(time.RFC3339),
		},
	})

	slog.Info("session cancelled", "session_id", sess.ID, "by", userID)

	return sess, nil
}

// Complete ends an active session. Seeker only; optionally records a rating.
func (m *Sessions) Complete(ctx context.Context, sessionID, userID string, stars *int, ratingText string) (*WorkSession, error) {
	if stars != nil && (*stars < 1 || *stars > 5) {
		return nil, Validationf("rating must be between 1 and 5")
	}

	a := m.actor(sessionID)
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, err := m.Get(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess.RoleOf(userID) != RoleSeeker {
		return nil, InvalidStatef("only the seeker can finish the service")
	}
	if sess.State != SessionActive {
		return nil, InvalidStatef("session is %s, not active", sess.State)
	}

	now := time.Now().UTC()
	sess.State = SessionCompleted
	sess.CompletedAt = &now
	sess.RatingStars = stars
	sess.RatingText = ratingText

	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("store completion: %w", err)
	}

	if _, err := m.orders.UpdateWorkOrderStatus(ctx, sess.WorkOrderID, OrderAccepted, OrderCompleted, now); err != nil {
		slog.Error("flip order to completed", "order_id", sess.WorkOrderID, "error", err)
	}

	m.scheduleChatExpiry(ctx, sess.ID, now)
	m.stopTicker(sess.ID)

	m.bus.Publish(bus.SessionGroup(sess.ID), bus.Frame{
		Type: "service_finished",
		Data: map[string]any{
			"session_id":   sess.ID,
			"finished_by":  string(RoleSeeker),
			"completed_at": now.Format(time.RFC3339),
		},
	})

	slog.Info("session completed", "session_id", sess.ID, "rating", stars)

	return sess, nil
}

func (m *Sessions) scheduleChatExpiry(ctx context.Context, sessionID string, terminalAt time.Time) {
	if err := m.chats.SetSessionExpiry(ctx, sessionID, terminalAt.Add(m.chatTTL)); err != nil {
		slog.Error("schedule chat expiry", "session_id", sessionID, "error", err)
	}
}
