// Package memory is an in-process implementation of the service storer
// interfaces. It backs the service and auth test suites; the store factory
// in internal/store builds only the PostgreSQL store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/visiblelabs/visible/internal/service"
)

type Store struct {
	mu sync.RWMutex

	users         map[string]service.User
	usersByMobile map[string]string
	tokens        map[string]string
	statuses      map[string]service.ProviderStatus
	searches      map[string]service.SeekerSearch
	orders        map[string]service.WorkOrder
	sessions      map[string]service.WorkSession
	messages      map[string]service.ChatMessage
	typing        map[string]service.TypingFlag
	notifications []service.NotificationLog
	categories    map[string]service.WorkCategory
	subcategories map[string]service.WorkSubCategory
}

func New() *Store {
	return &Store{
		users:         make(map[string]service.User),
		usersByMobile: make(map[string]string),
		tokens:        make(map[string]string),
		statuses:      make(map[string]service.ProviderStatus),
		searches:      make(map[string]service.SeekerSearch),
		orders:        make(map[string]service.WorkOrder),
		sessions:      make(map[string]service.WorkSession),
		messages:      make(map[string]service.ChatMessage),
		typing:        make(map[string]service.TypingFlag),
		categories:    make(map[string]service.WorkCategory),
		subcategories: make(map[string]service.WorkSubCategory),
	}
}

func (s *Store) Close() {}

// ─── Users ───

func (s *Store) GetUser(_ context.Context, id string) (*service.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *Store) GetUserByMobile(_ context.Context, mobile string) (*service.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByMobile[mobile]
	if !ok {
		return nil, nil
	}
	u := s.users[id]
	return &u, nil
}

func (s *Store) CreateUser(_ context.Context, user service.User) (*service.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[user.ID] = user
	s.usersByMobile[user.Mobile] = user.ID
	return &user, nil
}

func (s *Store) UpdateUserRole(_ context.Context, id string, role service.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil
	}
	u.Role = role
	s.users[id] = u
	return nil
}

// ─── Device tokens ───

func (s *Store) SetDeviceToken(_ context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[userID] = token
	return nil
}

func (s *Store) GetDeviceToken(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[userID], nil
}

func (s *Store) ClearDeviceToken(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, userID)
	return nil
}

// ─── Provider status ───

func (s *Store) GetProviderStatus(_ context.Context, userID string) (*service.ProviderStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.statuses[userID]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (s *Store) UpsertProviderStatus(_ context.Context, status service.ProviderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[status.UserID] = status
	return nil
}

func (s *Store) ListActiveProviders(_ context.Context) ([]service.ProviderStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []service.ProviderStatus
	for _, st := range s.statuses {
		if st.Active {
			out = append(out, st)
		}
	}
	return out, nil
}

// ─── Seeker search ───

func (s *Store) GetSeekerSearch(_ context.Context, userID string) (*service.SeekerSearch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	se, ok := s.searches[userID]
	if !ok {
		return nil, nil
	}
	return &se, nil
}

func (s *Store) UpsertSeekerSearch(_ context.Context, search service.SeekerSearch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches[search.UserID] = search
	return nil
}

func (s *Store) ListSearchingSeekers(_ context.Context) ([]service.SeekerSearch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []service.SeekerSearch
	for _, se := range s.searches {
		if se.Searching {
			out = append(out, se)
		}
	}
	return out, nil
}

func (s *Store) SetSeekerSearching(_ context.Context, userID string, searching bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	se, ok := s.searches[userID]
	if !ok {
		return nil
	}
	se.Searching = searching
	s.searches[userID] = se
	return nil
}

// ─── Work orders ───

func (s *Store) CreateWorkOrder(_ context.Context, order service.WorkOrder) (*service.WorkOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	return &order, nil
}

func (s *Store) GetWorkOrder(_ context.Context, id string) (*service.WorkOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &o, nil
}

func (s *Store) HasPendingOrder(_ context.Context, seekerID, providerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders {
		if o.SeekerID == seekerID && o.ProviderID == providerID && o.Status == service.OrderPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) UpdateWorkOrderStatus(_ context.Context, id string, from, to service.OrderStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}

	o.Status = to
	switch to {
	case service.OrderAccepted, service.OrderRejected:
		o.ResponseTime = &at
	case service.OrderCompleted:
		o.CompletionTime = &at
	}
	s.orders[id] = o
	return true, nil
}

func (s *Store) SetOrderDispatchFlags(_ context.Context, id string, fcmSent, wsSent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil
	}
	o.FCMSent = fcmSent
	o.WSSent = wsSent
	s.orders[id] = o
	return nil
}

func (s *Store) ListWorkOrders(_ context.Context, userID string, role service.Role, status service.OrderStatus, limit, offset int) ([]service.WorkOrder, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []service.WorkOrder
	for _, o := range s.orders {
		switch role {
		case service.RoleSeeker:
			if o.SeekerID != userID {
				continue
			}
		case service.RoleProvider:
			if o.ProviderID != userID {
				continue
			}
		}
		if status != "" && o.Status != status {
			continue
		}
		matched = append(matched, o)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// ─── Sessions ───

func (s *Store) CreateSession(_ context.Context, session service.WorkSession) (*service.WorkSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return &session, nil
}

func (s *Store) GetSession(_ context.Context, id string) (*service.WorkSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (s *Store) GetSessionByOrder(_ context.Context, orderID string) (*service.WorkSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sess := range s.sessions {
		if sess.WorkOrderID == orderID {
			out := sess
			return &out, nil
		}
	}
	return nil, nil
}

func (s *Store) GetActiveSessionForUser(_ context.Context, userID string) (*service.WorkSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *service.WorkSession
	for _, sess := range s.sessions {
		if sess.State.Terminal() {
			continue
		}
		if sess.SeekerID != userID && sess.ProviderID != userID {
			continue
		}
		out := sess
		if best == nil || out.CreatedAt.After(best.CreatedAt) {
			best = &out
		}
	}
	return best, nil
}

func (s *Store) UpdateSession(_ context.Context, session *service.WorkSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = *session
	return nil
}

// ─── Chat ───

func (s *Store) CreateMessage(_ context.Context, msg service.ChatMessage) (*service.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
	return &msg, nil
}

func (s *Store) GetMessage(_ context.Context, id string) (*service.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *Store) UpdateMessageStatus(_ context.Context, id string, status service.MessageStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || !status.Above(m.Status) {
		return false, nil
	}

	m.Status = status
	switch status {
	case service.MessageDelivered:
		m.DeliveredAt = &at
	case service.MessageRead:
		m.ReadAt = &at
	}
	s.messages[id] = m
	return true, nil
}

func (s *Store) ListSessionMessages(_ context.Context, sessionID string) ([]service.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []service.ChatMessage
	for _, m := range s.messages {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	return out, nil
}

func (s *Store) SetSessionExpiry(_ context.Context, sessionID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range s.messages {
		if m.SessionID == sessionID {
			m.ExpiresAt = &expiresAt
			s.messages[id] = m
		}
	}
	return nil
}

func (s *Store) DeleteExpiredMessages(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, m := range s.messages {
		if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
			delete(s.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) UpsertTyping(_ context.Context, flag service.TypingFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.typing[flag.SessionID+"/"+flag.UserID] = flag
	return nil
}

// ─── Notifications ───

func (s *Store) AppendNotification(_ context.Context, log service.NotificationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, log)
	return nil
}

// Notifications returns a copy of the audit log. Test helper.
func (s *Store) Notifications() []service.NotificationLog {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]service.NotificationLog, len(s.notifications))
	copy(out, s.notifications)
	return out
}

// ─── Categories ───

// SeedCategory registers a category pair. Test and bootstrap helper.
func (s *Store) SeedCategory(main service.WorkCategory, subs ...service.WorkSubCategory) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.categories[main.Code] = main
	for _, sub := range subs {
		s.subcategories[sub.Code] = sub
	}
}

func (s *Store) ListCategories(_ context.Context) ([]service.WorkCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []service.WorkCategory
	for _, c := range s.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) ListSubCategories(_ context.Context, mainCode string) ([]service.WorkSubCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []service.WorkSubCategory
	for _, sub := range s.subcategories {
		if sub.MainCode == mainCode {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *Store) CategoryExists(_ context.Context, mainCode, subCode string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.categories[mainCode]; !ok {
		return false, nil
	}
	if subCode == "" {
		return true, nil
	}
	sub, ok := s.subcategories[subCode]
	return ok && sub.MainCode == mainCode, nil
}

// ─── Dashboard ───

func (s *Store) CountOrdersByStatus(_ context.Context, providerID string) (map[service.OrderStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[service.OrderStatus]int)
	for _, o := range s.orders {
		if o.ProviderID == providerID {
			out[o.Status]++
		}
	}
	return out, nil
}

func (s *Store) ProviderRating(_ context.Context, providerID string) (*float64, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum, count int
	for _, sess := range s.sessions {
		if sess.ProviderID == providerID && sess.RatingStars != nil {
			sum += *sess.RatingStars
			count++
		}
	}
	if count == 0 {
		return nil, 0, nil
	}
	avg := float64(sum) / float64(count)
	return &avg, count, nil
}
