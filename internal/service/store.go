package service

import (
	"context"
	"time"
)

// Storer interfaces are the narrow repository contracts the services depend
// on. The Postgres implementation lives in internal/store/postgres; tests run
// against internal/store/memory. Lookups return (nil, nil) when the row does
// not exist.

// UserStorer manages identity rows.
type UserStorer interface {
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByMobile(ctx context.Context, mobile string) (*User, error)
	CreateUser(ctx context.Context, user User) (*User, error)
	UpdateUserRole(ctx context.Context, id string, role Role) error
}

// DeviceTokenStorer manages mobile-push registration tokens.
type DeviceTokenStorer interface {
	SetDeviceToken(ctx context.Context, userID, token string) error
	GetDeviceToken(ctx context.Context, userID string) (string, error)
	ClearDeviceToken(ctx context.Context, userID string) error
}

// ProviderStatusStorer persists provider availability.
type ProviderStatusStorer interface {
	GetProviderStatus(ctx context.Context, userID string) (*ProviderStatus, error)
	UpsertProviderStatus(ctx context.Context, status ProviderStatus) error
	ListActiveProviders(ctx context.Context) ([]ProviderStatus, error)
}

// SeekerSearchStorer persists seeker discovery preferences.
type SeekerSearchStorer interface {
	GetSeekerSearch(ctx context.Context, userID string) (*SeekerSearch, error)
	UpsertSeekerSearch(ctx context.Context, search SeekerSearch) error
	ListSearchingSeekers(ctx context.Context) ([]SeekerSearch, error)
	SetSeekerSearching(ctx context.Context, userID string, searching bool) error
}

// WorkOrderStorer owns the pre-session order rows.
type WorkOrderStorer interface {
	CreateWorkOrder(ctx context.Context, order WorkOrder) (*WorkOrder, error)
	GetWorkOrder(ctx context.Context, id string) (*WorkOrder, error)
	HasPendingOrder(ctx context.Context, seekerID, providerID string) (bool, error)
	// UpdateWorkOrderStatus transitions the order and stamps the matching
	// timestamp. It must be conditional on the current status so concurrent
	// responders cannot double-transition; affected=false means the guard failed.
	UpdateWorkOrderStatus(ctx context.Context, id string, from, to OrderStatus, at time.Time) (bool, error)
	SetOrderDispatchFlags(ctx context.Context, id string, fcmSent, wsSent bool) error
	ListWorkOrders(ctx context.Context, userID string, role Role, status OrderStatus, limit, offset int) ([]WorkOrder, int, error)
}

// SessionStorer owns live-session rows. UpdateSession writes every mutable
// column; the session actor serializes callers so last-write-wins is safe.
type SessionStorer interface {
	CreateSession(ctx context.Context, session WorkSession) (*WorkSession, error)
	GetSession(ctx context.Context, id string) (*WorkSession, error)
	GetSessionByOrder(ctx context.Context, orderID string) (*WorkSession, error)
	GetActiveSessionForUser(ctx context.Context, userID string) (*WorkSession, error)
	UpdateSession(ctx context.Context, session *WorkSession) error
}

// ChatStorer owns chat messages and typing flags.
type ChatStorer interface {
	CreateMessage(ctx context.Context, msg ChatMessage) (*ChatMessage, error)
	GetMessage(ctx context.Context, id string) (*ChatMessage, error)
	// UpdateMessageStatus advances the delivery ladder; affected=false means
	// the message was already at or past the target status.
	UpdateMessageStatus(ctx context.Context, id string, status MessageStatus, at time.Time) (bool, error)
	ListSessionMessages(ctx context.Context, sessionID string) ([]ChatMessage, error)
	// SetSessionExpiry stamps expires_at on every message of the session.
	SetSessionExpiry(ctx context.Context, sessionID string, expiresAt time.Time) error
	DeleteExpiredMessages(ctx context.Context, now time.Time) (int64, error)
	UpsertTyping(ctx context.Context, flag TypingFlag) error
}

// NotificationStorer appends to the dispatch audit trail.
type NotificationStorer interface {
	AppendNotification(ctx context.Context, log NotificationLog) error
}

// CategoryStorer reads the service-category catalog.
type CategoryStorer interface {
	ListCategories(ctx context.Context) ([]WorkCategory, error)
	ListSubCategories(ctx context.Context, mainCode string) ([]WorkSubCategory, error)
	CategoryExists(ctx context.Context, mainCode, subCode string) (bool, error)
}

// DashboardStorer backs the provider dashboard read surface.
type DashboardStorer interface {
	CountOrdersByStatus(ctx context.Context, providerID string) (map[OrderStatus]int, error)
	ProviderRating(ctx context.Context, providerID string) (avg *float64, count int, err error)
}
