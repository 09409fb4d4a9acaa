package service

import (
	"encoding/json"
	"time"
)

// Role is the side of the marketplace a user acts on.
type Role string

const (
	RoleSeeker   Role = "seeker"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

// User is the minimal identity record created on first successful OTP login.
type User struct {
	ID        string    `json:"id"`
	Mobile    string    `json:"mobile"`
	Role      Role      `json:"role"`
	Verified  bool      `json:"verified"`
	CreatedAt time.Time `json:"created_at"`
}

// ProviderStatus is a provider's live availability. Latitude/Longitude are nil
// only while the provider has never gone active.
type ProviderStatus struct {
	UserID       string     `json:"user_id"`
	Active       bool       `json:"active"`
	Latitude     *float64   `json:"latitude"`
	Longitude    *float64   `json:"longitude"`
	MainCategory string     `json:"main_category_code"`
	SubCategory  string     `json:"sub_category_code"`
	LastActiveAt time.Time  `json:"last_active_at"`
}

// SeekerSearch is a seeker's current discovery preference.
type SeekerSearch struct {
	UserID       string    `json:"user_id"`
	Searching    bool      `json:"searching"`
	Latitude     *float64  `json:"latitude"`
	Longitude    *float64  `json:"longitude"`
	MainCategory string    `json:"category_code"`
	SubCategory  string    `json:"sub_category_code"`
	RadiusKm     int       `json:"radius_km"`
	LastSearchAt time.Time `json:"last_search_at"`
}

// OrderStatus is the work-order state machine value.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderAccepted  OrderStatus = "accepted"
	OrderRejected  OrderStatus = "rejected"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the status admits no further transition.
func (s OrderStatus) Terminal() bool {
	return s == OrderRejected || s == OrderCompleted || s == OrderCancelled
}

// WorkOrder is a seeker's assignment request to a single provider.
type WorkOrder struct {
	ID             string          `json:"id"`
	SeekerID       string          `json:"seeker_id"`
	ProviderID     string          `json:"provider_id"`
	ServiceType    string          `json:"service_type"`
	MainCategory   string          `json:"main_category_code"`
	SubCategory    string          `json:"sub_category_code"`
	Message        string          `json:"message"`
	Schedule       json.RawMessage `json:"schedule,omitempty"`
	SeekerLat      *float64        `json:"seeker_latitude"`
	SeekerLng      *float64        `json:"seeker_longitude"`
	ProviderLat    *float64        `json:"provider_latitude"`
	ProviderLng    *float64        `json:"provider_longitude"`
	DistanceKm     *float64        `json:"calculated_distance_km"`
	Status         OrderStatus     `json:"status"`
	FCMSent        bool            `json:"fcm_sent"`
	WSSent         bool            `json:"ws_sent"`
	CreatedAt      time.Time       `json:"created_at"`
	ResponseTime   *time.Time      `json:"response_time,omitempty"`
	CompletionTime *time.Time      `json:"completion_time,omitempty"`
}

// SessionState is the live-session state machine value.
type SessionState string

const (
	SessionWaiting   SessionState = "waiting"
	SessionActive    SessionState = "active"
	SessionCancelled SessionState = "cancelled"
	SessionCompleted SessionState = "completed"
)

// Terminal reports whether the state admits no further transition.
func (s SessionState) Terminal() bool {
	return s == SessionCancelled || s == SessionCompleted
}

// MediumKeys is the accepted set of out-of-band contact channels a party may
// share. Values are stored verbatim and never inspected.
var MediumKeys = map[string]struct{}{
	"telegram":     {},
	"whatsapp":     {},
	"call":         {},
	"map_location": {},
	"website":      {},
	"instagram":    {},
	"facebook":     {},
	"land_mark":    {},
	"upi_ID":       {},
}

// WorkSession carries the live interaction for one accepted work order.
// Its ID doubles as the chat room id.
type WorkSession struct {
	ID              string            `json:"session_id"`
	WorkOrderID     string            `json:"work_order_id"`
	State           SessionState      `json:"state"`
	SeekerID        string            `json:"seeker_id"`
	ProviderID      string            `json:"provider_id"`
	SeekerLat       *float64          `json:"seeker_latitude"`
	SeekerLng       *float64          `json:"seeker_longitude"`
	SeekerLocAt     *time.Time        `json:"seeker_location_at"`
	ProviderLat     *float64          `json:"provider_latitude"`
	ProviderLng     *float64          `json:"provider_longitude"`
	ProviderLocAt   *time.Time        `json:"provider_location_at"`
	DistanceMeters  *float64          `json:"current_distance_meters"`
	LastDistanceAt  *time.Time        `json:"last_distance_at"`
	SeekerMediums   map[string]string `json:"seeker_mediums"`
	ProviderMediums map[string]string `json:"provider_mediums"`
	MediumsSharedAt *time.Time        `json:"mediums_shared_at"`
	ChatStartedAt   *time.Time        `json:"chat_started_at"`
	CancelledBy     *string           `json:"cancelled_by,omitempty"`
	CancelledAt     *time.Time        `json:"cancelled_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	RatingStars     *int              `json:"rating_stars,omitempty"`
	RatingText      string            `json:"rating_text,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// ChatRoomID returns the pub/sub room for the session's chat. It equals the
// session id; kept as a method so callers don't depend on that detail.
func (s *WorkSession) ChatRoomID() string { return s.ID }

// Counterparty returns the other user of the session, or "" if userID is not
// a party.
func (s *WorkSession) Counterparty(userID string) string {
	switch userID {
	case s.SeekerID:
		return s.ProviderID
	case s.ProviderID:
		return s.SeekerID
	}
	return ""
}

// RoleOf returns the role userID plays in the session, or "" for outsiders.
func (s *WorkSession) RoleOf(userID string) Role {
	switch userID {
	case s.SeekerID:
		return RoleSeeker
	case s.ProviderID:
		return RoleProvider
	}
	return ""
}

// MessageStatus is the chat delivery ladder: sent < delivered < read.
type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
)

// rank orders statuses so acks only ever move a message forward.
func (s MessageStatus) rank() int {
	switch s {
	case MessageSent:
		return 0
	case MessageDelivered:
		return 1
	case MessageRead:
		return 2
	}
	return -1
}

// Above reports whether s is strictly higher on the ladder than other.
func (s MessageStatus) Above(other MessageStatus) bool { return s.rank() > other.rank() }

// ChatMessage is one anonymous message inside a session's chat room.
type ChatMessage struct {
	ID          string        `json:"message_id"`
	SessionID   string        `json:"session_id"`
	SenderID    string        `json:"sender_id"`
	SenderRole  Role          `json:"sender_type"`
	Text        string        `json:"message"`
	Status      MessageStatus `json:"status"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	ReadAt      *time.Time    `json:"read_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   *time.Time    `json:"expires_at,omitempty"`
}

// TypingFlag is the volatile per-user typing indicator state of a session.
type TypingFlag struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	Role         Role      `json:"user_type"`
	IsTyping     bool      `json:"is_typing"`
	LastTypingAt time.Time `json:"last_typing_at"`
}

// NotificationKind discriminates the push/ws notification payloads.
type NotificationKind string

const (
	NotifyWorkAssigned NotificationKind = "work_assigned"
	NotifyWorkAccepted NotificationKind = "work_accepted"
	NotifyWorkRejected NotificationKind = "work_rejected"
	NotifyChatMessage  NotificationKind = "chat_message"
)

// NotificationTransport names the channel a notification went out on.
type NotificationTransport string

const (
	TransportPush NotificationTransport = "push"
	TransportWS   NotificationTransport = "ws"
)

// NotificationStatus is the delivery outcome recorded in the audit log.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSent      NotificationStatus = "sent"
	NotificationDelivered NotificationStatus = "delivered"
	NotificationFailed    NotificationStatus = "failed"
)

// NotificationLog is one row of the append-only dispatch audit trail.
type NotificationLog struct {
	ID          string                `json:"id"`
	WorkOrderID string                `json:"work_order_id"`
	RecipientID string                `json:"recipient_id"`
	Kind        NotificationKind      `json:"kind"`
	Transport   NotificationTransport `json:"transport"`
	Status      NotificationStatus    `json:"status"`
	ExternalID  string                `json:"external_id,omitempty"`
	Error       string                `json:"error,omitempty"`
	SentAt      *time.Time            `json:"sent_at,omitempty"`
	DeliveredAt *time.Time            `json:"delivered_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
}

// WorkCategory is a main service category (e.g. MS0001).
type WorkCategory struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// WorkSubCategory is a subcategory under a main category (e.g. SS0001).
type WorkSubCategory struct {
	Code     string `json:"code"`
	MainCode string `json:"main_category_code"`
	Name     string `json:"name"`
}

// Dashboard is the provider's aggregated read-only view.
type Dashboard struct {
	OrdersByStatus map[OrderStatus]int `json:"orders_by_status"`
	RatingAverage  *float64            `json:"rating_average,omitempty"`
	RatingCount    int                 `json:"rating_count"`
	ActiveSessions int                 `json:"active_sessions"`
}
