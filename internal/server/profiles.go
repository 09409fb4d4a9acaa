package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/visiblelabs/visible/internal/service"
)

type assignWorkRequest struct {
	ProviderID   string          `json:"provider_id"`
	ServiceType  string          `json:"service_type"`
	MainCategory string          `json:"main_category_code"`
	SubCategory  string          `json:"sub_category_code"`
	Message      string          `json:"message"`
	Schedule     json.RawMessage `json:"schedule,omitempty"`
	Latitude     float64         `json:"latitude"`
	Longitude    float64         `json:"longitude"`
}

// AssignWorkAPI handles POST /api/1/profiles/assign-work.
func (s *Server) AssignWorkAPI(w http.ResponseWriter, r *http.Request) {
	var req assignWorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.orders.Assign(r.Context(), requestUserID(r), service.AssignInput{
		ProviderID:   req.ProviderID,
		ServiceType:  req.ServiceType,
		MainCategory: req.MainCategory,
		SubCategory:  req.SubCategory,
		Message:      req.Message,
		Schedule:     req.Schedule,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
	})
	if err != nil {
		httpError(w, r, err)
		return
	}

	httpResponseJSON(w, result, http.StatusCreated)
}

type listWorkOrdersResponse struct {
	Orders []service.WorkOrder `json:"orders"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// ListWorkOrdersAPI handles GET /api/1/profiles/work-orders.
func (s *Server) ListWorkOrdersAPI(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	status := service.OrderStatus(q.Get("status"))

	orders, total, err := s.orders.List(r.Context(), requestUserID(r), status, limit, offset)
	if err != nil {
		httpError(w, r, err)
		return
	}

	if orders == nil {
		orders = []service.WorkOrder{}
	}

	httpResponseJSON(w, listWorkOrdersResponse{
		Orders: orders,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, http.StatusOK)
}

type fcmTokenRequest struct {
	Token string `json:"fcm_token"`
}

// RegisterFCMTokenAPI handles POST /api/1/profiles/fcm-token.
func (s *Server) RegisterFCMTokenAPI(w http.ResponseWriter, r *http.Request) {
	var req fcmTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Token == "" {
		httpResponse(w, "fcm_token is required", http.StatusBadRequest)
		return
	}

	if err := s.store.SetDeviceToken(r.Context(), requestUserID(r), req.Token); err != nil {
		httpError(w, r, err)
		return
	}

	httpResponse(w, "token registered", http.StatusOK)
}

// ProviderDashboardAPI handles GET /api/1/profiles/provider/dashboard.
func (s *Server) ProviderDashboardAPI(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestUserID(r)

	byStatus, err := s.store.CountOrdersByStatus(ctx, userID)
	if err != nil {
		httpError(w, r, err)
		return
	}

	avg, count, err := s.store.ProviderRating(ctx, userID)
	if err != nil {
		httpError(w, r, err)
		return
	}

	active := 0
	if sess, err := s.sessions.ActiveForUser(ctx, userID); err == nil && sess != nil && sess.State == service.SessionActive {
		active = 1
	}

	httpResponseJSON(w, service.Dashboard{
		OrdersByStatus: byStatus,
		RatingAverage:  avg,
		RatingCount:    count,
		ActiveSessions: active,
	}, http.StatusOK)
}
