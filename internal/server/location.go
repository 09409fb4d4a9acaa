package server

import (
	"encoding/json"
	"net/http"

	"github.com/visiblelabs/visible/internal/service"
)

type providerToggleRequest struct {
	Active       bool    `json:"active"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	MainCategory string  `json:"main_category_code"`
	SubCategory  string  `json:"sub_category_code"`
}

type providerToggleResponse struct {
	Status string `json:"status"`
	Active bool   `json:"active"`
	Prior  bool   `json:"was_active"`
}

// ProviderToggleAPI handles POST /api/1/location/provider/toggle-status.
func (s *Server) ProviderToggleAPI(w http.ResponseWriter, r *http.Request) {
	var req providerToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	prior, err := s.presence.SetProviderActive(r.Context(), requestUserID(r), req.Latitude, req.Longitude, req.MainCategory, req.SubCategory, req.Active)
	if err != nil {
		if service.IsKind(err, service.KindValidation) && err == service.ErrNotProvider {
			httpResponse(w, err.Error(), http.StatusForbidden)
			return
		}
		httpError(w, r, err)
		return
	}

	httpResponseJSON(w, providerToggleResponse{
		Status: "success",
		Active: req.Active,
		Prior:  prior,
	}, http.StatusOK)
}

type seekerSearchRequest struct {
	Searching    bool    `json:"is_searching"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	MainCategory string  `json:"category_code"`
	SubCategory  string  `json:"sub_category_code"`
	RadiusKm     int     `json:"distance_radius"`
}

type seekerSearchResponse struct {
	Status          string                   `json:"status"`
	Searching       bool                     `json:"is_searching"`
	NearbyProviders []service.NearbyProvider `json:"nearby_providers"`
}

// SeekerSearchToggleAPI handles POST /api/1/location/seeker/search-toggle.
// Toggling search on returns the ordered snapshot of matching providers.
func (s *Server) SeekerSearchToggleAPI(w http.ResponseWriter, r *http.Request) {
	var req seekerSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, "invalid request body", http.StatusBadRequest)
		return
	}

	nearby, err := s.presence.SetSeekerSearch(r.Context(), requestUserID(r), req.Latitude, req.Longitude, req.MainCategory, req.SubCategory, req.RadiusKm, req.Searching)
	if err != nil {
		if err == service.ErrNotSeeker {
			httpResponse(w, err.Error(), http.StatusForbidden)
			return
		}
		httpError(w, r, err)
		return
	}

	if nearby == nil {
		nearby = []service.NearbyProvider{}
	}

	httpResponseJSON(w, seekerSearchResponse{
		Status:          "success",
		Searching:       req.Searching,
		NearbyProviders: nearby,
	}, http.StatusOK)
}
