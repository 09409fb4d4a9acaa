package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/visiblelabs/visible/internal/service"
)

type providerStatusPayload struct {
	Active       bool    `json:"active"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	MainCategory string  `json:"main_category_code"`
	SubCategory  string  `json:"sub_category_code"`
}

type seekerSearchPayload struct {
	Searching    bool    `json:"is_searching"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	MainCategory string  `json:"category_code"`
	SubCategory  string  `json:"sub_category_code"`
	RadiusKm     int     `json:"distance_radius"`
}

// LocationSocket serves /ws/location/{provider|seeker}/, the presence and
// discovery channel.
func (s *Server) LocationSocket(role service.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c := s.upgradeAuthenticated(w, r, role)
		if c == nil {
			return
		}
		defer c.close(s.bus)

		go c.runWriter()

		for {
			_, raw, err := c.conn.ReadMessage()
			if err != nil {
				return
			}

			var frame inboundFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				c.writeError("malformed frame")
				continue
			}

			switch frame.Type {
			case "ping":
				_ = c.writeJSON(map[string]any{"type": "pong"})

			case "provider_status_update":
				if role != service.RoleProvider {
					c.writeError("provider_status_update is a provider frame")
					continue
				}
				s.handleProviderStatus(r.Context(), c, raw)

			case "seeker_search_update", "update_distance_radius":
				if role != service.RoleSeeker {
					c.writeError("search frames are seeker frames")
					continue
				}
				s.handleSeekerSearch(r.Context(), c, raw, frame.Type)

			default:
				c.writeError("unknown frame type " + frame.Type)
			}
		}
	}
}

func (s *Server) handleProviderStatus(ctx context.Context, c *wsClient, raw []byte) {
	var p providerStatusPayload
	if err := decodePayload(raw, &p); err != nil {
		c.writeError(err.Error())
		return
	}

	_, err := s.presence.SetProviderActive(ctx, c.userID, p.Latitude, p.Longitude, p.MainCategory, p.SubCategory, p.Active)
	if err != nil {
		c.writeServiceError(err)
		return
	}
}

func (s *Server) handleSeekerSearch(ctx context.Context, c *wsClient, raw []byte, frameType string) {
	var p seekerSearchPayload
	if err := decodePayload(raw, &p); err != nil {
		c.writeError(err.Error())
		return
	}

	nearby, err := s.presence.SetSeekerSearch(ctx, c.userID, p.Latitude, p.Longitude, p.MainCategory, p.SubCategory, p.RadiusKm, p.Searching)
	if err != nil {
		c.writeServiceError(err)
		return
	}

	if nearby == nil {
		nearby = []service.NearbyProvider{}
	}

	// A fresh search answers with the snapshot; a radius change confirms the
	// updated view.
	outType := "nearby_providers"
	if frameType == "update_distance_radius" {
		outType = "distance_updated"
	}

	_ = c.writeJSON(map[string]any{
		"type":            outType,
		"is_searching":    p.Searching,
		"distance_radius": p.RadiusKm,
		"providers":       nearby,
	})
}
