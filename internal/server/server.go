package server

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/rakunlabs/ada"

	mcors "github.com/rakunlabs/ada/middleware/cors"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"

	"github.com/visiblelabs/visible/internal/auth"
	"github.com/visiblelabs/visible/internal/bus"
	"github.com/visiblelabs/visible/internal/config"
	"github.com/visiblelabs/visible/internal/service"
	"github.com/visiblelabs/visible/internal/store"
)

// TokenValidator resolves a bearer token to a user id. Injected so the
// gateway never owns signature verification itself.
type TokenValidator func(token string) (string, error)

type Server struct {
	config config.Server

	server *ada.Server

	store    store.StorerClose
	bus      *bus.Bus
	presence *service.Presence
	orders   *service.WorkOrders
	sessions *service.Sessions
	chat     *service.Chat

	otp           *auth.OTPService
	validateToken TokenValidator
}

func New(ctx context.Context, cfg config.Server, st store.StorerClose, b *bus.Bus, presence *service.Presence, orders *service.WorkOrders, sessions *service.Sessions, chat *service.Chat, otp *auth.OTPService, validator TokenValidator) (*Server, error) {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
	)

	s := &Server{
		config:        cfg,
		server:        mux,
		store:         st,
		bus:           b,
		presence:      presence,
		orders:        orders,
		sessions:      sessions,
		chat:          chat,
		otp:           otp,
		validateToken: validator,
	}

	baseGroup := mux.Group(cfg.BasePath)

	apiGroup := baseGroup.Group("/api/1")

	// Authentication (public)
	apiGroup.POST("/authentication/send-otp", s.SendOTPAPI)
	apiGroup.POST("/authentication/verify-otp", s.VerifyOTPAPI)

	// Category catalog (public, read-only)
	apiGroup.GET("/work-categories/", s.ListCategoriesAPI)

	// Authenticated surface
	authedGroup := apiGroup.Group("")
	authedGroup.Use(s.authMiddleware())

	authedGroup.POST("/location/provider/toggle-status", s.ProviderToggleAPI)
	authedGroup.POST("/location/seeker/search-toggle", s.SeekerSearchToggleAPI)

	authedGroup.POST("/profiles/assign-work", s.AssignWorkAPI)
	authedGroup.GET("/profiles/work-orders", s.ListWorkOrdersAPI)
	authedGroup.POST("/profiles/fcm-token", s.RegisterFCMTokenAPI)
	authedGroup.GET("/profiles/provider/dashboard", s.ProviderDashboardAPI)

	// WebSocket gateway: the handshake carries its own auth, close code 4001
	// replaces the HTTP 401.
	wsGroup := baseGroup.Group("/ws")
	wsGroup.GET("/location/provider/", s.LocationSocket(service.RoleProvider))
	wsGroup.GET("/location/seeker/", s.LocationSocket(service.RoleSeeker))
	wsGroup.GET("/work/provider/", s.WorkSocket(service.RoleProvider))
	wsGroup.GET("/work/seeker/", s.WorkSocket(service.RoleSeeker))

	return s, nil
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.config.Host, s.config.Port))
}

// ─── Authentication ───

type contextKey string

const userIDKey contextKey = "user_id"

// bearerToken pulls the credential from the Authorization header, falling
// back to the token query parameter mobile clients use on websocket
// upgrades.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		if token := strings.TrimPrefix(header, "Bearer "); token != header {
			return token
		}
	}
	return r.URL.Query().Get("token")
}

func (s *Server) authMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			userID, err := s.validateToken(token)
			if err != nil {
				httpResponse(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
		})
	}
}

// requestUserID returns the authenticated user of the request.
func requestUserID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}
