package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/smartpcapp/smartpc-control-plane/internal/auth"
	"github.com/smartpcapp/smartpc-control-plane/internal/config"
	"github.com/smartpcapp/smartpc-control-plane/internal/desktop"
	"github.com/smartpcapp/smartpc-control-plane/internal/metrics"
	"github.com/smartpcapp/smartpc-control-plane/internal/model"
	"github.com/smartpcapp/smartpc-control-plane/internal/store"
	"github.com/smartpcapp/smartpc-control-plane/internal/viewer"
)

type Store interface {
	StartOrGetSession(rctx context.Context, in store.StartInput) (*model.DesktopSession, bool, error)
	ActivateProvisionedSession(rctx context.Context, in store.ActivateProvisionedSessionInput) (*model.DesktopSession, error)
	GetActiveSession(rctx context.Context, userID string) (*model.DesktopSession, error)
	GetSessionByID(rctx context.Context, userID, sessionID string) (*model.DesktopSession, error)
	StopSession(rctx context.Context, userID, sessionID string) (*model.DesktopSession, error)
	ListDesktopImages(rctx context.Context) ([]model.DesktopImage, error)
	ImageForRegion(rctx context.Context, region string) (*model.DesktopImage, error)
	ListViewerEvents(rctx context.Context, userID, sessionID string, limit int) ([]model.ViewerEvent, error)
}

// Viewers hands out the per-user viewer. *viewer.Registry satisfies it.
type Viewers interface {
	Get(userID string) (*viewer.Viewer, error)
	Lookup(userID string) (*viewer.Viewer, bool)
}

type Server struct {
	cfg         config.Config
	store       Store
	provisioner desktop.Provisioner
	viewers     Viewers
}

func NewRouter(cfg config.Config, st Store, prov desktop.Provisioner, viewers Viewers) http.Handler {
	s := &Server{cfg: cfg, store: st, provisioner: prov, viewers: viewers}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Use(auth.Middleware(cfg.JWTSecret))

		// The event stream outlives any request timeout.
		v1.Get("/viewer/events", s.handleViewerEvents)

		v1.Group(func(authed chi.Router) {
			// EC2 launch plus the running waiter can take minutes.
			authed.Use(middleware.Timeout(4 * time.Minute))

			authed.Post("/desktops/launch", s.handleDesktopLaunch)
			authed.Get("/desktops/active", s.handleDesktopActive)
			authed.Post("/desktops/stop", s.handleDesktopStop)
			authed.Get("/desktops/images", s.handleDesktopImages)

			authed.Get("/viewer", s.handleViewerSnapshot)
			authed.Post("/viewer/connect", s.handleViewerConnect)
			authed.Post("/viewer/disconnect", s.handleViewerDisconnect)
			authed.Post("/viewer/reconnect", s.handleViewerReconnect)
			authed.Post("/viewer/layout", s.handleViewerLayout)
			authed.Post("/viewer/sidebar", s.handleViewerSidebar)
			authed.Post("/viewer/fullscreen", s.handleViewerFullscreen)
			authed.Put("/viewer/quality", s.handleViewerQuality)
			authed.Put("/viewer/input", s.handleViewerInput)
			authed.Post("/viewer/shortcut", s.handleViewerShortcut)
			authed.Post("/viewer/resolution", s.handleViewerResolution)
			authed.Get("/viewer/stats", s.handleViewerStats)
			authed.Get("/viewer/history", s.handleViewerHistory)
		})
	})

	return r
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseIdempotencyKey(h string) (uuid.UUID, error) {
	return uuid.Parse(h)
}

// requireUser writes a 401 and reports false when the request carries no
// authenticated user.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeAPIError(w, r, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return "", false
	}
	return userID, true
}
