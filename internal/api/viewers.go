package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/smartpcapp/smartpc-control-plane/internal/display"
	"github.com/smartpcapp/smartpc-control-plane/internal/model"
	"github.com/smartpcapp/smartpc-control-plane/internal/store"
	"github.com/smartpcapp/smartpc-control-plane/internal/viewer"
)

type viewerConnectRequest struct {
	SessionID string `json:"session_id"`
}

type viewerLayoutRequest struct {
	ContainerWidth int `json:"container_width"`
	WindowHeight   int `json:"window_height"`
}

type viewerSidebarRequest struct {
	Open bool `json:"open"`
}

type viewerQualityRequest struct {
	Preset string `json:"preset"`
}

type viewerInputRequest struct {
	Channel string `json:"channel"`
	Enabled bool   `json:"enabled"`
}

type viewerShortcutRequest struct {
	Keys []string `json:"keys"`
}

type viewerResolutionRequest struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// userViewer resolves the caller's viewer, writing the error response when it
// cannot.
func (s *Server) userViewer(w http.ResponseWriter, r *http.Request) (*viewer.Viewer, string, bool) {
	userID, ok := requireUser(w, r)
	if !ok {
		return nil, "", false
	}
	v, err := s.viewers.Get(userID)
	if err != nil {
		writeViewerError(w, r, err)
		return nil, "", false
	}
	return v, userID, true
}

// decodeBody writes a 400 and reports false when the body is not valid JSON.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return false
	}
	return true
}

func writeViewerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, viewer.ErrSessionActive):
		writeAPIError(w, r, http.StatusConflict, "session_active", "a session is already active; disconnect first")
	case errors.Is(err, viewer.ErrNotConnected):
		writeAPIError(w, r, http.StatusConflict, "not_connected", "no connected session")
	case errors.Is(err, viewer.ErrInvalidDescriptor):
		writeAPIError(w, r, http.StatusConflict, "session_not_ready", "desktop session is not ready for viewing")
	case errors.Is(err, viewer.ErrUnknownPreset),
		errors.Is(err, viewer.ErrUnknownChannel),
		errors.Is(err, viewer.ErrInvalidResolution),
		errors.Is(err, viewer.ErrEmptyShortcut):
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, viewer.ErrShortcutThrottled):
		writeAPIError(w, r, http.StatusTooManyRequests, "rate_limited", "too many shortcuts")
	case errors.Is(err, viewer.ErrViewerClosed):
		writeAPIError(w, r, http.StatusServiceUnavailable, "unavailable", "viewer is shutting down")
	default:
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "viewer operation failed")
	}
}

// descriptorFor loads the descriptor of sessionID, or of the user's active
// session when sessionID is empty.
func (s *Server) descriptorFor(w http.ResponseWriter, r *http.Request, userID, sessionID string) (model.SessionDescriptor, bool) {
	var (
		sess *model.DesktopSession
		err  error
	)
	if sessionID == "" {
		sess, err = s.store.GetActiveSession(r.Context(), userID)
		if err == nil && sess == nil {
			err = store.ErrNotFound
		}
	} else {
		sess, err = s.store.GetSessionByID(r.Context(), userID, sessionID)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, r, http.StatusNotFound, "not_found", "session not found")
			return model.SessionDescriptor{}, false
		}
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to query session")
		return model.SessionDescriptor{}, false
	}
	if sess.Status != model.SessionActive {
		writeViewerError(w, r, viewer.ErrInvalidDescriptor)
		return model.SessionDescriptor{}, false
	}
	return sess.Descriptor(), true
}

func (s *Server) handleViewerSnapshot(w http.ResponseWriter, r *http.Request) {
	v, _, ok := s.userViewer(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotResponse(v.Snapshot()))
}

func (s *Server) handleViewerConnect(w http.ResponseWriter, r *http.Request) {
	v, userID, ok := s.userViewer(w, r)
	if !ok {
		return
	}
	// An empty body connects to the active session.
	var req viewerConnectRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	desc, ok := s.descriptorFor(w, r, userID, req.SessionID)
	if !ok {
		return
	}
	if err := v.Connect(desc); err != nil {
		writeViewerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toSnapshotResponse(v.Snapshot()))
}

func (s *Server) handleViewerDisconnect(w http.ResponseWriter, r *http.Request) {
	v, _, ok := s.userViewer(w, r)
	if !ok {
		return
	}
	v.Disconnect()
	writeJSON(w, http.StatusOK, toSnapshotResponse(v.Snapshot()))
}

// handleViewerReconnect accepts an empty body, which reuses the last
// descriptor.
func (s *Server) handleViewerReconnect(w http.ResponseWriter, r *http.Request) {
	v, userID, ok := s.userViewer(w, r)
	if !ok {
		return
	}
	var req viewerConnectRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	var desc model.SessionDescriptor
	if req.SessionID != "" {
		if desc, ok = s.descriptorFor(w, r, userID, req.SessionID); !ok {
			return
		}
	}
	if err := v.Reconnect(desc); err != nil {
		writeViewerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toSnapshotResponse(v.Snapshot()))
}

func (s *Server) handleViewerLayout(w http.ResponseWriter, r *http.Request) {
	v, _, ok := s.userViewer(w, r)
	if !ok {
		return
	}
	var req viewerLayoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ContainerWidth < 0 || req.WindowHeight < 0 {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "dimensions must not be negative")
		return
	}
	v.Resize(req.ContainerWidth, req.WindowHeight)
	writeJSON(w, http.StatusOK, toSnapshotResponse(v.Snapshot()))
}

func (s *Server) handleViewerSidebar(w http.ResponseWriter, r *http.Request) {
	v, _, ok := s.userViewer(w, r)
	if !ok {
		return
	}
	var req viewerSidebarRequest
	if !decodeBody(w, r, &req) {
		return
	}
	v.SetSidebarOpen(req.Open)
	writeJSON(w, http.StatusOK, toSnapshotResponse(v.Snapshot()))
}

func (s *Server) handleViewerFullscreen(w http.ResponseWriter, r *http.Request) {
	v, _, ok := s.userViewer(w, r)
	if !ok {
		return
	}
	v.ToggleFullscreen()
	writeJSON(w, http.StatusOK, toSnapshotResponse(v.Snapshot()))
}

func (s *Server) handleViewerQuality(w http.ResponseWriter, r *http.Request) {
	v, _, ok := s.userViewer(w, r)
	if !ok {
		return
	}
	var req viewerQualityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	preset, err := viewer.ParseQualityPreset(req.Preset)
	if err != nil {
		writeViewerError(w, r, err)
		return
	}
	if err := v.SetQuality(preset); err != nil {
		writeViewerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotResponse(v.Snapshot()))
}

func (s *Server) handleViewerInput(w http.ResponseWriter, r *http.Request) {
	v, _, ok := s.userViewer(w, r)
	if !ok {
		return
	}
	var req viewerInputRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ch, err := display.ParseChannel(req.Channel)
	if err != nil {
		writeViewerError(w, r, err)
		return
	}
	if err := v.SetInputEnabled(ch, req.Enabled); err != nil {
		writeViewerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotResponse(v.Snapshot()))
}

func (s *Server) handleViewerShortcut(w http.ResponseWriter, r *http.Request) {
	v, _, ok := s.userViewer(w, r)
	if !ok {
		return
	}
	var req viewerShortcutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := v.SendShortcut(req.Keys); err != nil {
		writeViewerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleViewerResolution(w http.ResponseWriter, r *http.Request) {
	v, _, ok := s.userViewer(w, r)
	if !ok {
		return
	}
	var req viewerResolutionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := v.RequestResolution(req.Width, req.Height); err != nil {
		writeViewerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toSnapshotResponse(v.Snapshot()))
}

func (s *Server) handleViewerStats(w http.ResponseWriter, r *http.Request) {
	v, _, ok := s.userViewer(w, r)
	if !ok {
		return
	}
	history := v.History()
	samples := make([]map[string]any, 0, len(history))
	for _, st := range history {
		samples = append(samples, toStatsResponse(st))
	}
	resp := map[string]any{"latest": nil, "history": samples}
	if st, ok := v.Stats(); ok {
		resp["latest"] = toStatsResponse(st)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleViewerHistory lists recorded lifecycle events for one session, newest
// first.
func (s *Server) handleViewerHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	events, err := s.store.ListViewerEvents(r.Context(), userID, sessionID, limit)
	if err != nil {
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to read viewer events")
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, ev := range events {
		out = append(out, map[string]any{
			"kind":        string(ev.Kind),
			"detail":      ev.Detail,
			"observed_at": ev.ObservedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "events": out})
}

func toStatsResponse(st viewer.ConnectionStats) map[string]any {
	return map[string]any{
		"latency_ms": st.LatencyMs,
		"fps":        st.FPS,
		"sampled_at": st.SampledAt.UTC().Format(time.RFC3339Nano),
	}
}

func toSnapshotResponse(s viewer.Snapshot) map[string]any {
	resp := map[string]any{
		"state":        string(s.State),
		"is_connected": s.IsConnected,
		"session_id":   s.SessionID,
		"quality":      string(s.Quality),
		"inputs": map[string]bool{
			"keyboard": s.Inputs.Keyboard,
			"mouse":    s.Inputs.Mouse,
			"touch":    s.Inputs.Touch,
			"audio":    s.Inputs.Audio,
		},
		"resolution": s.Resolution,
		"layout": map[string]any{
			"container_width": s.Layout.ContainerWidth,
			"window_height":   s.Layout.WindowHeight,
			"sidebar_open":    s.Layout.SidebarOpen,
			"fullscreen":      s.Layout.Fullscreen,
		},
		"effect":     string(s.Effect),
		"last_error": s.LastError,
		"stats":      nil,
	}
	if !s.ChangedAt.IsZero() {
		resp["changed_at"] = s.ChangedAt.UTC().Format(time.RFC3339Nano)
	}
	if s.Stats != nil {
		resp["stats"] = toStatsResponse(*s.Stats)
	}
	return resp
}
