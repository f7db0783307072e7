package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"slices"
	"time"

	"github.com/smartpcapp/smartpc-control-plane/internal/desktop"
	"github.com/smartpcapp/smartpc-control-plane/internal/metrics"
	"github.com/smartpcapp/smartpc-control-plane/internal/model"
	"github.com/smartpcapp/smartpc-control-plane/internal/store"
)

type desktopLaunchRequest struct {
	RegionPreference string `json:"region_preference"`
	RequestedBy      string `json:"requested_by"`
}

type desktopStopRequest struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

func (s *Server) handleDesktopLaunch(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	idemRaw := r.Header.Get("Idempotency-Key")
	if idemRaw == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "Idempotency-Key is required")
		return
	}
	idem, err := parseIdempotencyKey(idemRaw)
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "Idempotency-Key must be uuid-v4")
		return
	}

	var req desktopLaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	region := s.resolveRegion(req.RegionPreference)
	if req.RequestedBy == "" {
		req.RequestedBy = "dashboard"
	}

	hash, err := store.HashJSON(req)
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "failed to hash request")
		return
	}

	sess, created, err := s.store.StartOrGetSession(r.Context(), store.StartInput{
		UserID:            userID,
		Region:            region,
		RequestedBy:       req.RequestedBy,
		IdempotencyKey:    idem,
		RequestHash:       hash,
		MaxSessionSeconds: s.cfg.MaxSessionSeconds,
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrIdempotencyMismatch):
			writeAPIError(w, r, http.StatusConflict, "idempotency_mismatch", "same key used with different payload")
		default:
			writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to start desktop session")
		}
		return
	}

	if created {
		activated, status, msg := s.provisionSession(r.Context(), sess)
		if activated == nil {
			writeAPIError(w, r, status, "internal_error", msg)
			return
		}
		sess = activated
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"session": toSessionResponse(sess)})
}

// provisionSession launches the host for a freshly created session and
// activates it. On failure everything created so far is rolled back and the
// returned session is nil.
func (s *Server) provisionSession(ctx context.Context, sess *model.DesktopSession) (*model.DesktopSession, int, string) {
	compensateStop := func() {
		if _, stopErr := s.store.StopSession(ctx, sess.UserID, sess.ID); stopErr != nil {
			log.Printf("event=desktop_launch_compensation action=stop_session session_id=%s user_id=%s err=%v", sess.ID, sess.UserID, stopErr)
		}
	}

	req := desktop.ProvisionRequest{SessionID: sess.ID, UserID: sess.UserID, Region: sess.Region}
	image, err := s.store.ImageForRegion(ctx, sess.Region)
	switch {
	case err == nil:
		req.ImageID = image.AMIID
		req.InstanceType = image.DefaultInstanceType
	case !errors.Is(err, store.ErrNotFound):
		compensateStop()
		return nil, http.StatusInternalServerError, "failed to resolve desktop image"
	}

	token, err := desktop.NewAuthToken()
	if err != nil {
		compensateStop()
		return nil, http.StatusInternalServerError, "token generation failed"
	}
	req.AuthToken = token

	start := time.Now()
	prov, err := s.provisioner.Provision(ctx, req)
	s.observeDesktopOp("provision", sess, start, err)
	if err != nil {
		compensateStop()
		return nil, http.StatusInternalServerError, "desktop provisioning failed"
	}

	activated, err := s.store.ActivateProvisionedSession(ctx, store.ActivateProvisionedSessionInput{
		UserID:        sess.UserID,
		SessionID:     sess.ID,
		Region:        sess.Region,
		AWSInstanceID: prov.AWSInstanceID,
		AMIID:         prov.AMIID,
		InstanceType:  prov.InstanceType,
		HostAddress:   prov.HostAddress,
		AuthToken:     token,
	})
	if err != nil {
		if deprovErr := s.provisioner.Deprovision(ctx, desktop.DeprovisionRequest{
			SessionID:     sess.ID,
			UserID:        sess.UserID,
			Region:        sess.Region,
			AWSInstanceID: prov.AWSInstanceID,
		}); deprovErr != nil {
			log.Printf("event=desktop_launch_compensation action=deprovision session_id=%s user_id=%s instance_id=%s err=%v", sess.ID, sess.UserID, prov.AWSInstanceID, deprovErr)
		}
		compensateStop()
		return nil, http.StatusInternalServerError, "failed to activate desktop session"
	}
	return activated, http.StatusCreated, ""
}

func (s *Server) observeDesktopOp(op string, sess *model.DesktopSession, start time.Time, err error) {
	durMS := time.Since(start).Milliseconds()
	status := "ok"
	if err != nil {
		status = "error"
	}
	log.Printf("metric=desktop_%s_latency_ms session_id=%s user_id=%s region=%s value=%d status=%s", op, sess.ID, sess.UserID, sess.Region, durMS, status)
	labels := map[string]string{
		"provider": s.cfg.DesktopProvider,
		"region":   sess.Region,
		"status":   status,
	}
	metrics.Default().IncCounter("smartpc_desktop_"+op+"_total", labels)
	metrics.Default().ObserveHistogram("smartpc_desktop_"+op+"_latency_ms", float64(durMS), labels)
}

func (s *Server) handleDesktopActive(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	sess, err := s.store.GetActiveSession(r.Context(), userID)
	if err != nil {
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to query active session")
		return
	}
	if sess == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess)})
}

func (s *Server) handleDesktopStop(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req desktopStopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}

	curr, err := s.store.GetSessionByID(r.Context(), userID, req.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, r, http.StatusNotFound, "not_found", "session not found")
			return
		}
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to query session")
		return
	}

	// A viewer still attached to this session would only see the host vanish.
	if v, ok := s.viewers.Lookup(userID); ok && v.Snapshot().SessionID == curr.ID {
		v.Disconnect()
	}

	if curr.Status != model.SessionStopped && curr.AWSInstanceID != "" {
		start := time.Now()
		err := s.provisioner.Deprovision(r.Context(), desktop.DeprovisionRequest{
			SessionID:     curr.ID,
			UserID:        curr.UserID,
			Region:        curr.Region,
			AWSInstanceID: curr.AWSInstanceID,
		})
		s.observeDesktopOp("deprovision", curr, start, err)
		if err != nil {
			writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to terminate desktop host")
			return
		}
	}

	sess, err := s.store.StopSession(r.Context(), userID, req.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, r, http.StatusNotFound, "not_found", "session not found")
			return
		}
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to stop session")
		return
	}
	stoppedAt := time.Now().UTC().Format(time.RFC3339)
	if sess.StoppedAt != nil {
		stoppedAt = sess.StoppedAt.UTC().Format(time.RFC3339)
	}
	log.Printf("event=desktop_stopped session_id=%s user_id=%s reason=%q", sess.ID, userID, req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"status":     string(sess.Status),
		"stopped_at": stoppedAt,
	})
}

func (s *Server) handleDesktopImages(w http.ResponseWriter, r *http.Request) {
	type imageDef struct {
		Region              string `json:"region"`
		AMIID               string `json:"ami_id"`
		DefaultInstanceType string `json:"default_instance_type"`
		UpdatedAt           string `json:"updated_at"`
	}
	images, err := s.store.ListDesktopImages(r.Context())
	if err != nil {
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to read desktop images")
		return
	}
	if len(images) == 0 {
		writeAPIError(w, r, http.StatusServiceUnavailable, "images_unavailable", "no desktop images are configured")
		return
	}
	out := make([]imageDef, 0, len(images))
	for _, img := range images {
		out = append(out, imageDef{
			Region:              img.Region,
			AMIID:               img.AMIID,
			DefaultInstanceType: img.DefaultInstanceType,
			UpdatedAt:           img.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"regions": out})
}

func (s *Server) resolveRegion(pref string) string {
	if pref == "" || pref == "auto" {
		return s.cfg.DefaultRegion
	}
	if slices.Contains(s.cfg.SupportedRegions, pref) {
		return pref
	}
	return s.cfg.DefaultRegion
}

// toSessionResponse exposes the session descriptor only once the host is up.
func toSessionResponse(sess *model.DesktopSession) map[string]any {
	resp := map[string]any{
		"session_id": sess.ID,
		"status":     string(sess.Status),
		"region":     sess.Region,
		"started_at": sess.StartedAt.UTC().Format(time.RFC3339),
		"timers": map[string]any{
			"max_session_seconds": sess.MaxSessionSeconds,
		},
	}
	if d := sess.Descriptor(); sess.Status == model.SessionActive && d.Valid() {
		resp["descriptor"] = map[string]any{
			"session_id":   d.SessionID,
			"auth_token":   d.AuthToken,
			"host_address": d.HostAddress,
		}
	}
	return resp
}
