package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/smartpcapp/smartpc-control-plane/internal/model"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrIdempotencyMismatch = errors.New("idempotency mismatch")
)

const launchEndpoint = "/api/v1/desktops/launch"

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type StartInput struct {
	UserID            string
	Region            string
	RequestedBy       string
	IdempotencyKey    uuid.UUID
	RequestHash       string
	MaxSessionSeconds int
}

type ActivateProvisionedSessionInput struct {
	UserID        string
	SessionID     string
	Region        string
	AWSInstanceID string
	AMIID         string
	InstanceType  string
	HostAddress   string
	AuthToken     string
}

func New(db DB) *Store {
	return &Store{db: db}
}

func HashJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

const sessionSelect = `
select s.id, s.user_id, coalesce(s.host_id, ''), coalesce(h.aws_instance_id, ''), s.status, s.region,
       coalesce(h.host_address, ''), s.auth_token, s.started_at, s.stopped_at, s.max_session_seconds
from desktop_sessions s
left join desktop_hosts h on h.id = s.host_id`

func scanSession(row pgx.Row) (*model.DesktopSession, error) {
	var out model.DesktopSession
	var hostID string
	if err := row.Scan(
		&out.ID, &out.UserID, &hostID, &out.AWSInstanceID, &out.Status, &out.Region,
		&out.HostAddress, &out.AuthToken, &out.StartedAt, &out.StoppedAt, &out.MaxSessionSeconds,
	); err != nil {
		return nil, err
	}
	if hostID != "" {
		out.InstanceID = &hostID
	}
	return &out, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func activeSession(ctx context.Context, q queryRower, userID string) (*model.DesktopSession, error) {
	sess, err := scanSession(q.QueryRow(ctx, sessionSelect+`
where s.user_id = $1 and s.status in ('provisioning', 'active')
order by s.created_at desc
limit 1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return sess, err
}

func sessionByID(ctx context.Context, q queryRower, userID, sessionID string) (*model.DesktopSession, error) {
	sess, err := scanSession(q.QueryRow(ctx, sessionSelect+`
where s.user_id = $1 and s.id = $2
limit 1`, userID, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// GetActiveSession returns the user's live session, or nil when there is none.
func (s *Store) GetActiveSession(ctx context.Context, userID string) (*model.DesktopSession, error) {
	return activeSession(ctx, s.db, userID)
}

func (s *Store) GetSessionByID(ctx context.Context, userID, sessionID string) (*model.DesktopSession, error) {
	return sessionByID(ctx, s.db, userID, sessionID)
}

// StartOrGetSession replays a prior launch for the same idempotency key, or
// returns the user's live session, or creates a provisioning one. The bool
// reports whether a new session was created.
func (s *Store) StartOrGetSession(ctx context.Context, in StartInput) (*model.DesktopSession, bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	var storedHash string
	var storedResp []byte
	err = tx.QueryRow(ctx, `
select request_hash, response_json
from idempotency_records
where user_id = $1 and endpoint = $2 and idempotency_key = $3 and expires_at > now()`,
		in.UserID, launchEndpoint, in.IdempotencyKey).Scan(&storedHash, &storedResp)
	switch {
	case err == nil:
		if storedHash != in.RequestHash {
			return nil, false, ErrIdempotencyMismatch
		}
		var sess model.DesktopSession
		if err := json.Unmarshal(storedResp, &sess); err != nil {
			return nil, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return &sess, false, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, false, err
	}

	existing, err := activeSession(ctx, tx, in.UserID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := persistIdempotencyRecord(ctx, tx, in, existing); err != nil {
			return nil, false, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	maxSeconds := in.MaxSessionSeconds
	if maxSeconds <= 0 {
		maxSeconds = 4 * 60 * 60
	}
	sess := &model.DesktopSession{
		ID:                "ses_" + uuid.NewString(),
		UserID:            in.UserID,
		Status:            model.SessionProvisioning,
		Region:            in.Region,
		StartedAt:         time.Now().UTC(),
		MaxSessionSeconds: maxSeconds,
	}
	if _, err := tx.Exec(ctx, `
insert into desktop_sessions
  (id, user_id, status, region, idempotency_key, requested_by, auth_token, started_at, max_session_seconds, created_at, updated_at)
values
  ($1, $2, 'provisioning', $3, $4, $5, '', $6, $7, $6, $6)`,
		sess.ID, in.UserID, in.Region, in.IdempotencyKey, in.RequestedBy, sess.StartedAt, maxSeconds,
	); err != nil {
		return nil, false, err
	}
	if err := persistIdempotencyRecord(ctx, tx, in, sess); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

func persistIdempotencyRecord(ctx context.Context, tx pgx.Tx, in StartInput, sess *model.DesktopSession) error {
	resp, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
insert into idempotency_records
  (user_id, endpoint, idempotency_key, request_hash, response_json, session_id, created_at, expires_at)
values
  ($1, $2, $3, $4, $5, $6, now(), now() + interval '1 hour')
on conflict (user_id, endpoint, idempotency_key)
do update set response_json = excluded.response_json, session_id = excluded.session_id`,
		in.UserID, launchEndpoint, in.IdempotencyKey, in.RequestHash, resp, sess.ID)
	return err
}

// ActivateProvisionedSession records the launched host and moves the session
// from provisioning to active.
func (s *Store) ActivateProvisionedSession(ctx context.Context, in ActivateProvisionedSessionInput) (*model.DesktopSession, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	hostID := "hst_" + uuid.NewString()
	if _, err := tx.Exec(ctx, `
insert into desktop_hosts
  (id, session_id, aws_instance_id, region, ami_id, instance_type, host_address, state, launched_at, created_at)
values
  ($1, $2, $3, $4, $5, $6, $7, 'running', now(), now())`,
		hostID, in.SessionID, in.AWSInstanceID, in.Region, in.AMIID, in.InstanceType, in.HostAddress,
	); err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
update desktop_sessions
set host_id = $3, status = 'active', auth_token = $4, updated_at = now()
where user_id = $1 and id = $2 and status = 'provisioning'`,
		in.UserID, in.SessionID, hostID, in.AuthToken)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	sess, err := sessionByID(ctx, tx, in.UserID, in.SessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// StopSession marks the session stopped and its host terminated. Stopping an
// already stopped session returns it unchanged.
func (s *Store) StopSession(ctx context.Context, userID, sessionID string) (*model.DesktopSession, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	curr, err := sessionByID(ctx, tx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if curr.Status != model.SessionStopped {
		tag, err := tx.Exec(ctx, `
update desktop_sessions
set status = 'stopped', stopped_at = now(), updated_at = now()
where user_id = $1 and id = $2 and status in ('provisioning', 'active')`, userID, sessionID)
		if err != nil {
			return nil, err
		}
		if tag.RowsAffected() == 0 {
			return nil, ErrNotFound
		}
		if curr.InstanceID != nil {
			if _, err := tx.Exec(ctx, `
update desktop_hosts
set state = 'terminated', terminated_at = coalesce(terminated_at, now())
where id = $1`, *curr.InstanceID); err != nil {
				return nil, err
			}
		}
	}

	out, err := sessionByID(ctx, tx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListDesktopImages(ctx context.Context) ([]model.DesktopImage, error) {
	rows, err := s.db.Query(ctx, `
select region, ami_id, default_instance_type, updated_at
from desktop_images
order by region asc`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.DesktopImage, error) {
		var e model.DesktopImage
		err := row.Scan(&e.Region, &e.AMIID, &e.DefaultInstanceType, &e.UpdatedAt)
		return e, err
	})
}

// ImageForRegion returns the configured image for region.
func (s *Store) ImageForRegion(ctx context.Context, region string) (*model.DesktopImage, error) {
	var e model.DesktopImage
	err := s.db.QueryRow(ctx, `
select region, ami_id, default_instance_type, updated_at
from desktop_images
where region = $1`, region).Scan(&e.Region, &e.AMIID, &e.DefaultInstanceType, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) UpsertDesktopImages(ctx context.Context, images []model.DesktopImage) error {
	if len(images) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const q = `
insert into desktop_images (region, ami_id, default_instance_type, updated_at)
values ($1, $2, $3, now())
on conflict (region)
do update set ami_id = excluded.ami_id, default_instance_type = excluded.default_instance_type, updated_at = now()`
	for _, e := range images {
		if _, err := tx.Exec(ctx, q, e.Region, e.AMIID, e.DefaultInstanceType); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// RecordViewerEvent appends one viewer lifecycle event.
func (s *Store) RecordViewerEvent(ctx context.Context, ev model.ViewerEvent) error {
	_, err := s.db.Exec(ctx, `
insert into viewer_events (session_id, user_id, kind, detail, observed_at, created_at)
values ($1, $2, $3, $4, $5, now())`,
		ev.SessionID, ev.UserID, string(ev.Kind), ev.Detail, ev.ObservedAt)
	return err
}

func (s *Store) ListViewerEvents(ctx context.Context, userID, sessionID string, limit int) ([]model.ViewerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
select session_id, user_id, kind, detail, observed_at
from viewer_events
where user_id = $1 and session_id = $2
order by observed_at desc
limit $3`, userID, sessionID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.ViewerEvent, error) {
		var ev model.ViewerEvent
		err := row.Scan(&ev.SessionID, &ev.UserID, &ev.Kind, &ev.Detail, &ev.ObservedAt)
		return ev, err
	})
}

func (s *Store) CleanupExpiredIdempotencyRecords(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `delete from idempotency_records where expires_at <= now()`)
	return err
}

// PruneViewerEvents deletes events older than retention.
func (s *Store) PruneViewerEvents(ctx context.Context, retention time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `delete from viewer_events where observed_at < $1`, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ExpireStaleProvisioning stops sessions stuck in provisioning longer than
// maxAge, which happens when the API process dies mid-launch.
func (s *Store) ExpireStaleProvisioning(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx, `
update desktop_sessions
set status = 'stopped', stopped_at = now(), updated_at = now()
where status = 'provisioning' and created_at < $1`, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
