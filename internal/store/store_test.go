package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/smartpcapp/smartpc-control-plane/internal/model"
)

const sessionQueryPrefix = "select s.id, s.user_id, coalesce(s.host_id, ''), coalesce(h.aws_instance_id, ''), s.status, s.region,"

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func sessionRow(sessionID, userID, hostID, awsID, status string, startedAt time.Time, stoppedAt *time.Time) *pgxmock.Rows {
	cols := []string{
		"id", "user_id", "host_id", "aws_instance_id", "status", "region",
		"host_address", "auth_token", "started_at", "stopped_at", "max_session_seconds",
	}
	return pgxmock.NewRows(cols).AddRow(
		sessionID, userID, hostID, awsID, status, "us-east-1",
		"https://203.0.113.10:8443", "tok_abc", startedAt, stoppedAt, 14400,
	)
}

func TestStopSession_AlreadyStopped_Idempotent(t *testing.T) {
	mock := newMock(t)
	stoppedAt := time.Now().UTC()
	row := func() *pgxmock.Rows {
		return sessionRow("ses_1", "usr_1", "hst_1", "i-abc", string(model.SessionStopped), stoppedAt.Add(-time.Hour), &stoppedAt)
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(sessionQueryPrefix)).WithArgs("usr_1", "ses_1").WillReturnRows(row())
	mock.ExpectQuery(regexp.QuoteMeta(sessionQueryPrefix)).WithArgs("usr_1", "ses_1").WillReturnRows(row())
	mock.ExpectCommit()

	out, err := New(mock).StopSession(context.Background(), "usr_1", "ses_1")
	if err != nil {
		t.Fatalf("StopSession returned err: %v", err)
	}
	if out.Status != model.SessionStopped || out.StoppedAt == nil {
		t.Fatalf("expected stopped session, got %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStopSession_Active_TransitionsAndTerminatesHost(t *testing.T) {
	mock := newMock(t)
	startedAt := time.Now().UTC().Add(-5 * time.Minute)
	stoppedAt := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(sessionQueryPrefix)).
		WithArgs("usr_1", "ses_2").
		WillReturnRows(sessionRow("ses_2", "usr_1", "hst_2", "i-xyz", string(model.SessionActive), startedAt, nil))
	mock.ExpectExec(regexp.QuoteMeta("update desktop_sessions")).
		WithArgs("usr_1", "ses_2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("update desktop_hosts")).
		WithArgs("hst_2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(regexp.QuoteMeta(sessionQueryPrefix)).
		WithArgs("usr_1", "ses_2").
		WillReturnRows(sessionRow("ses_2", "usr_1", "hst_2", "i-xyz", string(model.SessionStopped), startedAt, &stoppedAt))
	mock.ExpectCommit()

	out, err := New(mock).StopSession(context.Background(), "usr_1", "ses_2")
	if err != nil {
		t.Fatalf("StopSession returned err: %v", err)
	}
	if out.Status != model.SessionStopped {
		t.Fatalf("expected stopped status, got %s", out.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStopSession_UnknownSession(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(sessionQueryPrefix)).WithArgs("usr_1", "ses_x").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	if _, err := New(mock).StopSession(context.Background(), "usr_1", "ses_x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetActiveSession_NoneReturnsNil(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(sessionQueryPrefix)).WithArgs("usr_1").WillReturnError(pgx.ErrNoRows)

	sess, err := New(mock).GetActiveSession(context.Background(), "usr_1")
	if err != nil || sess != nil {
		t.Fatalf("expected nil,nil got %+v,%v", sess, err)
	}
}

func TestGetActiveSession_ExposesDescriptor(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(sessionQueryPrefix)).
		WithArgs("usr_1").
		WillReturnRows(sessionRow("ses_1", "usr_1", "hst_1", "i-1", string(model.SessionActive), time.Now().UTC(), nil))

	sess, err := New(mock).GetActiveSession(context.Background(), "usr_1")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if sess.InstanceID == nil || *sess.InstanceID != "hst_1" {
		t.Fatalf("unexpected host id %+v", sess.InstanceID)
	}
	d := sess.Descriptor()
	if !d.Valid() || d.HostAddress != "https://203.0.113.10:8443" || d.AuthToken != "tok_abc" {
		t.Fatalf("unexpected descriptor %+v", d)
	}
}

func TestStartOrGetSession_CreatesProvisioningSession(t *testing.T) {
	mock := newMock(t)
	key := uuid.New()
	in := StartInput{UserID: "usr_1", Region: "us-east-1", RequestedBy: "dashboard", IdempotencyKey: key, RequestHash: "h1"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select request_hash, response_json")).
		WithArgs("usr_1", launchEndpoint, key).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta(sessionQueryPrefix)).WithArgs("usr_1").WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("insert into desktop_sessions")).
		WithArgs(pgxmock.AnyArg(), "usr_1", "us-east-1", key, "dashboard", pgxmock.AnyArg(), 14400).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into idempotency_records")).
		WithArgs("usr_1", launchEndpoint, key, "h1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	sess, created, err := New(mock).StartOrGetSession(context.Background(), in)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !created || sess.Status != model.SessionProvisioning || sess.MaxSessionSeconds != 14400 {
		t.Fatalf("unexpected result created=%v sess=%+v", created, sess)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStartOrGetSession_IdempotencyMismatch(t *testing.T) {
	mock := newMock(t)
	key := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select request_hash, response_json")).
		WithArgs("usr_1", launchEndpoint, key).
		WillReturnRows(pgxmock.NewRows([]string{"request_hash", "response_json"}).AddRow("other", []byte(`{}`)))
	mock.ExpectRollback()

	_, _, err := New(mock).StartOrGetSession(context.Background(), StartInput{UserID: "usr_1", IdempotencyKey: key, RequestHash: "h1"})
	if !errors.Is(err, ErrIdempotencyMismatch) {
		t.Fatalf("expected ErrIdempotencyMismatch, got %v", err)
	}
}

func TestStartOrGetSession_ReplaysStoredResponse(t *testing.T) {
	mock := newMock(t)
	key := uuid.New()
	stored := []byte(`{"ID":"ses_9","UserID":"usr_1","Status":"active","Region":"us-east-1","HostAddress":"https://h:8443","AuthToken":"t"}`)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select request_hash, response_json")).
		WithArgs("usr_1", launchEndpoint, key).
		WillReturnRows(pgxmock.NewRows([]string{"request_hash", "response_json"}).AddRow("h1", stored))
	mock.ExpectCommit()

	sess, created, err := New(mock).StartOrGetSession(context.Background(), StartInput{UserID: "usr_1", IdempotencyKey: key, RequestHash: "h1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if created || sess.ID != "ses_9" || sess.Status != model.SessionActive {
		t.Fatalf("unexpected replay created=%v sess=%+v", created, sess)
	}
}

func TestActivateProvisionedSession(t *testing.T) {
	mock := newMock(t)
	in := ActivateProvisionedSessionInput{
		UserID: "usr_1", SessionID: "ses_1", Region: "us-east-1", AWSInstanceID: "i-1",
		AMIID: "ami-1", InstanceType: "g4dn.xlarge", HostAddress: "https://203.0.113.10:8443", AuthToken: "tok_abc",
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("insert into desktop_hosts")).
		WithArgs(pgxmock.AnyArg(), "ses_1", "i-1", "us-east-1", "ami-1", "g4dn.xlarge", "https://203.0.113.10:8443").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("update desktop_sessions")).
		WithArgs("usr_1", "ses_1", pgxmock.AnyArg(), "tok_abc").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(regexp.QuoteMeta(sessionQueryPrefix)).
		WithArgs("usr_1", "ses_1").
		WillReturnRows(sessionRow("ses_1", "usr_1", "hst_1", "i-1", string(model.SessionActive), time.Now().UTC(), nil))
	mock.ExpectCommit()

	sess, err := New(mock).ActivateProvisionedSession(context.Background(), in)
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if sess.Status != model.SessionActive || sess.AWSInstanceID != "i-1" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestActivateProvisionedSession_NoLongerProvisioning(t *testing.T) {
	mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("insert into desktop_hosts")).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("update desktop_sessions")).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := New(mock).ActivateProvisionedSession(context.Background(), ActivateProvisionedSessionInput{UserID: "usr_1", SessionID: "ses_1"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDesktopImages(t *testing.T) {
	mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("select region, ami_id, default_instance_type, updated_at")).
		WillReturnRows(pgxmock.NewRows([]string{"region", "ami_id", "default_instance_type", "updated_at"}).
			AddRow("eu-west-1", "ami-eu", "g4dn.xlarge", now).
			AddRow("us-east-1", "ami-us", "g5.xlarge", now))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("insert into desktop_images")).
		WithArgs("us-east-1", "ami-new", "g5.xlarge").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	s := New(mock)
	images, err := s.ListDesktopImages(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(images) != 2 || images[1].AMIID != "ami-us" {
		t.Fatalf("unexpected images %+v", images)
	}
	if err := s.UpsertDesktopImages(context.Background(), []model.DesktopImage{{Region: "us-east-1", AMIID: "ami-new", DefaultInstanceType: "g5.xlarge"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertDesktopImages(context.Background(), nil); err != nil {
		t.Fatalf("empty upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestImageForRegion_Missing(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("from desktop_images")).WithArgs("ap-south-1").WillReturnError(pgx.ErrNoRows)
	if _, err := New(mock).ImageForRegion(context.Background(), "ap-south-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordViewerEvent(t *testing.T) {
	mock := newMock(t)
	at := time.Now().UTC()
	mock.ExpectExec(regexp.QuoteMeta("insert into viewer_events")).
		WithArgs("ses_1", "usr_1", "error", "decoder crashed", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := New(mock).RecordViewerEvent(context.Background(), model.ViewerEvent{
		SessionID: "ses_1", UserID: "usr_1", Kind: model.ViewerEventError, Detail: "decoder crashed", ObservedAt: at,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMaintenanceStatements(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("delete from idempotency_records where expires_at <= now()")).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(regexp.QuoteMeta("delete from viewer_events where observed_at < $1")).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))
	mock.ExpectExec(regexp.QuoteMeta("update desktop_sessions")).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	s := New(mock)
	if err := s.CleanupExpiredIdempotencyRecords(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n, err := s.PruneViewerEvents(context.Background(), 30*24*time.Hour); err != nil || n != 7 {
		t.Fatalf("prune = %d, %v", n, err)
	}
	if n, err := s.ExpireStaleProvisioning(context.Background(), 15*time.Minute); err != nil || n != 1 {
		t.Fatalf("expire = %d, %v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListViewerEvents_DefaultLimit(t *testing.T) {
	mock := newMock(t)
	at := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta("select session_id, user_id, kind, detail, observed_at")).
		WithArgs("usr_1", "ses_1", 100).
		WillReturnRows(pgxmock.NewRows([]string{"session_id", "user_id", "kind", "detail", "observed_at"}).
			AddRow("ses_1", "usr_1", "connected", "", at))

	events, err := New(mock).ListViewerEvents(context.Background(), "usr_1", "ses_1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].Kind != model.ViewerEventConnected {
		t.Fatalf("unexpected events %+v", events)
	}
}
