package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"careledger.org/internal/consent"
)

var frozen = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := NewStore(db, "admin", WithClock(func() time.Time { return frozen }))
	return s, mock
}

func eventInsert(mock sqlmock.Sqlmock, seq uint64) {
	mock.ExpectQuery("insert into events").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(seq))
}

func TestRegisterPrincipal(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select exists").WithArgs("pat-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("insert into principals").WithArgs("pat-1", "patient", frozen).
		WillReturnResult(sqlmock.NewResult(1, 1))
	eventInsert(mock, 1)
	mock.ExpectCommit()

	p, err := s.RegisterPrincipal(context.Background(), "admin", "pat-1", consent.RolePatient)
	if err != nil {
		t.Fatalf("RegisterPrincipal: %v", err)
	}
	if p.ID != "pat-1" || p.Role != consent.RolePatient || !p.RegisteredAt.Equal(frozen) {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegisterPrincipalDuplicateRollsBack(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select exists").WithArgs("pat-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := s.RegisterPrincipal(context.Background(), "admin", "pat-1", consent.RolePatient)
	if !errors.Is(err, consent.ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegisterPrincipalNotAdmin(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.RegisterPrincipal(context.Background(), "pat-1", "pat-2", consent.RolePatient)
	if !errors.Is(err, consent.ErrNotAdmin) {
		t.Fatalf("expected ErrNotAdmin, got %v", err)
	}
}

func TestGetPrincipalNotFound(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("select id, role, registered_at from principals").WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "role", "registered_at"}))

	_, err := s.GetPrincipal(context.Background(), "ghost")
	if !errors.Is(err, consent.ErrUnknownPrincipal) {
		t.Fatalf("expected ErrUnknownPrincipal, got %v", err)
	}
}

func TestCreateRecordAsPatient(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select role from principals").WithArgs("pat-1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("patient"))
	mock.ExpectQuery("select exists").WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("insert into records").
		WithArgs(sqlmock.AnyArg(), "pat-1", "blob://loc-A", frozen).
		WillReturnResult(sqlmock.NewResult(1, 1))
	eventInsert(mock, 1)
	mock.ExpectCommit()

	rec, err := s.CreateRecord(context.Background(), "pat-1", "blob://loc-A", "")
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if rec.Owner != "pat-1" {
		t.Fatalf("owner should default to the patient creator, got %s", rec.Owner)
	}
	want := consent.DeriveRecordID("pat-1", "blob://loc-A", frozen)
	if rec.ID != want {
		t.Fatalf("record id mismatch: got %s want %s", rec.ID, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateRecordProviderForbidden(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select role from principals").WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("provider"))
	mock.ExpectRollback()

	_, err := s.CreateRecord(context.Background(), "doc-1", "blob://loc-A", "")
	if !errors.Is(err, consent.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestGrantFlow(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select owner from records").WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"owner"}).AddRow("pat-1"))
	mock.ExpectQuery("select role from principals").WithArgs("doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("provider"))
	mock.ExpectExec("insert into grants").
		WithArgs("rec-1", "doc-1", true, nil, "TREATMENT", "pat-1", frozen).
		WillReturnResult(sqlmock.NewResult(1, 1))
	eventInsert(mock, 1)
	mock.ExpectCommit()

	g, err := s.Grant(context.Background(), "pat-1", "rec-1", "doc-1", time.Time{}, consent.ScopeTreatment)
	if err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if !g.Active || g.Grantee != "doc-1" {
		t.Fatalf("unexpected grant: %+v", g)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGrantNotOwner(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select owner from records").WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"owner"}).AddRow("pat-1"))
	mock.ExpectRollback()

	_, err := s.Grant(context.Background(), "intruder", "rec-1", "doc-1", time.Time{}, consent.ScopeTreatment)
	if !errors.Is(err, consent.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestRevokeInactiveGrant(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select owner from records").WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"owner"}).AddRow("pat-1"))
	mock.ExpectQuery("select active, valid_until, scope, granted_by, granted_at from grants").
		WithArgs("rec-1", "doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"active", "valid_until", "scope", "granted_by", "granted_at"}).
			AddRow(false, nil, "TREATMENT", "pat-1", frozen))
	mock.ExpectRollback()

	_, err := s.Revoke(context.Background(), "pat-1", "rec-1", "doc-1")
	if !errors.Is(err, consent.ErrGrantNotActive) {
		t.Fatalf("expected ErrGrantNotActive, got %v", err)
	}
}

func TestIsAuthorizedExpiry(t *testing.T) {
	s, mock := newTestStore(t)

	// Expired an hour before the frozen clock.
	mock.ExpectQuery("select g.active, g.valid_until").WithArgs("rec-1", "doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"active", "valid_until"}).
			AddRow(true, frozen.Add(-time.Hour)))

	ok, err := s.IsAuthorized(context.Background(), "rec-1", "doc-1")
	if err != nil {
		t.Fatalf("IsAuthorized: %v", err)
	}
	if ok {
		t.Fatalf("expired grant must not authorize")
	}

	mock.ExpectQuery("select g.active, g.valid_until").WithArgs("rec-1", "doc-1").
		WillReturnRows(sqlmock.NewRows([]string{"active", "valid_until"}))

	ok, err = s.IsAuthorized(context.Background(), "rec-1", "doc-1")
	if err != nil {
		t.Fatalf("IsAuthorized without grant: %v", err)
	}
	if ok {
		t.Fatalf("missing grant must not authorize")
	}
}

func TestApproveCreatesGrant(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select id, requester, record_id, reason, created_at, processed, approved").
		WithArgs(uint64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "requester", "record_id", "reason", "created_at", "processed", "approved"}).
			AddRow(0, "doc-1", "rec-1", "follow-up", frozen.Add(-time.Minute), false, false))
	mock.ExpectQuery("select owner from records").WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"owner"}).AddRow("pat-1"))
	mock.ExpectExec("update requests set processed=true").WithArgs(uint64(0), true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into grants").
		WithArgs("rec-1", "doc-1", true, frozen.Add(consent.DefaultApprovalValidity), "TREATMENT", "pat-1", frozen).
		WillReturnResult(sqlmock.NewResult(1, 1))
	eventInsert(mock, 1)
	eventInsert(mock, 2)
	mock.ExpectCommit()

	req, err := s.Approve(context.Background(), "pat-1", 0)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !req.Processed || !req.Approved {
		t.Fatalf("unexpected request state: %+v", req)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApproveTwice(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select id, requester, record_id, reason, created_at, processed, approved").
		WithArgs(uint64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "requester", "record_id", "reason", "created_at", "processed", "approved"}).
			AddRow(0, "doc-1", "rec-1", "follow-up", frozen.Add(-time.Minute), true, true))
	mock.ExpectQuery("select owner from records").WithArgs("rec-1").
		WillReturnRows(sqlmock.NewRows([]string{"owner"}).AddRow("pat-1"))
	mock.ExpectRollback()

	_, err := s.Approve(context.Background(), "pat-1", 0)
	if !errors.Is(err, consent.ErrRequestAlreadyProcessed) {
		t.Fatalf("expected ErrRequestAlreadyProcessed, got %v", err)
	}
}

func TestListEvents(t *testing.T) {
	s, mock := newTestStore(t)

	mock.ExpectQuery("select seq, id, type, record_id, actor, at, fields from events").
		WithArgs(uint64(0), 100).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "id", "type", "record_id", "actor", "at", "fields"}).
			AddRow(1, "01ABC", "principal.registered", "", "admin", frozen, []byte(`{"principal":"pat-1"}`)).
			AddRow(2, "01ABD", "record.created", "rec-1", "pat-1", frozen, []byte(`{"locator":"blob://loc-A"}`)))

	events, last, err := s.ListEvents(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 || last != 2 {
		t.Fatalf("unexpected page: %d events, last=%d", len(events), last)
	}
	if events[0].Type != consent.EventPrincipalRegistered || events[0].Fields["principal"] != "pat-1" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
}
