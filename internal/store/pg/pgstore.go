package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"careledger.org/internal/consent"
	"careledger.org/internal/ids"
)

// Store is the durable consent.Service. Every mutation runs in one SQL
// transaction, so the commit-or-abort contract is literal: an abort rolls
// back all table writes and the event append together.
type Store struct {
	db    *sql.DB
	admin consent.PrincipalID
	now   func() time.Time
	sink  consent.EventSink
}

var _ consent.Service = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithEventSink forwards committed events to sink after the transaction
// commits.
func WithEventSink(sink consent.EventSink) Option {
	return func(s *Store) {
		s.sink = sink
	}
}

// Open connects to Postgres and returns a Store.
func Open(dsn string, admin consent.PrincipalID, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewStore(db, admin, opts...), nil
}

// NewStore wraps an existing connection pool (used by tests with sqlmock).
func NewStore(db *sql.DB, admin consent.PrincipalID, opts ...Option) *Store {
	s := &Store{db: db, admin: admin, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) RegisterPrincipal(ctx context.Context, caller, id consent.PrincipalID, role consent.Role) (consent.Principal, error) {
	if caller != s.admin {
		return consent.Principal{}, consent.ErrNotAdmin
	}
	if id == "" {
		return consent.Principal{}, fmt.Errorf("%w: empty id", consent.ErrUnknownPrincipal)
	}
	if !consent.ValidRole(role) {
		return consent.Principal{}, fmt.Errorf("%w: %q", consent.ErrInvalidRole, role)
	}

	now := s.now().UTC()
	var committed []consent.Event
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from principals where id=$1)`, string(id)).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return consent.ErrAlreadyRegistered
		}
		if _, err := tx.ExecContext(ctx, `
			insert into principals(id, role, registered_at) values ($1,$2,$3)
		`, string(id), string(role), now); err != nil {
			return err
		}
		ev, err := s.appendEvent(ctx, tx, consent.EventPrincipalRegistered, "", caller, now, map[string]string{
			"principal": string(id),
			"role":      string(role),
		})
		if err != nil {
			return err
		}
		committed = append(committed, ev)
		return nil
	})
	if err != nil {
		return consent.Principal{}, err
	}
	s.publish(committed)
	return consent.Principal{ID: id, Role: role, RegisteredAt: now}, nil
}

func (s *Store) GetPrincipal(ctx context.Context, id consent.PrincipalID) (consent.Principal, error) {
	var p consent.Principal
	var role string
	err := s.db.QueryRowContext(ctx, `
		select id, role, registered_at from principals where id=$1
	`, string(id)).Scan(&p.ID, &role, &p.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return consent.Principal{}, consent.ErrUnknownPrincipal
	}
	if err != nil {
		return consent.Principal{}, err
	}
	p.Role = consent.Role(role)
	return p, nil
}

func (s *Store) CreateRecord(ctx context.Context, caller consent.PrincipalID, locator string, owner consent.PrincipalID) (consent.Record, error) {
	if locator == "" {
		return consent.Record{}, consent.ErrInvalidLocator
	}

	now := s.now().UTC()
	id := consent.DeriveRecordID(caller, locator, now)
	var committed []consent.Event
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		creatorRole, err := s.principalRole(ctx, tx, caller)
		if err != nil {
			return err
		}
		switch creatorRole {
		case consent.RolePatient:
			if owner != "" && owner != caller {
				return fmt.Errorf("%w: patients may not register records for others", consent.ErrUnauthorized)
			}
			owner = caller
		case consent.RoleAuditor:
			if owner == "" {
				return fmt.Errorf("%w: registrar must name an owner", consent.ErrUnknownPrincipal)
			}
			subjectRole, err := s.principalRole(ctx, tx, owner)
			if err != nil {
				return fmt.Errorf("%w: owner %s", consent.ErrUnknownPrincipal, owner)
			}
			if subjectRole != consent.RolePatient {
				return fmt.Errorf("%w: owner must hold the patient role", consent.ErrInvalidRole)
			}
		default:
			return fmt.Errorf("%w: role %s may not create records", consent.ErrUnauthorized, creatorRole)
		}

		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from records where id=$1)`, string(id)).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return consent.ErrRecordCollision
		}
		if _, err := tx.ExecContext(ctx, `
			insert into records(id, owner, locator, created_at) values ($1,$2,$3,$4)
		`, string(id), string(owner), locator, now); err != nil {
			return err
		}
		ev, err := s.appendEvent(ctx, tx, consent.EventRecordCreated, id, caller, now, map[string]string{
			"locator": locator,
			"owner":   string(owner),
		})
		if err != nil {
			return err
		}
		committed = append(committed, ev)
		return nil
	})
	if err != nil {
		return consent.Record{}, err
	}
	s.publish(committed)
	return consent.Record{ID: id, Owner: owner, Locator: locator, CreatedAt: now}, nil
}

func (s *Store) GetRecord(ctx context.Context, id consent.RecordID) (consent.Record, error) {
	var rec consent.Record
	err := s.db.QueryRowContext(ctx, `
		select id, owner, locator, created_at from records where id=$1
	`, string(id)).Scan(&rec.ID, &rec.Owner, &rec.Locator, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return consent.Record{}, consent.ErrRecordNotFound
	}
	if err != nil {
		return consent.Record{}, err
	}
	return rec, nil
}

func (s *Store) GetLocator(ctx context.Context, id consent.RecordID) (string, error) {
	rec, err := s.GetRecord(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Locator, nil
}

func (s *Store) Grant(ctx context.Context, caller consent.PrincipalID, id consent.RecordID, grantee consent.PrincipalID, validUntil time.Time, scope consent.Scope) (consent.AccessGrant, error) {
	if scope == consent.ScopeNone {
		return consent.AccessGrant{}, consent.ErrInvalidScope
	}

	now := s.now().UTC()
	if !validUntil.IsZero() && !validUntil.After(now) {
		return consent.AccessGrant{}, consent.ErrInvalidExpiry
	}

	g := consent.AccessGrant{
		RecordID:   id,
		Grantee:    grantee,
		Active:     true,
		ValidUntil: validUntil,
		Scope:      scope,
		GrantedBy:  caller,
		GrantedAt:  now,
	}
	var committed []consent.Event
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		owner, err := s.recordOwner(ctx, tx, id)
		if err != nil {
			return err
		}
		if caller != owner {
			return consent.ErrNotOwner
		}
		granteeRole, err := s.principalRole(ctx, tx, grantee)
		if err != nil || granteeRole != consent.RoleProvider {
			return consent.ErrInvalidGrantee
		}
		if err := s.upsertGrant(ctx, tx, g); err != nil {
			return err
		}
		fields := map[string]string{"grantee": string(grantee), "scope": string(scope)}
		if !validUntil.IsZero() {
			fields["valid_until"] = validUntil.Format(time.RFC3339)
		}
		ev, err := s.appendEvent(ctx, tx, consent.EventGrantCreated, id, caller, now, fields)
		if err != nil {
			return err
		}
		committed = append(committed, ev)
		return nil
	})
	if err != nil {
		return consent.AccessGrant{}, err
	}
	s.publish(committed)
	return g, nil
}

func (s *Store) Revoke(ctx context.Context, caller consent.PrincipalID, id consent.RecordID, grantee consent.PrincipalID) (consent.AccessGrant, error) {
	now := s.now().UTC()
	var g consent.AccessGrant
	var committed []consent.Event
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		owner, err := s.recordOwner(ctx, tx, id)
		if err != nil {
			return err
		}
		if caller != owner {
			return consent.ErrNotOwner
		}

		var validUntil sql.NullTime
		err = tx.QueryRowContext(ctx, `
			select active, valid_until, scope, granted_by, granted_at
			from grants where record_id=$1 and grantee=$2
		`, string(id), string(grantee)).Scan(&g.Active, &validUntil, &g.Scope, &g.GrantedBy, &g.GrantedAt)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && !g.Active) {
			return consent.ErrGrantNotActive
		}
		if err != nil {
			return err
		}
		if validUntil.Valid {
			g.ValidUntil = validUntil.Time
		}
		g.RecordID = id
		g.Grantee = grantee
		g.Active = false

		if _, err := tx.ExecContext(ctx, `
			update grants set active=false where record_id=$1 and grantee=$2
		`, string(id), string(grantee)); err != nil {
			return err
		}
		ev, err := s.appendEvent(ctx, tx, consent.EventGrantRevoked, id, caller, now, map[string]string{
			"grantee": string(grantee),
		})
		if err != nil {
			return err
		}
		committed = append(committed, ev)
		return nil
	})
	if err != nil {
		return consent.AccessGrant{}, err
	}
	s.publish(committed)
	return g, nil
}

func (s *Store) IsAuthorized(ctx context.Context, id consent.RecordID, principal consent.PrincipalID) (bool, error) {
	var active bool
	var validUntil sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		select g.active, g.valid_until
		from grants g join records r on r.id = g.record_id
		where g.record_id=$1 and g.grantee=$2
	`, string(id), string(principal)).Scan(&active, &validUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	g := consent.AccessGrant{Active: active}
	if validUntil.Valid {
		g.ValidUntil = validUntil.Time
	}
	return g.AuthorizedAt(s.now().UTC()), nil
}

func (s *Store) RequestAccess(ctx context.Context, caller consent.PrincipalID, id consent.RecordID, reason string) (consent.AccessRequest, error) {
	now := s.now().UTC()
	req := consent.AccessRequest{Requester: caller, RecordID: id, Reason: reason, CreatedAt: now}
	var committed []consent.Event
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		role, err := s.principalRole(ctx, tx, caller)
		if err != nil {
			return err
		}
		if role != consent.RoleProvider {
			return fmt.Errorf("%w: only providers may request access", consent.ErrUnauthorized)
		}
		if _, err := s.recordOwner(ctx, tx, id); err != nil {
			return err
		}

		// Request index == queue length; the ordering layer serializes
		// submissions so max+1 is race-free.
		if err := tx.QueryRowContext(ctx, `
			select coalesce(max(id)+1, 0) from requests
		`).Scan(&req.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into requests(id, requester, record_id, reason, created_at, processed, approved)
			values ($1,$2,$3,$4,$5,false,false)
		`, req.ID, string(caller), string(id), reason, now); err != nil {
			return err
		}
		ev, err := s.appendEvent(ctx, tx, consent.EventRequestCreated, id, caller, now, map[string]string{
			"request_id": fmt.Sprintf("%d", req.ID),
			"reason":     reason,
		})
		if err != nil {
			return err
		}
		committed = append(committed, ev)
		return nil
	})
	if err != nil {
		return consent.AccessRequest{}, err
	}
	s.publish(committed)
	return req, nil
}

func (s *Store) Approve(ctx context.Context, caller consent.PrincipalID, requestID uint64) (consent.AccessRequest, error) {
	return s.processRequest(ctx, caller, requestID, true)
}

func (s *Store) Deny(ctx context.Context, caller consent.PrincipalID, requestID uint64) (consent.AccessRequest, error) {
	return s.processRequest(ctx, caller, requestID, false)
}

func (s *Store) processRequest(ctx context.Context, caller consent.PrincipalID, requestID uint64, approve bool) (consent.AccessRequest, error) {
	now := s.now().UTC()
	var req consent.AccessRequest
	var committed []consent.Event
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			select id, requester, record_id, reason, created_at, processed, approved
			from requests where id=$1
		`, requestID).Scan(&req.ID, &req.Requester, &req.RecordID, &req.Reason, &req.CreatedAt, &req.Processed, &req.Approved)
		if errors.Is(err, sql.ErrNoRows) {
			return consent.ErrRequestNotFound
		}
		if err != nil {
			return err
		}
		owner, err := s.recordOwner(ctx, tx, req.RecordID)
		if err != nil {
			return err
		}
		if caller != owner {
			return consent.ErrNotOwner
		}
		if req.Processed {
			return consent.ErrRequestAlreadyProcessed
		}

		req.Processed = true
		req.Approved = approve
		if _, err := tx.ExecContext(ctx, `
			update requests set processed=true, approved=$2 where id=$1
		`, requestID, approve); err != nil {
			return err
		}

		if approve {
			g := consent.AccessGrant{
				RecordID:   req.RecordID,
				Grantee:    req.Requester,
				Active:     true,
				ValidUntil: now.Add(consent.DefaultApprovalValidity),
				Scope:      consent.ScopeTreatment,
				GrantedBy:  caller,
				GrantedAt:  now,
			}
			if err := s.upsertGrant(ctx, tx, g); err != nil {
				return err
			}
			ev, err := s.appendEvent(ctx, tx, consent.EventRequestApproved, req.RecordID, caller, now, map[string]string{
				"request_id": fmt.Sprintf("%d", requestID),
				"requester":  string(req.Requester),
			})
			if err != nil {
				return err
			}
			committed = append(committed, ev)
			ev, err = s.appendEvent(ctx, tx, consent.EventGrantCreated, req.RecordID, caller, now, map[string]string{
				"grantee":     string(req.Requester),
				"scope":       string(consent.ScopeTreatment),
				"valid_until": g.ValidUntil.Format(time.RFC3339),
			})
			if err != nil {
				return err
			}
			committed = append(committed, ev)
			return nil
		}

		ev, err := s.appendEvent(ctx, tx, consent.EventRequestDenied, req.RecordID, caller, now, map[string]string{
			"request_id": fmt.Sprintf("%d", requestID),
			"requester":  string(req.Requester),
		})
		if err != nil {
			return err
		}
		committed = append(committed, ev)
		return nil
	})
	if err != nil {
		return consent.AccessRequest{}, err
	}
	s.publish(committed)
	return req, nil
}

func (s *Store) GetRequest(ctx context.Context, requestID uint64) (consent.AccessRequest, error) {
	var req consent.AccessRequest
	err := s.db.QueryRowContext(ctx, `
		select id, requester, record_id, reason, created_at, processed, approved
		from requests where id=$1
	`, requestID).Scan(&req.ID, &req.Requester, &req.RecordID, &req.Reason, &req.CreatedAt, &req.Processed, &req.Approved)
	if errors.Is(err, sql.ErrNoRows) {
		return consent.AccessRequest{}, consent.ErrRequestNotFound
	}
	if err != nil {
		return consent.AccessRequest{}, err
	}
	return req, nil
}

func (s *Store) RequestCount(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.db.QueryRowContext(ctx, `select count(*) from requests`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) EmergencyAccess(ctx context.Context, caller consent.PrincipalID, id consent.RecordID, justificationHash string, validFor time.Duration) (consent.AccessGrant, error) {
	if justificationHash == "" {
		return consent.AccessGrant{}, consent.ErrJustificationRequired
	}
	if validFor <= 0 {
		return consent.AccessGrant{}, consent.ErrInvalidExpiry
	}

	now := s.now().UTC()
	g := consent.AccessGrant{
		RecordID:   id,
		Grantee:    caller,
		Active:     true,
		ValidUntil: now.Add(validFor),
		Scope:      consent.ScopeNone,
		GrantedBy:  caller,
		GrantedAt:  now,
	}
	var committed []consent.Event
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		role, err := s.principalRole(ctx, tx, caller)
		if err != nil {
			return err
		}
		switch role {
		case consent.RoleProvider, consent.RoleResponder:
		default:
			return fmt.Errorf("%w: role %s may not use break-glass access", consent.ErrUnauthorized, role)
		}
		if _, err := s.recordOwner(ctx, tx, id); err != nil {
			return err
		}
		if err := s.upsertGrant(ctx, tx, g); err != nil {
			return err
		}
		ev, err := s.appendEvent(ctx, tx, consent.EventEmergencyAccess, id, caller, now, map[string]string{
			"justification_hash": justificationHash,
			"valid_until":        g.ValidUntil.Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		committed = append(committed, ev)
		return nil
	})
	if err != nil {
		return consent.AccessGrant{}, err
	}
	s.publish(committed)
	return g, nil
}

func (s *Store) LogAccess(ctx context.Context, caller consent.PrincipalID, id consent.RecordID, actor consent.PrincipalID, success bool, action string) (consent.AccessEvent, error) {
	if actor == "" {
		actor = caller
	}
	now := s.now().UTC()
	ev := consent.AccessEvent{Actor: actor, RecordID: id, Success: success, Action: action, At: now}
	var committed []consent.Event
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.principalRole(ctx, tx, caller); err != nil {
			return err
		}
		if _, err := s.recordOwner(ctx, tx, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into access_events(record_id, actor, success, action, at)
			values ($1,$2,$3,$4,$5)
		`, string(id), string(actor), success, action, now); err != nil {
			return err
		}
		committedEv, err := s.appendEvent(ctx, tx, consent.EventAccessLogged, id, caller, now, map[string]string{
			"actor":   string(actor),
			"action":  action,
			"success": fmt.Sprintf("%t", success),
		})
		if err != nil {
			return err
		}
		committed = append(committed, committedEv)
		return nil
	})
	if err != nil {
		return consent.AccessEvent{}, err
	}
	s.publish(committed)
	return ev, nil
}

func (s *Store) GetLog(ctx context.Context, id consent.RecordID) ([]consent.AccessEvent, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from records where id=$1)`, string(id)).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, consent.ErrRecordNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		select actor, record_id, success, action, at
		from access_events where record_id=$1 order by seq
	`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []consent.AccessEvent{}
	for rows.Next() {
		var ev consent.AccessEvent
		if err := rows.Scan(&ev.Actor, &ev.RecordID, &ev.Success, &ev.Action, &ev.At); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) ListEvents(ctx context.Context, limit int, afterSeq uint64) ([]consent.Event, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select seq, id, type, record_id, actor, at, fields
		from events where seq > $1 order by seq limit $2
	`, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []consent.Event
	var last uint64
	for rows.Next() {
		var ev consent.Event
		var fieldsRaw []byte
		if err := rows.Scan(&ev.Sequence, &ev.ID, &ev.Type, &ev.RecordID, &ev.Actor, &ev.At, &fieldsRaw); err != nil {
			return nil, 0, err
		}
		if len(fieldsRaw) > 0 {
			if err := json.Unmarshal(fieldsRaw, &ev.Fields); err != nil {
				return nil, 0, err
			}
		}
		res = append(res, ev)
		last = ev.Sequence
	}
	return res, last, rows.Err()
}

// --- helpers ---

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) principalRole(ctx context.Context, tx *sql.Tx, id consent.PrincipalID) (consent.Role, error) {
	var role string
	err := tx.QueryRowContext(ctx, `select role from principals where id=$1`, string(id)).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return consent.RoleNone, consent.ErrUnknownPrincipal
	}
	if err != nil {
		return consent.RoleNone, err
	}
	return consent.Role(role), nil
}

func (s *Store) recordOwner(ctx context.Context, tx *sql.Tx, id consent.RecordID) (consent.PrincipalID, error) {
	var owner string
	err := tx.QueryRowContext(ctx, `select owner from records where id=$1`, string(id)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", consent.ErrRecordNotFound
	}
	if err != nil {
		return "", err
	}
	return consent.PrincipalID(owner), nil
}

func (s *Store) upsertGrant(ctx context.Context, tx *sql.Tx, g consent.AccessGrant) error {
	var validUntil any
	if !g.ValidUntil.IsZero() {
		validUntil = g.ValidUntil
	}
	_, err := tx.ExecContext(ctx, `
		insert into grants(record_id, grantee, active, valid_until, scope, granted_by, granted_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (record_id, grantee) do update
		set active = excluded.active,
		    valid_until = excluded.valid_until,
		    scope = excluded.scope,
		    granted_by = excluded.granted_by,
		    granted_at = excluded.granted_at
	`, string(g.RecordID), string(g.Grantee), g.Active, validUntil, string(g.Scope), string(g.GrantedBy), g.GrantedAt)
	return err
}

func (s *Store) appendEvent(ctx context.Context, tx *sql.Tx, t consent.EventType, record consent.RecordID, actor consent.PrincipalID, at time.Time, fields map[string]string) (consent.Event, error) {
	ev := consent.Event{
		ID:       ids.New(),
		Type:     t,
		RecordID: record,
		Actor:    actor,
		At:       at,
		Fields:   fields,
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return consent.Event{}, err
	}
	err = tx.QueryRowContext(ctx, `
		insert into events(id, type, record_id, actor, at, fields)
		values ($1,$2,$3,$4,$5,$6)
		returning seq
	`, ev.ID, string(t), string(record), string(actor), at, raw).Scan(&ev.Sequence)
	if err != nil {
		return consent.Event{}, err
	}
	return ev, nil
}

func (s *Store) publish(events []consent.Event) {
	if s.sink == nil {
		return
	}
	for _, ev := range events {
		s.sink.Publish(ev)
	}
}
