package consent

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"careledger.org/internal/ids"
)

type grantKey struct {
	record  RecordID
	grantee PrincipalID
}

// InMemory implements Service against process-local state. The external
// ordering layer serializes submissions, so a single mutex per ledger is
// sufficient; no operation observes partially applied state.
// NOTE: Replace with durable storage (internal/store/pg) for production.
type InMemory struct {
	mu    sync.RWMutex
	admin PrincipalID
	now   func() time.Time
	sink  EventSink

	principals map[PrincipalID]Principal
	records    map[RecordID]Record
	grants     map[grantKey]AccessGrant
	requests   []AccessRequest
	logs       map[RecordID][]AccessEvent

	seq    uint64
	events []Event
}

// Option configures InMemory.
type Option func(*InMemory)

// WithClock overrides the time source (useful for tests and for replaying
// the coarse clock supplied by the ordering layer).
func WithClock(fn func() time.Time) Option {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithEventSink forwards every committed event to sink. Publish is called
// under the ledger lock and must not block.
func WithEventSink(sink EventSink) Option {
	return func(s *InMemory) {
		s.sink = sink
	}
}

// NewInMemory creates a fresh ledger. The admin principal is the only
// identity allowed to register others; it is distinguished, not itself a
// registry entry.
func NewInMemory(admin PrincipalID, opts ...Option) *InMemory {
	s := &InMemory{
		admin:      admin,
		now:        time.Now,
		principals: make(map[PrincipalID]Principal),
		records:    make(map[RecordID]Record),
		grants:     make(map[grantKey]AccessGrant),
		logs:       make(map[RecordID][]AccessEvent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Service = (*InMemory)(nil)

func (s *InMemory) RegisterPrincipal(ctx context.Context, caller, id PrincipalID, role Role) (Principal, error) {
	if caller != s.admin {
		return Principal{}, ErrNotAdmin
	}
	if id == "" {
		return Principal{}, fmt.Errorf("%w: empty id", ErrUnknownPrincipal)
	}
	if !ValidRole(role) {
		return Principal{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.principals[id]; ok {
		return Principal{}, ErrAlreadyRegistered
	}
	p := Principal{ID: id, Role: role, RegisteredAt: s.now().UTC()}
	s.principals[id] = p
	s.emit(EventPrincipalRegistered, "", caller, map[string]string{
		"principal": string(id),
		"role":      string(role),
	})
	return p, nil
}

func (s *InMemory) GetPrincipal(ctx context.Context, id PrincipalID) (Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.principals[id]
	if !ok {
		return Principal{}, ErrUnknownPrincipal
	}
	return p, nil
}

func (s *InMemory) CreateRecord(ctx context.Context, caller PrincipalID, locator string, owner PrincipalID) (Record, error) {
	if locator == "" {
		return Record{}, ErrInvalidLocator
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	creator, ok := s.principals[caller]
	if !ok {
		return Record{}, ErrUnknownPrincipal
	}

	switch creator.Role {
	case RolePatient:
		// Patients create their own records only.
		if owner != "" && owner != caller {
			return Record{}, fmt.Errorf("%w: patients may not register records for others", ErrUnauthorized)
		}
		owner = caller
	case RoleAuditor:
		// Auditors act as registrar-of-record for a named patient owner.
		if owner == "" {
			return Record{}, fmt.Errorf("%w: registrar must name an owner", ErrUnknownPrincipal)
		}
		subject, ok := s.principals[owner]
		if !ok {
			return Record{}, fmt.Errorf("%w: owner %s", ErrUnknownPrincipal, owner)
		}
		if subject.Role != RolePatient {
			return Record{}, fmt.Errorf("%w: owner must hold the patient role", ErrInvalidRole)
		}
	default:
		return Record{}, fmt.Errorf("%w: role %s may not create records", ErrUnauthorized, creator.Role)
	}

	now := s.now().UTC()
	id := DeriveRecordID(caller, locator, now)
	if _, exists := s.records[id]; exists {
		return Record{}, ErrRecordCollision
	}

	rec := Record{ID: id, Owner: owner, Locator: locator, CreatedAt: now}
	s.records[id] = rec
	s.emit(EventRecordCreated, id, caller, map[string]string{
		"locator": locator,
		"owner":   string(owner),
	})
	return rec, nil
}

func (s *InMemory) GetRecord(ctx context.Context, id RecordID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

// GetLocator returns the stored locator unconditionally. Confidentiality of
// the payload is the content store's concern; callers wanting gated release
// consult IsAuthorized first.
func (s *InMemory) GetLocator(ctx context.Context, id RecordID) (string, error) {
	rec, err := s.GetRecord(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Locator, nil
}

func (s *InMemory) Grant(ctx context.Context, caller PrincipalID, id RecordID, grantee PrincipalID, validUntil time.Time, scope Scope) (AccessGrant, error) {
	if scope == ScopeNone {
		return AccessGrant{}, ErrInvalidScope
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return AccessGrant{}, ErrRecordNotFound
	}
	if caller != rec.Owner {
		return AccessGrant{}, ErrNotOwner
	}
	p, ok := s.principals[grantee]
	if !ok || p.Role != RoleProvider {
		return AccessGrant{}, ErrInvalidGrantee
	}
	now := s.now().UTC()
	if !validUntil.IsZero() && !validUntil.After(now) {
		return AccessGrant{}, ErrInvalidExpiry
	}

	g := s.upsertGrant(id, grantee, caller, validUntil, scope, now)
	s.emit(EventGrantCreated, id, caller, grantFields(g))
	return g, nil
}

func (s *InMemory) Revoke(ctx context.Context, caller PrincipalID, id RecordID, grantee PrincipalID) (AccessGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return AccessGrant{}, ErrRecordNotFound
	}
	if caller != rec.Owner {
		return AccessGrant{}, ErrNotOwner
	}
	key := grantKey{record: id, grantee: grantee}
	g, ok := s.grants[key]
	if !ok || !g.Active {
		return AccessGrant{}, ErrGrantNotActive
	}

	// Keep the entry; only flip the flag so prior parameters stay visible.
	g.Active = false
	s.grants[key] = g
	s.emit(EventGrantRevoked, id, caller, map[string]string{
		"grantee": string(grantee),
	})
	return g, nil
}

func (s *InMemory) IsAuthorized(ctx context.Context, id RecordID, principal PrincipalID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	g, ok := s.grants[grantKey{record: id, grantee: principal}]
	if !ok {
		return false, nil
	}
	return g.AuthorizedAt(s.now().UTC()), nil
}

func (s *InMemory) RequestAccess(ctx context.Context, caller PrincipalID, id RecordID, reason string) (AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[caller]
	if !ok {
		return AccessRequest{}, ErrUnknownPrincipal
	}
	if p.Role != RoleProvider {
		return AccessRequest{}, fmt.Errorf("%w: only providers may request access", ErrUnauthorized)
	}
	if _, ok := s.records[id]; !ok {
		return AccessRequest{}, ErrRecordNotFound
	}

	req := AccessRequest{
		ID:        uint64(len(s.requests)),
		Requester: caller,
		RecordID:  id,
		Reason:    reason,
		CreatedAt: s.now().UTC(),
	}
	s.requests = append(s.requests, req)
	s.emit(EventRequestCreated, id, caller, map[string]string{
		"request_id": strconv.FormatUint(req.ID, 10),
		"reason":     reason,
	})
	return req, nil
}

func (s *InMemory) Approve(ctx context.Context, caller PrincipalID, requestID uint64) (AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.pendingRequest(caller, requestID)
	if err != nil {
		return AccessRequest{}, err
	}

	now := s.now().UTC()
	req.Processed = true
	req.Approved = true
	s.requests[requestID] = req

	// Approval doubles as the grant: a separate explicit Grant call would
	// leave a window where an approved request authorizes nothing.
	g := s.upsertGrant(req.RecordID, req.Requester, caller, now.Add(DefaultApprovalValidity), ScopeTreatment, now)

	s.emit(EventRequestApproved, req.RecordID, caller, map[string]string{
		"request_id": strconv.FormatUint(requestID, 10),
		"requester":  string(req.Requester),
	})
	s.emit(EventGrantCreated, req.RecordID, caller, grantFields(g))
	return req, nil
}

func (s *InMemory) Deny(ctx context.Context, caller PrincipalID, requestID uint64) (AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, err := s.pendingRequest(caller, requestID)
	if err != nil {
		return AccessRequest{}, err
	}

	req.Processed = true
	req.Approved = false
	s.requests[requestID] = req
	s.emit(EventRequestDenied, req.RecordID, caller, map[string]string{
		"request_id": strconv.FormatUint(requestID, 10),
		"requester":  string(req.Requester),
	})
	return req, nil
}

func (s *InMemory) GetRequest(ctx context.Context, requestID uint64) (AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if requestID >= uint64(len(s.requests)) {
		return AccessRequest{}, ErrRequestNotFound
	}
	return s.requests[requestID], nil
}

func (s *InMemory) RequestCount(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.requests)), nil
}

func (s *InMemory) EmergencyAccess(ctx context.Context, caller PrincipalID, id RecordID, justificationHash string, validFor time.Duration) (AccessGrant, error) {
	if justificationHash == "" {
		return AccessGrant{}, ErrJustificationRequired
	}
	if validFor <= 0 {
		return AccessGrant{}, ErrInvalidExpiry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.principals[caller]
	if !ok {
		return AccessGrant{}, ErrUnknownPrincipal
	}
	switch p.Role {
	case RoleProvider, RoleResponder:
	default:
		return AccessGrant{}, fmt.Errorf("%w: role %s may not use break-glass access", ErrUnauthorized, p.Role)
	}
	if _, ok := s.records[id]; !ok {
		return AccessGrant{}, ErrRecordNotFound
	}

	// Deliberately no owner-approval step: the distinguished event below,
	// not a gate, is the control.
	now := s.now().UTC()
	g := s.upsertGrant(id, caller, caller, now.Add(validFor), ScopeNone, now)
	s.emit(EventEmergencyAccess, id, caller, map[string]string{
		"justification_hash": justificationHash,
		"valid_until":        g.ValidUntil.Format(time.RFC3339),
	})
	return g, nil
}

func (s *InMemory) LogAccess(ctx context.Context, caller PrincipalID, id RecordID, actor PrincipalID, success bool, action string) (AccessEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.principals[caller]; !ok {
		return AccessEvent{}, ErrUnknownPrincipal
	}
	if _, ok := s.records[id]; !ok {
		return AccessEvent{}, ErrRecordNotFound
	}
	if actor == "" {
		actor = caller
	}

	ev := AccessEvent{
		Actor:    actor,
		RecordID: id,
		Success:  success,
		Action:   action,
		At:       s.now().UTC(),
	}
	s.logs[id] = append(s.logs[id], ev)
	s.emit(EventAccessLogged, id, caller, map[string]string{
		"actor":   string(actor),
		"action":  action,
		"success": strconv.FormatBool(success),
	})
	return ev, nil
}

func (s *InMemory) GetLog(ctx context.Context, id RecordID) ([]AccessEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.records[id]; !ok {
		return nil, ErrRecordNotFound
	}
	out := make([]AccessEvent, len(s.logs[id]))
	copy(out, s.logs[id])
	return out, nil
}

func (s *InMemory) ListEvents(ctx context.Context, limit int, afterSeq uint64) ([]Event, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Event
	var last uint64
	for _, ev := range s.events {
		if ev.Sequence <= afterSeq {
			continue
		}
		res = append(res, ev)
		last = ev.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// pendingRequest loads a request and checks the owner-only, still-pending
// transition preconditions. Caller holds the write lock.
func (s *InMemory) pendingRequest(caller PrincipalID, requestID uint64) (AccessRequest, error) {
	if requestID >= uint64(len(s.requests)) {
		return AccessRequest{}, ErrRequestNotFound
	}
	req := s.requests[requestID]
	rec, ok := s.records[req.RecordID]
	if !ok {
		return AccessRequest{}, ErrRecordNotFound
	}
	if caller != rec.Owner {
		return AccessRequest{}, ErrNotOwner
	}
	if req.Processed {
		return AccessRequest{}, ErrRequestAlreadyProcessed
	}
	return req, nil
}

// upsertGrant writes the (record, grantee) grant, last writer wins. Caller
// holds the write lock and has validated preconditions.
func (s *InMemory) upsertGrant(id RecordID, grantee, by PrincipalID, validUntil time.Time, scope Scope, now time.Time) AccessGrant {
	g := AccessGrant{
		RecordID:   id,
		Grantee:    grantee,
		Active:     true,
		ValidUntil: validUntil,
		Scope:      scope,
		GrantedBy:  by,
		GrantedAt:  now,
	}
	s.grants[grantKey{record: id, grantee: grantee}] = g
	return g
}

func (s *InMemory) emit(t EventType, record RecordID, actor PrincipalID, fields map[string]string) {
	s.seq++
	ev := Event{
		ID:       ids.New(),
		Sequence: s.seq,
		Type:     t,
		RecordID: record,
		Actor:    actor,
		At:       s.now().UTC(),
		Fields:   fields,
	}
	s.events = append(s.events, ev)
	if s.sink != nil {
		s.sink.Publish(ev)
	}
}

func grantFields(g AccessGrant) map[string]string {
	f := map[string]string{
		"grantee": string(g.Grantee),
		"scope":   string(g.Scope),
	}
	if !g.ValidUntil.IsZero() {
		f["valid_until"] = g.ValidUntil.Format(time.RFC3339)
	}
	return f
}
