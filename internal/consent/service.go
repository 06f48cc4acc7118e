package consent

import (
	"context"
	"time"
)

// DefaultApprovalValidity is the validity window of the grant created as a
// side effect of approving an access request.
const DefaultApprovalValidity = 24 * time.Hour

// Service defines the consent ledger operations. Every mutation takes the
// acting principal explicitly; the ledger never infers identity on its own.
// Mutations are atomic: they fully apply or abort with no state change.
type Service interface {
	// RegisterPrincipal adds an identity to the registry. Administrator only.
	RegisterPrincipal(ctx context.Context, caller, id PrincipalID, role Role) (Principal, error)
	GetPrincipal(ctx context.Context, id PrincipalID) (Principal, error)

	// CreateRecord registers a pointer to off-chain content. Patients create
	// their own records; auditors may act as registrar for a named patient
	// owner. An empty owner means the caller owns the record.
	CreateRecord(ctx context.Context, caller PrincipalID, locator string, owner PrincipalID) (Record, error)
	GetRecord(ctx context.Context, id RecordID) (Record, error)
	GetLocator(ctx context.Context, id RecordID) (string, error)

	// Grant upserts a time- and scope-bounded authorization for a provider.
	// Record owner only. A zero validUntil means no expiry; otherwise it
	// must lie strictly in the future.
	Grant(ctx context.Context, caller PrincipalID, id RecordID, grantee PrincipalID, validUntil time.Time, scope Scope) (AccessGrant, error)

	// Revoke deactivates an active grant. Record owner only. Revocation is
	// unconditional; an expired grant can still be revoked.
	Revoke(ctx context.Context, caller PrincipalID, id RecordID, grantee PrincipalID) (AccessGrant, error)

	// IsAuthorized is the authorization oracle: false for unknown records,
	// otherwise active && (no expiry || now <= validUntil). Pure read.
	IsAuthorized(ctx context.Context, id RecordID, principal PrincipalID) (bool, error)

	// RequestAccess appends a pending request. Registered providers only.
	RequestAccess(ctx context.Context, caller PrincipalID, id RecordID, reason string) (AccessRequest, error)

	// Approve marks a pending request approved and atomically upserts a
	// grant for (record, requester) with the default validity and scope.
	Approve(ctx context.Context, caller PrincipalID, requestID uint64) (AccessRequest, error)

	// Deny marks a pending request denied. No grant side effect.
	Deny(ctx context.Context, caller PrincipalID, requestID uint64) (AccessRequest, error)
	GetRequest(ctx context.Context, requestID uint64) (AccessRequest, error)
	RequestCount(ctx context.Context) (uint64, error)

	// EmergencyAccess upserts a grant for the caller without owner consent,
	// valid for the given duration, carrying the reserved empty scope. The
	// justification hash is mandatorily logged on a distinguished event;
	// the audit trail, not a gate, is the control.
	EmergencyAccess(ctx context.Context, caller PrincipalID, id RecordID, justificationHash string, validFor time.Duration) (AccessGrant, error)

	// LogAccess appends a claimed access attempt to the record's audit
	// trail. The claim is recorded, not verified; failed attempts are
	// first-class. An empty actor defaults to the caller.
	LogAccess(ctx context.Context, caller PrincipalID, id RecordID, actor PrincipalID, success bool, action string) (AccessEvent, error)
	GetLog(ctx context.Context, id RecordID) ([]AccessEvent, error)

	// ListEvents pages through the global feed of committed mutations.
	ListEvents(ctx context.Context, limit int, afterSeq uint64) ([]Event, uint64, error)
}

// EventSink receives committed events. Publish must not block; the in-memory
// ledger calls it while holding its lock.
type EventSink interface {
	Publish(Event)
}
