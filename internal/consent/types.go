package consent

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// PrincipalID identifies an identity known to the registry. Callers are
// resolved to a PrincipalID by the surrounding authentication layer before
// any operation reaches the ledger.
type PrincipalID string

// RecordID identifies an immutable pointer to off-chain content. It is
// derived deterministically from (creator, locator, created-at) so replays
// cannot silently overwrite an existing record.
type RecordID string

// Scope is an opaque tag partitioning what a grant nominally covers.
// The ledger stores it but does not interpret it.
type Scope string

const (
	// ScopeNone is reserved for emergency grants created without owner
	// consent. Ordinary grants must carry a non-empty scope.
	ScopeNone Scope = ""

	// ScopeTreatment is the default scope attached to grants created as a
	// side effect of approving an access request.
	ScopeTreatment Scope = "TREATMENT"
)

// Role classifies a principal. The set is closed; registration with any
// other value is rejected.
type Role string

const (
	RoleNone      Role = ""
	RolePatient   Role = "patient"
	RoleProvider  Role = "provider"
	RoleAuditor   Role = "auditor"
	RoleResponder Role = "responder"
)

// ValidRole reports whether r is a registrable role.
func ValidRole(r Role) bool {
	switch r {
	case RolePatient, RoleProvider, RoleAuditor, RoleResponder:
		return true
	case RoleNone:
		return false
	}
	return false
}

// ParseRole maps a wire-level role name onto the closed role set.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RolePatient:
		return RolePatient, nil
	case RoleProvider:
		return RoleProvider, nil
	case RoleAuditor:
		return RoleAuditor, nil
	case RoleResponder:
		return RoleResponder, nil
	}
	return RoleNone, fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Principal is a registered identity. Registration is add-only: there is no
// role reassignment or deregistration operation.
type Principal struct {
	ID           PrincipalID `json:"id"`
	Role         Role        `json:"role"`
	RegisteredAt time.Time   `json:"registered_at"`
}

// Record points at an encrypted blob held by the off-chain content store.
// Records are immutable after creation.
type Record struct {
	ID        RecordID    `json:"id"`
	Owner     PrincipalID `json:"owner"`
	Locator   string      `json:"locator"`
	CreatedAt time.Time   `json:"created_at"`
}

// AccessGrant is a (record, grantee) authorization. A zero ValidUntil means
// no expiry. Revocation flips Active but keeps the entry so the grant's
// prior parameters stay auditable.
type AccessGrant struct {
	RecordID   RecordID    `json:"record_id"`
	Grantee    PrincipalID `json:"grantee"`
	Active     bool        `json:"active"`
	ValidUntil time.Time   `json:"valid_until,omitempty"`
	Scope      Scope       `json:"scope"`
	GrantedBy  PrincipalID `json:"granted_by"`
	GrantedAt  time.Time   `json:"granted_at"`
}

// AuthorizedAt reports whether the grant admits access at instant t.
// Expiry comparison is inclusive: access holds through t == ValidUntil.
func (g AccessGrant) AuthorizedAt(t time.Time) bool {
	if !g.Active {
		return false
	}
	if g.ValidUntil.IsZero() {
		return true
	}
	return !t.After(g.ValidUntil)
}

// AccessRequest is one entry in the append-only request queue. Processed
// transitions exactly once, false to true; Approved is fixed afterwards.
type AccessRequest struct {
	ID        uint64      `json:"id"`
	Requester PrincipalID `json:"requester"`
	RecordID  RecordID    `json:"record_id"`
	Reason    string      `json:"reason"`
	CreatedAt time.Time   `json:"created_at"`
	Processed bool        `json:"processed"`
	Approved  bool        `json:"approved"`
}

// AccessEvent is an immutable entry in a record's audit trail. It records a
// caller's claim that an access of a given outcome occurred; the ledger does
// not verify the claim. The log is evidence, not enforcement.
type AccessEvent struct {
	Actor    PrincipalID `json:"actor"`
	RecordID RecordID    `json:"record_id"`
	Success  bool        `json:"success"`
	Action   string      `json:"action"`
	At       time.Time   `json:"at"`
}

// EventType names a committed mutation on the ledger's event feed.
type EventType string

const (
	EventPrincipalRegistered EventType = "principal.registered"
	EventRecordCreated       EventType = "record.created"
	EventGrantCreated        EventType = "grant.created"
	EventGrantRevoked        EventType = "grant.revoked"
	EventRequestCreated      EventType = "request.created"
	EventRequestApproved     EventType = "request.approved"
	EventRequestDenied       EventType = "request.denied"
	EventEmergencyAccess     EventType = "grant.emergency"
	EventAccessLogged        EventType = "access.logged"
)

// Event is one entry on the global, append-only feed of committed
// mutations. Sequence numbers are monotonic and gapless.
type Event struct {
	ID       string            `json:"id"`
	Sequence uint64            `json:"sequence"`
	Type     EventType         `json:"type"`
	RecordID RecordID          `json:"record_id,omitempty"`
	Actor    PrincipalID       `json:"actor"`
	At       time.Time         `json:"at"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// DeriveRecordID computes the deterministic record key for a creation
// attempt. Two calls with the same (creator, locator, timestamp) collide.
func DeriveRecordID(creator PrincipalID, locator string, at time.Time) RecordID {
	h := sha256.New()
	h.Write([]byte(creator))
	h.Write([]byte{0})
	h.Write([]byte(locator))
	h.Write([]byte{0})
	h.Write([]byte(fmt.Sprintf("%d", at.UnixNano())))
	return RecordID(hex.EncodeToString(h.Sum(nil)))
}
