package consent

import "errors"

// Abort reasons. Every state-changing operation either commits fully or
// aborts with exactly one of these; callers can rely on errors.Is to map
// them to precise user-facing failures.
var (
	ErrNotAdmin                = errors.New("caller is not the administrator")
	ErrAlreadyRegistered       = errors.New("principal already registered")
	ErrUnknownPrincipal        = errors.New("principal not registered")
	ErrInvalidRole             = errors.New("invalid role")
	ErrRecordNotFound          = errors.New("record not found")
	ErrRecordCollision         = errors.New("record id already exists")
	ErrNotOwner                = errors.New("caller is not the record owner")
	ErrInvalidGrantee          = errors.New("grantee is not a registered provider")
	ErrGrantNotActive          = errors.New("grant is not active")
	ErrInvalidExpiry           = errors.New("expiry must be in the future")
	ErrRequestAlreadyProcessed = errors.New("request already processed")
	ErrUnauthorized            = errors.New("caller is not authorized for this operation")

	ErrInvalidLocator        = errors.New("locator is required")
	ErrInvalidScope          = errors.New("scope is reserved or missing")
	ErrJustificationRequired = errors.New("justification hash is required")
	ErrRequestNotFound       = errors.New("request not found")
)
