package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"careledger.org/internal/auth"
	"careledger.org/internal/consent"
	"careledger.org/internal/obs"
)

type registerPrincipalRequest struct {
	Principal string `json:"principal"`
	Role      string `json:"role"`
}

type createRecordRequest struct {
	Locator string `json:"locator"`
	Owner   string `json:"owner,omitempty"`
}

type grantRequest struct {
	Grantee    string     `json:"grantee"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
	Scope      string     `json:"scope"`
}

type requestAccessRequest struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

type emergencyAccessRequest struct {
	JustificationHash string `json:"justification_hash"`
	ValidForSeconds   int64  `json:"valid_for_seconds"`
}

type logAccessRequest struct {
	Actor   string `json:"actor,omitempty"`
	Success bool   `json:"success"`
	Action  string `json:"action"`
}

type authorizationResponse struct {
	RecordID   consent.RecordID    `json:"record_id"`
	Principal  consent.PrincipalID `json:"principal"`
	Authorized bool                `json:"authorized"`
}

type listEventsResponse struct {
	Items     []consent.Event `json:"items"`
	NextAfter uint64          `json:"next_after"`
	AsOf      time.Time       `json:"as_of"`
}

// requireCaller pulls the resolved principal off the context. withAuth has
// already rejected unauthenticated requests for non-public paths.
func (a *API) requireCaller(w http.ResponseWriter, r *http.Request) (consent.PrincipalID, bool) {
	caller, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "caller identity missing")
		return "", false
	}
	return caller, true
}

func (a *API) handlePrincipals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.requireCaller(w, r)
	if !ok {
		return
	}
	var req registerPrincipalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := consent.ParseRole(req.Role)
	if err != nil {
		a.observe("register", err)
		handleConsentError(w, r, err)
		return
	}

	p, err := a.ledger.RegisterPrincipal(r.Context(), caller, consent.PrincipalID(req.Principal), role)
	if err != nil {
		a.observe("register", err)
		handleConsentError(w, r, err)
		return
	}
	a.observe("register", nil)
	a.audit(r.Context(), "consent.principal.register", "principal", string(p.ID), map[string]string{
		"role": string(p.Role),
	})
	w.Header().Set("Location", "/v1/principals/"+string(p.ID))
	writeJSON(w, http.StatusCreated, p)
}

// handlePrincipalResource serves GET /v1/principals/{id}.
func (a *API) handlePrincipalResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/principals/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	p, err := a.ledger.GetPrincipal(r.Context(), consent.PrincipalID(id))
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) handleRecordsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.requireCaller(w, r)
	if !ok {
		return
	}
	var req createRecordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := a.ledger.CreateRecord(r.Context(), caller, req.Locator, consent.PrincipalID(req.Owner))
	if err != nil {
		a.observe("create_record", err)
		handleConsentError(w, r, err)
		return
	}
	a.observe("create_record", nil)
	a.audit(r.Context(), "consent.record.create", "record", string(rec.ID), map[string]string{
		"owner": string(rec.Owner),
	})
	w.Header().Set("Location", "/v1/records/"+string(rec.ID))
	writeJSON(w, http.StatusCreated, rec)
}

// handleRecordResource routes /v1/records/{id}[/...] by suffix, the same way
// account sub-resources are dispatched elsewhere in this layer.
func (a *API) handleRecordResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/records/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	parts := strings.Split(path, "/")
	id := consent.RecordID(parts[0])

	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getRecord(w, r, id)
	case len(parts) == 2 && parts[1] == "locator":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getLocator(w, r, id)
	case len(parts) == 2 && parts[1] == "authorization":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getAuthorization(w, r, id)
	case len(parts) == 2 && parts[1] == "grants":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.createGrant(w, r, id)
	case len(parts) == 3 && parts[1] == "grants":
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		a.revokeGrant(w, r, id, consent.PrincipalID(parts[2]))
	case len(parts) == 2 && parts[1] == "emergency-access":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.emergencyAccess(w, r, id)
	case len(parts) == 2 && parts[1] == "log":
		switch r.Method {
		case http.MethodPost:
			a.logAccess(w, r, id)
		case http.MethodGet:
			a.getLog(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getRecord(w http.ResponseWriter, r *http.Request, id consent.RecordID) {
	rec, err := a.ledger.GetRecord(r.Context(), id)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) getLocator(w http.ResponseWriter, r *http.Request, id consent.RecordID) {
	locator, err := a.ledger.GetLocator(r.Context(), id)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"locator": locator})
}

func (a *API) getAuthorization(w http.ResponseWriter, r *http.Request, id consent.RecordID) {
	principal := consent.PrincipalID(r.URL.Query().Get("principal"))
	if principal == "" {
		if caller, ok := auth.PrincipalFromContext(r.Context()); ok {
			principal = caller
		}
	}
	if principal == "" {
		writeError(w, r, http.StatusBadRequest, "principal query parameter is required")
		return
	}
	authorized, err := a.ledger.IsAuthorized(r.Context(), id, principal)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authorizationResponse{
		RecordID:   id,
		Principal:  principal,
		Authorized: authorized,
	})
}

func (a *API) createGrant(w http.ResponseWriter, r *http.Request, id consent.RecordID) {
	caller, ok := a.requireCaller(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var validUntil time.Time
	if req.ValidUntil != nil {
		validUntil = *req.ValidUntil
	}

	g, err := a.ledger.Grant(r.Context(), caller, id, consent.PrincipalID(req.Grantee), validUntil, consent.Scope(req.Scope))
	if err != nil {
		a.observe("grant", err)
		handleConsentError(w, r, err)
		return
	}
	a.observe("grant", nil)
	a.audit(r.Context(), "consent.grant.create", "record", string(id), map[string]string{
		"grantee": string(g.Grantee),
		"scope":   string(g.Scope),
	})
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) revokeGrant(w http.ResponseWriter, r *http.Request, id consent.RecordID, grantee consent.PrincipalID) {
	caller, ok := a.requireCaller(w, r)
	if !ok {
		return
	}
	g, err := a.ledger.Revoke(r.Context(), caller, id, grantee)
	if err != nil {
		a.observe("revoke", err)
		handleConsentError(w, r, err)
		return
	}
	a.observe("revoke", nil)
	a.audit(r.Context(), "consent.grant.revoke", "record", string(id), map[string]string{
		"grantee": string(grantee),
	})
	writeJSON(w, http.StatusOK, g)
}

func (a *API) emergencyAccess(w http.ResponseWriter, r *http.Request, id consent.RecordID) {
	caller, ok := a.requireCaller(w, r)
	if !ok {
		return
	}
	var req emergencyAccessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	g, err := a.ledger.EmergencyAccess(r.Context(), caller, id, req.JustificationHash, time.Duration(req.ValidForSeconds)*time.Second)
	if err != nil {
		a.observe("emergency_access", err)
		handleConsentError(w, r, err)
		return
	}
	a.observe("emergency_access", nil)
	a.audit(r.Context(), "consent.grant.emergency", "record", string(id), map[string]string{
		"justification_hash": req.JustificationHash,
	})
	writeJSON(w, http.StatusCreated, g)
}

func (a *API) logAccess(w http.ResponseWriter, r *http.Request, id consent.RecordID) {
	caller, ok := a.requireCaller(w, r)
	if !ok {
		return
	}
	var req logAccessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ev, err := a.ledger.LogAccess(r.Context(), caller, id, consent.PrincipalID(req.Actor), req.Success, req.Action)
	if err != nil {
		a.observe("log_access", err)
		handleConsentError(w, r, err)
		return
	}
	a.observe("log_access", nil)
	writeJSON(w, http.StatusCreated, ev)
}

func (a *API) getLog(w http.ResponseWriter, r *http.Request, id consent.RecordID) {
	log, err := a.ledger.GetLog(r.Context(), id)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record_id": id,
		"events":    log,
	})
}

func (a *API) handleRequestsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.requireCaller(w, r)
	if !ok {
		return
	}
	var req requestAccessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	created, err := a.ledger.RequestAccess(r.Context(), caller, consent.RecordID(req.RecordID), req.Reason)
	if err != nil {
		a.observe("request_access", err)
		handleConsentError(w, r, err)
		return
	}
	a.observe("request_access", nil)
	a.audit(r.Context(), "consent.request.create", "request", strconv.FormatUint(created.ID, 10), map[string]string{
		"record": req.RecordID,
	})
	w.Header().Set("Location", "/v1/requests/"+strconv.FormatUint(created.ID, 10))
	writeJSON(w, http.StatusCreated, created)
}

// handleRequestResource routes /v1/requests/{id}[/approve|/deny].
func (a *API) handleRequestResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	parts := strings.Split(path, "/")
	if path == "" || len(parts) > 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	requestID, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "request id must be a non-negative integer")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		req, err := a.ledger.GetRequest(r.Context(), requestID)
		if err != nil {
			handleConsentError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	caller, ok := a.requireCaller(w, r)
	if !ok {
		return
	}

	switch parts[1] {
	case "approve":
		req, err := a.ledger.Approve(r.Context(), caller, requestID)
		if err != nil {
			a.observe("approve", err)
			handleConsentError(w, r, err)
			return
		}
		a.observe("approve", nil)
		a.audit(r.Context(), "consent.request.approve", "request", parts[0], map[string]string{
			"record": string(req.RecordID),
		})
		writeJSON(w, http.StatusOK, req)
	case "deny":
		req, err := a.ledger.Deny(r.Context(), caller, requestID)
		if err != nil {
			a.observe("deny", err)
			handleConsentError(w, r, err)
			return
		}
		a.observe("deny", nil)
		a.audit(r.Context(), "consent.request.deny", "request", parts[0], map[string]string{
			"record": string(req.RecordID),
		})
		writeJSON(w, http.StatusOK, req)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRequestCount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	n, err := a.ledger.RequestCount(r.Context())
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"count": n})
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); strings.TrimSpace(raw) != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, r, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}
	var after uint64
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	items, next, err := a.ledger.ListEvents(r.Context(), limit, after)
	if err != nil {
		handleConsentError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listEventsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func (a *API) observe(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "abort"
	}
	obs.ObserveOperation(op, outcome)
}
