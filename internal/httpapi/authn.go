package httpapi

import (
	"net/http"
	"strings"
	"time"

	"careledger.org/internal/auth"
	"careledger.org/internal/consent"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	defaultTokenTTL = time.Hour
	maxTokenTTL     = 24 * time.Hour
)

var publicPaths = []string{
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// withAuth resolves the caller principal from a bearer token and attaches it
// to the request context. Everything outside the public list requires a
// valid token.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		caller := auth.Caller{
			Principal: consent.PrincipalID(claims.Subject),
			Role:      consent.Role(claims.Role),
		}
		next.ServeHTTP(w, r.WithContext(auth.ContextWithCaller(r.Context(), caller)))
	})
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	if !strings.HasPrefix(header, bearer) {
		return "", errMalformedToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearer))
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}

var (
	errMissingToken   = &authError{"authorization token is required"}
	errMalformedToken = &authError{"authorization header must use the Bearer scheme"}
)

type authError struct{ msg string }

func (e *authError) Error() string { return e.msg }

type tokenRequest struct {
	Principal  string `json:"principal"`
	Role       string `json:"role"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleToken mints a development token binding a principal id to a role.
// Deployments fronted by a real identity provider disable this route.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Principal) == "" {
		writeError(w, r, http.StatusBadRequest, "principal is required")
		return
	}

	ttl := defaultTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
		if ttl > maxTokenTTL {
			ttl = maxTokenTTL
		}
	}

	token, err := auth.GenerateToken(consent.PrincipalID(req.Principal), consent.Role(req.Role), ttl)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(ttl),
	})
}
