package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type authContextKey struct{}

const (
	roleDevice   = "device"
	roleOperator = "operator"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	Role       string
	TenantID   string
	OperatorID string
	Name       string
}

// OperatorClaims is the payload of an operator access token.
type OperatorClaims struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type AuthConfig struct {
	TenantID    string
	DeviceToken string
	JWTSecret   string
	JWTIssuer   string
}

type Authenticator struct {
	tenantID    string
	deviceToken []byte
	jwtSecret   []byte
	jwtIssuer   string
}

var (
	errMissingCredentials = errors.New("missing credentials")
	errInvalidCredentials = errors.New("invalid credentials")
	errTenantMismatch     = errors.New("token issued for another tenant")
)

func NewAuthenticator(cfg AuthConfig) *Authenticator {
	return &Authenticator{
		tenantID:    cfg.TenantID,
		deviceToken: []byte(cfg.DeviceToken),
		jwtSecret:   []byte(cfg.JWTSecret),
		jwtIssuer:   cfg.JWTIssuer,
	}
}

// Authenticate accepts the device token or an operator JWT, from the
// Authorization header or, for clients that cannot set headers, ?token=.
func (a *Authenticator) Authenticate(r *http.Request) (Principal, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return Principal{}, errMissingCredentials
	}
	if len(a.deviceToken) > 0 && subtle.ConstantTimeCompare([]byte(token), a.deviceToken) == 1 {
		return Principal{Role: roleDevice, TenantID: a.tenantID}, nil
	}
	return a.parseOperator(token)
}

func (a *Authenticator) parseOperator(token string) (Principal, error) {
	if len(a.jwtSecret) == 0 {
		return Principal{}, errInvalidCredentials
	}
	options := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.jwtIssuer != "" {
		options = append(options, jwt.WithIssuer(a.jwtIssuer))
	}
	claims := &OperatorClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}, options...)
	if err != nil || !parsed.Valid {
		return Principal{}, errInvalidCredentials
	}
	if claims.TenantID == "" || claims.Subject == "" {
		return Principal{}, errInvalidCredentials
	}
	if claims.TenantID != a.tenantID {
		return Principal{}, errTenantMismatch
	}
	return Principal{
		Role:       roleOperator,
		TenantID:   claims.TenantID,
		OperatorID: claims.Subject,
		Name:       claims.Name,
	}, nil
}

// require wraps next so it only runs for callers holding one of roles.
func (h *Handler) require(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := h.auth.Authenticate(r)
		switch {
		case errors.Is(err, errMissingCredentials):
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing Authorization header")
			return
		case errors.Is(err, errTenantMismatch):
			writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "tenant access denied")
			return
		case err != nil:
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		if !contains(roles, principal.Role) {
			writeError(w, requestIDFromRequest(r), http.StatusForbidden, "access_denied", "insufficient permissions")
			return
		}
		if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
			info.tenantID = principal.TenantID
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, principal)
		next(w, r.WithContext(ctx))
	}
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(authContextKey{}).(Principal)
	return principal, ok
}

func contains(values []string, value string) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}

func requestIDFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Request-ID"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
