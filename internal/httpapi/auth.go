package httpapi

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/agentworkforce/relaydocs/internal/relaydocs"
	"github.com/golang-jwt/jwt/v5"
)

const tokenAudience = "relaydocs"

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type identityClaims struct {
	TenantID string `json:"tenant_id,omitempty"`
	Visitor  bool   `json:"visitor,omitempty"`
	Admin    bool   `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

func bearerToken(authHeader string) (string, bool) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	return raw, raw != ""
}

// authorizeBearer turns an identity token into the caller's Identity.
func authorizeBearer(authHeader, jwtSecret string, now time.Time) (relaydocs.Identity, *authError) {
	raw, ok := bearerToken(authHeader)
	if !ok {
		return relaydocs.Identity{}, &authError{
			status:  401,
			code:    "unauthorized",
			message: "missing or invalid bearer token",
		}
	}
	return parseIdentityToken(raw, jwtSecret, now)
}

func parseIdentityToken(raw, jwtSecret string, now time.Time) (relaydocs.Identity, *authError) {
	claims := &identityClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return relaydocs.Identity{}, &authError{status: 401, code: "unauthorized", message: "token expired"}
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return relaydocs.Identity{}, &authError{status: 401, code: "unauthorized", message: "invalid aud claim"}
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return relaydocs.Identity{}, &authError{status: 401, code: "unauthorized", message: "jwt signature mismatch"}
		default:
			return relaydocs.Identity{}, &authError{status: 401, code: "unauthorized", message: "invalid token"}
		}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return relaydocs.Identity{}, &authError{status: 401, code: "unauthorized", message: "missing sub claim"}
	}
	return relaydocs.Identity{
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
		Visitor:  claims.Visitor,
		Admin:    claims.Admin,
	}, nil
}

// IssueIdentityToken signs an identity token accepted by the server.
func IssueIdentityToken(secret string, id relaydocs.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := identityClaims{
		TenantID: id.TenantID,
		Visitor:  id.Visitor,
		Admin:    id.Admin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type trackClaims struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	jwt.RegisteredClaims
}

// parseTrackToken verifies a callback token from the external editor. The
// event is either wrapped in a payload claim or makes up the whole claim set.
func parseTrackToken(raw, secret string, now time.Time) ([]byte, error) {
	keyFunc := func(*jwt.Token) (any, error) { return []byte(secret), nil }
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}

	wrapped := &trackClaims{}
	if _, err := jwt.ParseWithClaims(raw, wrapped, keyFunc, opts...); err != nil {
		return nil, err
	}
	if len(wrapped.Payload) > 0 && string(wrapped.Payload) != "null" {
		return wrapped.Payload, nil
	}

	flat := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, flat, keyFunc, opts...); err != nil {
		return nil, err
	}
	for _, reserved := range []string{"iat", "exp", "nbf"} {
		delete(flat, reserved)
	}
	return json.Marshal(flat)
}
