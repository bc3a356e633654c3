package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors returned by Authorize. Callers map these to HTTP 401.
var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Claims are the JWT claims contractops issues and accepts. Subject carries
// the numeric user id as a string.
type Claims struct {
	jwt.RegisteredClaims
	Username  string `json:"username,omitempty"`
	TokenType string `json:"type,omitempty"`
}

// Authorizer resolves connection credentials to user identities.
type Authorizer struct {
	secret         []byte
	allowAnonymous bool
	now            func() time.Time
}

// New creates an Authorizer. secret is the HMAC key access tokens are signed
// with; allowAnonymous admits tokenless connections as user id 0.
func New(secret []byte, allowAnonymous bool) *Authorizer {
	return &Authorizer{
		secret:         secret,
		allowAnonymous: allowAnonymous,
		now:            time.Now,
	}
}

// Authorize resolves the request's bearer token to a user id. The contract id
// is accepted for future per-contract ACL checks; today any valid identity
// may join any contract room.
func (a *Authorizer) Authorize(r *http.Request, contractID int64) (int64, error) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		if a.allowAnonymous {
			return 0, nil
		}
		return 0, ErrMissingToken
	}

	claims, err := a.parse(token)
	if err != nil {
		return 0, err
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("%w: subject %q is not a user id", ErrInvalidToken, claims.Subject)
	}
	return userID, nil
}

func (a *Authorizer) parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return a.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType != "access" {
		return nil, fmt.Errorf("%w: token type %q is not an access token", ErrInvalidToken, claims.TokenType)
	}
	return claims, nil
}

// Issue mints a signed access token for the user. Production tokens come
// from the platform's auth service; this exists for tests and ops tooling.
func (a *Authorizer) Issue(userID int64, username string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username:  username,
		TokenType: "access",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
