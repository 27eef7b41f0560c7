// Package auth verifies the bearer tokens issued by the account service so
// the push channel and the HTTP endpoints know which user is calling.
package auth

import (
	"net/http"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var (
	// ErrNoToken means the request carried no bearer token.
	ErrNoToken = errors.New("not authorized, no token")
	// ErrInvalidToken means the token failed verification or names no user.
	ErrInvalidToken = errors.New("not authorized, invalid token")
)

// userClaim is the claim holding the user id, as issued by the account service.
const userClaim = "id"

// Verifier resolves a token to the user id it was issued for.
type Verifier interface {
	Verify(token string) (string, error)
}

// JWTVerifier checks HMAC-SHA256 signed tokens.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

// NewJWTVerifier returns a verifier for tokens signed with secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

// Verify parses token and returns its user id. Tokens signed with any
// algorithm other than HS256 are rejected.
func (v *JWTVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}

	claims := jwtlib.MapClaims{}
	parsed, err := jwtlib.ParseWithClaims(token, claims, func(t *jwtlib.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	if !parsed.Valid {
		return "", ErrInvalidToken
	}

	userID, _ := claims[userClaim].(string)
	if userID == "" {
		return "", errors.Wrap(ErrInvalidToken, "no user id in token")
	}
	return userID, nil
}

// Sign issues a token for userID valid for ttl. The delivery server never
// issues tokens itself; the command-line client uses Sign to mint a local
// development token when given the shared secret.
func Sign(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtlib.MapClaims{
		userClaim: userID,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the token query parameter that browsers must use for
// WebSocket upgrades.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
