package jwt

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/imtaco/peer-connect/internal/errors"
)

const (
	DefaultUserTTL = 24 * time.Hour
	DefaultRoomTTL = 10 * time.Minute
)

type Option func(*jwtAuthImpl)

// WithTTL sets the lifetime of user and room tokens. Zero keeps the default.
func WithTTL(user, room time.Duration) Option {
	return func(j *jwtAuthImpl) {
		if user > 0 {
			j.userTTL = user
		}
		if room > 0 {
			j.roomTTL = room
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(j *jwtAuthImpl) {
		j.clock = clock
	}
}

// NewAuth creates a new JWT authenticator with HS256 algorithm (default)
func NewAuth(secret string, opts ...Option) Auth {
	return NewAuthWithAlgorithm(secret, jwt.SigningMethodHS256, opts...)
}

// NewAuthWithAlgorithm creates a new JWT authenticator with specified algorithm
// Supported algorithms: HS256, HS384, HS512
func NewAuthWithAlgorithm(secret string, method jwt.SigningMethod, opts ...Option) Auth {
	j := &jwtAuthImpl{
		secret:        []byte(secret),
		signingMethod: method,
		allowedMethods: map[string]bool{
			method.Alg(): true,
		},
		userTTL: DefaultUserTTL,
		roomTTL: DefaultRoomTTL,
		clock:   clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

type jwtAuthImpl struct {
	secret         []byte
	signingMethod  jwt.SigningMethod
	allowedMethods map[string]bool
	userTTL        time.Duration
	roomTTL        time.Duration
	clock          clockwork.Clock
}

// Sign creates an identity token for the given user
func (j *jwtAuthImpl) Sign(userID string) (string, error) {
	if userID == "" {
		return "", errors.New(ErrInvalidRequest, "userID is required")
	}
	token, _, err := j.sign(&Payload{UserID: userID, Scope: ScopeUser}, j.userTTL)
	return token, err
}

// SignRoom creates a short-lived media token bound to user and room
func (j *jwtAuthImpl) SignRoom(userID, roomID string) (string, time.Time, error) {
	if userID == "" || roomID == "" {
		return "", time.Time{}, errors.New(ErrInvalidRequest, "userID and roomID are required")
	}
	return j.sign(&Payload{UserID: userID, RoomID: roomID, Scope: ScopeRoom}, j.roomTTL)
}

func (j *jwtAuthImpl) sign(claims *Payload, ttl time.Duration) (string, time.Time, error) {
	now := j.clock.Now()
	expiresAt := now.Add(ttl)
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)

	token := jwt.NewWithClaims(j.signingMethod, claims)
	signed, err := token.SignedString(j.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify verifies a JWT token with strict algorithm validation
func (j *jwtAuthImpl) Verify(tokenString string) (*Payload, error) {
	if tokenString == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Payload{}, func(token *jwt.Token) (any, error) {
		// Strictly validate the algorithm matches what we expect
		alg := token.Method.Alg()
		if !j.allowedMethods[alg] {
			return nil, errors.Newf(
				ErrInvalidToken,
				"unexpected signing method: %s (expected: %s)",
				alg, j.signingMethod.Alg(),
			)
		}
		return j.secret, nil
	}, jwt.WithTimeFunc(j.clock.Now))

	if err != nil {
		return nil, errors.Wrap(ErrInvalidToken, err, "fail to parse token")
	}

	claims, ok := token.Claims.(*Payload)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	switch {
	case claims.UserID == "":
		return nil, errors.New(ErrInvalidToken, "missing required fields in token")
	case claims.Scope == ScopeRoom && claims.RoomID == "":
		return nil, errors.New(ErrInvalidToken, "missing required fields in token")
	case claims.Scope != ScopeUser && claims.Scope != ScopeRoom:
		return nil, errors.Newf(ErrInvalidToken, "unknown token scope %q", claims.Scope)
	}
	return claims, nil
}
