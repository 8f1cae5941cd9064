package auth

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/Chiesa14/erc-system-sub000/internal/types"
	"github.com/golang-jwt/jwt"
)

const (
	userIdClaim  = "user-id"
	subjectClaim = "sub"
)

// TokenSource supplies the bearer token for REST and push calls.
type TokenSource interface {
	Token() (string, error)
}

// Identity is a token source that knows whose token it holds.
type Identity interface {
	TokenSource
	UserId() int
}

// Credentials holds the token handed over by the portal's auth layer. It
// is passed explicitly to every component so sessions stay isolated.
type Credentials struct {
	mu     sync.RWMutex
	token  string
	userId int
}

// NewCredentials stores token and resolves the user id. A userId of 0 is
// read from the token's "user-id" or "sub" claim.
func NewCredentials(token string, userId int) (*Credentials, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return nil, types.ErrAuthMissing
	}

	if userId == 0 {
		id, err := UserIdFromToken(token)
		if err != nil {
			return nil, err
		}
		userId = id
	}

	return &Credentials{token: token, userId: userId}, nil
}

func (c *Credentials) Token() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.token == "" {
		return "", types.ErrAuthMissing
	}
	return c.token, nil
}

func (c *Credentials) UserId() int {
	return c.userId
}

// Revoke drops the token, e.g. on logout. Later calls fail with
// ErrAuthMissing.
func (c *Credentials) Revoke() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
}

// UserIdFromToken reads the user id claim without verifying the
// signature; verification is the server's job.
func UserIdFromToken(tokenString string) (int, error) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(tokenString, claims); err != nil {
		return 0, fmt.Errorf("parse token: %w", err)
	}

	for _, key := range []string{userIdClaim, subjectClaim} {
		switch v := claims[key].(type) {
		case float64:
			if v > 0 {
				return int(v), nil
			}
		case string:
			if id, err := strconv.Atoi(v); err == nil && id > 0 {
				return id, nil
			}
		}
	}

	return 0, fmt.Errorf("invalid user id claim")
}
