package devserver

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"portalsync/cmd/internal/ids"
)

var (
	// ErrInvalidRefresh is returned for unknown, expired or already rotated refresh tokens.
	ErrInvalidRefresh = errors.New("devserver: invalid refresh token")
	// ErrInvalidAccess is returned for access tokens that fail verification.
	ErrInvalidAccess = errors.New("devserver: invalid access token")
)

const refreshTokenBytes = 32

type accessClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type tokenPair struct {
	Access  string
	Refresh string
}

type refreshRow struct {
	userID    string
	expiresAt time.Time
}

// tokenIssuer signs HS256 access tokens and keeps single-use opaque refresh
// tokens. Refresh tokens are stored as HMAC-SHA256 digests only.
type tokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time

	mu      sync.Mutex
	refresh map[string]refreshRow
}

func newTokenIssuer(secret []byte, accessTTL, refreshTTL time.Duration, now func() time.Time) *tokenIssuer {
	return &tokenIssuer{
		secret:     secret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        now,
		refresh:    make(map[string]refreshRow),
	}
}

func (t *tokenIssuer) issue(acc Account) (tokenPair, error) {
	now := t.now()
	claims := accessClaims{
		Role: acc.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ids.New(now),
			Subject:   acc.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return tokenPair{}, fmt.Errorf("sign access token: %w", err)
	}

	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return tokenPair{}, fmt.Errorf("refresh token: %w", err)
	}
	plain := base64.RawURLEncoding.EncodeToString(b)

	t.mu.Lock()
	t.refresh[t.digest(plain)] = refreshRow{userID: acc.ID, expiresAt: now.Add(t.refreshTTL)}
	t.mu.Unlock()

	return tokenPair{Access: access, Refresh: plain}, nil
}

// consume redeems a refresh token exactly once and returns its user id.
func (t *tokenIssuer) consume(plain string) (string, error) {
	key := t.digest(plain)

	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.refresh[key]
	if !ok {
		return "", ErrInvalidRefresh
	}
	delete(t.refresh, key)
	if !t.now().Before(row.expiresAt) {
		return "", ErrInvalidRefresh
	}
	return row.userID, nil
}

// revokeUser drops every refresh token of userID.
func (t *tokenIssuer) revokeUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, row := range t.refresh {
		if row.userID == userID {
			delete(t.refresh, k)
		}
	}
}

func (t *tokenIssuer) verify(access string) (accessClaims, error) {
	var claims accessClaims
	_, err := jwt.ParseWithClaims(access, &claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return accessClaims{}, fmt.Errorf("%w: %w", ErrInvalidAccess, err)
	}
	if claims.Subject == "" {
		return accessClaims{}, ErrInvalidAccess
	}
	return claims, nil
}

func (t *tokenIssuer) digest(plain string) string {
	m := hmac.New(sha256.New, t.secret)
	_, _ = m.Write([]byte(plain))
	return hex.EncodeToString(m.Sum(nil))
}
