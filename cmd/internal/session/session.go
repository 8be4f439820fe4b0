package session

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Tokens is the access/refresh token pair.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// UserSummary carries the identity fields needed for authorization decisions.
// Owned by Store; every other component treats it as read-only.
type UserSummary struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	AccountType string `json:"accountType,omitempty"`
	Locale      string `json:"locale,omitempty"`
	Email       string `json:"email,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Session is either empty (both nil) or complete (both set).
type Session struct {
	Tokens *Tokens      `json:"tokens,omitempty"`
	User   *UserSummary `json:"user,omitempty"`
}

// Empty reports whether no session is held.
func (s Session) Empty() bool {
	return s.Tokens == nil || s.User == nil
}

// UserID returns the session user id or "".
func (s Session) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

// AccessToken returns the access token or "".
func (s Session) AccessToken() string {
	if s.Tokens == nil {
		return ""
	}
	return s.Tokens.AccessToken
}

// RefreshToken returns the refresh token or "".
func (s Session) RefreshToken() string {
	if s.Tokens == nil {
		return ""
	}
	return s.Tokens.RefreshToken
}

// Locale returns the user's locale preference or "".
func (s Session) Locale() string {
	if s.User == nil {
		return ""
	}
	return s.User.Locale
}

// AccessExpiry reads the exp claim of a JWT access token without verifying
// it. Used for diagnostics only; the server remains the authority.
func (s Session) AccessExpiry() (time.Time, bool) {
	tok := s.AccessToken()
	if tok == "" {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// valid reports whether a persisted copy is usable.
func (s Session) valid() bool {
	return s.Tokens != nil && s.User != nil &&
		strings.TrimSpace(s.Tokens.AccessToken) != "" &&
		strings.TrimSpace(s.User.ID) != ""
}

func (s Session) clone() Session {
	var out Session
	if s.Tokens != nil {
		t := *s.Tokens
		out.Tokens = &t
	}
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	return out
}

// LoginTokens accepts both naming conventions for the token pair.
type LoginTokens struct {
	AccessToken       string `json:"accessToken,omitempty"`
	RefreshToken      string `json:"refreshToken,omitempty"`
	AccessTokenSnake  string `json:"access_token,omitempty"`
	RefreshTokenSnake string `json:"refresh_token,omitempty"`
}

func (t LoginTokens) pick() Tokens {
	return Tokens{
		AccessToken:  firstNonEmpty(t.AccessToken, t.AccessTokenSnake),
		RefreshToken: firstNonEmpty(t.RefreshToken, t.RefreshTokenSnake),
	}
}

// LoginResult is a sign-in or refresh response as the backend sends it.
// Tokens may be flat or nested under "tokens", in camelCase or snake_case.
// User is absent in refresh responses.
type LoginResult struct {
	LoginTokens
	Tokens *LoginTokens `json:"tokens,omitempty"`
	User   *UserSummary `json:"user,omitempty"`
}

// Normalize returns the canonical token pair and the user (may be nil).
func (r LoginResult) Normalize() (Tokens, *UserSummary, error) {
	t := r.LoginTokens.pick()
	if r.Tokens != nil {
		nested := r.Tokens.pick()
		t.AccessToken = firstNonEmpty(nested.AccessToken, t.AccessToken)
		t.RefreshToken = firstNonEmpty(nested.RefreshToken, t.RefreshToken)
	}
	t.AccessToken = strings.TrimSpace(t.AccessToken)
	t.RefreshToken = strings.TrimSpace(t.RefreshToken)

	if t.AccessToken == "" {
		return Tokens{}, nil, ErrMissingAccessToken
	}

	var user *UserSummary
	if r.User != nil && strings.TrimSpace(r.User.ID) != "" {
		u := *r.User
		user = &u
	}
	return t, user, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
