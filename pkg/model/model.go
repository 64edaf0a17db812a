// Package model defines the data entities shared across the auth engine:
// User, TokenSet, SessionRecord, LastUserRecord, DiscoveryResult and the
// engine's configuration record. Ownership rules (which component may
// mutate which entity) live with the owning packages, not here — this
// package only defines shapes and the invariants that are purely structural.
package model

import (
	"strings"
	"time"
)

// AuthMethod identifies which ceremony produced a SessionRecord.
type AuthMethod string

const (
	AuthMethodPasskey   AuthMethod = "passkey"
	AuthMethodEmailCode AuthMethod = "email-code"
	AuthMethodMagicLink AuthMethod = "magic-link"
	AuthMethodPassword  AuthMethod = "password"
)

// User is the identity record owned exclusively by the Auth Core.
type User struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	Name          string         `json:"name,omitempty"`
	EmailVerified bool           `json:"emailVerified"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastLoginAt   *time.Time     `json:"lastLoginAt,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// NormalizeEmail lowercases and trims an email address the way every path
// that stores a User must before persisting it (spec invariant: email is
// always stored lowercased and trimmed).
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// String redacts nothing on User (it carries no secret), but is provided for
// symmetry with TokenSet.String and to keep log call sites uniform.
func (u *User) String() string {
	if u == nil {
		return "<nil>"
	}
	return "User{ID:" + u.ID + ", Email:" + u.Email + "}"
}

// TokenSet is the authentication material owned exclusively by the Auth
// Core. Whenever AccessToken is non-empty the store is in the authenticated
// state (spec invariant).
type TokenSet struct {
	AccessToken        string `json:"accessToken"`
	RefreshToken       string `json:"refreshToken,omitempty"`
	ExpiresAt          *int64 `json:"expiresAt,omitempty"` // absolute ms epoch; nil = unknown/non-expiring
	RefreshedAt        *int64 `json:"refreshedAt,omitempty"`
	SecondaryToken     string `json:"secondaryToken,omitempty"`
	SecondaryExpiresAt *int64 `json:"secondaryExpiresAt,omitempty"`
}

// String redacts every token value; only shape/presence is logged.
func (t *TokenSet) String() string {
	if t == nil {
		return "<nil>"
	}
	has := func(s string) string {
		if s == "" {
			return "absent"
		}
		return "present"
	}
	return "TokenSet{access:" + has(t.AccessToken) + ", refresh:" + has(t.RefreshToken) +
		", secondary:" + has(t.SecondaryToken) + "}"
}

// Authenticated reports whether this token set represents a signed-in user.
func (t *TokenSet) Authenticated() bool {
	return t != nil && t.AccessToken != ""
}

// SessionRecord is what is persisted: a User subset plus TokenSet plus the
// ceremony that produced it.
type SessionRecord struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	Name          string         `json:"name,omitempty"`
	EmailVerified bool           `json:"emailVerified"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	TokenSet
	AuthMethod AuthMethod `json:"authMethod"`
}

// Expired reports whether, as of now, this record must be discarded on load:
// expiresAt in the past and no refresh token to rotate with.
func (s *SessionRecord) Expired(now time.Time) bool {
	if s == nil || s.ExpiresAt == nil {
		return false
	}
	if s.RefreshToken != "" {
		return false
	}
	return *s.ExpiresAt < now.UnixMilli()
}

// User projects the User-shaped subset of a SessionRecord.
func (s *SessionRecord) User() User {
	return User{
		ID:            s.ID,
		Email:         s.Email,
		Name:          s.Name,
		EmailVerified: s.EmailVerified,
		Metadata:      s.Metadata,
	}
}

// LastUserRecord is the soft "returning user" hint surfaced to the UI.
type LastUserRecord struct {
	ID            string         `json:"id"`
	Email         string         `json:"email"`
	Name          string         `json:"name,omitempty"`
	EmailVerified bool           `json:"emailVerified"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	LastLoginAt   time.Time      `json:"lastLoginAt"`
}

// MaxLastUserAge is the retention window after which a LastUserRecord must
// be discarded rather than surfaced.
const MaxLastUserAge = 30 * 24 * time.Hour

// Stale reports whether this hint is older than MaxLastUserAge.
func (l *LastUserRecord) Stale(now time.Time) bool {
	if l == nil {
		return true
	}
	return now.Sub(l.LastLoginAt) > MaxLastUserAge
}

// DiscoveryResult is the output of the user-lookup (checkUser) step.
type DiscoveryResult struct {
	Exists        bool       `json:"exists"`
	HasPasskey    bool       `json:"hasPasskey"`
	UserID        string     `json:"userId,omitempty"`
	EmailVerified bool       `json:"emailVerified,omitempty"`
	LastPinSentAt *time.Time `json:"lastPinSentAt,omitempty"`
	LastPinExpiry *time.Time `json:"lastPinExpiry,omitempty"`
}

// HasValidPin reports whether the server-side PIN is still within its
// validity window as of now.
func (d *DiscoveryResult) HasValidPin(now time.Time) bool {
	return d != nil && d.LastPinExpiry != nil && d.LastPinExpiry.After(now)
}

// PinRemainingMinutes is ceil((lastPinExpiry - now) / 60000ms), or 0 if there
// is no valid pin.
func (d *DiscoveryResult) PinRemainingMinutes(now time.Time) int {
	if !d.HasValidPin(now) {
		return 0
	}
	remaining := d.LastPinExpiry.Sub(now)
	minutes := remaining / time.Minute
	if remaining%time.Minute > 0 {
		minutes++
	}
	return int(minutes)
}

// Challenge carries opaque WebAuthn/PIN challenge material issued by the
// IdP. The engine never interprets its contents beyond the challengeId used
// to correlate the subsequent verify call.
type Challenge struct {
	Challenge         string   `json:"challenge"`
	RPID              string   `json:"rpId"`
	AllowCredentials  []string `json:"allowCredentials,omitempty"`
	Timeout           int      `json:"timeout"`
	UserVerification  string   `json:"userVerification,omitempty"`
	ChallengeID       string   `json:"challengeId"`
}
