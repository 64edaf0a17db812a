// Package persistence implements the Session Persistence Adapter (spec
// §4.1): save/load/clear for a single session record and a separate
// last-user hint, merge-patch semantics, dual-shape wire encoding, and
// load-time (not background) expiry checks. Two backends are provided:
// MemoryStore (volatile, process-local) and RedisStore (durable, shared
// across processes standing in for the spec's "contexts").
package persistence

import (
	"context"

	"github.com/thepia/flows-auth/pkg/model"
)

// SessionPatch is the merge unit SaveSession accepts. Each field is a
// separate merge group: the refresh path touches only TokenSet, the
// user-update path touches only User, so the two can run independently
// without clobbering each other (spec §4.1: "merge, not replace").
type SessionPatch struct {
	User       *model.User
	TokenSet   *model.TokenSet
	AuthMethod *model.AuthMethod
	// ClearRefreshToken explicitly blanks the stored refresh token even
	// though TokenSet's merge treats an empty string as "don't touch" —
	// needed for the invalid_grant path (spec §4.7.1 S5), which must clear
	// the refresh token without touching the access token.
	ClearRefreshToken bool
}

// Store is the Session Persistence Adapter contract. All methods are
// best-effort: implementations log and swallow write failures rather than
// returning them where the spec calls for "never throw to caller"; the two
// exceptions are SaveSession and LoadSession, whose return value callers
// depend on directly (spec: "callers rely on this return value rather than
// re-reading").
type Store interface {
	// SaveSession merges patch into the currently stored record (or creates
	// one) and returns the merged record as actually persisted.
	SaveSession(ctx context.Context, patch SessionPatch) (model.SessionRecord, error)
	// LoadSession reads the record. A malformed payload or a load-time
	// expired record (spec §3 SessionRecord invariant) both yield (nil, nil)
	// after clearing the slot.
	LoadSession(ctx context.Context) (*model.SessionRecord, error)
	// ClearSession removes the session slot. It does not notify other
	// contexts itself; the Auth Core publishes SessionCleared on its
	// Notifier after calling it.
	ClearSession(ctx context.Context) error

	SaveUser(ctx context.Context, user model.LastUserRecord) error
	GetUser(ctx context.Context) (*model.LastUserRecord, error)
	ClearUser(ctx context.Context) error
}

func mergeUser(base model.SessionRecord, patch *model.User) model.SessionRecord {
	if patch == nil {
		return base
	}
	if patch.ID != "" {
		base.ID = patch.ID
	}
	if patch.Email != "" {
		base.Email = model.NormalizeEmail(patch.Email)
	}
	if patch.Name != "" {
		base.Name = patch.Name
	}
	base.EmailVerified = patch.EmailVerified
	if patch.Metadata != nil {
		base.Metadata = patch.Metadata
	}
	return base
}

func mergeTokenSet(base model.SessionRecord, patch *model.TokenSet) model.SessionRecord {
	if patch == nil {
		return base
	}
	if patch.AccessToken != "" {
		base.AccessToken = patch.AccessToken
	}
	if patch.RefreshToken != "" {
		base.RefreshToken = patch.RefreshToken
	}
	if patch.ExpiresAt != nil {
		base.ExpiresAt = patch.ExpiresAt
	}
	if patch.RefreshedAt != nil {
		base.RefreshedAt = patch.RefreshedAt
	}
	if patch.SecondaryToken != "" {
		base.SecondaryToken = patch.SecondaryToken
	}
	if patch.SecondaryExpiresAt != nil {
		base.SecondaryExpiresAt = patch.SecondaryExpiresAt
	}
	return base
}

// applyPatch merges patch onto base (base may be the zero value when no
// record exists yet), field-group by field-group.
func applyPatch(base model.SessionRecord, patch SessionPatch) model.SessionRecord {
	base = mergeUser(base, patch.User)
	base = mergeTokenSet(base, patch.TokenSet)
	if patch.AuthMethod != nil {
		base.AuthMethod = *patch.AuthMethod
	}
	if patch.ClearRefreshToken {
		base.RefreshToken = ""
	}
	return base
}
