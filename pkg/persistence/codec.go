package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/thepia/flows-auth/pkg/model"
)

// nestedWire is the engine's preferred persisted shape (spec §6): a
// top-level user/tokens/authMethod envelope. encodeSession always writes
// this shape.
type nestedWire struct {
	User struct {
		ID            string         `json:"id"`
		Email         string         `json:"email"`
		Name          string         `json:"name,omitempty"`
		Initials      string         `json:"initials,omitempty"`
		Avatar        string         `json:"avatar,omitempty"`
		EmailVerified bool           `json:"emailVerified,omitempty"`
		Preferences   map[string]any `json:"preferences,omitempty"`
	} `json:"user"`
	Tokens struct {
		AccessToken        string `json:"accessToken"`
		RefreshToken       string `json:"refreshToken,omitempty"`
		ExpiresAt          *int64 `json:"expiresAt,omitempty"`
		RefreshedAt        *int64 `json:"refreshedAt,omitempty"`
		SupabaseToken      string `json:"supabaseToken,omitempty"`
		SupabaseExpiresAt  *int64 `json:"supabaseExpiresAt,omitempty"`
	} `json:"tokens"`
	AuthMethod string `json:"authMethod,omitempty"`
}

// flatWire is the legacy snake-case shape the adapter must still decode
// (spec §4.1: "dual encoding for compatibility", spec §6: "legacy snake-case
// flat shape on read").
type flatWire struct {
	UserID             string `json:"user_id"`
	Email              string `json:"email"`
	Name               string `json:"name,omitempty"`
	EmailVerified      bool   `json:"email_verified,omitempty"`
	AccessToken        string `json:"access_token"`
	RefreshToken       string `json:"refresh_token,omitempty"`
	ExpiresAt          *int64 `json:"expires_at,omitempty"`
	RefreshedAt        *int64 `json:"refreshed_at,omitempty"`
	SecondaryToken     string `json:"secondary_token,omitempty"`
	SecondaryExpiresAt *int64 `json:"secondary_expires_at,omitempty"`
	AuthMethod         string `json:"auth_method,omitempty"`
}

// encodeSession marshals rec in the preferred nested shape. The mapping is
// bijective on the subset of fields both shapes carry (spec §4.1).
func encodeSession(rec model.SessionRecord) ([]byte, error) {
	var w nestedWire
	w.User.ID = rec.ID
	w.User.Email = rec.Email
	w.User.Name = rec.Name
	w.User.EmailVerified = rec.EmailVerified
	w.Tokens.AccessToken = rec.AccessToken
	w.Tokens.RefreshToken = rec.RefreshToken
	w.Tokens.ExpiresAt = rec.ExpiresAt
	w.Tokens.RefreshedAt = rec.RefreshedAt
	w.Tokens.SupabaseToken = rec.SecondaryToken
	w.Tokens.SupabaseExpiresAt = rec.SecondaryExpiresAt
	w.AuthMethod = string(rec.AuthMethod)
	return json.Marshal(w)
}

// decodeSession accepts either the nested or the legacy flat shape,
// detecting which one raw contains. A payload matching neither recognizable
// shape is malformed and returns an error; the caller (LoadSession) is
// responsible for clearing the slot on error (spec §4.1).
func decodeSession(raw []byte) (model.SessionRecord, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return model.SessionRecord{}, fmt.Errorf("malformed session payload: %w", err)
	}

	if _, nested := probe["tokens"]; nested {
		var w nestedWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return model.SessionRecord{}, fmt.Errorf("malformed nested session payload: %w", err)
		}
		rec := model.SessionRecord{
			ID:            w.User.ID,
			Email:         w.User.Email,
			Name:          w.User.Name,
			EmailVerified: w.User.EmailVerified,
			AuthMethod:    model.AuthMethod(w.AuthMethod),
		}
		rec.AccessToken = w.Tokens.AccessToken
		rec.RefreshToken = w.Tokens.RefreshToken
		rec.ExpiresAt = w.Tokens.ExpiresAt
		rec.RefreshedAt = w.Tokens.RefreshedAt
		rec.SecondaryToken = w.Tokens.SupabaseToken
		rec.SecondaryExpiresAt = w.Tokens.SupabaseExpiresAt
		return rec, nil
	}

	if _, flat := probe["access_token"]; flat {
		var w flatWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return model.SessionRecord{}, fmt.Errorf("malformed flat session payload: %w", err)
		}
		rec := model.SessionRecord{
			ID:            w.UserID,
			Email:         w.Email,
			Name:          w.Name,
			EmailVerified: w.EmailVerified,
			AuthMethod:    model.AuthMethod(w.AuthMethod),
		}
		rec.AccessToken = w.AccessToken
		rec.RefreshToken = w.RefreshToken
		rec.ExpiresAt = w.ExpiresAt
		rec.RefreshedAt = w.RefreshedAt
		rec.SecondaryToken = w.SecondaryToken
		rec.SecondaryExpiresAt = w.SecondaryExpiresAt
		return rec, nil
	}

	return model.SessionRecord{}, fmt.Errorf("session payload matches neither nested nor legacy flat shape")
}

func encodeLastUser(u model.LastUserRecord) ([]byte, error) {
	return json.Marshal(u)
}

func decodeLastUser(raw []byte) (model.LastUserRecord, error) {
	var u model.LastUserRecord
	if err := json.Unmarshal(raw, &u); err != nil {
		return model.LastUserRecord{}, fmt.Errorf("malformed last-user payload: %w", err)
	}
	return u, nil
}
