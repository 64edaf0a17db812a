package ceremony

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thepia/flows-auth/pkg/authcore"
	"github.com/thepia/flows-auth/pkg/classify"
	"github.com/thepia/flows-auth/pkg/events"
	"github.com/thepia/flows-auth/pkg/idp"
	"github.com/thepia/flows-auth/pkg/model"
	"github.com/thepia/flows-auth/pkg/persistence"
)

type fakeIdPServer struct {
	*httptest.Server
	checkUserResponse map[string]any
	checkUserStatus   int
}

func newFakeIdPServer(t *testing.T) *fakeIdPServer {
	f := &fakeIdPServer{checkUserStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/check-user", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.checkUserStatus)
		_ = json.NewEncoder(w).Encode(f.checkUserResponse)
	})
	mux.HandleFunc("/auth/send-email-code", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"sent": true})
	})
	mux.HandleFunc("/auth/verify-email-code", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if body["code"] != "000000" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalidCode", "message": "invalid code"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"user":    map[string]any{"id": "u1", "email": "alice@example.com"},
			"access_token": "AT1", "refresh_token": "RT1", "expires_in": 3600,
		})
	})
	mux.HandleFunc("/auth/webauthn/challenge", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"challengeId": "ch1", "challenge": "abc", "rpId": "example.com"})
	})
	mux.HandleFunc("/auth/webauthn/verify", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"user":    map[string]any{"id": "u1", "email": "alice@example.com"},
			"access_token": "AT2", "refresh_token": "RT2", "expires_in": 3600,
		})
	})
	mux.HandleFunc("/auth/start-passwordless", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "sent"})
	})
	mux.HandleFunc("/auth/verify-magic-link", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		if body["token"] != "good-link-token" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": "invalidCode", "message": "invalid or expired link"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"step": "complete",
			"user": map[string]any{"id": "u1", "email": "alice@example.com"},
			"access_token": "AT3", "refresh_token": "RT3", "expires_in": 3600,
		})
	})
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func newTestDriver(t *testing.T, f *fakeIdPServer, cfg model.Config) *Driver {
	client := idp.New(f.URL, "", idp.WithHTTPClient(f.Client()))
	store := persistence.NewMemoryStore()
	notifier := persistence.NewLocalNotifier()
	bus := events.New()
	cfg.APIBaseURL = f.URL
	core := authcore.New(cfg, client, store, notifier, bus, "ceremony-test", "origin-1")
	return NewDriver(cfg, client, nil, core, bus)
}

func TestDriver_S1_NewUserEmailCodeFlow(t *testing.T) {
	f := newFakeIdPServer(t)
	f.checkUserResponse = map[string]any{"exists": false}
	d := newTestDriver(t, f, loginOrRegister)

	_, err := d.CheckUser(context.Background(), "NEW@example.com")
	require.NoError(t, err)
	assert.Equal(t, PhaseEmailVerification, d.State().Phase)

	_, err = d.SendEmailCode(context.Background(), "new@example.com", true)
	require.NoError(t, err)
	assert.Equal(t, PhasePinEntry, d.State().Phase)

	snap, err := d.VerifyEmailCode(context.Background(), "new@example.com", "000000")
	require.NoError(t, err)
	assert.True(t, snap.Authenticated())
	assert.Equal(t, PhaseSignedIn, d.State().Phase)
}

func TestDriver_VerifyEmailCode_WrongCodeIsFatalForThisCeremony(t *testing.T) {
	// invalidCode is non-retryable (pkg/classify); per spec §7 "any
	// non-retryable error during pinEntry... transitions to generalError" —
	// the ceremony must be restarted with RESET rather than retried in place.
	f := newFakeIdPServer(t)
	f.checkUserResponse = map[string]any{"exists": true, "hasPasskey": false}
	d := newTestDriver(t, f, loginOrRegister)

	_, err := d.CheckUser(context.Background(), "bob@example.com")
	require.NoError(t, err)
	require.Equal(t, PhaseEmailVerification, d.State().Phase)
	_, err = d.SendEmailCode(context.Background(), "bob@example.com", false)
	require.NoError(t, err)
	require.Equal(t, PhasePinEntry, d.State().Phase)

	_, err = d.VerifyEmailCode(context.Background(), "bob@example.com", "999999")
	assert.Error(t, err)
	assert.Equal(t, PhaseGeneralError, d.State().Phase)
}

func TestDriver_S2_ExistingUserWithPasskeySignsIn(t *testing.T) {
	f := newFakeIdPServer(t)
	f.checkUserResponse = map[string]any{"exists": true, "hasPasskey": true}
	d := newTestDriver(t, f, loginOrRegister)

	_, err := d.CheckUser(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, PhasePasskeyPrompt, d.State().Phase)

	ch, err := d.StartPasskeyAuth(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, "ch1", ch.ChallengeID)

	snap, err := d.CompletePasskeyAuth(context.Background(), ch.ChallengeID, map[string]any{"id": "cred1"})
	require.NoError(t, err)
	assert.True(t, snap.Authenticated())
	assert.Equal(t, PhaseSignedIn, d.State().Phase)
}

func TestDriver_S3_PasskeyCancelledReturnsToEmailEntry(t *testing.T) {
	f := newFakeIdPServer(t)
	f.checkUserResponse = map[string]any{"exists": true, "hasPasskey": true}
	d := newTestDriver(t, f, loginOrRegister)

	_, err := d.CheckUser(context.Background(), "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, PhasePasskeyPrompt, d.State().Phase)

	state := d.CancelPasskeyAuth()
	assert.Equal(t, PhaseEmailEntry, state.Phase)
	assert.Equal(t, "alice@example.com", state.Email)
	require.NotNil(t, state.LastError)
	assert.Equal(t, classify.AuthCancelled, state.LastError.Code)
}

func TestDriver_OnChange_FiresOnTransitions(t *testing.T) {
	f := newFakeIdPServer(t)
	f.checkUserResponse = map[string]any{"exists": false}
	d := newTestDriver(t, f, loginOrRegister)

	var seen []Phase
	unsub := d.OnChange(func(s State) { seen = append(seen, s.Phase) })
	defer unsub()

	_, err := d.CheckUser(context.Background(), "new@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	assert.Equal(t, PhaseEmailVerification, seen[len(seen)-1])

	unsub()
	_, _ = d.SendEmailCode(context.Background(), "new@example.com", true)
	assert.Len(t, seen, 2, "handler must not fire after unsubscribe")
}

func TestDriver_RegisterPasskey_RejectedOutsideSignedIn(t *testing.T) {
	f := newFakeIdPServer(t)
	d := newTestDriver(t, f, loginOrRegister)
	_, err := d.RegisterPasskey(context.Background(), "AT1")
	assert.Error(t, err)
}

// TestDriver_MagicLinkFlow_SendThenVerifySignsIn exercises the third
// ceremony spec.md §1 names in scope alongside passkeys and email codes:
// SendMagicLink followed by VerifyMagicLink hands a completed session to
// the Auth Core and lands the ceremony in signedIn, mirroring the shape of
// TestDriver_S1_NewUserEmailCodeFlow.
func TestDriver_MagicLinkFlow_SendThenVerifySignsIn(t *testing.T) {
	f := newFakeIdPServer(t)
	d := newTestDriver(t, f, loginOrRegister)

	result, err := d.SendMagicLink(context.Background(), "Alice@Example.com", "https://app.example.com/callback")
	require.NoError(t, err)
	assert.True(t, result.Sent)

	snap, err := d.VerifyMagicLink(context.Background(), "good-link-token")
	require.NoError(t, err)
	assert.True(t, snap.Authenticated())
	assert.Equal(t, "AT3", snap.AccessToken)
	assert.Equal(t, PhaseSignedIn, d.State().Phase)
}

func TestDriver_VerifyMagicLink_InvalidTokenIsClassified(t *testing.T) {
	f := newFakeIdPServer(t)
	d := newTestDriver(t, f, loginOrRegister)

	_, err := d.VerifyMagicLink(context.Background(), "bad-link-token")
	require.Error(t, err)
	rec, ok := idp.AsRecord(err)
	require.True(t, ok)
	assert.Equal(t, classify.InvalidCode, rec.Code)
	assert.NotEqual(t, PhaseSignedIn, d.State().Phase)
}

func TestDriver_Reset_KeepsEmail(t *testing.T) {
	f := newFakeIdPServer(t)
	f.checkUserResponse = map[string]any{"exists": true, "hasPasskey": true}
	d := newTestDriver(t, f, loginOrRegister)
	_, err := d.CheckUser(context.Background(), "alice@example.com")
	require.NoError(t, err)

	s := d.Reset()
	assert.Equal(t, PhaseEmailEntry, s.Phase)
	assert.Equal(t, "alice@example.com", s.Email)
}
