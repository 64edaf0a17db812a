package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thepia/flows-auth/pkg/model"
)

// newTestRedisStore spins up an in-process miniredis instance (grounded on
// the teacher's pkg/authserver/storage/redis_test.go newTestRedisStorage
// helper) so RedisStore can be exercised without a real Redis server.
func newTestRedisStore(t *testing.T, namespace string) (*RedisStore, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client, namespace), client
}

func TestRedisStore_SaveSessionMerges(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t, "test")

	method := model.AuthMethodEmailCode
	rec, err := s.SaveSession(ctx, SessionPatch{
		User:       &model.User{ID: "u1", Email: "Alice@Example.com"},
		TokenSet:   &model.TokenSet{AccessToken: "AT1", RefreshToken: "RT1", ExpiresAt: ptr64(1000)},
		AuthMethod: &method,
	})
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.ID)
	assert.Equal(t, "alice@example.com", rec.Email)

	// A token-only patch must not clobber the user fields already stored
	// (spec §4.1 "merge, not replace"), the same invariant memory_test.go
	// checks against MemoryStore.
	rec2, err := s.SaveSession(ctx, SessionPatch{TokenSet: &model.TokenSet{AccessToken: "AT2", ExpiresAt: ptr64(2000)}})
	require.NoError(t, err)
	assert.Equal(t, "u1", rec2.ID)
	assert.Equal(t, "alice@example.com", rec2.Email)
	assert.Equal(t, "AT2", rec2.AccessToken)
	assert.Equal(t, "RT1", rec2.RefreshToken)
}

func TestRedisStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t, "test")

	method := model.AuthMethodPasskey
	written, err := s.SaveSession(ctx, SessionPatch{
		User:       &model.User{ID: "u1", Email: "bob@example.com", Name: "Bob"},
		TokenSet:   &model.TokenSet{AccessToken: "AT", RefreshToken: "RT", ExpiresAt: ptr64(time.Now().Add(time.Hour).UnixMilli())},
		AuthMethod: &method,
	})
	require.NoError(t, err)

	loaded, err := s.LoadSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, written, *loaded)
}

// TestRedisStore_LoadExpiredNoRefreshClearsSlot exercises redis.go's
// LoadSession expired-with-no-refresh-token branch (redis.go:106-109): the
// record must be discarded and the key actually deleted, not just skipped.
func TestRedisStore_LoadExpiredNoRefreshClearsSlot(t *testing.T) {
	ctx := context.Background()
	s, client := newTestRedisStore(t, "test")

	past := time.Now().Add(-time.Second).UnixMilli()
	_, err := s.SaveSession(ctx, SessionPatch{TokenSet: &model.TokenSet{AccessToken: "X", ExpiresAt: &past}})
	require.NoError(t, err)

	rec, err := s.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	exists, err := client.Exists(ctx, s.sessionKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "expired session key must be deleted from redis, not merely ignored")
}

func TestRedisStore_LoadExpiredWithRefreshTokenSurvives(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t, "test")

	past := time.Now().Add(-time.Second).UnixMilli()
	_, err := s.SaveSession(ctx, SessionPatch{TokenSet: &model.TokenSet{AccessToken: "X", RefreshToken: "RT", ExpiresAt: &past}})
	require.NoError(t, err)

	rec, err := s.LoadSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "X", rec.AccessToken)
}

// TestRedisStore_LoadMalformedPayloadClearsSlot exercises redis.go's
// malformed-payload branch (redis.go:100-105): a payload decodeSession can't
// parse must be discarded and the key deleted, matching the adapter
// contract in persistence.Store's doc comment.
func TestRedisStore_LoadMalformedPayloadClearsSlot(t *testing.T) {
	ctx := context.Background()
	s, client := newTestRedisStore(t, "test")

	require.NoError(t, client.Set(ctx, s.sessionKey(), `{"unrelated":"shape"}`, 0).Err())

	rec, err := s.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)

	exists, err := client.Exists(ctx, s.sessionKey()).Result()
	require.NoError(t, err)
	assert.Zero(t, exists, "malformed session key must be deleted from redis")
}

func TestRedisStore_ClearSession(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t, "test")
	_, err := s.SaveSession(ctx, SessionPatch{TokenSet: &model.TokenSet{AccessToken: "AT"}})
	require.NoError(t, err)
	require.NoError(t, s.ClearSession(ctx))

	rec, err := s.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRedisStore_LastUser(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t, "test")
	require.NoError(t, s.SaveUser(ctx, model.LastUserRecord{ID: "u1", Email: "a@b.com", LastLoginAt: time.Now()}))

	u, err := s.GetUser(ctx)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "u1", u.ID)

	require.NoError(t, s.ClearUser(ctx))
	u2, err := s.GetUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, u2)
}

func TestRedisStore_StaleLastUserDiscarded(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t, "test")
	old := time.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, s.SaveUser(ctx, model.LastUserRecord{ID: "u1", LastLoginAt: old}))

	u, err := s.GetUser(ctx)
	require.NoError(t, err)
	assert.Nil(t, u)
}

// TestRedisStore_NamespaceIsolation guards against two tenants sharing one
// Redis instance colliding on the same key (NewRedisStore's namespace doc
// comment).
func TestRedisStore_NamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	a := NewRedisStore(client, "tenant-a")
	b := NewRedisStore(client, "tenant-b")

	_, err := a.SaveSession(ctx, SessionPatch{User: &model.User{ID: "a-user"}, TokenSet: &model.TokenSet{AccessToken: "AT-a"}})
	require.NoError(t, err)

	recB, err := b.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, recB, "tenant-b must not see tenant-a's session")
}

// newTestRedisNotifierPair spins up miniredis with two independently-dialed
// clients so Subscribe/publish is exercised across separate connections the
// way two OS processes would share a Redis instance (spec §9: Notifier
// "implemented over... a message bus").
func newTestRedisNotifierPair(t *testing.T) (*RedisNotifier, *RedisNotifier) {
	t.Helper()
	mr := miniredis.RunT(t)
	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisNotifier(clientA, "test"), NewRedisNotifier(clientB, "test")
}

func TestRedisNotifier_ExcludesSelfAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	nA, nB := newTestRedisNotifierPair(t)

	chA, unsubA := nA.Subscribe(ctx, "contextA")
	defer unsubA()
	chB, unsubB := nB.Subscribe(ctx, "contextB")
	defer unsubB()

	// give Redis pub/sub subscriptions a moment to register before publishing.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, nA.PublishSessionUpdated(ctx, "contextA", model.SessionRecord{ID: "u1"}))

	select {
	case note := <-chB:
		assert.Equal(t, SessionUpdated, note.Kind)
		require.NotNil(t, note.Session)
		assert.Equal(t, "u1", note.Session.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("contextB did not receive notification published by a peer process")
	}

	select {
	case note := <-chA:
		t.Fatalf("contextA (the publisher) should not receive its own message, got %+v", note)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisNotifier_SessionCleared(t *testing.T) {
	ctx := context.Background()
	nA, nB := newTestRedisNotifierPair(t)

	chB, unsub := nB.Subscribe(ctx, "contextB")
	defer unsub()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, nA.PublishSessionCleared(ctx, "contextA"))

	select {
	case note := <-chB:
		assert.Equal(t, SessionCleared, note.Kind)
		assert.Nil(t, note.Session)
	case <-time.After(2 * time.Second):
		t.Fatal("contextB did not receive clear notification")
	}
}
