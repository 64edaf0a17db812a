// Package authcore implements the Auth Core Store (spec §4.7): the
// authoritative holder of identity and tokens, the refresh protocol with its
// four invariants (I1 global single-flight, I2 minimum interval, I3
// monotonic expiry, I4 no implicit token reuse), and the scheduler that
// keeps the access token fresh without racing concurrent contexts.
//
// Concurrency grounding: I1 is implemented with golang.org/x/sync/singleflight,
// keyed per persistence namespace through a package-level registry so that
// every *Store sharing the same underlying persistence — the spec's
// "process-wide" requirement — joins the same in-flight refresh, even when
// a caller constructs more than one *Store against it. The scheduler itself
// (cancelable timer, reset-on-every-schedule) is grounded on the teacher's
// pkg/auth/monitored_token_source.go monitorLoop/resetTimer/stopTimer
// triplet, generalized from "detect expiry, mark unauthenticated" to "detect
// approaching expiry, refresh, reschedule."
package authcore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/thepia/flows-auth/pkg/classify"
	"github.com/thepia/flows-auth/pkg/events"
	"github.com/thepia/flows-auth/pkg/idp"
	"github.com/thepia/flows-auth/pkg/logging"
	"github.com/thepia/flows-auth/pkg/model"
	"github.com/thepia/flows-auth/pkg/persistence"
)

// State is one of the two Auth Core states (spec §4.7.2).
type State string

const (
	Unauthenticated State = "unauthenticated"
	Authenticated   State = "authenticated"
)

// minRefreshInterval is I2: the scheduler must not initiate an automatic
// refresh less than this long after refreshedAt.
const minRefreshInterval = 60 * time.Second

// maxRefreshRetries is the cap on automatic retry attempts after a
// transient refresh failure (spec §4.7.1).
const maxRefreshRetries = 3

// retryResetWindow: once this long has passed since the current failure
// streak began, the next failure restarts the retry counter, modeling "a one-hour window of uninterrupted operation also
// resets it" (spec §4.7.1).
const retryResetWindow = time.Hour

// Snapshot is the observable state the facade projects (spec §4.7 field
// list). It is an immutable value; callers get a copy.
type Snapshot struct {
	State              State
	User               *model.User
	AccessToken        string
	RefreshToken       string
	ExpiresAt          *int64
	RefreshedAt        *int64
	SecondaryToken     string
	SecondaryExpiresAt *int64
	PasskeysEnabled    bool
}

// Authenticated reports whether this snapshot represents a signed-in user.
func (s Snapshot) Authenticated() bool { return s.State == Authenticated }

func (s Snapshot) String() string {
	ts := model.TokenSet{AccessToken: s.AccessToken, RefreshToken: s.RefreshToken, SecondaryToken: s.SecondaryToken}
	return fmt.Sprintf("Snapshot{state:%s, %s}", s.State, ts.String())
}

// sharedFlights is the process-wide registry of singleflight groups, one
// per persistence namespace, so every Store instance sharing the same
// underlying persisted session joins the same in-flight refresh (spec §5:
// "a shared mutable reference... Implementations must use a shared handle").
var (
	sharedFlightsMu sync.Mutex
	sharedFlights   = map[string]*singleflight.Group{}
)

func sharedFlight(namespace string) *singleflight.Group {
	sharedFlightsMu.Lock()
	defer sharedFlightsMu.Unlock()
	g, ok := sharedFlights[namespace]
	if !ok {
		g = new(singleflight.Group)
		sharedFlights[namespace] = g
	}
	return g
}

// ChangeHandler receives a Snapshot whenever the store's observable state
// changes.
type ChangeHandler func(Snapshot)

// Unsubscribe stops a ChangeHandler from receiving further notifications.
type Unsubscribe func()

// Store is the Auth Core Store. Construct with New.
type Store struct {
	cfg       model.Config
	idpClient *idp.Client
	persist   persistence.Store
	notifier  persistence.Notifier
	bus       *events.Bus
	namespace string
	originID  string
	flight    *singleflight.Group

	mu       sync.RWMutex
	snapshot Snapshot

	timerMu sync.Mutex
	timer   *time.Timer

	retryMu          sync.Mutex
	retryCount       int
	retryStreakStart time.Time

	changeMu   sync.Mutex
	changeSubs map[uint64]ChangeHandler
	nextSubID  uint64

	notifierUnsub func()
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithPasskeysEnabled seeds the initial PasskeysEnabled flag, normally
// derived from model.Config.EnablePasskeys.
func WithPasskeysEnabled(enabled bool) Option {
	return func(s *Store) { s.snapshot.PasskeysEnabled = enabled }
}

// New constructs a Store. namespace identifies the persistence this Store
// shares with its sibling contexts — the singleflight registry and the
// cross-context notifier are both keyed by it. originID uniquely identifies
// this context so the notifier can exclude the Store's own publishes.
func New(cfg model.Config, idpClient *idp.Client, persist persistence.Store, notifier persistence.Notifier, bus *events.Bus, namespace, originID string, opts ...Option) *Store {
	s := &Store{
		cfg:        cfg,
		idpClient:  idpClient,
		persist:    persist,
		notifier:   notifier,
		bus:        bus,
		namespace:  namespace,
		originID:   originID,
		flight:     sharedFlight(namespace),
		changeSubs: make(map[uint64]ChangeHandler),
	}
	s.snapshot = Snapshot{State: Unauthenticated, PasskeysEnabled: cfg.EnablePasskeys}
	for _, opt := range opts {
		opt(s)
	}

	if notifier != nil {
		ch, unsub := notifier.Subscribe(context.Background(), originID)
		s.notifierUnsub = unsub
		go s.listen(ch)
	}
	return s
}

func (s *Store) listen(ch <-chan persistence.Notification) {
	for note := range ch {
		s.handleNotification(note)
	}
}

// Snapshot returns the current observable state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// OnChange registers handler to be called (synchronously, in registration
// order) whenever the snapshot changes, mirroring events.Bus.On's
// subscribe-returns-unsubscribe shape for symmetry across the module.
func (s *Store) OnChange(handler ChangeHandler) Unsubscribe {
	s.changeMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.changeSubs[id] = handler
	s.changeMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.changeMu.Lock()
			delete(s.changeSubs, id)
			s.changeMu.Unlock()
		})
	}
}

func (s *Store) notifyChange() {
	snap := s.Snapshot()
	s.changeMu.Lock()
	ids := make([]uint64, 0, len(s.changeSubs))
	for id := range s.changeSubs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]ChangeHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.changeSubs[id])
	}
	s.changeMu.Unlock()
	for _, h := range handlers {
		h(snap)
	}
}

func msToTime(ms int64) time.Time { return time.UnixMilli(ms) }

// Load reads any persisted session and, if present and unexpired, promotes
// the store to authenticated and schedules the next refresh.
func (s *Store) Load(ctx context.Context) (Snapshot, error) {
	rec, err := s.persist.LoadSession(ctx)
	if err != nil {
		return s.Snapshot(), err
	}
	if rec == nil {
		return s.Snapshot(), nil
	}

	user := rec.User()
	s.mu.Lock()
	s.snapshot.State = Authenticated
	s.snapshot.User = &user
	s.snapshot.AccessToken = rec.AccessToken
	s.snapshot.RefreshToken = rec.RefreshToken
	s.snapshot.ExpiresAt = rec.ExpiresAt
	s.snapshot.RefreshedAt = rec.RefreshedAt
	s.snapshot.SecondaryToken = rec.SecondaryToken
	s.snapshot.SecondaryExpiresAt = rec.SecondaryExpiresAt
	s.mu.Unlock()

	s.scheduleNextRefresh()
	s.notifyChange()
	return s.Snapshot(), nil
}

// ErrStaleUpdate is returned by UpdateTokens when the incoming expiresAt is
// strictly earlier than the currently stored one (I3).
var ErrStaleUpdate = fmt.Errorf("authcore: incoming token set is staler than the stored one")

func isStale(current, incoming *int64) bool {
	if current == nil || incoming == nil {
		return false
	}
	return *incoming < *current
}

// UpdateTokens atomically promotes the store to authenticated and persists
// the session. This is the only way the Ceremony Store hands off a
// completed sign-in (spec §4.8: "the ceremony store never owns tokens").
func (s *Store) UpdateTokens(ctx context.Context, user model.User, tokens model.TokenSet, method model.AuthMethod) (Snapshot, error) {
	s.mu.RLock()
	currentExpiry := s.snapshot.ExpiresAt
	s.mu.RUnlock()

	if isStale(currentExpiry, tokens.ExpiresAt) {
		return s.Snapshot(), ErrStaleUpdate
	}

	rec, err := s.persist.SaveSession(ctx, persistence.SessionPatch{
		User:       &user,
		TokenSet:   &tokens,
		AuthMethod: &method,
	})
	if err != nil {
		return s.Snapshot(), fmt.Errorf("persisting session: %w", err)
	}

	u := rec.User()
	s.mu.Lock()
	s.snapshot.State = Authenticated
	s.snapshot.User = &u
	s.snapshot.AccessToken = rec.AccessToken
	s.snapshot.RefreshToken = rec.RefreshToken
	s.snapshot.ExpiresAt = rec.ExpiresAt
	s.snapshot.RefreshedAt = rec.RefreshedAt
	s.snapshot.SecondaryToken = rec.SecondaryToken
	s.snapshot.SecondaryExpiresAt = rec.SecondaryExpiresAt
	s.mu.Unlock()

	if s.notifier != nil {
		if err := s.notifier.PublishSessionUpdated(ctx, s.originID, rec); err != nil {
			logging.Warnw("failed to publish session update", "err", err)
		}
	}

	s.scheduleNextRefresh()
	s.notifyChange()
	return s.Snapshot(), nil
}

// RefreshTokens runs the refresh protocol (I1-I4). Concurrent callers across
// every Store sharing this namespace join the same in-flight request and
// observe the same outcome (testable property 1 / S4).
func (s *Store) RefreshTokens(ctx context.Context) (Snapshot, error) {
	return s.refresh(ctx)
}

func (s *Store) refresh(ctx context.Context) (Snapshot, error) {
	v, err, _ := s.flight.Do("refresh", func() (any, error) {
		return s.doRefresh(ctx)
	})
	if snap, ok := v.(Snapshot); ok {
		return snap, err
	}
	return s.Snapshot(), err
}

func (s *Store) doRefresh(ctx context.Context) (Snapshot, error) {
	s.mu.RLock()
	refreshToken := s.snapshot.RefreshToken
	s.mu.RUnlock()

	if refreshToken == "" {
		return s.Snapshot(), fmt.Errorf("authcore: no refresh token available")
	}

	result, err := s.idpClient.RefreshToken(ctx, refreshToken)
	if err != nil {
		return s.handleRefreshFailure(ctx, err)
	}
	return s.handleRefreshSuccess(ctx, result.Token)
}

func (s *Store) handleRefreshSuccess(ctx context.Context, tokens model.TokenSet) (Snapshot, error) {
	s.mu.RLock()
	currentExpiry := s.snapshot.ExpiresAt
	s.mu.RUnlock()

	patch := persistence.SessionPatch{TokenSet: &tokens}
	if isStale(currentExpiry, tokens.ExpiresAt) {
		// I3: keep the fresher expiresAt already stored, but the rest of the
		// rotation (new access/refresh token) still applies.
		stale := tokens
		stale.ExpiresAt = currentExpiry
		patch.TokenSet = &stale
	}

	rec, err := s.persist.SaveSession(ctx, patch)
	if err != nil {
		return s.Snapshot(), fmt.Errorf("persisting refreshed session: %w", err)
	}

	s.mu.Lock()
	s.snapshot.AccessToken = rec.AccessToken
	s.snapshot.RefreshToken = rec.RefreshToken
	s.snapshot.ExpiresAt = rec.ExpiresAt
	s.snapshot.RefreshedAt = rec.RefreshedAt
	s.snapshot.SecondaryToken = rec.SecondaryToken
	s.snapshot.SecondaryExpiresAt = rec.SecondaryExpiresAt
	s.mu.Unlock()

	s.resetRetries()

	if s.notifier != nil {
		if err := s.notifier.PublishSessionUpdated(ctx, s.originID, rec); err != nil {
			logging.Warnw("failed to publish refreshed session", "err", err)
		}
	}

	snap := s.Snapshot()
	s.bus.Emit(events.TokenRefreshed, snap)
	s.scheduleNextRefresh()
	s.notifyChange()
	return snap, nil
}

func (s *Store) handleRefreshFailure(ctx context.Context, err error) (Snapshot, error) {
	if idp.IsInvalidGrant(err) {
		// Already exchanged by another context: drop the refresh token, stay
		// authenticated, never retry (spec §4.7.1, S5).
		rec, perr := s.persist.SaveSession(ctx, persistence.SessionPatch{ClearRefreshToken: true})
		if perr != nil {
			logging.Warnw("failed to clear stale refresh token", "err", perr)
		} else {
			s.mu.Lock()
			s.snapshot.RefreshToken = rec.RefreshToken
			s.mu.Unlock()
		}
		s.resetRetries()
		s.notifyChange()
		return s.Snapshot(), err
	}

	if isHardRefreshFailure(err) {
		s.resetRetries()
		return s.Snapshot(), err
	}

	s.scheduleRetry(ctx)
	return s.Snapshot(), err
}

// isHardRefreshFailure reports whether err is one of the non-retryable
// refresh-endpoint failures spec §4.7.1 lists by name (invalid_token,
// token_expired, malformed) or a 400/invalidInput — distinct from
// invalid_grant, which has its own handling above.
func isHardRefreshFailure(err error) bool {
	rec, ok := idp.AsRecord(err)
	if !ok {
		return false
	}
	lower := strings.ToLower(rec.Message)
	if strings.Contains(lower, "invalid_token") || strings.Contains(lower, "token_expired") || strings.Contains(lower, "malformed") {
		return true
	}
	return rec.Code == classify.InvalidInput
}

func (s *Store) resetRetries() {
	s.retryMu.Lock()
	s.retryCount = 0
	s.retryStreakStart = time.Time{}
	s.retryMu.Unlock()
}

func (s *Store) scheduleRetry(ctx context.Context) {
	s.retryMu.Lock()
	now := time.Now()
	if s.retryCount == 0 || now.Sub(s.retryStreakStart) > retryResetWindow {
		s.retryCount = 0
		s.retryStreakStart = now
	}
	s.retryCount++
	attempt := s.retryCount
	s.retryMu.Unlock()

	if attempt > maxRefreshRetries {
		logging.Warnw("refresh retry budget exhausted, giving up quietly", "attempts", attempt-1)
		return
	}

	delay := time.Minute * time.Duration(pow5(attempt-1))
	logging.Warnw("scheduling refresh retry", "attempt", attempt, "delay", delay)

	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, func() {
		_, _ = s.refresh(ctx)
	})
}

func pow5(n int) int64 {
	v := int64(1)
	for i := 0; i < n; i++ {
		v *= 5
	}
	return v
}

// scheduleNextRefresh computes the next automatic refresh time (spec
// §4.7.1 scheduling rule) and arms a cancelable timer, cancelling whatever
// was previously pending (spec §5: "Any new scheduled refresh cancels the
// previously pending one").
func (s *Store) scheduleNextRefresh() {
	snap := s.Snapshot()
	if snap.ExpiresAt == nil {
		// Non-expiring per spec: no automatic scheduling, still explicitly
		// refreshable.
		s.timerMu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.timerMu.Unlock()
		return
	}

	now := time.Now()
	delay := computeNextRefreshDelay(now, snap.ExpiresAt, snap.RefreshedAt, s.cfg.RefreshBefore)

	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(delay, func() {
		s.scheduledRefresh(context.Background())
	})
}

func (s *Store) scheduledRefresh(ctx context.Context) {
	snap := s.Snapshot()
	if snap.RefreshedAt != nil && time.Since(msToTime(*snap.RefreshedAt)) < minRefreshInterval {
		// I2: guard against a misconfigured refreshBefore producing a loop.
		return
	}
	_, _ = s.refresh(ctx)
}

// computeNextRefreshDelay implements spec §4.7.1's scheduling formula:
//
//	max(expiresAt-refreshBefore, refreshedAt+60s, now+1s)
//
// unless the token's remaining lifetime is itself shorter than the minimum
// interval, in which case the next attempt is scheduled at 80% of the
// remaining lifetime (minimum 1s).
func computeNextRefreshDelay(now time.Time, expiresAt, refreshedAt *int64, refreshBefore time.Duration) time.Duration {
	exp := msToTime(*expiresAt)
	remaining := exp.Sub(now)
	if remaining < minRefreshInterval {
		d := time.Duration(float64(remaining) * 0.8)
		if d < time.Second {
			d = time.Second
		}
		return d
	}

	candidate := exp.Add(-refreshBefore)
	if refreshedAt != nil {
		floor := msToTime(*refreshedAt).Add(minRefreshInterval)
		if floor.After(candidate) {
			candidate = floor
		}
	}
	floorNow := now.Add(time.Second)
	if floorNow.After(candidate) {
		candidate = floorNow
	}
	return candidate.Sub(now)
}

// SignOut is idempotent: best-effort notifies the IdP, then unconditionally
// clears local and persisted state regardless of the IdP call's outcome
// (spec §4.7.1, testable property 3).
func (s *Store) SignOut(ctx context.Context) (Snapshot, error) {
	snap := s.Snapshot()
	if snap.AccessToken != "" {
		if err := s.idpClient.SignOut(ctx, snap.AccessToken, snap.RefreshToken); err != nil {
			logging.Warnw("best-effort sign-out call failed", "err", err)
		}
	}

	if err := s.persist.ClearSession(ctx); err != nil {
		logging.Warnw("failed to clear persisted session", "err", err)
	}

	s.timerMu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerMu.Unlock()
	s.resetRetries()

	s.mu.Lock()
	passkeys := s.snapshot.PasskeysEnabled
	s.snapshot = Snapshot{State: Unauthenticated, PasskeysEnabled: passkeys}
	s.mu.Unlock()

	if s.notifier != nil {
		if err := s.notifier.PublishSessionCleared(ctx, s.originID); err != nil {
			logging.Warnw("failed to publish session clear", "err", err)
		}
	}

	s.bus.Emit(events.SignOut, nil)
	s.notifyChange()
	return s.Snapshot(), nil
}

// Close releases the store's long-lived resources (the refresh timer and
// the notifier subscription), for graceful shutdown.
func (s *Store) Close() {
	s.timerMu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerMu.Unlock()
	if s.notifierUnsub != nil {
		s.notifierUnsub()
	}
}

func (s *Store) handleNotification(note persistence.Notification) {
	switch note.Kind {
	case persistence.SessionCleared:
		s.mu.Lock()
		wasAuthenticated := s.snapshot.State == Authenticated
		passkeys := s.snapshot.PasskeysEnabled
		s.snapshot = Snapshot{State: Unauthenticated, PasskeysEnabled: passkeys}
		s.mu.Unlock()

		s.timerMu.Lock()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		s.timerMu.Unlock()

		if wasAuthenticated {
			s.bus.Emit(events.SessionExpired, nil)
		}
		s.notifyChange()

	case persistence.SessionUpdated:
		if note.Session == nil {
			return
		}
		s.mu.RLock()
		currentExpiry := s.snapshot.ExpiresAt
		s.mu.RUnlock()
		if isStale(currentExpiry, note.Session.ExpiresAt) {
			// I3 fence: a peer's message may arrive out of order; never let
			// it roll our state backwards (spec §4.2).
			return
		}

		u := note.Session.User()
		s.mu.Lock()
		s.snapshot.State = Authenticated
		s.snapshot.User = &u
		s.snapshot.AccessToken = note.Session.AccessToken
		s.snapshot.RefreshToken = note.Session.RefreshToken
		s.snapshot.ExpiresAt = note.Session.ExpiresAt
		s.snapshot.RefreshedAt = note.Session.RefreshedAt
		s.snapshot.SecondaryToken = note.Session.SecondaryToken
		s.snapshot.SecondaryExpiresAt = note.Session.SecondaryExpiresAt
		s.mu.Unlock()

		s.scheduleNextRefresh()
		s.notifyChange()
	}
}
