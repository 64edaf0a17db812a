// Package facade implements the Composition Facade (spec §4.9): a single
// read-only projection over the Auth Core and Ceremony stores plus the thin
// action surface a UI calls, including the two-slot apiError/uiError
// propagation policy of spec §7.
package facade

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/thepia/flows-auth/pkg/authcore"
	"github.com/thepia/flows-auth/pkg/ceremony"
	"github.com/thepia/flows-auth/pkg/classify"
	"github.com/thepia/flows-auth/pkg/idp"
	"github.com/thepia/flows-auth/pkg/model"
)

// Snapshot is the facade's observable projection (spec §4.9's field set).
type Snapshot struct {
	State       authcore.State
	SignInState ceremony.Phase

	User               *model.User
	AccessToken        string
	RefreshToken       string
	ExpiresAt          *int64
	RefreshedAt        *int64
	SecondaryToken     string
	SecondaryExpiresAt *int64

	APIError *classify.ErrorRecord
	UIError  *classify.ErrorRecord

	PasskeysEnabled bool

	Email         string
	Loading       bool
	EmailCodeSent bool
	FullName      string
	EmailCode     string

	UserExists          bool
	HasPasskeys         bool
	HasValidPin         bool
	PinRemainingMinutes int

	ConditionalAuthActive          bool
	PlatformAuthenticatorAvailable bool
}

// ChangeHandler receives the merged snapshot after any change to either
// underlying store or to a local UI-state field.
type ChangeHandler func(Snapshot)

// Unsubscribe stops a ChangeHandler from receiving further notifications.
type Unsubscribe func()

// Facade composes an authcore.Store and a ceremony.Driver into one
// observable unit. It holds no authentication state of its own beyond the
// UI-only fields (email input buffer, loading flag, the two error slots).
type Facade struct {
	cfgMu sync.RWMutex
	cfg   model.Config

	core      *authcore.Store
	ceremony  *ceremony.Driver
	idpClient *idp.Client

	mu                             sync.Mutex
	email                          string
	fullName                       string
	emailCode                      string
	loading                        bool
	emailCodeSent                  bool
	conditionalAuthActive          bool
	platformAuthenticatorAvailable bool
	apiError                       *classify.ErrorRecord
	uiError                        *classify.ErrorRecord
	lastAppliedCeremonyErr         *classify.ErrorRecord

	changeMu   sync.Mutex
	changeSubs map[uint64]ChangeHandler
	nextSubID  uint64

	coreUnsub     authcore.Unsubscribe
	ceremonyUnsub ceremony.Unsubscribe
}

// New composes core and drv behind one facade.
func New(cfg model.Config, core *authcore.Store, drv *ceremony.Driver, idpClient *idp.Client) *Facade {
	f := &Facade{
		cfg:        cfg,
		core:       core,
		ceremony:   drv,
		idpClient:  idpClient,
		changeSubs: make(map[uint64]ChangeHandler),
	}
	f.coreUnsub = core.OnChange(func(authcore.Snapshot) { f.notify() })
	f.ceremonyUnsub = drv.OnChange(f.onCeremonyChange)
	return f
}

// Close detaches the facade from both underlying stores' change feeds and
// releases the Auth Core's scheduled-refresh timer.
func (f *Facade) Close() {
	if f.coreUnsub != nil {
		f.coreUnsub()
	}
	if f.ceremonyUnsub != nil {
		f.ceremonyUnsub()
	}
	f.core.Close()
}

func (f *Facade) onCeremonyChange(s ceremony.State) {
	if s.LastError != nil {
		f.mu.Lock()
		if f.lastAppliedCeremonyErr == nil || *f.lastAppliedCeremonyErr != *s.LastError {
			rec := *s.LastError
			f.lastAppliedCeremonyErr = &rec
			f.applyErrorLocked(rec)
		}
		f.mu.Unlock()
	}
	f.notify()
}

// surfaceToUI implements spec §7's propagation table: invalidCode,
// rateLimited, authFailed (non-cancellation) and userNotFound reach the UI;
// network/serviceUnavailable/authCancelled are recorded in apiError only.
func surfaceToUI(rec classify.ErrorRecord) bool {
	switch rec.Code {
	case classify.InvalidCode, classify.RateLimited, classify.AuthFailed, classify.UserNotFound:
		return true
	default:
		return false
	}
}

func (f *Facade) applyErrorLocked(rec classify.ErrorRecord) {
	f.apiError = &rec
	if surfaceToUI(rec) {
		f.uiError = &rec
	}
}

// DismissUIError clears the uiError slot only; apiError is kept for
// diagnostics/reporting (spec §7: "dismissUiError clears it; the underlying
// apiError persists").
func (f *Facade) DismissUIError() Snapshot {
	f.mu.Lock()
	f.uiError = nil
	f.mu.Unlock()
	return f.notify()
}

// Snapshot returns the current merged, read-only projection.
func (f *Facade) Snapshot() Snapshot {
	coreSnap := f.core.Snapshot()
	cerState := f.ceremony.State()

	f.mu.Lock()
	defer f.mu.Unlock()

	var userPtr *model.User
	if coreSnap.User != nil {
		u := *coreSnap.User
		userPtr = &u
	}

	return Snapshot{
		State:       coreSnap.State,
		SignInState: cerState.Phase,

		User:               userPtr,
		AccessToken:        coreSnap.AccessToken,
		RefreshToken:       coreSnap.RefreshToken,
		ExpiresAt:          coreSnap.ExpiresAt,
		RefreshedAt:        coreSnap.RefreshedAt,
		SecondaryToken:     coreSnap.SecondaryToken,
		SecondaryExpiresAt: coreSnap.SecondaryExpiresAt,

		APIError: f.apiError,
		UIError:  f.uiError,

		PasskeysEnabled: coreSnap.PasskeysEnabled,

		Email:         f.email,
		Loading:       f.loading,
		EmailCodeSent: f.emailCodeSent,
		FullName:      f.fullName,
		EmailCode:     f.emailCode,

		UserExists:          cerState.UserExists,
		HasPasskeys:         cerState.HasPasskeys,
		HasValidPin:         cerState.HasValidPin,
		PinRemainingMinutes: cerState.PinRemainingMinutes,

		ConditionalAuthActive:          f.conditionalAuthActive,
		PlatformAuthenticatorAvailable: f.platformAuthenticatorAvailable,
	}
}

// OnChange registers handler to receive the merged snapshot after every
// state change and returns a function that removes it.
func (f *Facade) OnChange(handler ChangeHandler) Unsubscribe {
	f.changeMu.Lock()
	id := f.nextSubID
	f.nextSubID++
	f.changeSubs[id] = handler
	f.changeMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.changeMu.Lock()
			delete(f.changeSubs, id)
			f.changeMu.Unlock()
		})
	}
}

func (f *Facade) notify() Snapshot {
	snap := f.Snapshot()
	f.changeMu.Lock()
	handlers := make([]ChangeHandler, 0, len(f.changeSubs))
	for _, h := range f.changeSubs {
		handlers = append(handlers, h)
	}
	f.changeMu.Unlock()
	for _, h := range handlers {
		h(snap)
	}
	return snap
}

// --- Plain setters (spec §4.9 action surface) ---

func (f *Facade) SetEmail(email string) Snapshot {
	f.mu.Lock()
	f.email = email
	f.mu.Unlock()
	return f.notify()
}

func (f *Facade) SetFullName(name string) Snapshot {
	f.mu.Lock()
	f.fullName = name
	f.mu.Unlock()
	return f.notify()
}

func (f *Facade) SetEmailCode(code string) Snapshot {
	f.mu.Lock()
	f.emailCode = code
	f.mu.Unlock()
	return f.notify()
}

func (f *Facade) SetLoading(loading bool) Snapshot {
	f.mu.Lock()
	f.loading = loading
	f.mu.Unlock()
	return f.notify()
}

func (f *Facade) SetEmailCodeSent(sent bool) Snapshot {
	f.mu.Lock()
	f.emailCodeSent = sent
	f.mu.Unlock()
	return f.notify()
}

func (f *Facade) SetConditionalAuthActive(active bool) Snapshot {
	f.mu.Lock()
	f.conditionalAuthActive = active
	f.mu.Unlock()
	return f.notify()
}

// SetPlatformAuthenticatorAvailable is a supplemental hook (not itself a
// spec §4.9 action) the embedding environment calls once it has learned
// whether a platform authenticator is available; Go code has no way to
// probe that capability itself.
func (f *Facade) SetPlatformAuthenticatorAvailable(available bool) Snapshot {
	f.mu.Lock()
	f.platformAuthenticatorAvailable = available
	f.mu.Unlock()
	return f.notify()
}

func (f *Facade) beginLoading() {
	f.SetLoading(true)
}

func (f *Facade) endLoading() {
	f.SetLoading(false)
}

// --- Ceremony-driving actions ---

func (f *Facade) CheckUser(ctx context.Context, email string) (model.DiscoveryResult, error) {
	f.beginLoading()
	defer f.endLoading()
	return f.ceremony.CheckUser(ctx, email)
}

func (f *Facade) SendEmailCode(ctx context.Context, email string, createIfMissing bool) (idp.EmailCodeResult, error) {
	f.beginLoading()
	defer f.endLoading()
	result, err := f.ceremony.SendEmailCode(ctx, email, createIfMissing)
	if err == nil {
		f.SetEmailCodeSent(true)
	}
	return result, err
}

func (f *Facade) VerifyEmailCode(ctx context.Context, email, code string) (authcore.Snapshot, error) {
	f.beginLoading()
	defer f.endLoading()
	return f.ceremony.VerifyEmailCode(ctx, email, code)
}

func (f *Facade) StartPasskeyAuth(ctx context.Context, email string) (model.Challenge, error) {
	f.beginLoading()
	defer f.endLoading()
	return f.ceremony.StartPasskeyAuth(ctx, email)
}

// RegisterPasskey performs the first step of registration: it fetches the
// registration options. The caller completes the browser ceremony and then
// calls FinishPasskeyRegistration.
func (f *Facade) RegisterPasskey(ctx context.Context) (json.RawMessage, error) {
	snap := f.core.Snapshot()
	f.beginLoading()
	defer f.endLoading()
	return f.ceremony.RegisterPasskey(ctx, snap.AccessToken)
}

func (f *Facade) FinishPasskeyRegistration(ctx context.Context, attestation any) (string, error) {
	snap := f.Snapshot()
	email := ""
	if snap.User != nil {
		email = snap.User.Email
	}
	f.beginLoading()
	defer f.endLoading()
	return f.ceremony.FinishPasskeyRegistration(ctx, email, attestation)
}

func (f *Facade) SendMagicLink(ctx context.Context, email, redirectURL string) (idp.MagicLinkResult, error) {
	f.beginLoading()
	defer f.endLoading()
	return f.ceremony.SendMagicLink(ctx, email, redirectURL)
}

func (f *Facade) VerifyMagicLink(ctx context.Context, token string) (authcore.Snapshot, error) {
	f.beginLoading()
	defer f.endLoading()
	return f.ceremony.VerifyMagicLink(ctx, token)
}

func (f *Facade) SignOut(ctx context.Context) (authcore.Snapshot, error) {
	f.beginLoading()
	defer f.endLoading()
	snap, err := f.core.SignOut(ctx)
	f.ceremony.Reset()
	return snap, err
}

// Reset returns the ceremony to emailEntry and clears the local UI-only
// fields the action surface owns (code, sent flag); email is kept, matching
// the ceremony's own RESET semantics.
func (f *Facade) Reset() Snapshot {
	f.ceremony.Reset()
	f.mu.Lock()
	f.emailCode = ""
	f.emailCodeSent = false
	f.mu.Unlock()
	return f.notify()
}

// HealthCheck is a supplemental operation (spec §4.4) the UI can use to
// surface serviceUnavailable before a ceremony even starts.
func (f *Facade) HealthCheck(ctx context.Context) (idp.Health, error) {
	return f.idpClient.HealthCheck(ctx)
}

// UpdateConfig applies newCfg, rejecting any attempt to mutate apiBaseUrl,
// clientId or domain on a live store (spec §9).
func (f *Facade) UpdateConfig(newCfg model.Config) error {
	f.cfgMu.Lock()
	defer f.cfgMu.Unlock()
	if !f.cfg.MutableFieldsOnly(newCfg) {
		return errConfigImmutable
	}
	f.cfg = newCfg
	return nil
}

var errConfigImmutable = configImmutableError{}

type configImmutableError struct{}

func (configImmutableError) Error() string {
	return "facade: apiBaseUrl, clientId and domain cannot change on a live store"
}
