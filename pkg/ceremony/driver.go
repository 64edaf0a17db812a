package ceremony

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/thepia/flows-auth/pkg/authcore"
	"github.com/thepia/flows-auth/pkg/cache"
	"github.com/thepia/flows-auth/pkg/classify"
	"github.com/thepia/flows-auth/pkg/events"
	"github.com/thepia/flows-auth/pkg/idp"
	"github.com/thepia/flows-auth/pkg/model"
)

// Unsubscribe stops a previously registered change handler from receiving
// further ceremony-state transitions.
type Unsubscribe func()

// Driver is the stateful wrapper around Reduce (spec §4.8: "implemented as a
// pure function Reduce(State, Event, Config) -> State plus a thin stateful wrapper
// that also drives the side-effecting calls"). It owns no tokens: every
// ceremony step that completes a session hands it to the Auth Core via
// UpdateTokens and only then applies the corresponding local transition.
type Driver struct {
	cfg       model.Config
	idpClient *idp.Client
	discovery *cache.Cache
	core      *authcore.Store
	bus       *events.Bus

	mu    sync.RWMutex
	state State

	changeMu   sync.Mutex
	changeSubs map[uint64]func(State)
	nextSubID  uint64
}

// NewDriver constructs a Driver starting in emailEntry. discovery may be nil;
// CheckUser does not read it and always calls through to the IdP (an
// idp.Client built with a discovery cache populates and invalidates it).
func NewDriver(cfg model.Config, idpClient *idp.Client, discovery *cache.Cache, core *authcore.Store, bus *events.Bus) *Driver {
	return &Driver{
		cfg:        cfg,
		idpClient:  idpClient,
		discovery:  discovery,
		core:       core,
		bus:        bus,
		state:      Initial(),
		changeSubs: make(map[uint64]func(State)),
	}
}

// State returns the current ceremony state.
func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// OnChange registers handler to be called synchronously after every
// transition and returns a function that removes it.
func (d *Driver) OnChange(handler func(State)) Unsubscribe {
	d.changeMu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.changeSubs[id] = handler
	d.changeMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.changeMu.Lock()
			delete(d.changeSubs, id)
			d.changeMu.Unlock()
		})
	}
}

func (d *Driver) apply(ev Event) State {
	d.mu.Lock()
	next := Reduce(d.state, ev, d.cfg)
	d.state = next
	d.mu.Unlock()

	d.changeMu.Lock()
	handlers := make([]func(State), 0, len(d.changeSubs))
	for _, h := range d.changeSubs {
		handlers = append(handlers, h)
	}
	d.changeMu.Unlock()
	for _, h := range handlers {
		h(next)
	}
	return next
}

// handleError classifies err (via idp.AsRecord when available) and applies
// the resulting ERROR event, returning the classified record for callers
// that also want to emit a *_error bus event.
func (d *Driver) handleError(err error, method, email string) classify.ErrorRecord {
	rec, ok := idp.AsRecord(err)
	if !ok {
		rec = classify.NewRecord(err.Error(), classify.Context{Method: method, Email: email}, time.Now())
	}
	d.apply(Event{Kind: EvError, Error: &rec})
	return rec
}

// CheckUser performs the discovery lookup and drives the USER_CHECKED
// transition. It also stamps the entered email into the ceremony state even
// though discovery results themselves are not cached here (idp.Client owns
// its own cache, spec §4.3).
func (d *Driver) CheckUser(ctx context.Context, email string) (model.DiscoveryResult, error) {
	email = model.NormalizeEmail(email)
	d.apply(Event{Kind: EvEmailEntered, Email: email})

	result, err := d.idpClient.CheckUser(ctx, email)
	if err != nil {
		d.handleError(err, "checkUser", email)
		return model.DiscoveryResult{}, err
	}
	now := time.Now()
	d.apply(Event{Kind: EvUserChecked, UserChecked: &UserCheckedPayload{
		Exists:              result.Exists,
		HasPasskey:          result.HasPasskey,
		HasValidPin:         result.HasValidPin(now),
		PinRemainingMinutes: result.PinRemainingMinutes(now),
	}})
	return result, nil
}

// SendEmailCode requests a one-time code. On success it drives the
// emailVerification -> pinEntry transition.
func (d *Driver) SendEmailCode(ctx context.Context, email string, createIfMissing bool) (idp.EmailCodeResult, error) {
	email = model.NormalizeEmail(email)
	result, err := d.idpClient.SendEmailCode(ctx, email, createIfMissing)
	if err != nil {
		d.handleError(err, "sendEmailCode", email)
		return idp.EmailCodeResult{}, err
	}
	d.apply(Event{Kind: EvEmailSent})
	return result, nil
}

// VerifyEmailCode completes an email-code ceremony: the IdP result is handed
// to the Auth Core before the ceremony itself advances to signedIn.
func (d *Driver) VerifyEmailCode(ctx context.Context, email, code string) (authcore.Snapshot, error) {
	email = model.NormalizeEmail(email)
	d.bus.Emit(events.SignInStarted, email)

	result, err := d.idpClient.VerifyEmailCode(ctx, email, code)
	if err != nil {
		rec := d.handleError(err, "verifyEmailCode", email)
		d.bus.Emit(events.SignInError, rec)
		return authcore.Snapshot{}, err
	}

	snap, err := d.core.UpdateTokens(ctx, result.User, result.Token, model.AuthMethodEmailCode)
	if err != nil {
		return snap, err
	}
	d.apply(Event{Kind: EvPinVerified})
	d.bus.Emit(events.SignInSuccess, result.User)
	return snap, nil
}

// StartPasskeyAuth requests a WebAuthn assertion challenge.
func (d *Driver) StartPasskeyAuth(ctx context.Context, email string) (model.Challenge, error) {
	email = model.NormalizeEmail(email)
	ch, err := d.idpClient.WebauthnChallenge(ctx, email)
	if err != nil {
		d.handleError(err, "webauthnChallenge", email)
		return model.Challenge{}, err
	}
	d.apply(Event{Kind: EvPasskeySelected})
	return ch, nil
}

// CompletePasskeyAuth submits the browser's assertion and, on success, hands
// the resulting session to the Auth Core. Attestation verification itself is
// performed upstream by the IdP; this driver only relays the opaque
// assertion and interprets the classified outcome.
func (d *Driver) CompletePasskeyAuth(ctx context.Context, challengeID string, assertion any) (authcore.Snapshot, error) {
	result, err := d.idpClient.WebauthnVerify(ctx, challengeID, assertion)
	if err != nil {
		d.applyPasskeyFailure(err)
		return authcore.Snapshot{}, err
	}
	snap, err := d.core.UpdateTokens(ctx, result.User, result.Token, model.AuthMethodPasskey)
	if err != nil {
		return snap, err
	}
	d.apply(Event{Kind: EvPasskeySuccess})
	d.bus.Emit(events.PasskeyUsed, result.User)
	d.bus.Emit(events.SignInSuccess, result.User)
	return snap, nil
}

// CancelPasskeyAuth records a user-cancelled WebAuthn ceremony (the browser
// reported NotAllowedError or similar with no upstream round trip made).
func (d *Driver) CancelPasskeyAuth() State {
	return d.apply(Event{Kind: EvPasskeyFailed, PasskeyFail: &PasskeyFailure{
		Type:   PasskeyErrorUserCancellation,
		Record: classify.ErrorRecord{Code: classify.AuthCancelled, Retryable: true, Timestamp: time.Now()},
	}})
}

func (d *Driver) applyPasskeyFailure(err error) {
	rec, ok := idp.AsRecord(err)
	if !ok {
		rec = classify.NewRecord(err.Error(), classify.Context{Method: "webauthnVerify"}, time.Now())
	}
	errType := PasskeyErrorCredentialNotFound
	switch rec.Code {
	case classify.AuthCancelled:
		errType = PasskeyErrorUserCancellation
	case classify.AuthFailed:
		errType = PasskeyErrorCredentialNotFound
	default:
		errType = ""
	}
	d.apply(Event{Kind: EvPasskeyFailed, PasskeyFail: &PasskeyFailure{Type: errType, Record: rec}})
}

// RegisterPasskey fetches WebAuthn registration options. Reachable only from
// signedIn (spec §4.8).
func (d *Driver) RegisterPasskey(ctx context.Context, accessToken string) (json.RawMessage, error) {
	if d.State().Phase != PhaseSignedIn {
		return nil, fmt.Errorf("ceremony: passkey registration is only reachable from signedIn")
	}
	d.apply(Event{Kind: EvRegisterPasskey})

	opts, err := d.idpClient.WebauthnRegisterOptions(ctx, accessToken)
	if err != nil {
		d.handleError(err, "webauthnRegisterOptions", "")
		d.bus.Emit(events.RegistrationError, err)
		return nil, err
	}
	d.bus.Emit(events.RegistrationStarted, nil)
	return opts, nil
}

// FinishPasskeyRegistration completes registration of a new credential.
func (d *Driver) FinishPasskeyRegistration(ctx context.Context, email string, attestation any) (string, error) {
	credID, err := d.idpClient.WebauthnRegisterFinish(ctx, email, attestation)
	if err != nil {
		d.handleError(err, "webauthnRegisterFinish", email)
		d.bus.Emit(events.RegistrationError, err)
		return "", err
	}
	d.apply(Event{Kind: EvPasskeyRegistered})
	d.bus.Emit(events.PasskeyCreated, credID)
	d.bus.Emit(events.RegistrationSuccess, credID)
	return credID, nil
}

// SendMagicLink requests a sign-in link be emailed.
func (d *Driver) SendMagicLink(ctx context.Context, email, redirectURL string) (idp.MagicLinkResult, error) {
	email = model.NormalizeEmail(email)
	result, err := d.idpClient.SendMagicLink(ctx, email, redirectURL)
	if err != nil {
		d.handleError(err, "sendMagicLink", email)
		return idp.MagicLinkResult{}, err
	}
	return result, nil
}

// VerifyMagicLink exchanges an opaque magic-link token for a session.
func (d *Driver) VerifyMagicLink(ctx context.Context, token string) (authcore.Snapshot, error) {
	result, err := d.idpClient.VerifyMagicLink(ctx, token)
	if err != nil {
		rec := d.handleError(err, "verifyMagicLink", "")
		d.bus.Emit(events.SignInError, rec)
		return authcore.Snapshot{}, err
	}
	snap, err := d.core.UpdateTokens(ctx, result.User, result.Token, model.AuthMethodMagicLink)
	if err != nil {
		return snap, err
	}
	d.apply(Event{Kind: EvEmailVerified})
	d.bus.Emit(events.SignInSuccess, result.User)
	return snap, nil
}

// Reset returns the ceremony to emailEntry, keeping the entered email.
func (d *Driver) Reset() State {
	return d.apply(Event{Kind: EvReset})
}
