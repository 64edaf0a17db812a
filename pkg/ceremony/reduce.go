// Package ceremony implements the Sign-In Ceremony Store (spec §4.8): the
// pure state machine driving a single sign-in attempt, plus a stateful
// Driver that performs the side-effecting IdP calls and hands completed
// sessions off to the Auth Core (spec: "the ceremony store never owns
// tokens; it hands the session payload to Auth Core via updateTokens").
package ceremony

import (
	"github.com/thepia/flows-auth/pkg/classify"
	"github.com/thepia/flows-auth/pkg/model"
)

// Phase is one of the eight closed ceremony states (spec §4.8).
type Phase string

const (
	PhaseEmailEntry          Phase = "emailEntry"
	PhaseUserChecked         Phase = "userChecked"
	PhasePasskeyPrompt       Phase = "passkeyPrompt"
	PhasePinEntry            Phase = "pinEntry"
	PhasePasskeyRegistration Phase = "passkeyRegistration"
	PhaseEmailVerification   Phase = "emailVerification"
	PhaseSignedIn            Phase = "signedIn"
	PhaseGeneralError        Phase = "generalError"
)

// EventKind is one of the sixteen closed event-alphabet members (spec §4.8).
type EventKind string

const (
	EvEmailEntered              EventKind = "EMAIL_ENTERED"
	EvUserChecked               EventKind = "USER_CHECKED"
	EvSentPinEmail              EventKind = "SENT_PIN_EMAIL"
	EvPasskeyAvailable          EventKind = "PASSKEY_AVAILABLE"
	EvEmailCodeEntered          EventKind = "EMAIL_CODE_ENTERED"
	EvPasskeySelected           EventKind = "PASSKEY_SELECTED"
	EvPasskeySuccess            EventKind = "PASSKEY_SUCCESS"
	EvPasskeyFailed             EventKind = "PASSKEY_FAILED"
	EvPinVerified               EventKind = "PIN_VERIFIED"
	EvRegisterPasskey           EventKind = "REGISTER_PASSKEY"
	EvPasskeyRegistered         EventKind = "PASSKEY_REGISTERED"
	EvEmailVerificationRequired EventKind = "EMAIL_VERIFICATION_REQUIRED"
	EvEmailSent                 EventKind = "EMAIL_SENT"
	EvEmailVerified             EventKind = "EMAIL_VERIFIED"
	EvReset                     EventKind = "RESET"
	EvError                     EventKind = "ERROR"
)

// PasskeyErrorType distinguishes why a WebAuthn ceremony failed (spec §4.8
// transition table).
type PasskeyErrorType string

const (
	PasskeyErrorUserCancellation    PasskeyErrorType = "user-cancellation"
	PasskeyErrorCredentialNotFound  PasskeyErrorType = "credential-not-found"
)

// UserCheckedPayload carries the discovery-derived flags USER_CHECKED
// delivers (spec §4.8).
type UserCheckedPayload struct {
	Exists              bool
	HasPasskey          bool
	HasValidPin         bool
	PinRemainingMinutes int
}

// PasskeyFailure carries the classified reason a WebAuthn attempt failed.
type PasskeyFailure struct {
	Type   PasskeyErrorType
	Record classify.ErrorRecord
}

// Event is the closed union of ceremony inputs. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind        EventKind
	Email       string
	Code        string
	UserChecked *UserCheckedPayload
	PasskeyFail *PasskeyFailure
	Error       *classify.ErrorRecord
}

// State is the ceremony's exclusively-owned in-progress record (spec §3:
// "the Ceremony Store exclusively owns the ceremony's in-progress fields").
type State struct {
	Phase                Phase
	Email                 string
	EmailCode             string
	FullName              string
	UserExists            bool
	HasPasskeys           bool
	HasValidPin           bool
	PinRemainingMinutes  int
	LastError             *classify.ErrorRecord
}

// Initial is the ceremony's starting state (spec §4.8: "Initial state:
// emailEntry").
func Initial() State {
	return State{Phase: PhaseEmailEntry}
}

// Reduce is the pure transition function: Reduce(state, event, cfg) -> state.
// All pairs not explicitly listed in spec §4.8's transition table are
// no-ops, except the events handled regardless of the current phase: RESET,
// EMAIL_ENTERED (records the normalized email), ERROR (records the error and,
// when non-retryable, moves to generalError) and PIN_VERIFIED/EMAIL_VERIFIED
// (move to signedIn).
func Reduce(s State, ev Event, cfg model.Config) State {
	switch ev.Kind {
	case EvReset:
		// "any state accepts RESET to return to emailEntry" — clears code,
		// error, and discovery flags; keeps email (spec §4.8).
		return State{Phase: PhaseEmailEntry, Email: s.Email}

	case EvEmailEntered:
		next := s
		next.Email = model.NormalizeEmail(ev.Email)
		return next

	case EvError:
		next := s
		next.LastError = ev.Error
		if ev.Error != nil && !ev.Error.Retryable {
			next.Phase = PhaseGeneralError
		}
		return next

	case EvPinVerified, EvEmailVerified:
		// Either ceremony path that hands a completed session to Auth Core
		// lands in signedIn regardless of which entry state produced it.
		next := s
		next.Phase = PhaseSignedIn
		return next
	}

	switch s.Phase {
	case PhaseEmailEntry:
		if ev.Kind == EvUserChecked {
			return reduceUserChecked(s, ev, cfg)
		}

	case PhaseEmailVerification:
		if ev.Kind == EvEmailSent {
			next := s
			next.Phase = PhasePinEntry
			return next
		}

	case PhasePasskeyPrompt:
		if ev.Kind == EvPasskeySuccess {
			next := s
			next.Phase = PhaseSignedIn
			return next
		}
		if ev.Kind == EvPasskeyFailed {
			return reducePasskeyFailed(s, ev)
		}

	case PhaseSignedIn:
		if ev.Kind == EvRegisterPasskey {
			next := s
			next.Phase = PhasePasskeyRegistration
			return next
		}

	case PhasePasskeyRegistration:
		if ev.Kind == EvPasskeyRegistered {
			next := s
			next.Phase = PhaseSignedIn
			return next
		}
	}

	return s
}

func reduceUserChecked(s State, ev Event, cfg model.Config) State {
	if ev.UserChecked == nil {
		return s
	}
	uc := ev.UserChecked
	next := s
	next.UserExists = uc.Exists
	next.HasPasskeys = uc.HasPasskey
	next.HasValidPin = uc.HasValidPin
	next.PinRemainingMinutes = uc.PinRemainingMinutes

	switch {
	case uc.Exists && uc.HasPasskey:
		next.Phase = PhasePasskeyPrompt
	case uc.Exists && uc.HasValidPin:
		// PIN freshness (spec §4.8 invariant): go straight to pinEntry
		// without issuing a fresh sendEmailCode.
		next.Phase = PhasePinEntry
	case uc.Exists:
		next.Phase = PhaseEmailVerification
	case cfg.SignInMode == model.SignInModeLoginOrRegister:
		next.Phase = PhaseEmailVerification
	default:
		next.Phase = PhaseGeneralError
		rec := classify.ErrorRecord{Code: classify.UserNotFound, Message: "user not found", Retryable: false}
		next.LastError = &rec
	}
	return next
}

func reducePasskeyFailed(s State, ev Event) State {
	if ev.PasskeyFail == nil {
		return s
	}
	next := s
	rec := ev.PasskeyFail.Record
	next.LastError = &rec
	switch ev.PasskeyFail.Type {
	case PasskeyErrorUserCancellation:
		// Back to emailEntry (spec §4.8, S3); email is kept, unlike a full
		// RESET. The record is kept for apiError, but its authCancelled code
		// is never promoted to uiError (see pkg/facade's surfacing policy).
		next.Phase = PhaseEmailEntry
	case PasskeyErrorCredentialNotFound:
		next.Phase = PhasePinEntry
	default:
		next.Phase = PhaseGeneralError
	}
	return next
}
