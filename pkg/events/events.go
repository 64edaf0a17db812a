// Package events implements the intra-process publish/subscribe bus described
// in spec §4.6: a closed set of lifecycle events, synchronous dispatch, and
// per-handler failure isolation so one bad handler never suppresses another.
package events

import (
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thepia/flows-auth/pkg/logging"
)

// Type is one of the eleven closed event kinds the bus will dispatch.
type Type string

const (
	SignInStarted       Type = "sign_in_started"
	SignInSuccess       Type = "sign_in_success"
	SignInError         Type = "sign_in_error"
	SignOut             Type = "sign_out"
	TokenRefreshed      Type = "token_refreshed"
	SessionExpired      Type = "session_expired"
	PasskeyUsed         Type = "passkey_used"
	PasskeyCreated      Type = "passkey_created"
	RegistrationStarted Type = "registration_started"
	RegistrationSuccess Type = "registration_success"
	RegistrationError   Type = "registration_error"
)

// AuthEvent is the record delivered to every handler. ID and OccurredAt are
// stamped by the bus at emit time; Data carries whatever payload the emitter
// supplied (e.g. the ErrorRecord for *_error events, a User for sign_in_success).
type AuthEvent struct {
	ID         string
	Type       Type
	OccurredAt time.Time
	Data       any
}

// Handler receives a dispatched AuthEvent. Handlers must not block on I/O
// (spec §7: "No event-bus handler may suspend for I/O; handlers must enqueue
// work if they need to call the network") — the bus does not enforce this,
// it is a contract on the caller.
type Handler func(AuthEvent)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a typed, intra-process, synchronous pub/sub dispatcher. The zero
// value is not usable; construct with New.
type Bus struct {
	mu        sync.RWMutex
	subs      map[Type][]subscription
	nextSubID uint64
}

// New returns a ready-to-use, empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Type][]subscription)}
}

// Unsubscribe stops a handler from receiving further events of the type it
// was registered for. Calling it more than once is a no-op.
type Unsubscribe func()

// On registers handler for events of the given type and returns a function
// that removes it. Per spec §4.6: "on(type, handler) returns an unsubscribe
// handle."
func (b *Bus) On(t Type, handler Handler) Unsubscribe {
	b.mu.Lock()
	id := b.nextSubID
	b.nextSubID++
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.removeSub(t, id) })
	}
}

func (b *Bus) removeSub(t Type, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[t]
	for i, s := range subs {
		if s.id == id {
			b.subs[t] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Off unregisters every handler previously registered for t whose underlying
// function pointer matches handler (spec §4.6: "off(type, handler)"). Go func
// values aren't comparable with ==, so identity is compared via reflection on
// the code pointer; two handlers created from the same function literal at
// different call sites will therefore compare equal. Callers that need to
// remove one specific closure instance should instead keep and call the
// Unsubscribe returned by On.
func (b *Bus) Off(t Type, handler Handler) {
	target := reflect.ValueOf(handler).Pointer()

	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[t]
	kept := subs[:0]
	for _, s := range subs {
		if reflect.ValueOf(s.handler).Pointer() != target {
			kept = append(kept, s)
		}
	}
	b.subs[t] = kept
}

// RemoveAllListeners clears every handler for t, or for every type when t is
// the empty string (spec §4.6: "removeAllListeners(type?)").
func (b *Bus) RemoveAllListeners(t Type) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t == "" {
		b.subs = make(map[Type][]subscription)
		return
	}
	delete(b.subs, t)
}

// Emit stamps an AuthEvent (ID via uuid, OccurredAt via now) and dispatches
// it synchronously to every handler registered for t. A handler that panics
// is recovered, logged, and does not prevent the remaining handlers from
// running (spec §4.6: "handler exceptions are caught and logged; one handler
// failure MUST NOT suppress other handlers").
func (b *Bus) Emit(t Type, data any) AuthEvent {
	ev := AuthEvent{
		ID:         uuid.NewString(),
		Type:       t,
		OccurredAt: time.Now(),
		Data:       data,
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.subs[t]))
	for i, s := range b.subs[t] {
		handlers[i] = s.handler
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		dispatch(h, ev)
	}
	return ev
}

func dispatch(h Handler, ev AuthEvent) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorw("event handler panicked", "event", string(ev.Type), "id", ev.ID, "recover", r)
		}
	}()
	h(ev)
}
