package persistence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thepia/flows-auth/pkg/logging"
	"github.com/thepia/flows-auth/pkg/model"
)

// NotificationKind distinguishes the two message kinds the Notifier
// publishes (spec §4.2).
type NotificationKind string

const (
	SessionUpdated NotificationKind = "SESSION_UPDATED"
	SessionCleared NotificationKind = "SESSION_CLEARED"
)

// Notification is a timestamped cross-context message. Session is populated
// only for SessionUpdated.
type Notification struct {
	Kind      NotificationKind
	Session   *model.SessionRecord
	Timestamp time.Time
}

// Notifier broadcasts session updates and clears to other live contexts of
// the same origin (spec §4.2). Contexts are distinguished by an originID
// each subscriber supplies; a subscriber never receives its own publishes.
// This is an eventual-consistency transport, not a serializer — the Auth
// Core must apply the stale-token guard (I3) on receipt rather than
// trusting delivery order (spec §4.2).
type Notifier interface {
	// Subscribe registers originID as a listener and returns a receive-only
	// channel plus an unsubscribe function. The channel is closed by
	// Unsubscribe.
	Subscribe(ctx context.Context, originID string) (<-chan Notification, func())
	PublishSessionUpdated(ctx context.Context, originID string, rec model.SessionRecord) error
	PublishSessionCleared(ctx context.Context, originID string) error
}

// LocalNotifier fans out notifications to in-process goroutines standing in
// for browser tabs. Delivery is best-effort: a slow subscriber's channel is
// never allowed to block a publish (spec: "eventual-consistency transport").
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[uint64]localSub
	next uint64
}

type localSub struct {
	originID string
	ch       chan Notification
}

// NewLocalNotifier returns a ready-to-use LocalNotifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[uint64]localSub)}
}

func (n *LocalNotifier) Subscribe(_ context.Context, originID string) (<-chan Notification, func()) {
	n.mu.Lock()
	id := n.next
	n.next++
	ch := make(chan Notification, 8)
	n.subs[id] = localSub{originID: originID, ch: ch}
	n.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

func (n *LocalNotifier) publish(originID string, note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.subs {
		if s.originID == originID {
			continue
		}
		select {
		case s.ch <- note:
		default:
			logging.Warnw("local notifier dropped message, subscriber channel full")
		}
	}
}

func (n *LocalNotifier) PublishSessionUpdated(_ context.Context, originID string, rec model.SessionRecord) error {
	n.publish(originID, Notification{Kind: SessionUpdated, Session: &rec, Timestamp: time.Now()})
	return nil
}

func (n *LocalNotifier) PublishSessionCleared(_ context.Context, originID string) error {
	n.publish(originID, Notification{Kind: SessionCleared, Timestamp: time.Now()})
	return nil
}

var _ Notifier = (*LocalNotifier)(nil)

// RedisNotifier broadcasts over Redis Pub/Sub so independent OS processes
// sharing a RedisStore also converge (spec §9: the Notifier "can be
// implemented over ... a message bus").
type RedisNotifier struct {
	client    *redis.Client
	channel   string
	mu        sync.Mutex
	pubsubs   []*redis.PubSub
}

// NewRedisNotifier returns a RedisNotifier broadcasting on a channel
// namespaced under namespace.
func NewRedisNotifier(client *redis.Client, namespace string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: "flows-auth:" + namespace + ":notify"}
}

type wireNotification struct {
	Kind      NotificationKind      `json:"kind"`
	OriginID  string                `json:"originId"`
	Session   *model.SessionRecord  `json:"session,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

func (n *RedisNotifier) Subscribe(ctx context.Context, originID string) (<-chan Notification, func()) {
	ps := n.client.Subscribe(ctx, n.channel)
	out := make(chan Notification, 8)

	n.mu.Lock()
	n.pubsubs = append(n.pubsubs, ps)
	n.mu.Unlock()

	go func() {
		defer close(out)
		ch := ps.Channel()
		for msg := range ch {
			var wn wireNotification
			if err := json.Unmarshal([]byte(msg.Payload), &wn); err != nil {
				logging.Warnw("redis notifier: malformed message", "err", err)
				continue
			}
			if wn.OriginID == originID {
				continue
			}
			select {
			case out <- Notification{Kind: wn.Kind, Session: wn.Session, Timestamp: wn.Timestamp}:
			default:
				logging.Warnw("redis notifier dropped message, subscriber channel full")
			}
		}
	}()

	unsub := func() { _ = ps.Close() }
	return out, unsub
}

func (n *RedisNotifier) publish(ctx context.Context, wn wireNotification) error {
	payload, err := json.Marshal(wn)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

func (n *RedisNotifier) PublishSessionUpdated(ctx context.Context, originID string, rec model.SessionRecord) error {
	return n.publish(ctx, wireNotification{Kind: SessionUpdated, OriginID: originID, Session: &rec, Timestamp: time.Now()})
}

func (n *RedisNotifier) PublishSessionCleared(ctx context.Context, originID string) error {
	return n.publish(ctx, wireNotification{Kind: SessionCleared, OriginID: originID, Timestamp: time.Now()})
}

var _ Notifier = (*RedisNotifier)(nil)
