// Package broker provides in-process fan-out of newly created messages to
// subscribed receivers.
package broker

import (
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/MrCobi/periodico-messaging/internal/model"
	"github.com/MrCobi/periodico-messaging/pkg/logger"
	"github.com/MrCobi/periodico-messaging/pkg/metrics"
)

const shardCount = 32

// Publisher is the write-side surface of the broker. The gateway depends on
// this rather than the concrete Broker so a cross-instance relay can stand
// in front of it.
type Publisher interface {
	Publish(msg *model.Message)
}

// Options configure a Broker.
type Options struct {
	// BufferSize is the per-subscription channel capacity. A subscription
	// whose buffer is full when an event arrives is dropped rather than
	// allowed to stall other subscribers.
	BufferSize int

	// EchoToSender also delivers a published message to the sender's own
	// open subscriptions, so their other tabs stay in sync.
	EchoToSender bool
}

// Broker is a process-wide subscriber registry. It is explicitly
// constructed and owned; multiple instances can coexist (tests rely on
// this). The registry is sharded by user id so unrelated conversations do
// not serialize on one lock.
type Broker struct {
	opts   Options
	logger *logger.Logger
	shards [shardCount]shard

	closeMu sync.Mutex
	closed  bool
}

type shard struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

// Subscription is a live (userID -> channel) binding. Its lifetime is scoped
// to the caller: release it with Unsubscribe (or Broker.Close).
type Subscription struct {
	userID string
	broker *Broker

	mu     sync.Mutex
	ch     chan *model.Message
	closed bool
}

// C returns the delivery channel. It is closed when the subscription is
// released or the subscriber is dropped for not keeping up.
func (s *Subscription) C() <-chan *model.Message {
	return s.ch
}

// UserID returns the subscribed user.
func (s *Subscription) UserID() string {
	return s.userID
}

// send delivers msg without blocking. It returns false when the buffer is
// full, which the broker treats as grounds for dropping the subscriber.
func (s *Subscription) send(msg *model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

// close marks the subscription dead and closes its channel. Safe to call
// more than once.
func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// New creates a broker with the given options.
func New(opts Options, log *logger.Logger) *Broker {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 16
	}
	if log == nil {
		log = logger.Global()
	}
	b := &Broker{opts: opts, logger: log}
	for i := range b.shards {
		b.shards[i].subs = make(map[string]map[*Subscription]struct{})
	}
	return b
}

func (b *Broker) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &b.shards[h.Sum32()%shardCount]
}

// Subscribe registers a new subscription for userID. There is no limit on
// concurrent subscriptions per user; each receives fan-out independently.
// On a closed broker the returned subscription is already closed.
func (b *Broker) Subscribe(userID string) *Subscription {
	sub := &Subscription{
		userID: userID,
		broker: b,
		ch:     make(chan *model.Message, b.opts.BufferSize),
	}

	// Registration is serialized with Close so a late subscriber cannot
	// slip into a shard Close already drained.
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		sub.close()
		return sub
	}

	sh := b.shardFor(userID)
	sh.mu.Lock()
	if sh.subs[userID] == nil {
		sh.subs[userID] = make(map[*Subscription]struct{})
	}
	sh.subs[userID][sub] = struct{}{}
	sh.mu.Unlock()
	b.closeMu.Unlock()

	metrics.BrokerSubscriptionsActive.Inc()
	return sub
}

// Unsubscribe releases a subscription. It is idempotent: calling it twice,
// or after the subscriber was dropped, is safe.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	sh := b.shardFor(sub.userID)
	sh.mu.Lock()
	set, ok := sh.subs[sub.userID]
	if ok {
		if _, present := set[sub]; present {
			delete(set, sub)
			if len(set) == 0 {
				delete(sh.subs, sub.userID)
			}
		} else {
			ok = false
		}
	}
	sh.mu.Unlock()

	sub.close()
	if ok {
		metrics.BrokerSubscriptionsActive.Dec()
	}
}

// Publish delivers msg to every live subscription owned by the receiver
// (and the sender, when echo is enabled). It never fails the caller: the
// message is already durably stored by the time Publish runs, and delivery
// is best-effort per subscriber. Per subscription, messages are delivered
// in the order Publish was called for that receiver.
func (b *Broker) Publish(msg *model.Message) {
	metrics.BrokerPublishedTotal.Inc()

	b.fanOut(msg.ReceiverID, msg)
	if b.opts.EchoToSender && msg.SenderID != msg.ReceiverID {
		b.fanOut(msg.SenderID, msg)
	}
}

func (b *Broker) fanOut(userID string, msg *model.Message) {
	sh := b.shardFor(userID)

	sh.mu.RLock()
	var stalled []*Subscription
	for sub := range sh.subs[userID] {
		if !sub.send(msg) {
			stalled = append(stalled, sub)
		}
	}
	sh.mu.RUnlock()

	// Shed, don't stall: a subscriber that cannot keep up is dropped so it
	// never blocks the rest. The client recovers by reconnecting.
	for _, sub := range stalled {
		b.Unsubscribe(sub)
		metrics.BrokerDroppedTotal.Inc()
		b.logger.Warn("dropped slow subscriber",
			zap.String("user_id", sub.userID),
			zap.Int("buffer_size", b.opts.BufferSize),
		)
	}
}

// Close drops every subscription. Subscribe on a closed broker returns an
// already-closed subscription and Publish delivers nowhere; the process is
// shutting down.
func (b *Broker) Close() {
	b.closeMu.Lock()
	defer b.closeMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for i := range b.shards {
		sh := &b.shards[i]
		sh.mu.Lock()
		for userID, set := range sh.subs {
			for sub := range set {
				sub.close()
				metrics.BrokerSubscriptionsActive.Dec()
			}
			delete(sh.subs, userID)
		}
		sh.mu.Unlock()
	}
}
