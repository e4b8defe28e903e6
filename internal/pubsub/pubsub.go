// Package pubsub is a small generic publish/subscribe bus used to signal the
// server event loop about internal occurrences (election timeout, vote
// granted, heartbeat received, ...) without the loop and its background
// timers/goroutines sharing mutable state directly.
package pubsub

import (
	"sync"
	"sync/atomic"
)

// Topic identifies a class of event.
type Topic int

// Event carries a typed payload for a Topic. Each instantiation of Event[T]
// is a distinct type, so the bus stores type-erased closures internally (see
// subscriber) while callers only ever see the typed channel they created.
type Event[T any] struct {
	Topic   Topic
	Payload T
}

func NewEvent[T any](topic Topic, payload T) *Event[T] {
	return &Event[T]{Topic: topic, Payload: payload}
}

// SubscriptionOptions configures delivery semantics for one subscriber.
type SubscriptionOptions struct {
	// IsBlocking, if true, blocks the broker's dispatch loop until this
	// subscriber's channel accepts the event. Should be false for almost
	// every subscriber; a slow blocking subscriber stalls the whole bus.
	IsBlocking bool
}

// SubscriberID identifies one subscription so it can later be cancelled.
type SubscriberID uint64

var nextSubscriberID uint64

// subscriber is the type-erased registry entry: sendFunc closes over the
// caller's concrete chan *Event[T] and performs the one type assertion back
// from `any`, so the registry itself can be a single homogeneous map.
type subscriber struct {
	sendFunc   func(topic Topic, payload any) bool
	closeFunc  func()
	options    SubscriptionOptions
	numDropped atomic.Uint64
}

// Bus is a thread-safe, single-dispatch-goroutine publish/subscribe broker.
type Bus struct {
	mu   sync.RWMutex
	wg   sync.WaitGroup
	subs map[Topic]map[SubscriberID]*subscriber

	publishCh chan published
	closing   atomic.Bool
}

type published struct {
	topic   Topic
	payload any
}

// New starts a Bus with a buffered publish queue so Publish never blocks on
// the dispatch goroutine being busy fanning out a previous event.
func New() *Bus {
	b := &Bus{
		subs:      make(map[Topic]map[SubscriberID]*subscriber),
		publishCh: make(chan published, 256),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Subscribe registers ch to receive every Event[T] published on topic.
// Subscribe is a free function (not a method) because Go methods cannot
// introduce their own type parameters.
func Subscribe[T any](b *Bus, topic Topic, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := SubscriberID(atomic.AddUint64(&nextSubscriberID, 1))
	sub := &subscriber{
		options: opts,
		sendFunc: func(topic Topic, payload any) bool {
			typed, ok := payload.(T)
			if !ok {
				return false
			}
			ev := &Event[T]{Topic: topic, Payload: typed}
			if opts.IsBlocking {
				ch <- ev
				return true
			}
			select {
			case ch <- ev:
				return true
			default:
				return false
			}
		},
		closeFunc: func() { close(ch) },
	}

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[SubscriberID]*subscriber)
	}
	b.subs[topic][id] = sub
	return id
}

// Unsubscribe removes and closes the subscription's channel.
func (b *Bus) Unsubscribe(topic Topic, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.subs[topic]
	if !ok {
		return
	}
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	sub.closeFunc()
	if len(subs) == 0 {
		delete(b.subs, topic)
	}
}

// Publish enqueues an event for asynchronous fan-out. Safe to call
// concurrently with Close; publishes that race a Close are dropped.
func Publish[T any](b *Bus, ev *Event[T]) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closing.Load() {
		return
	}
	b.publishCh <- published{topic: ev.Topic, payload: ev.Payload}
}

func (b *Bus) run() {
	defer b.wg.Done()
	for msg := range b.publishCh {
		b.mu.RLock()
		for _, sub := range b.subs[msg.topic] {
			if !sub.sendFunc(msg.topic, msg.payload) && !sub.options.IsBlocking {
				sub.numDropped.Add(1)
			}
		}
		b.mu.RUnlock()
	}
}

// Close drains any buffered events and waits for the dispatch goroutine to
// exit. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closing.Load() {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}
	b.closing.Store(true)
	close(b.publishCh)
	b.mu.Unlock()
	b.wg.Wait()
}
