package pubsub

import (
	"log"
	"sync"
	"sync/atomic"
)

// Topic identifies a stream of events. Publishers define their own topics.
type Topic int

// Options configures a subscription
type Options struct {
	// Blocking makes the broker wait for room in the subscriber's channel instead of dropping the event. A slow
	// blocking subscriber stalls delivery for everybody, so only use it for consumers that must see every event.
	Blocking bool
}

// Event is a published payload with compile-time type safety. Each instantiation is a distinct type, so a
// subscriber for Event[T] never receives a payload of another type.
type Event[T any] struct {
	Topic   Topic
	Payload T
}

// subscriber is the type-erased side of a Subscription. The closures capture the typed channel so subscribers of
// different payload types can share one registry.
type subscriber struct {
	send     func(topic Topic, payload any, done <-chan struct{}) bool
	closeCh  func()
	blocking bool
	dropped  atomic.Uint64

	// done is closed by cancel and releases a blocked send. sendMu keeps the channel from being closed under a send.
	done   chan struct{}
	once   sync.Once
	sendMu sync.Mutex
}

func (s *subscriber) deliver(topic Topic, payload any) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.cancelled() {
		return false
	}
	return s.send(topic, payload, s.done)
}

func (s *subscriber) cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// cancel stops delivery and closes the channel. It is safe to call more than once.
func (s *subscriber) cancel() {
	s.once.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		s.closeCh()
	})
}

// Subscription receives the events of one topic on C until it is cancelled or the broker is closed, at which
// point C is closed.
type Subscription[T any] struct {
	C <-chan *Event[T]

	id     uint64
	topic  Topic
	sub    *subscriber
	broker *Broker
}

// Dropped returns how many events were dropped because C was full
func (s *Subscription[T]) Dropped() uint64 {
	return s.sub.dropped.Load()
}

// Cancel stops delivery and closes C. It does not wait for a blocking subscriber to read, and is safe to call
// more than once.
func (s *Subscription[T]) Cancel() {
	s.broker.unsubscribe(s.topic, s.id)
}

type message struct {
	topic   Topic
	payload any
}

// Broker fans published events out to subscribers from a single goroutine. It is safe for concurrent use.
// Publish never waits for delivery, so it can be called while holding locks a subscriber may need.
type Broker struct {
	name string

	mu     sync.RWMutex
	wg     sync.WaitGroup
	nextID uint64
	topics map[Topic]map[uint64]*subscriber
	closed bool

	// pending decouples Publish from delivery and holds the events drained by Close
	qmu      sync.Mutex
	qcond    *sync.Cond
	pending  []message
	draining bool
}

// NewBroker starts a broker. queueSize is the backlog it expects, the queue grows past it instead of blocking.
func NewBroker(name string, queueSize int) *Broker {
	b := &Broker{
		name:    name,
		topics:  make(map[Topic]map[uint64]*subscriber),
		pending: make([]message, 0, queueSize),
	}
	b.qcond = sync.NewCond(&b.qmu)
	b.wg.Add(1)
	go b.run()
	return b
}

// Subscribe registers a subscriber for topic with a channel buffering up to buffer events.
//
// Go methods cannot declare type parameters, so Subscribe and Publish are functions taking the broker.
func Subscribe[T any](b *Broker, topic Topic, buffer int, opts Options) *Subscription[T] {
	ch := make(chan *Event[T], buffer)
	sub := &subscriber{
		blocking: opts.Blocking,
		done:     make(chan struct{}),
		closeCh:  func() { close(ch) },
		send: func(t Topic, payload any, done <-chan struct{}) bool {
			typed, ok := payload.(T)
			if !ok {
				log.Printf("[PubSub-%s] Type mismatch on topic %d: expected %T, got %T", b.name, t, *new(T), payload)
				return false
			}
			event := &Event[T]{Topic: t, Payload: typed}
			if opts.Blocking {
				select {
				case ch <- event:
					return true
				case <-done:
					return false
				}
			}
			select {
			case ch <- event:
				return true
			default:
				return false
			}
		},
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription[T]{C: ch, id: b.nextID, topic: topic, sub: sub, broker: b}
	if b.closed {
		sub.cancel()
		return s
	}
	if _, ok := b.topics[topic]; !ok {
		b.topics[topic] = make(map[uint64]*subscriber)
	}
	b.topics[topic][s.id] = sub
	return s
}

// Publish queues payload for the subscribers of topic without waiting for delivery. It returns false if the
// broker is closed.
func Publish[T any](b *Broker, topic Topic, payload T) bool {
	// Holding the read lock keeps Close from starting the drain before the event is queued
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return false
	}
	b.qmu.Lock()
	b.pending = append(b.pending, message{topic: topic, payload: payload})
	b.qmu.Unlock()
	b.qcond.Signal()
	return true
}

func (b *Broker) unsubscribe(topic Topic, id uint64) {
	b.mu.Lock()
	sub, ok := b.topics[topic][id]
	if ok {
		delete(b.topics[topic], id)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}
	b.mu.Unlock()

	if ok {
		sub.cancel()
	}
}

// Close rejects new events, delivers the queued ones and closes every subscription. It blocks until delivery is
// done and is safe to call more than once. A blocking subscriber that stops reading holds Close up until it is
// cancelled.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.qmu.Lock()
	b.draining = true
	b.qmu.Unlock()
	b.qcond.Signal()

	b.wg.Wait()

	b.mu.Lock()
	var subs []*subscriber
	for topic, byID := range b.topics {
		for _, sub := range byID {
			subs = append(subs, sub)
		}
		delete(b.topics, topic)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
}

// next waits for queued events. It returns false once the broker is closed and the queue is drained.
func (b *Broker) next() ([]message, bool) {
	b.qmu.Lock()
	defer b.qmu.Unlock()

	for len(b.pending) == 0 && !b.draining {
		b.qcond.Wait()
	}
	if len(b.pending) == 0 {
		return nil, false
	}
	batch := b.pending
	b.pending = nil
	return batch, true
}

func (b *Broker) run() {
	defer b.wg.Done()

	type target struct {
		id  uint64
		sub *subscriber
	}
	var targets []target

	for {
		batch, ok := b.next()
		if !ok {
			return
		}
		for _, msg := range batch {
			// Deliver without the lock so Subscribe and Cancel never wait on a slow subscriber
			targets = targets[:0]
			b.mu.RLock()
			for id, sub := range b.topics[msg.topic] {
				targets = append(targets, target{id: id, sub: sub})
			}
			b.mu.RUnlock()

			for _, t := range targets {
				if !t.sub.deliver(msg.topic, msg.payload) && !t.sub.blocking && !t.sub.cancelled() {
					dropped := t.sub.dropped.Add(1)
					log.Printf("[PubSub-%s] Dropped event on topic %d for subscriber %d (total dropped: %d)",
						b.name, msg.topic, t.id, dropped)
				}
			}
		}
	}
}
