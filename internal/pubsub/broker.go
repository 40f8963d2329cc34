// Package pubsub is an in-process, order-preserving fan-out broker.
//
// Publishers never block on slow subscribers: every subscription owns an
// unbounded queue drained by its own goroutine, so messages published for a
// key reach each subscriber in publish order.
package pubsub

import "sync"

type Broker[T any] struct {
	mu     sync.Mutex
	keyed  map[string]map[*Subscription[T]]struct{}
	all    map[*Subscription[T]]struct{}
	closed bool
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		keyed: make(map[string]map[*Subscription[T]]struct{}),
		all:   make(map[*Subscription[T]]struct{}),
	}
}

// Subscribe receives messages published under key.
func (b *Broker[T]) Subscribe(key string) *Subscription[T] {
	s := newSubscription(b, key, false)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.shutdown()
		return s
	}
	set, ok := b.keyed[key]
	if !ok {
		set = make(map[*Subscription[T]]struct{})
		b.keyed[key] = set
	}
	set[s] = struct{}{}
	return s
}

// SubscribeAll receives every published message regardless of key.
func (b *Broker[T]) SubscribeAll() *Subscription[T] {
	s := newSubscription(b, "", true)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.shutdown()
		return s
	}
	b.all[s] = struct{}{}
	return s
}

func (b *Broker[T]) Publish(key string, msg T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.keyed[key] {
		s.Send(msg)
	}
	for s := range b.all {
		s.Send(msg)
	}
}

// Subscribers returns how many subscriptions would receive a message for key.
func (b *Broker[T]) Subscribers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keyed[key]) + len(b.all)
}

func (b *Broker[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var subs []*Subscription[T]
	for _, set := range b.keyed {
		for s := range set {
			subs = append(subs, s)
		}
	}
	for s := range b.all {
		subs = append(subs, s)
	}
	b.keyed = make(map[string]map[*Subscription[T]]struct{})
	b.all = make(map[*Subscription[T]]struct{})
	b.mu.Unlock()
	for _, s := range subs {
		s.shutdown()
	}
}

func (b *Broker[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.all {
		delete(b.all, s)
		return
	}
	if set, ok := b.keyed[s.key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.keyed, s.key)
		}
	}
}

type Subscription[T any] struct {
	broker *Broker[T]
	key    string
	all    bool

	mu     sync.Mutex
	queue  []T
	closed bool

	wake chan struct{}
	done chan struct{}
	out  chan T
	once sync.Once
}

func newSubscription[T any](b *Broker[T], key string, all bool) *Subscription[T] {
	s := &Subscription[T]{
		broker: b,
		key:    key,
		all:    all,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go s.pump()
	return s
}

// C is closed once the subscription or its broker is closed.
func (s *Subscription[T]) C() <-chan T { return s.out }

func (s *Subscription[T]) Key() string { return s.key }

// Send enqueues msg for this subscriber only. Used to prime a fresh
// subscription with the current value before any later publish.
func (s *Subscription[T]) Send(msg T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) Close() {
	s.broker.remove(s)
	s.shutdown()
}

func (s *Subscription[T]) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.queue[0]
			var zero T
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- msg:
			case <-s.done:
				return
			}
		}
	}
}
