// Package stream fans immutable snapshots out to subscribers. Each
// subscriber owns a one-slot channel: a slow reader never blocks the
// publisher and always observes the newest snapshot.
package stream

import "sync"

type Feed[T any] struct {
	mu      sync.Mutex
	subs    map[*Subscription[T]]struct{}
	last    T
	hasLast bool
	closed  bool
}

type Subscription[T any] struct {
	feed *Feed[T]
	ch   chan T
	once sync.Once

	mu      sync.Mutex
	done    bool
	onClose []func()
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Publish replaces the feed's current value and offers it to every
// subscriber, dropping a subscriber's unread older value if necessary.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.last = v
	f.hasLast = true
	for s := range f.subs {
		offer(s.ch, v)
	}
}

func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe attaches a new subscriber. When the feed already holds a value
// it is delivered immediately.
func (f *Feed[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{feed: f, ch: make(chan T, 1)}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		s.detach(false)
		return s
	}
	f.subs[s] = struct{}{}
	if f.hasLast {
		s.ch <- f.last
	}
	f.mu.Unlock()
	return s
}

// Last returns the most recently published value.
func (f *Feed[T]) Last() (T, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last, f.hasLast
}

// Len returns the number of attached subscribers.
func (f *Feed[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close detaches and closes every subscriber. Later publishes are ignored.
func (f *Feed[T]) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	subs := f.subs
	f.subs = make(map[*Subscription[T]]struct{})
	f.mu.Unlock()
	for s := range subs {
		s.detach(false)
	}
}

// C is the delivery channel. It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// OnClose registers f to run once the subscription is closed, after any
// earlier registrations. On an already closed subscription f runs at once.
// Engines use it to release the upstream store listener backing the feed.
func (s *Subscription[T]) OnClose(f func()) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		f()
		return
	}
	s.onClose = append(s.onClose, f)
	s.mu.Unlock()
}

func (s *Subscription[T]) Close() {
	s.detach(true)
}

func (s *Subscription[T]) detach(remove bool) {
	s.once.Do(func() {
		if remove {
			s.feed.mu.Lock()
			delete(s.feed.subs, s)
			s.feed.mu.Unlock()
		}
		s.feed.mu.Lock()
		close(s.ch)
		s.feed.mu.Unlock()

		s.mu.Lock()
		s.done = true
		fs := s.onClose
		s.onClose = nil
		s.mu.Unlock()
		for _, f := range fs {
			f()
		}
	})
}
