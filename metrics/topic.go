// Package metrics publishes runtime counters to whoever is listening.
package metrics

import "sync"

// A Topic fans values out to its subscribers. Publishing never blocks: a subscriber whose
// buffer is full misses the value.
type Topic[T any] struct {
	name string

	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
}

// NewTopic returns a topic with no subscribers.
func NewTopic[T any](name string) *Topic[T] {
	return &Topic[T]{name: name, subs: map[int]chan T{}}
}

// Name returns the topic name.
func (t *Topic[T]) Name() string {
	return t.name
}

// Subscribe returns a channel receiving published values and a function ending the
// subscription. The channel is closed once the subscription ends.
func (t *Topic[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

// NumSubscribers returns the number of active subscriptions.
func (t *Topic[T]) NumSubscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Publish offers v to every subscriber and returns how many received it.
func (t *Topic[T]) Publish(v T) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	delivered := 0
	for _, ch := range t.subs {
		select {
		case ch <- v:
			delivered++
		default:
		}
	}
	return delivered
}
