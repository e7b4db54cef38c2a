// Package db provides change notification over the local projection tables.
package db

import "sync"

// Topic names an observable slice of the local store.
type Topic string

const (
	TopicQueue       Topic = "queue"
	TopicProfile     Topic = "profile"
	TopicConnections Topic = "connections"
	TopicMatches     Topic = "matches"
)

// Notifier fans out "something changed" signals to subscribers. Signals are
// coalesced: a slow subscriber sees at most one pending signal per topic and
// is expected to re-query the store when it wakes.
type Notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[Topic]map[int]chan struct{}
}

// NewNotifier creates an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[Topic]map[int]chan struct{})}
}

// Subscribe returns a channel signalled after each committed change to topic,
// and a cancel func that closes it.
func (n *Notifier) Subscribe(topic Topic) (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	ch := make(chan struct{}, 1)
	if n.subs[topic] == nil {
		n.subs[topic] = make(map[int]chan struct{})
	}
	n.subs[topic][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[topic], id)
			n.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Notify signals every subscriber of the given topics without blocking.
func (n *Notifier) Notify(topics ...Topic) {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, topic := range topics {
		for _, ch := range n.subs[topic] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}
