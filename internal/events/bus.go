package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Bus is the in-process broker carrying the order and position lifecycle
// between engine components. Delivery is best-effort per subscriber: a full
// channel loses the event rather than stalling the execution path, so
// consumers that must not miss anything (the DB) never hang off the bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[Event][]*subscriber
	log  *logrus.Entry
}

type subscriber struct {
	ch chan any
}

// NewBus creates an empty broker.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[Event][]*subscriber),
		log:  logrus.WithField("component", "event-bus"),
	}
}

// Subscribe registers a listener for one topic. The returned channel holds at
// most buffer undelivered events; unsub detaches the listener and closes the
// channel, and is safe to call more than once.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	s := &subscriber{ch: make(chan any, buffer)}

	b.mu.Lock()
	b.subs[e] = append(b.subs[e], s)
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[e]
			for i, cur := range list {
				if cur == s {
					b.subs[e] = append(list[:i], list[i+1:]...)
					close(s.ch)
					return
				}
			}
		})
	}
	return s.ch, unsub
}

// Publish fans payload out to the topic's subscribers without blocking.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs[e] {
		select {
		case s.ch <- payload:
		default:
			b.log.WithField("topic", string(e)).Debug("subscriber full, event dropped")
		}
	}
}
