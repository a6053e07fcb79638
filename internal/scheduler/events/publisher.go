package events

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// Publisher fans events out to any number of subscribers. Publishing is done
// from the manager loop and must never block it: a subscriber whose buffer is
// full misses the event and a warning is logged.
type Publisher struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	buffer int
}

func NewPublisher(buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 64
	}
	return &Publisher{
		subs:   map[int]chan Event{},
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber and returns its channel together with
// an unsubscribe function. The channel is closed on unsubscribe.
func (p *Publisher) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan Event, p.buffer)
	p.subs[id] = ch

	unsubscribe := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if ch, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// Publish delivers the event to every subscriber without blocking.
func (p *Publisher) Publish(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- event:
		default:
			log.WithField("subscriber", id).
				WithField("event", string(event.Type)).
				Warn("subscriber buffer full, dropping event")
		}
	}
}

// Close unsubscribes everyone.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}
