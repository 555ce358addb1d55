// Package payment carries outstanding payment challenges from the chat
// pipeline to whoever resolves them out of band.
package payment

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Challenge is an outstanding payment requirement. Body is the backend's
// payload, kept opaque.
type Challenge struct {
	ID         string          `json:"id"`
	Body       json.RawMessage `json:"body,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// NewChallenge wraps a raw challenge payload with a fresh ID.
func NewChallenge(body []byte) Challenge {
	var raw json.RawMessage
	if len(body) > 0 {
		raw = append(json.RawMessage(nil), body...)
	}
	return Challenge{
		ID:         uuid.New().String(),
		Body:       raw,
		ReceivedAt: time.Now().UTC(),
	}
}

// Channel is a single-slot mailbox. At most one challenge is pending;
// publishing replaces an unconsumed one and consuming empties the slot.
type Channel struct {
	mu      sync.Mutex
	pending *Challenge
	notify  chan struct{}
}

func NewChannel() *Channel {
	return &Channel{notify: make(chan struct{}, 1)}
}

// Publish stores c and reports whether an unconsumed challenge was replaced.
func (ch *Channel) Publish(c Challenge) (replaced bool) {
	ch.mu.Lock()
	replaced = ch.pending != nil
	ch.pending = &c
	ch.mu.Unlock()

	select {
	case ch.notify <- struct{}{}:
	default:
	}
	return replaced
}

// Consume returns the pending challenge and clears the slot. Each published
// challenge is returned by Consume at most once.
func (ch *Channel) Consume() (Challenge, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.pending == nil {
		return Challenge{}, false
	}
	c := *ch.pending
	ch.pending = nil
	return c, true
}

// Pending returns the pending challenge without clearing it.
func (ch *Channel) Pending() (Challenge, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.pending == nil {
		return Challenge{}, false
	}
	return *ch.pending, true
}

// Published signals after every Publish. Signals coalesce; a receiver
// should call Consume to read the current challenge.
func (ch *Channel) Published() <-chan struct{} {
	return ch.notify
}
