// Package broker holds pending interactive choices keyed by opaque tokens.
// Each offer belongs to one user, resolves at most once, and falls back to a
// default action when nobody answers within the TTL.
package broker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"tgrelay/internal/sched"
)

var (
	// ErrExpired indicates the token is unknown: already resolved, timed out,
	// or never issued.
	ErrExpired = errors.New("choice expired or already handled")
	// ErrForbidden indicates a user other than the offer's owner answered.
	// The offer stays pending for its owner.
	ErrForbidden = errors.New("choice belongs to another user")
)

// Handler consumes a resolved offer. action is the choice made, or the
// offer's default action on timeout.
type Handler func(ctx context.Context, action string, o Offer)

// Offer is one pending interactive choice.
type Offer struct {
	OwnerID       int64  // Only this user may resolve the offer
	ChatID        int64  // Chat holding the choice message
	MessageID     int    // The choice message, for editing after resolution
	Payload       string // Opaque request state carried through to the handler
	DefaultAction string // Applied when the TTL elapses without an answer
	Handle        Handler
}

type entry struct {
	offer Offer
	timer sched.Timer
}

// Broker stores pending offers. Safe for concurrent use.
type Broker struct {
	mu      sync.Mutex
	ttl     time.Duration
	sched   sched.Scheduler
	pending map[string]*entry
}

// New returns a Broker expiring unanswered offers after ttl.
func New(ttl time.Duration, s sched.Scheduler) *Broker {
	if s == nil {
		s = sched.New()
	}
	return &Broker{
		ttl:     ttl,
		sched:   s,
		pending: make(map[string]*entry),
	}
}

// Add registers the offer and returns its token. The timeout path runs the
// handler with the offer's default action.
func (b *Broker) Add(o Offer) string {
	token := uuid.NewString()

	b.mu.Lock()
	e := &entry{offer: o}
	e.timer = b.sched.After(b.ttl, func() {
		b.expire(token)
	})
	b.pending[token] = e
	b.mu.Unlock()

	return token
}

// Claim removes the pending offer for token and hands it to the caller.
// Exactly one of Claim and the timeout path wins the token; a second Claim
// returns ErrExpired. A claim by a non-owner returns ErrForbidden and leaves
// the offer pending. Running the handler is the caller's job.
func (b *Broker) Claim(token string, userID int64) (Offer, error) {
	b.mu.Lock()
	e, found := b.pending[token]
	if !found {
		b.mu.Unlock()
		return Offer{}, ErrExpired
	}
	if e.offer.OwnerID != userID {
		b.mu.Unlock()
		return Offer{}, ErrForbidden
	}
	delete(b.pending, token)
	e.timer.Stop()
	b.mu.Unlock()

	return e.offer, nil
}

// Cancel withdraws a pending offer without running its handler and reports
// whether the token was still pending. The timeout path will not fire for a
// cancelled token.
func (b *Broker) Cancel(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, found := b.pending[token]
	if !found {
		return false
	}
	delete(b.pending, token)
	e.timer.Stop()
	return true
}

// Len reports the number of pending offers.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// expire runs the default action for a still-pending token. Losing the race
// against Claim or Cancel is fine; the map delete decides the winner.
func (b *Broker) expire(token string) {
	b.mu.Lock()
	e, found := b.pending[token]
	if found {
		delete(b.pending, token)
	}
	b.mu.Unlock()
	if !found {
		return
	}
	e.offer.Handle(context.Background(), e.offer.DefaultAction, e.offer)
}
