package hub

import (
	"context"
	"sync"
	"sync/atomic"
)

// Subscription is one live connection's interest in one screen.
type Subscription struct {
	ID           string `json:"id"`
	ProjectToken string `json:"projectToken,omitempty"`
	SessionID    string `json:"sessionId"`
	ScreenCode   string `json:"screenCode"`
}

type message struct {
	eventID string
	payload []byte
}

// seenRing remembers the last n event ids delivered to a subscription.
type seenRing struct {
	mu   sync.Mutex
	ids  []string
	set  map[string]struct{}
	next int
}

func newSeenRing(n int) *seenRing {
	return &seenRing{ids: make([]string, n), set: make(map[string]struct{}, n)}
}

// add reports false when id was already seen.
func (r *seenRing) add(id string) bool {
	if id == "" {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.set[id]; ok {
		return false
	}
	if old := r.ids[r.next]; old != "" {
		delete(r.set, old)
	}
	r.ids[r.next] = id
	r.set[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ids)
	return true
}

type subscriber struct {
	sub Subscription

	outbox chan message
	done   chan struct{}
	once   sync.Once
	seen   *seenRing

	dropping atomic.Bool

	// Until release, live events wait in held so the fullState snapshot
	// goes out first.
	hmu     sync.Mutex
	holding bool
	held    []message
}

func newSubscriber(sub Subscription, outbox int, seen *seenRing) *subscriber {
	return &subscriber{
		sub:     sub,
		outbox:  make(chan message, outbox),
		done:    make(chan struct{}),
		seen:    seen,
		holding: true,
	}
}

type offerResult uint8

const (
	offerQueued offerResult = iota
	offerDuplicate
	offerFull
	offerClosed
)

// offer never blocks.
func (s *subscriber) offer(m message) offerResult {
	select {
	case <-s.done:
		return offerClosed
	default:
	}

	if !s.seen.add(m.eventID) {
		return offerDuplicate
	}

	s.hmu.Lock()
	if s.holding {
		defer s.hmu.Unlock()
		if len(s.held) >= cap(s.outbox) {
			return offerFull
		}
		s.held = append(s.held, m)
		return offerQueued
	}
	s.hmu.Unlock()

	select {
	case s.outbox <- m:
		return offerQueued
	default:
		return offerFull
	}
}

// release queues first (when set) ahead of every held event and switches
// the subscriber to live delivery.
func (s *subscriber) release(first *message) offerResult {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	if !s.holding {
		return offerQueued
	}
	s.holding = false
	held := s.held
	s.held = nil
	if first != nil {
		held = append([]message{*first}, held...)
	}
	for _, m := range held {
		select {
		case s.outbox <- m:
		default:
			return offerFull
		}
	}
	return offerQueued
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// markDropping reports true for the first caller only.
func (s *subscriber) markDropping() bool {
	return s.dropping.CompareAndSwap(false, true)
}

// writeLoop drains the outbox into the transport until the subscriber is
// closed or ctx ends. A send error is reported once through fail.
func (s *subscriber) writeLoop(ctx context.Context, t Transport, delivered *atomic.Uint64, fail func(*subscriber, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case m := <-s.outbox:
			if err := t.Send(ctx, s.sub.ID, m.payload); err != nil {
				fail(s, err)
				return
			}
			delivered.Add(1)
		}
	}
}
