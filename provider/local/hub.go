package local

import (
	"context"
	"sync"
	"time"

	"github.com/goliatone/go-onboard"
)

const subscriberBuffer = 16

// sessionHub fans session events out to every subscriber.
type sessionHub struct {
	mu     sync.Mutex
	subs   map[int]chan onboard.SessionEvent
	nextID int
	logger onboard.Logger
}

func newSessionHub(logger onboard.Logger) *sessionHub {
	return &sessionHub{
		subs:   make(map[int]chan onboard.SessionEvent),
		logger: logger,
	}
}

func (h *sessionHub) subscribe(ctx context.Context) *onboard.SessionSubscription {
	ch := make(chan onboard.SessionEvent, subscriberBuffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	stop := make(chan struct{})
	var once sync.Once
	release := func() {
		once.Do(func() {
			close(stop)
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			release()
		case <-stop:
		}
	}()

	return onboard.NewSessionSubscription(ch, release)
}

// publish never blocks, a subscriber with a full buffer misses the event.
func (h *sessionHub) publish(identity *onboard.Identity, at time.Time) {
	ev := onboard.SessionEvent{Identity: identity, OccurredAt: at}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("session subscriber %d is full, dropping event", id)
		}
	}
}

func (h *sessionHub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
