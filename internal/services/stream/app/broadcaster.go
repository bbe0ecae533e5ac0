package server

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/louisbranch/phenostream/internal/platform/timeouts"
)

var errDeliveryTimeout = errors.New("delivery attempt timed out")

// Subscriber is one open delivery path to a connected viewer. Deliver must
// return an error when the viewer can no longer accept events; the
// broadcaster treats that as a dead subscriber and prunes it.
type Subscriber interface {
	Deliver(event ChangeEvent) error
}

// Broadcaster owns the set of live subscribers, optionally partitioned by
// channel, and fans each change event out to every target exactly once.
//
// Delivery to distinct subscribers runs concurrently; one slow subscriber
// never blocks another. A delivery that fails or exceeds the attempt window
// removes that subscriber from every registry without disturbing the rest of
// the broadcast.
type Broadcaster struct {
	attempt time.Duration

	mu       sync.Mutex
	all      map[Subscriber]struct{}
	channels map[string]map[Subscriber]struct{}
}

// NewBroadcaster creates an empty registry. attempt bounds one delivery;
// zero means the shared default.
func NewBroadcaster(attempt time.Duration) *Broadcaster {
	if attempt <= 0 {
		attempt = timeouts.Delivery
	}
	return &Broadcaster{
		attempt:  attempt,
		all:      make(map[Subscriber]struct{}),
		channels: make(map[string]map[Subscriber]struct{}),
	}
}

// Register adds a subscriber. A non-empty channel additionally tags it for
// channel-scoped broadcasts.
func (b *Broadcaster) Register(sub Subscriber, channel string) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.all[sub] = struct{}{}
	if channel != "" {
		targets, ok := b.channels[channel]
		if !ok {
			targets = make(map[Subscriber]struct{})
			b.channels[channel] = targets
		}
		targets[sub] = struct{}{}
	}
	log.Printf("stream: subscriber registered, total=%d", len(b.all))
}

// Unregister removes a subscriber from every registry.
func (b *Broadcaster) Unregister(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(sub)
	log.Printf("stream: subscriber removed, total=%d", len(b.all))
}

// Len reports the number of live subscribers.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.all)
}

// Broadcast delivers event to every subscriber, or to the channel's
// subscribers when channel is non-empty. It returns once every delivery has
// resolved, each within the bounded attempt window.
func (b *Broadcaster) Broadcast(event ChangeEvent, channel string) {
	targets := b.snapshot(channel)
	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	var deadMu sync.Mutex
	var dead []Subscriber

	for _, sub := range targets {
		wg.Add(1)
		go func(sub Subscriber) {
			defer wg.Done()
			if err := b.deliver(sub, event); err != nil {
				log.Printf("stream: delivery failed, dropping subscriber: %v", err)
				deadMu.Lock()
				dead = append(dead, sub)
				deadMu.Unlock()
			}
		}(sub)
	}
	wg.Wait()

	if len(dead) == 0 {
		return
	}
	b.mu.Lock()
	for _, sub := range dead {
		b.remove(sub)
	}
	remaining := len(b.all)
	b.mu.Unlock()
	log.Printf("stream: pruned %d dead subscriber(s), total=%d", len(dead), remaining)
}

// deliver attempts one delivery, bounded by the attempt window. A subscriber
// that cannot accept in time is reported dead; the attempt is never retried
// for that event.
func (b *Broadcaster) deliver(sub Subscriber, event ChangeEvent) error {
	done := make(chan error, 1)
	go func() {
		done <- sub.Deliver(event)
	}()

	timer := time.NewTimer(b.attempt)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return errDeliveryTimeout
	}
}

// snapshot copies the target set under lock so delivery failures during
// iteration cannot corrupt registry state.
func (b *Broadcaster) snapshot(channel string) []Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	source := b.all
	if channel != "" {
		source = b.channels[channel]
	}
	targets := make([]Subscriber, 0, len(source))
	for sub := range source {
		targets = append(targets, sub)
	}
	return targets
}

func (b *Broadcaster) remove(sub Subscriber) {
	delete(b.all, sub)
	for channel, targets := range b.channels {
		delete(targets, sub)
		if len(targets) == 0 {
			delete(b.channels, channel)
		}
	}
}
