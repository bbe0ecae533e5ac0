package server

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu     sync.Mutex
	events []ChangeEvent
	err    error
	block  chan struct{}
}

func (s *recordingSubscriber) Deliver(event ChangeEvent) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSubscriber) delivered() []ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChangeEvent, len(s.events))
	copy(out, s.events)
	return out
}

func testEvent(added, total int) ChangeEvent {
	return ChangeEvent{
		AddedCount: added,
		TotalCount: total,
		NewRows:    []RowSummary{{Identity: "patches_2d_ch0_tl_exp/img_0001.png", Filename: "PK2_BAR_5to20_20240311_AM_01", Position: 1}},
		Timestamp:  time.Now().UTC(),
	}
}

func TestBroadcastReachesEachSubscriberOnce(t *testing.T) {
	b := NewBroadcaster(time.Second)
	first := &recordingSubscriber{}
	second := &recordingSubscriber{}
	b.Register(first, "")
	b.Register(second, "")

	b.Broadcast(testEvent(2, 12), "")

	for name, sub := range map[string]*recordingSubscriber{"first": first, "second": second} {
		events := sub.delivered()
		if len(events) != 1 {
			t.Fatalf("%s subscriber got %d deliveries, want 1", name, len(events))
		}
		if events[0].AddedCount != 2 || events[0].TotalCount != 12 {
			t.Fatalf("%s subscriber got event %+v", name, events[0])
		}
	}
}

func TestBroadcastChannelScoping(t *testing.T) {
	b := NewBroadcaster(time.Second)
	tagged := &recordingSubscriber{}
	other := &recordingSubscriber{}
	untagged := &recordingSubscriber{}
	b.Register(tagged, "lab-a")
	b.Register(other, "lab-b")
	b.Register(untagged, "")

	b.Broadcast(testEvent(1, 5), "lab-a")

	if got := len(tagged.delivered()); got != 1 {
		t.Fatalf("tagged subscriber got %d deliveries, want 1", got)
	}
	if got := len(other.delivered()); got != 0 {
		t.Fatalf("other-channel subscriber got %d deliveries, want 0", got)
	}
	if got := len(untagged.delivered()); got != 0 {
		t.Fatalf("untagged subscriber got %d deliveries, want 0", got)
	}

	b.Broadcast(testEvent(1, 6), "")
	if got := len(tagged.delivered()); got != 2 {
		t.Fatalf("tagged subscriber got %d total deliveries, want 2", got)
	}
	if got := len(untagged.delivered()); got != 1 {
		t.Fatalf("untagged subscriber got %d deliveries, want 1", got)
	}
}

func TestBroadcastPrunesFailedSubscriber(t *testing.T) {
	b := NewBroadcaster(time.Second)
	healthy := &recordingSubscriber{}
	dead := &recordingSubscriber{err: errors.New("connection reset")}
	bystander := &recordingSubscriber{}
	b.Register(healthy, "")
	b.Register(dead, "lab-a")
	b.Register(bystander, "")

	b.Broadcast(testEvent(1, 10), "")

	if got := b.Len(); got != 2 {
		t.Fatalf("subscribers after prune = %d, want 2", got)
	}

	b.Broadcast(testEvent(1, 11), "")
	if got := len(healthy.delivered()); got != 2 {
		t.Fatalf("healthy subscriber got %d deliveries, want 2", got)
	}
	if got := len(bystander.delivered()); got != 2 {
		t.Fatalf("bystander got %d deliveries, want 2", got)
	}
	if got := len(dead.delivered()); got != 1 {
		t.Fatalf("dead subscriber got %d deliveries, want 1", got)
	}
}

func TestBroadcastPrunesTimedOutSubscriber(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	b := NewBroadcaster(20 * time.Millisecond)
	stuck := &recordingSubscriber{block: block}
	healthy := &recordingSubscriber{}
	b.Register(stuck, "")
	b.Register(healthy, "")

	b.Broadcast(testEvent(1, 3), "")

	if got := b.Len(); got != 1 {
		t.Fatalf("subscribers after timeout prune = %d, want 1", got)
	}
	if got := len(healthy.delivered()); got != 1 {
		t.Fatalf("healthy subscriber got %d deliveries, want 1", got)
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	b := NewBroadcaster(time.Second)
	sub := &recordingSubscriber{}
	b.Register(sub, "lab-a")
	if got := b.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}

	b.Unregister(sub)
	if got := b.Len(); got != 0 {
		t.Fatalf("Len after unregister = %d, want 0", got)
	}

	b.Broadcast(testEvent(1, 2), "")
	b.Broadcast(testEvent(1, 2), "lab-a")
	if got := len(sub.delivered()); got != 0 {
		t.Fatalf("unregistered subscriber got %d deliveries, want 0", got)
	}
}
