package events

import (
	"testing"
	"time"

	"github.com/forensiq/harvest/pkg/types"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{
		Type:     EventJobPhase,
		JobID:    "job-1",
		Hostname: "WIN-1",
		Tool:     types.ToolKape,
		Phase:    types.PhaseDeploy,
	})

	select {
	case ev := <-sub:
		if ev.Type != EventJobPhase || ev.Hostname != "WIN-1" {
			t.Errorf("Received %+v", ev)
		}
		if ev.Time.IsZero() {
			t.Error("Publish should stamp the event time")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Event never delivered")
	}
}

func TestBroadcastFanout(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	subs := []Subscriber{b.Subscribe(), b.Subscribe(), b.Subscribe()}
	if b.SubscriberCount() != 3 {
		t.Fatalf("SubscriberCount = %d", b.SubscriberCount())
	}

	b.Publish(&Event{Type: EventJobQueued, JobID: "job-1"})

	for i, sub := range subs {
		select {
		case ev := <-sub:
			if ev.JobID != "job-1" {
				t.Errorf("Subscriber %d received %+v", i, ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Subscriber %d never received the event", i)
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	// Never read from this subscriber; its buffer holds 50
	b.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Publish(&Event{Type: EventJobPhase, JobID: "job-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publishing blocked on a slow subscriber")
	}

	// Give the distribution loop a moment to drain the publish buffer
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.Dropped() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("Expected dropped events for a subscriber that never reads")
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	b.Unsubscribe(sub)

	if _, open := <-sub; open {
		t.Error("Unsubscribe should close the channel")
	}
	if b.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d after unsubscribe", b.SubscriberCount())
	}
}
