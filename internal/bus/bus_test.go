package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("plan")
	defer b.Unsubscribe(sub)

	b.Publish(TopicPlanCreated, PlanEvent{ParentTaskID: "t1"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicPlanCreated {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicPlanCreated)
		}
		payload, ok := event.Payload.(PlanEvent)
		if !ok {
			t.Fatalf("payload is %T", event.Payload)
		}
		if payload.ParentTaskID != "t1" {
			t.Fatalf("parent = %q, want t1", payload.ParentTaskID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	// Subscribe to "plan." prefix.
	planSub := b.Subscribe("plan.")
	defer b.Unsubscribe(planSub)

	// Subscribe to all events.
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicPlanApproved, PlanEvent{ParentTaskID: "t1"})
	b.Publish(TopicTaskProgress, TaskProgressEvent{TaskID: "t2"})

	// planSub should receive plan.approved but not task.progress.
	select {
	case event := <-planSub.Ch():
		if event.Topic != TopicPlanApproved {
			t.Fatalf("topic = %q, want plan.approved", event.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for plan event")
	}

	// planSub should not have task.progress.
	select {
	case event := <-planSub.Ch():
		t.Fatalf("unexpected event on planSub: %v", event)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}

	// allSub should receive both.
	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("task")
	defer b.Unsubscribe(sub)

	// Fill the buffer past capacity.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicTaskProgress, TaskProgressEvent{TaskID: "t1", Progress: i})
	}

	// Should not deadlock. Drain what we can.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("plan")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	// Channel should be closed.
	_, ok := <-sub.Ch()
	if ok {
		t.Fatal("expected closed channel")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("plan")
	sub2 := b.Subscribe("plan")
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(TopicPlanRejected, PlanEvent{ParentTaskID: "shared"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case event := <-sub.Ch():
			if event.Payload.(PlanEvent).ParentTaskID != "shared" {
				t.Fatalf("payload = %v, want shared", event.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout")
		}
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(TopicTaskStatusChanged, TaskStatusEvent{TaskID: "t1"})
			}
		}(g)
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			goto done2
		}
	}
done2:
	if received != total {
		t.Fatalf("received %d events, want %d", received, total)
	}
}
