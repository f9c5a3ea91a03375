package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("notify")
	defer b.Unsubscribe(sub)

	b.Publish(TopicNotifySent, DeliveryEvent{TaskID: 1, MessageKind: "final"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicNotifySent {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicNotifySent)
		}
		de, ok := event.Payload.(DeliveryEvent)
		if !ok {
			t.Fatalf("payload type = %T, want DeliveryEvent", event.Payload)
		}
		if de.TaskID != 1 || de.MessageKind != "final" {
			t.Fatalf("unexpected payload: %+v", de)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	notifySub := b.Subscribe("notify.")
	defer b.Unsubscribe(notifySub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicNotifyTerminal, DeliveryEvent{TaskID: 2})
	b.Publish(TopicEventIngested, IngestEvent{EventID: 5})

	// notifySub should receive notify.terminal but not event.ingested.
	select {
	case event := <-notifySub.Ch():
		if event.Topic != TopicNotifyTerminal {
			t.Fatalf("topic = %q, want notify.terminal", event.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notify event")
	}

	select {
	case event := <-notifySub.Ch():
		t.Fatalf("unexpected event on notifySub: %v", event)
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
	sub := b.Subscribe("notify")
	defer b.Unsubscribe(sub)

	// Fill the buffer.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicNotifyRetrying, DeliveryEvent{TaskID: int64(i)})
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
	sub := b.Subscribe("notify")

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
				b.Publish("notify.sent", DeliveryEvent{TaskID: int64(id*100 + i)})
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
