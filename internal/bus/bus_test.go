package bus

import (
	"sync"
	"testing"
	"time"
)

func TestPublish_RingBufferBound(t *testing.T) {
	b := New(Config{RingBufferSize: 256})
	defer b.Close()

	for i := 0; i < 500; i++ {
		b.Publish(Event{RunID: "r1", Kind: KindAssistantTextDelta, Delta: "x"})
	}
	if got := b.BufferedEventCount("r1"); got != 256 {
		t.Fatalf("expected ring buffer capped at 256, got %d", got)
	}
}

func TestSubscribe_ReplayThenLiveNoReorderNoDup(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	b.Publish(Event{RunID: "r1", Kind: KindQueued})
	b.Publish(Event{RunID: "r1", Kind: KindStarted})

	var mu sync.Mutex
	var seen []string
	unsub := b.Subscribe("r1", func(ev Event) {
		mu.Lock()
		seen = append(seen, ev.Kind)
		mu.Unlock()
	}, SubscribeOptions{Replay: true})
	defer unsub()

	b.Publish(Event{RunID: "r1", Kind: KindDelivered})
	b.Publish(Event{RunID: "r1", Kind: KindSucceeded})

	mu.Lock()
	defer mu.Unlock()
	want := []string{KindQueued, KindStarted, KindDelivered, KindSucceeded}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestSubscribe_NoReplaySkipsBufferedPrefix(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	b.Publish(Event{RunID: "r1", Kind: KindQueued})

	var seen []string
	unsub := b.Subscribe("r1", func(ev Event) { seen = append(seen, ev.Kind) }, SubscribeOptions{Replay: false})
	defer unsub()

	b.Publish(Event{RunID: "r1", Kind: KindStarted})
	if len(seen) != 1 || seen[0] != KindStarted {
		t.Fatalf("expected only live event, got %v", seen)
	}
}

func TestPublish_ListenerPanicDoesNotPropagateOrBlockOthers(t *testing.T) {
	b := New(Config{})
	defer b.Close()

	var secondCalled bool
	unsub1 := b.Subscribe("r1", func(Event) { panic("boom") }, SubscribeOptions{})
	defer unsub1()
	unsub2 := b.Subscribe("r1", func(Event) { secondCalled = true }, SubscribeOptions{})
	defer unsub2()

	b.Publish(Event{RunID: "r1", Kind: KindStarted})
	if !secondCalled {
		t.Fatal("expected second listener to still be invoked")
	}
}

func TestTerminalCleanup_DropsBufferAfterRetention(t *testing.T) {
	b := New(Config{TerminalRetention: 10 * time.Millisecond})
	defer b.Close()

	b.Publish(Event{RunID: "r1", Kind: KindSucceeded})
	b.sweep() // not yet due
	if b.BufferedEventCount("r1") != 1 {
		t.Fatal("expected buffer to still exist immediately after terminal event")
	}

	time.Sleep(20 * time.Millisecond)
	b.sweep()
	if b.BufferedEventCount("r1") != 0 {
		t.Fatal("expected buffer dropped after terminal retention window")
	}
}
