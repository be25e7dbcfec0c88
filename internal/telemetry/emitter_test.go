package telemetry

import (
	"sync"
	"testing"
	"time"

	"hybrid-crypto-service/internal/domain"
)

// captureSink は受信イベントを記録するシンク。
type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Write(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// gatedSink は最初のWriteでブロックし、releaseされるまで排水を止める。
type gatedSink struct {
	captureSink
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSink() *gatedSink {
	return &gatedSink{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *gatedSink) Write(e Event) {
	s.once.Do(func() { close(s.started) })
	<-s.release
	s.captureSink.Write(e)
}

func TestEmitter_DeliversEvents(t *testing.T) {
	sink := &captureSink{}
	e := NewEmitter(8, sink)

	e.Emit(Event{Type: EventCryptoFallbackUsed, PrimitiveID: domain.AlgorithmMLKEM768, Operation: "encrypt"})
	e.Emit(Event{Type: EventBreakerStateChanged, PrimitiveID: domain.AlgorithmMLKEM768})
	e.Close()

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("want 2 events, got %d", len(events))
	}
	if events[0].Type != EventCryptoFallbackUsed {
		t.Errorf("want first event %s, got %s", EventCryptoFallbackUsed, events[0].Type)
	}
	if events[0].Timestamp.IsZero() {
		t.Error("want timestamp populated, got zero")
	}
	if got := e.Dropped(); got != 0 {
		t.Errorf("want 0 dropped, got %d", got)
	}
}

func TestEmitter_DropsOldestWhenFull(t *testing.T) {
	sink := newGatedSink()
	e := NewEmitter(4, sink)

	// 排水goroutineを最初のイベントでブロックさせる
	e.Emit(Event{Operation: "op-0"})
	<-sink.started

	// バッファを満たし、さらに2件超過させる
	for i := 1; i <= 6; i++ {
		e.Emit(Event{Operation: "op-" + string(rune('0'+i))})
	}

	close(sink.release)
	e.Close()

	if got := e.Dropped(); got != 2 {
		t.Errorf("want 2 dropped events, got %d", got)
	}

	events := sink.all()
	if len(events) != 5 {
		t.Fatalf("want 5 delivered events, got %d", len(events))
	}
	// 最古の超過分（op-1, op-2）が捨てられ、末尾は最新のop-6
	if got := events[len(events)-1].Operation; got != "op-6" {
		t.Errorf("want last delivered event op-6, got %s", got)
	}
	for _, ev := range events {
		if ev.Operation == "op-1" || ev.Operation == "op-2" {
			t.Errorf("want oldest events dropped, got delivered %s", ev.Operation)
		}
	}
}

func TestEmitter_EmitNeverBlocks(t *testing.T) {
	sink := newGatedSink()
	e := NewEmitter(2, sink)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			e.Emit(Event{Type: EventCryptoFallbackUsed})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked with a stalled sink")
	}

	close(sink.release)
	e.Close()
}

func TestEmitter_EmitAfterCloseIsNoop(t *testing.T) {
	sink := &captureSink{}
	e := NewEmitter(4, sink)
	e.Close()

	e.Emit(Event{Type: EventCryptoFallbackUsed})
	// 二重Closeもpanicしない
	e.Close()

	if got := len(sink.all()); got != 0 {
		t.Errorf("want 0 events after close, got %d", got)
	}
}

func TestEmitter_EmitConcurrentWithClose(t *testing.T) {
	sink := &captureSink{}
	e := NewEmitter(4, sink)

	const emitters = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < emitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 500; j++ {
				e.Emit(Event{Type: EventCryptoFallbackUsed})
			}
		}()
	}

	close(start)
	// Emitが走っている最中にCloseする。send on closed channelで
	// panicしないことが肝心で、Close後のEmitは黙って捨てられる。
	e.Close()
	wg.Wait()

	e.Emit(Event{Type: EventBreakerStateChanged})
}
