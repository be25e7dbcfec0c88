// Package telemetry はフォールバック・ブレーカーイベントの非同期シンクを提供する。
package telemetry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"hybrid-crypto-service/internal/domain"
)

// イベント種別。
const (
	EventCryptoFallbackUsed  = "CRYPTO_FALLBACK_USED"
	EventBreakerStateChanged = "BREAKER_STATE_CHANGED"
)

// Event は構造化テレメトリイベントを表す。
// 秘密情報（鍵・平文・秘密鍵参照）を含めてはならない。
type Event struct {
	Type        string
	PrimitiveID domain.AlgorithmID
	Operation   string
	Reason      string
	FromState   domain.BreakerStateKind
	ToState     domain.BreakerStateKind
	Duration    time.Duration
	Timestamp   time.Time
}

// Sink はイベントの最終的な出力先。追記専用で到達保証は不要。
type Sink interface {
	Write(e Event)
}

// SlogSink はイベントを構造化ログとして出力する既定のシンク。
type SlogSink struct{}

// Write はイベントをログ出力する。
func (SlogSink) Write(e Event) {
	slog.Info("telemetry event",
		"event_type", e.Type,
		"primitive_id", string(e.PrimitiveID),
		"operation", e.Operation,
		"reason", e.Reason,
		"from_state", string(e.FromState),
		"to_state", string(e.ToState),
		"duration_ms", e.Duration.Milliseconds(),
		"timestamp", e.Timestamp.UTC().Format(time.RFC3339),
	)
}

// Emitter は有限バッファの非ブロッキングイベントキュー。
// バッファ満杯時は最古のイベントを捨てる。テレメトリの損失が
// 暗号操作をブロックすることは許されない。
type Emitter struct {
	events  chan Event
	sink    Sink
	dropped atomic.Int64
	wg      sync.WaitGroup

	// mu はclosedとチャネルのcloseを同期する。EmitはRLock下で
	// 送信するため、close済みチャネルへの送信は起こらない。
	mu     sync.RWMutex
	closed bool
}

// NewEmitter はバッファサイズとシンクを指定してEmitterを起動する。
// sink が nil の場合は SlogSink を使う。
func NewEmitter(bufferSize int, sink Sink) *Emitter {
	if bufferSize < 1 {
		bufferSize = 256
	}
	if sink == nil {
		sink = SlogSink{}
	}
	e := &Emitter{
		events: make(chan Event, bufferSize),
		sink:   sink,
	}
	e.wg.Add(1)
	go e.drain()
	return e
}

func (e *Emitter) drain() {
	defer e.wg.Done()
	for ev := range e.events {
		e.sink.Write(ev)
	}
}

// Emit はイベントをキューに積む。満杯なら最古のイベントを1件捨てて
// 再試行する。いかなる場合もブロックしない。
// Closeと並行に呼んでも安全で、Close後のEmitは破棄される。
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case e.events <- ev:
		return
	default:
	}
	// drop-oldest: 先頭を1件捨てて空きを作る。
	select {
	case <-e.events:
		e.dropped.Add(1)
	default:
	}
	select {
	case e.events <- ev:
	default:
		e.dropped.Add(1)
	}
}

// Dropped は破棄されたイベント数を返す。
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Close はキューを閉じ、残りのイベントを書き切ってから戻る。
// 複数回呼んでも安全。
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.events)
	e.mu.Unlock()
	e.wg.Wait()
}
