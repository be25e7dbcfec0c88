// Package breaker はプリミティブごとの健全性を追跡するサーキットブレーカーを提供する。
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"hybrid-crypto-service/internal/domain"
)

// Config はブレーカーのしきい値設定を表す。
type Config struct {
	// FailureThreshold は遮断までの連続失敗回数。
	FailureThreshold int
	// ResetTimeout は遮断後に最初のプローブを許可するまでの時間。
	ResetTimeout time.Duration
	// MaxResetTimeout は指数バックオフの上限。
	MaxResetTimeout time.Duration
}

// DefaultConfig は運用上安全な既定値を返す。
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MaxResetTimeout:  10 * time.Minute,
	}
}

// TransitionFunc は状態遷移時の通知コールバック。
// ブレーカーのロックを保持したまま呼ばれるため、ブロックしてはならない。
type TransitionFunc func(id domain.AlgorithmID, from, to domain.BreakerStateKind)

// primitiveState はプリミティブ1つ分の状態。
type primitiveState struct {
	current        domain.BreakerStateKind
	failureCount   int
	lastFailureAt  time.Time
	openedAt       time.Time
	resetTimeout   time.Duration
	backoffExp     int
	probeGranted   bool
	probeGrantedAt time.Time
}

// CircuitBreaker はプリミティブごとの状態機械を保持する。
// 成功・失敗の報告は多数の呼び出し側から並行に届くため、
// 全ての状態変更は単一のミューテックスで保護する。
type CircuitBreaker struct {
	mu           sync.Mutex
	cfg          Config
	states       map[domain.AlgorithmID]*primitiveState
	onTransition TransitionFunc
	now          func() time.Time
}

// New は新しいCircuitBreakerを生成する。
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if cfg.MaxResetTimeout < cfg.ResetTimeout {
		cfg.MaxResetTimeout = DefaultConfig().MaxResetTimeout
	}
	return &CircuitBreaker{
		cfg:    cfg,
		states: make(map[domain.AlgorithmID]*primitiveState),
		now:    time.Now,
	}
}

// OnTransition は状態遷移の通知先を設定する。
func (b *CircuitBreaker) OnTransition(fn TransitionFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// state は指定プリミティブの状態を取得または初期化する。呼び出し側がロックを保持する。
func (b *CircuitBreaker) state(id domain.AlgorithmID) *primitiveState {
	s, ok := b.states[id]
	if !ok {
		s = &primitiveState{
			current:      domain.BreakerClosed,
			resetTimeout: b.cfg.ResetTimeout,
		}
		b.states[id] = s
	}
	return s
}

// transition は状態を遷移させ、通知する。呼び出し側がロックを保持する。
func (b *CircuitBreaker) transition(id domain.AlgorithmID, s *primitiveState, to domain.BreakerStateKind) {
	from := s.current
	if from == to {
		return
	}
	s.current = to
	if to == domain.BreakerClosed {
		// failureCountのリセットはClosedへの遷移時のみ行う。
		s.failureCount = 0
		s.backoffExp = 0
		s.resetTimeout = b.cfg.ResetTimeout
		s.probeGranted = false
	}
	if b.onTransition != nil {
		b.onTransition(id, from, to)
	}
}

// Permits は指定プリミティブへの呼び出しが許可されるかを返す。
// Open状態でリセットタイムアウトが経過した場合、最初の呼び出しのみが
// HalfOpenのプローブ権を獲得し、他の並行呼び出しは拒否される。
func (b *CircuitBreaker) Permits(id domain.AlgorithmID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.state(id)
	switch s.current {
	case domain.BreakerClosed:
		return true
	case domain.BreakerOpen:
		if b.now().Sub(s.openedAt) < s.resetTimeout {
			return false
		}
		// OpenはHalfOpenを経由せずにClosedへ戻らない。
		b.transition(id, s, domain.BreakerHalfOpen)
		s.probeGranted = true
		s.probeGrantedAt = b.now()
		return true
	case domain.BreakerHalfOpen:
		// プローブ権の保持者が結果を報告しないままresetTimeoutを
		// 超えた場合は権利を失効させ、次の呼び出しに再付与する。
		if s.probeGranted && b.now().Sub(s.probeGrantedAt) < s.resetTimeout {
			return false
		}
		s.probeGranted = true
		s.probeGrantedAt = b.now()
		return true
	}
	return false
}

// RecordSuccess はプリミティブ呼び出しの成功を報告する。
func (b *CircuitBreaker) RecordSuccess(id domain.AlgorithmID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.state(id)
	switch s.current {
	case domain.BreakerHalfOpen:
		b.transition(id, s, domain.BreakerClosed)
	case domain.BreakerClosed:
		// 連続失敗のカウントを途切れさせる。
		s.failureCount = 0
	case domain.BreakerOpen:
		// 遮断後に届いた遅延成功は状態を変えない。
	}
}

// RecordFailure はプリミティブ呼び出しの失敗を報告する。
func (b *CircuitBreaker) RecordFailure(id domain.AlgorithmID, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.state(id)
	s.lastFailureAt = b.now()

	switch s.current {
	case domain.BreakerClosed:
		s.failureCount++
		if s.failureCount >= b.cfg.FailureThreshold {
			s.openedAt = b.now()
			s.resetTimeout = b.cfg.ResetTimeout
			s.backoffExp = 0
			b.transition(id, s, domain.BreakerOpen)
			slog.Warn("circuit breaker opened",
				"primitive_id", string(id),
				"failure_count", s.failureCount,
				"reset_timeout", s.resetTimeout.String(),
				"error", err,
			)
		}
	case domain.BreakerHalfOpen:
		// プローブ失敗。バックオフを倍増させて再遮断する。
		s.backoffExp++
		s.resetTimeout = b.backoffTimeout(s.backoffExp)
		s.openedAt = b.now()
		s.probeGranted = false
		b.transition(id, s, domain.BreakerOpen)
		slog.Warn("circuit breaker probe failed",
			"primitive_id", string(id),
			"reset_timeout", s.resetTimeout.String(),
			"error", err,
		)
	case domain.BreakerOpen:
		s.failureCount++
	}
}

// backoffTimeout は base * 2^k を上限付きで計算する。
func (b *CircuitBreaker) backoffTimeout(exp int) time.Duration {
	timeout := b.cfg.ResetTimeout
	for i := 0; i < exp; i++ {
		timeout *= 2
		if timeout >= b.cfg.MaxResetTimeout {
			return b.cfg.MaxResetTimeout
		}
	}
	return timeout
}

// Status は指定プリミティブの状態スナップショットを返す。
func (b *CircuitBreaker) Status(id domain.AlgorithmID) domain.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.state(id)
	return domain.BreakerState{
		PrimitiveID:   id,
		State:         s.current,
		FailureCount:  s.failureCount,
		LastFailureAt: s.lastFailureAt,
		OpenedAt:      s.openedAt,
		ResetTimeout:  s.resetTimeout,
	}
}
