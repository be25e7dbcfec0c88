package domain

import "time"

// BreakerStateKind はサーキットブレーカーの状態を表す。
type BreakerStateKind string

const (
	// BreakerClosed は正常状態（プリミティブ呼び出しを許可）を表す。
	BreakerClosed BreakerStateKind = "closed"
	// BreakerOpen は遮断状態（高速失敗）を表す。
	BreakerOpen BreakerStateKind = "open"
	// BreakerHalfOpen はプローブ1件のみ許可する試験状態を表す。
	BreakerHalfOpen BreakerStateKind = "half_open"
)

// BreakerState はプリミティブごとのブレーカー状態のスナップショットを表す。
// 運用者向けヘルスエンドポイントにのみ公開される。
type BreakerState struct {
	PrimitiveID   AlgorithmID
	State         BreakerStateKind
	FailureCount  int
	LastFailureAt time.Time
	OpenedAt      time.Time
	ResetTimeout  time.Duration
}
