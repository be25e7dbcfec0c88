package domain

import "errors"

var (
	// ErrPrimitiveUnavailable はプリミティブブリッジが到達不能または
	// タイムアウトした場合のエラー。
	ErrPrimitiveUnavailable = errors.New("primitive unavailable")

	// ErrPrimitiveMalformedOutput はプリミティブの出力が期待される
	// 鍵長・暗号文長・構造に一致しない場合のエラー。
	ErrPrimitiveMalformedOutput = errors.New("primitive returned malformed output")

	// ErrBreakerOpen はブレーカーが遮断中でプリミティブを試行せずに
	// 高速失敗した場合のエラー。
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrCryptoUnavailable は主経路・フォールバック経路の両方が失敗し、
	// 操作が終端的に失敗した場合のエラー。再試行は呼び出し側の責務。
	ErrCryptoUnavailable = errors.New("crypto unavailable")

	// ErrUnsupportedAlgorithm はエンベロープのアルゴリズム識別子が
	// 既知のプリミティブに対応しない場合のエラー。
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrVerificationFailed は暗号文の検証が不一致となった場合のエラー。
	// 移行時のステージング暗号文のラウンドトリップ検証で使われる。
	// 署名検証の不一致はエラーではなくvalid=falseとして報告される。
	ErrVerificationFailed = errors.New("verification failed")

	// ErrKeyNotFound は指定された世代・アルゴリズムの鍵が存在しない
	// 場合のエラー。
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyDisabled は指定された鍵が無効化されている場合のエラー。
	ErrKeyDisabled = errors.New("key is disabled")

	// ErrInvalidGeneration は世代番号が不正な場合のエラー。
	ErrInvalidGeneration = errors.New("invalid generation")

	// ErrMigrationRecordFailed はレコード単位の移行失敗を表す。
	// バッチは停止せず、レコードごとに記録される。
	ErrMigrationRecordFailed = errors.New("migration record failed")

	// ErrMigrationAborted はバッチがキャンセルされた場合のエラー。
	// 処理中のレコードは一貫した終端状態まで到達してから停止する。
	ErrMigrationAborted = errors.New("migration aborted")

	// ErrMigrationBatchNotFound は指定されたバッチが存在しない場合のエラー。
	ErrMigrationBatchNotFound = errors.New("migration batch not found")

	// ErrLeaseNotHeld はリースを保持していないワーカーがレコードを
	// 変更しようとした場合のエラー。
	ErrLeaseNotHeld = errors.New("record lease not held")

	// ErrRecordNotFound は指定された暗号化レコードが存在しない場合のエラー。
	ErrRecordNotFound = errors.New("record not found")
)
