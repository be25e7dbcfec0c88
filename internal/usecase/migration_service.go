package usecase

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"hybrid-crypto-service/internal/domain"
)

// maxRecordAttempts はレコード1件あたりの最大試行回数。
const maxRecordAttempts = 3

// RecordCryptor は移行が必要とする暗号操作の最小インターフェース。
// CryptoServiceが実装する。
type RecordCryptor interface {
	Encrypt(ctx context.Context, plaintext []byte, generation uint) (*domain.CiphertextEnvelope, error)
	Decrypt(ctx context.Context, env *domain.CiphertextEnvelope) ([]byte, error)
}

// RecordRepository は暗号化レコードのデータアクセスのインターフェース。
// ステージング書き込みとスワップはリース保持者のみが行える。
type RecordRepository interface {
	ListIDsByGeneration(ctx context.Context, generation uint, filter string) ([]string, error)
	Find(ctx context.Context, id string) (*domain.EncryptedRecord, error)
	AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, id, owner string) error
	WriteStaged(ctx context.Context, id, owner string, staged *domain.CiphertextEnvelope) error
	ClearStaged(ctx context.Context, id, owner string) error
	PromoteStaged(ctx context.Context, id, owner string, targetGeneration uint) error
}

// MigrationRepository は移行バッチ・レコードの履歴を管理するインターフェース。
type MigrationRepository interface {
	CreateBatch(ctx context.Context, batch *domain.MigrationBatch) error
	CreateRecords(ctx context.Context, records []*domain.MigrationRecord) error
	FindBatch(ctx context.Context, batchID string) (*domain.MigrationBatch, error)
	UpdateBatchStatus(ctx context.Context, batchID string, status domain.MigrationBatchStatus) error
	ListPending(ctx context.Context, batchID string) ([]*domain.MigrationRecord, error)
	UpdateRecord(ctx context.Context, rec *domain.MigrationRecord) error
	CountByStatus(ctx context.Context, batchID string) (map[domain.MigrationStatus]int64, error)
}

// MigrationServiceConfig はMigrationServiceの動作設定を表す。
type MigrationServiceConfig struct {
	// Concurrency はバッチ内で同時に処理するレコード数の上限。
	Concurrency int
	// LeaseTTL はレコードリースの有効期間。
	LeaseTTL time.Duration
}

// MigrationService は保存済みレコードを暗号世代間で再暗号化する
// バックグラウンドバッチ処理を提供する。平文は1レコードの処理スコープ
// 内でのみ保持され、レコードをまたいでバッファされることはない。
type MigrationService struct {
	records    RecordRepository
	migrations MigrationRepository
	cryptor    RecordCryptor
	cfg        MigrationServiceConfig

	// owner はこのサービスインスタンスのリース所有者識別子。
	owner string

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMigrationService は新しいMigrationServiceを生成する。
func NewMigrationService(records RecordRepository, migrations MigrationRepository, cryptor RecordCryptor, cfg MigrationServiceConfig) *MigrationService {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 60 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MigrationService{
		records:    records,
		migrations: migrations,
		cryptor:    cryptor,
		cfg:        cfg,
		owner:      uuid.New().String(),
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

// Stop は新規レコードの取り込みを止め、処理中のレコードが一貫した
// 終端状態に達するまで待つ。
func (s *MigrationService) Stop() {
	s.cancel()
	s.wg.Wait()
}

// StartMigration は指定された世代間の移行バッチを作成し、
// バックグラウンドで実行を開始する。
func (s *MigrationService) StartMigration(ctx context.Context, sourceGeneration, targetGeneration uint, filter string) (string, error) {
	if sourceGeneration == 0 || targetGeneration == 0 || sourceGeneration == targetGeneration {
		return "", domain.ErrInvalidGeneration
	}
	// Stop後のサービスは新規バッチを受け付けない。
	if s.baseCtx.Err() != nil {
		return "", domain.ErrMigrationAborted
	}

	// 対象世代の鍵リングが存在することを先に確認する。
	// ラウンドトリップ検証用のダミー暗号化で鍵の有無を見る。
	if _, err := s.cryptor.Encrypt(ctx, []byte("migration-preflight"), targetGeneration); err != nil {
		return "", fmt.Errorf("target generation %d not usable: %w", targetGeneration, err)
	}

	batch := &domain.MigrationBatch{
		ID:               uuid.New().String(),
		SourceGeneration: sourceGeneration,
		TargetGeneration: targetGeneration,
		Filter:           filter,
		Status:           domain.MigrationBatchRunning,
	}
	if err := s.migrations.CreateBatch(ctx, batch); err != nil {
		return "", fmt.Errorf("creating batch: %w", err)
	}

	ids, err := s.records.ListIDsByGeneration(ctx, sourceGeneration, filter)
	if err != nil {
		return "", fmt.Errorf("listing source records: %w", err)
	}

	// 既にCompletedなレコード集合に対する再実行では対象が空になり、
	// 追加の書き込みは発生しない。
	recs := make([]*domain.MigrationRecord, len(ids))
	for i, id := range ids {
		recs[i] = &domain.MigrationRecord{
			ID:               uuid.New().String(),
			BatchID:          batch.ID,
			RecordID:         id,
			SourceGeneration: sourceGeneration,
			TargetGeneration: targetGeneration,
			Status:           domain.MigrationStatusPending,
		}
	}
	if len(recs) > 0 {
		if err := s.migrations.CreateRecords(ctx, recs); err != nil {
			return "", fmt.Errorf("creating migration records: %w", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runBatch(s.baseCtx, batch)
	}()

	slog.InfoContext(ctx, "migration batch started",
		"batch_id", batch.ID,
		"source_generation", sourceGeneration,
		"target_generation", targetGeneration,
		"records", len(recs),
	)
	return batch.ID, nil
}

// GetStatus はバッチのステータス別件数を返す。
func (s *MigrationService) GetStatus(ctx context.Context, batchID string) (*domain.MigrationBatch, map[domain.MigrationStatus]int64, error) {
	batch, err := s.migrations.FindBatch(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	if batch == nil {
		return nil, nil, domain.ErrMigrationBatchNotFound
	}
	counts, err := s.migrations.CountByStatus(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	return batch, counts, nil
}

// runBatch はバッチ内の全レコードを有限の並列度で処理する。
// キャンセルはレコード間でのみ確認する協調的なもので、処理中の
// レコードは必ず終端状態まで到達する。
func (s *MigrationService) runBatch(ctx context.Context, batch *domain.MigrationBatch) {
	pending, err := s.migrations.ListPending(ctx, batch.ID)
	if err != nil {
		slog.Error("failed to list pending migration records",
			"batch_id", batch.ID,
			"error", err,
		)
		return
	}

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	aborted := false

	for _, rec := range pending {
		if ctx.Err() != nil {
			aborted = true
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(rec *domain.MigrationRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			// レコード処理自体はキャンセルの影響を受けない。
			s.processRecord(context.WithoutCancel(ctx), batch, rec)
		}(rec)
	}
	wg.Wait()

	status := domain.MigrationBatchCompleted
	if aborted {
		status = domain.MigrationBatchAborted
	}
	if err := s.migrations.UpdateBatchStatus(context.WithoutCancel(ctx), batch.ID, status); err != nil {
		slog.Error("failed to update batch status",
			"batch_id", batch.ID,
			"status", string(status),
			"error", err,
		)
	}
	if aborted {
		slog.Warn("migration batch finished",
			"batch_id", batch.ID,
			"status", string(status),
			"records", len(pending),
			"error", domain.ErrMigrationAborted,
		)
		return
	}
	slog.Info("migration batch finished",
		"batch_id", batch.ID,
		"status", string(status),
		"records", len(pending),
	)
}

// processRecord は1レコードを排他リース下で移行する。
// 元の暗号文はステージング暗号文のラウンドトリップ検証が完了し
// アトミックにスワップされるまで変更されない。
func (s *MigrationService) processRecord(ctx context.Context, batch *domain.MigrationBatch, rec *domain.MigrationRecord) {
	acquired, err := s.records.AcquireLease(ctx, rec.RecordID, s.owner, s.cfg.LeaseTTL)
	if err != nil {
		s.markFailed(ctx, rec, fmt.Errorf("acquiring lease: %w", err))
		return
	}
	if !acquired {
		// 他ワーカーがリースを保持している。Pendingのまま残し、
		// 再実行時に拾われる。
		return
	}
	defer func() {
		if err := s.records.ReleaseLease(ctx, rec.RecordID, s.owner); err != nil {
			slog.Error("failed to release lease",
				"record_id", rec.RecordID,
				"error", err,
			)
		}
	}()

	rec.Status = domain.MigrationStatusInProgress
	if err := s.migrations.UpdateRecord(ctx, rec); err != nil {
		s.markFailed(ctx, rec, fmt.Errorf("marking in progress: %w", err))
		return
	}

	op := func() (struct{}, error) {
		rec.Attempts++
		return struct{}{}, s.migrateOnce(ctx, batch, rec)
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 100 * time.Millisecond
	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(maxRecordAttempts),
	)
	if err != nil {
		// 失敗時はステージングを破棄し、元の暗号文を無傷のまま残す。
		if clearErr := s.records.ClearStaged(ctx, rec.RecordID, s.owner); clearErr != nil {
			slog.Error("failed to clear staged ciphertext",
				"record_id", rec.RecordID,
				"error", clearErr,
			)
		}
		s.markFailed(ctx, rec, err)
		return
	}

	rec.Status = domain.MigrationStatusCompleted
	rec.LastError = ""
	if err := s.migrations.UpdateRecord(ctx, rec); err != nil {
		slog.Error("failed to mark record completed",
			"record_id", rec.RecordID,
			"error", err,
		)
	}
}

// migrateOnce は移行の1試行を実行する。
// 復号 → 再暗号化 → ステージング書き込み → 検証 → スワップ。
func (s *MigrationService) migrateOnce(ctx context.Context, batch *domain.MigrationBatch, rec *domain.MigrationRecord) error {
	record, err := s.records.Find(ctx, rec.RecordID)
	if err != nil {
		return backoff.Permanent(err)
	}
	if record.Generation == batch.TargetGeneration {
		// 再実行時の冪等パス。書き込みは発生しない。
		return nil
	}

	plaintext, err := s.cryptor.Decrypt(ctx, &record.Envelope)
	if err != nil {
		return err
	}
	defer zero(plaintext)

	staged, err := s.cryptor.Encrypt(ctx, plaintext, batch.TargetGeneration)
	if err != nil {
		return err
	}

	if err := s.records.WriteStaged(ctx, rec.RecordID, s.owner, staged); err != nil {
		return backoff.Permanent(err)
	}

	// コミット前にステージング暗号文のラウンドトリップを検証する。
	// 検証が通るまで旧世代の暗号文は削除されない。
	roundTrip, err := s.cryptor.Decrypt(ctx, staged)
	if err != nil {
		return err
	}
	defer zero(roundTrip)
	if !bytes.Equal(roundTrip, plaintext) {
		return backoff.Permanent(fmt.Errorf("%w: staged ciphertext round-trip: %w", domain.ErrMigrationRecordFailed, domain.ErrVerificationFailed))
	}

	if err := s.records.PromoteStaged(ctx, rec.RecordID, s.owner, batch.TargetGeneration); err != nil {
		return backoff.Permanent(err)
	}
	return nil
}

// RollbackRecord はステージング暗号文を破棄して元の暗号文参照に戻し、
// レコードをRolledBackとして記録する。
func (s *MigrationService) RollbackRecord(ctx context.Context, rec *domain.MigrationRecord) error {
	if rec.Status.Terminal() {
		return nil
	}
	acquired, err := s.records.AcquireLease(ctx, rec.RecordID, s.owner, s.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return domain.ErrLeaseNotHeld
	}
	defer func() {
		_ = s.records.ReleaseLease(ctx, rec.RecordID, s.owner)
	}()

	if err := s.records.ClearStaged(ctx, rec.RecordID, s.owner); err != nil {
		return err
	}
	rec.Status = domain.MigrationStatusRolledBack
	return s.migrations.UpdateRecord(ctx, rec)
}

// markFailed はレコードをFailedとして記録する。バッチは停止しない。
func (s *MigrationService) markFailed(ctx context.Context, rec *domain.MigrationRecord, cause error) {
	rec.Status = domain.MigrationStatusFailed
	rec.LastError = cause.Error()
	if err := s.migrations.UpdateRecord(ctx, rec); err != nil {
		slog.Error("failed to mark record failed",
			"record_id", rec.RecordID,
			"error", err,
		)
	}
	slog.WarnContext(ctx, "migration record failed",
		"record_id", rec.RecordID,
		"batch_id", rec.BatchID,
		"attempts", rec.Attempts,
		"error", cause,
	)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// CryptoServiceがRecordCryptorを満たすことをコンパイル時に確認する。
var _ RecordCryptor = (*CryptoService)(nil)
