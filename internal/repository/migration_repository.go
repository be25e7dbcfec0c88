package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"hybrid-crypto-service/internal/domain"
)

// MigrationBatchModel は移行バッチのgormモデル。
type MigrationBatchModel struct {
	ID               string    `gorm:"type:char(36);primaryKey"`
	SourceGeneration uint      `gorm:"not null"`
	TargetGeneration uint      `gorm:"not null"`
	Filter           string    `gorm:"type:varchar(255)"`
	Status           string    `gorm:"type:varchar(16);not null"`
	CreatedAt        time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (MigrationBatchModel) TableName() string {
	return "migration_batches"
}

// MigrationRecordModel はレコード単位の移行履歴のgormモデル。
type MigrationRecordModel struct {
	ID               string    `gorm:"type:char(36);primaryKey"`
	BatchID          string    `gorm:"type:char(36);not null;index:idx_migration_batch"`
	RecordID         string    `gorm:"type:char(36);not null;index:idx_migration_record"`
	SourceGeneration uint      `gorm:"not null"`
	TargetGeneration uint      `gorm:"not null"`
	Status           string    `gorm:"type:varchar(16);not null;index:idx_migration_status"`
	Attempts         int       `gorm:"not null;default:0"`
	LastError        string    `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (MigrationRecordModel) TableName() string {
	return "migration_records"
}

func (m *MigrationRecordModel) toDomain() *domain.MigrationRecord {
	return &domain.MigrationRecord{
		ID:               m.ID,
		BatchID:          m.BatchID,
		RecordID:         m.RecordID,
		SourceGeneration: m.SourceGeneration,
		TargetGeneration: m.TargetGeneration,
		Status:           domain.MigrationStatus(m.Status),
		Attempts:         m.Attempts,
		LastError:        m.LastError,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// MigrationRepository は移行バッチ・レコードの履歴を管理する。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// CreateBatch は移行バッチを保存する。
func (r *MigrationRepository) CreateBatch(ctx context.Context, batch *domain.MigrationBatch) error {
	model := &MigrationBatchModel{
		ID:               batch.ID,
		SourceGeneration: batch.SourceGeneration,
		TargetGeneration: batch.TargetGeneration,
		Filter:           batch.Filter,
		Status:           string(batch.Status),
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create migration batch",
			"operation", "create_batch",
			"batch_id", batch.ID,
			"error", err,
		)
		return err
	}
	batch.CreatedAt = model.CreatedAt
	return nil
}

// CreateRecords は移行レコードを一括保存する。
func (r *MigrationRepository) CreateRecords(ctx context.Context, records []*domain.MigrationRecord) error {
	models := make([]MigrationRecordModel, len(records))
	for i, rec := range records {
		models[i] = MigrationRecordModel{
			ID:               rec.ID,
			BatchID:          rec.BatchID,
			RecordID:         rec.RecordID,
			SourceGeneration: rec.SourceGeneration,
			TargetGeneration: rec.TargetGeneration,
			Status:           string(rec.Status),
			Attempts:         rec.Attempts,
		}
	}
	if err := r.db.WithContext(ctx).Create(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create migration records",
			"operation", "create_records",
			"count", len(records),
			"error", err,
		)
		return err
	}
	return nil
}

// FindBatch は移行バッチを取得する。存在しない場合はnilを返す。
func (r *MigrationRepository) FindBatch(ctx context.Context, batchID string) (*domain.MigrationBatch, error) {
	var model MigrationBatchModel
	err := r.db.WithContext(ctx).
		Where("id = ?", batchID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find migration batch",
			"operation", "find_batch",
			"batch_id", batchID,
			"error", err,
		)
		return nil, err
	}
	return &domain.MigrationBatch{
		ID:               model.ID,
		SourceGeneration: model.SourceGeneration,
		TargetGeneration: model.TargetGeneration,
		Filter:           model.Filter,
		Status:           domain.MigrationBatchStatus(model.Status),
		CreatedAt:        model.CreatedAt,
		UpdatedAt:        model.UpdatedAt,
	}, nil
}

// UpdateBatchStatus はバッチのステータスを更新する。
func (r *MigrationRepository) UpdateBatchStatus(ctx context.Context, batchID string, status domain.MigrationBatchStatus) error {
	err := r.db.WithContext(ctx).
		Model(&MigrationBatchModel{}).
		Where("id = ?", batchID).
		Update("status", string(status)).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update batch status",
			"operation", "update_batch_status",
			"batch_id", batchID,
			"error", err,
		)
		return err
	}
	return nil
}

// ListPending は未処理の移行レコードを列挙する。
func (r *MigrationRepository) ListPending(ctx context.Context, batchID string) ([]*domain.MigrationRecord, error) {
	var models []MigrationRecordModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND status IN ?", batchID, []string{
			string(domain.MigrationStatusPending),
			string(domain.MigrationStatusFailed),
		}).
		Order("record_id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list pending migration records",
			"operation", "list_pending",
			"batch_id", batchID,
			"error", err,
		)
		return nil, err
	}

	records := make([]*domain.MigrationRecord, len(models))
	for i, m := range models {
		records[i] = m.toDomain()
	}
	return records, nil
}

// UpdateRecord は移行レコードの状態を更新する。
func (r *MigrationRepository) UpdateRecord(ctx context.Context, rec *domain.MigrationRecord) error {
	err := r.db.WithContext(ctx).
		Model(&MigrationRecordModel{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"status":     string(rec.Status),
			"attempts":   rec.Attempts,
			"last_error": rec.LastError,
		}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update migration record",
			"operation", "update_record",
			"record_id", rec.RecordID,
			"error", err,
		)
		return err
	}
	return nil
}

// CountByStatus はバッチ内のステータス別件数を集計する。
func (r *MigrationRepository) CountByStatus(ctx context.Context, batchID string) (map[domain.MigrationStatus]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&MigrationRecordModel{}).
		Select("status, COUNT(*) as count").
		Where("batch_id = ?", batchID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count migration records",
			"operation", "count_by_status",
			"batch_id", batchID,
			"error", err,
		)
		return nil, err
	}

	counts := make(map[domain.MigrationStatus]int64, len(rows))
	for _, row := range rows {
		counts[domain.MigrationStatus(row.Status)] = row.Count
	}
	return counts, nil
}
