package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"hybrid-crypto-service/internal/domain"
)

// EncryptedRecordModel は保存済み暗号化レコードのgormモデル。
// StagedEnvelope には移行中の検証前暗号文のみが置かれ、Envelope は
// スワップまで変更されない。
type EncryptedRecordModel struct {
	ID             string     `gorm:"type:char(36);primaryKey"`
	Envelope       []byte     `gorm:"type:blob;not null"`
	Generation     uint       `gorm:"not null;index:idx_record_generation"`
	StagedEnvelope []byte     `gorm:"type:blob"`
	LeaseOwner     *string    `gorm:"type:char(36)"`
	LeaseExpiresAt *time.Time `gorm:"type:datetime(6)"`
	CreatedAt      time.Time  `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (EncryptedRecordModel) TableName() string {
	return "encrypted_records"
}

// RecordRepository は暗号化レコードのデータアクセスを提供する。
// リースの取得・更新は条件付きUPDATEの影響行数で判定し、
// 同一レコードのリースを2ワーカーが同時に保持することはない。
type RecordRepository struct {
	db *gorm.DB
}

// NewRecordRepository は新しいRecordRepositoryを生成する。
func NewRecordRepository(db *gorm.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// Create は新しい暗号化レコードを保存する。
func (r *RecordRepository) Create(ctx context.Context, id string, env *domain.CiphertextEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	model := &EncryptedRecordModel{
		ID:         id,
		Envelope:   payload,
		Generation: env.Generation,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create encrypted record",
			"operation", "create",
			"record_id", id,
			"error", err,
		)
		return err
	}
	return nil
}

// Find は指定された暗号化レコードを取得する。
func (r *RecordRepository) Find(ctx context.Context, id string) (*domain.EncryptedRecord, error) {
	var model EncryptedRecordModel
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrRecordNotFound
		}
		slog.ErrorContext(ctx, "failed to find encrypted record",
			"operation", "find",
			"record_id", id,
			"error", err,
		)
		return nil, err
	}

	record := &domain.EncryptedRecord{
		ID:         model.ID,
		Generation: model.Generation,
		UpdatedAt:  model.UpdatedAt,
	}
	if err := json.Unmarshal(model.Envelope, &record.Envelope); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}
	if len(model.StagedEnvelope) > 0 {
		staged := &domain.CiphertextEnvelope{}
		if err := json.Unmarshal(model.StagedEnvelope, staged); err != nil {
			return nil, fmt.Errorf("unmarshaling staged envelope: %w", err)
		}
		record.Staged = staged
	}
	return record, nil
}

// ListIDsByGeneration は指定世代のレコードIDを列挙する。
// filter が空でない場合はIDの前方一致で絞り込む。
func (r *RecordRepository) ListIDsByGeneration(ctx context.Context, generation uint, filter string) ([]string, error) {
	q := r.db.WithContext(ctx).
		Model(&EncryptedRecordModel{}).
		Where("generation = ?", generation)
	if filter != "" {
		q = q.Where("id LIKE ?", filter+"%")
	}

	var ids []string
	if err := q.Order("id ASC").Pluck("id", &ids).Error; err != nil {
		slog.ErrorContext(ctx, "failed to list record ids",
			"operation", "list_ids_by_generation",
			"generation", generation,
			"error", err,
		)
		return nil, err
	}
	return ids, nil
}

// AcquireLease は排他リースの取得を試みる。取得できた場合のみtrueを返す。
// 期限切れリースは奪取できる。
func (r *RecordRepository) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	expires := now.Add(ttl)
	res := r.db.WithContext(ctx).
		Model(&EncryptedRecordModel{}).
		Where("id = ? AND (lease_owner IS NULL OR lease_owner = ? OR lease_expires_at < ?)", id, owner, now).
		Updates(map[string]interface{}{
			"lease_owner":      owner,
			"lease_expires_at": expires,
		})
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to acquire lease",
			"operation", "acquire_lease",
			"record_id", id,
			"error", res.Error,
		)
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ReleaseLease は保持しているリースを解放する。
func (r *RecordRepository) ReleaseLease(ctx context.Context, id, owner string) error {
	res := r.db.WithContext(ctx).
		Model(&EncryptedRecordModel{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(map[string]interface{}{
			"lease_owner":      nil,
			"lease_expires_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	return nil
}

// WriteStaged は新世代の暗号文をステージング領域に書き込む。
// 本体のEnvelopeはこの操作で変更されない。
func (r *RecordRepository) WriteStaged(ctx context.Context, id, owner string, staged *domain.CiphertextEnvelope) error {
	payload, err := json.Marshal(staged)
	if err != nil {
		return fmt.Errorf("marshaling staged envelope: %w", err)
	}
	res := r.db.WithContext(ctx).
		Model(&EncryptedRecordModel{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Update("staged_envelope", payload)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrLeaseNotHeld
	}
	return nil
}

// ClearStaged はステージング暗号文を破棄する。元の暗号文は無傷のまま残る。
func (r *RecordRepository) ClearStaged(ctx context.Context, id, owner string) error {
	res := r.db.WithContext(ctx).
		Model(&EncryptedRecordModel{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Update("staged_envelope", nil)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrLeaseNotHeld
	}
	return nil
}

// PromoteStaged は検証済みステージング暗号文を単一UPDATEで本体に
// スワップし、世代を進める。旧暗号文が消えるのはこの時点のみ。
func (r *RecordRepository) PromoteStaged(ctx context.Context, id, owner string, targetGeneration uint) error {
	res := r.db.WithContext(ctx).
		Model(&EncryptedRecordModel{}).
		Where("id = ? AND lease_owner = ? AND staged_envelope IS NOT NULL", id, owner).
		Updates(map[string]interface{}{
			"envelope":        gorm.Expr("staged_envelope"),
			"generation":      targetGeneration,
			"staged_envelope": nil,
		})
	if res.Error != nil {
		slog.ErrorContext(ctx, "failed to promote staged ciphertext",
			"operation", "promote_staged",
			"record_id", id,
			"error", res.Error,
		)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrLeaseNotHeld
	}
	return nil
}
