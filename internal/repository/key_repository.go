// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"hybrid-crypto-service/internal/domain"
)

// KeyMaterialModel はgorm用のモデル定義。
// WrappedPrivateKey はKMSでラップ済みの秘密鍵であり、平文の鍵素材は
// このテーブルに存在しない。
type KeyMaterialModel struct {
	ID                string     `gorm:"type:char(36);primaryKey"`
	AlgorithmID       string     `gorm:"type:varchar(64);not null;uniqueIndex:uk_generation_algorithm"`
	Generation        uint       `gorm:"not null;uniqueIndex:uk_generation_algorithm;index:idx_generation"`
	Kind              string     `gorm:"type:varchar(16);not null"`
	PublicKey         []byte     `gorm:"type:blob;not null"`
	WrappedPrivateKey []byte     `gorm:"type:blob;not null"`
	Status            string     `gorm:"type:enum('active','disabled');not null;default:'active'"`
	ExpiresAt         *time.Time `gorm:"type:datetime(6)"`
	CreatedAt         time.Time  `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt         time.Time  `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyMaterialModel) TableName() string {
	return "key_materials"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *KeyMaterialModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *KeyMaterialModel) toDomain() *domain.KeyMaterial {
	key := &domain.KeyMaterial{
		AlgorithmID:   domain.AlgorithmID(m.AlgorithmID),
		PublicKey:     m.PublicKey,
		PrivateKeyRef: m.ID,
		Kind:          domain.KeyKind(m.Kind),
		Generation:    m.Generation,
		Status:        domain.KeyStatus(m.Status),
		CreatedAt:     m.CreatedAt,
	}
	if m.ExpiresAt != nil {
		key.ExpiresAt = *m.ExpiresAt
	}
	return key
}

// KeyRepository は鍵素材のデータアクセスを提供する。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// Create は新しい鍵素材を保存する。
func (r *KeyRepository) Create(ctx context.Context, key *domain.KeyMaterial, wrappedPriv []byte) error {
	var expires *time.Time
	if !key.ExpiresAt.IsZero() {
		expires = &key.ExpiresAt
	}
	model := &KeyMaterialModel{
		AlgorithmID:       string(key.AlgorithmID),
		Generation:        key.Generation,
		Kind:              string(key.Kind),
		PublicKey:         key.PublicKey,
		WrappedPrivateKey: wrappedPriv,
		Status:            string(key.Status),
		ExpiresAt:         expires,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create key material",
			"operation", "create",
			"algorithm_id", string(key.AlgorithmID),
			"generation", key.Generation,
			"error", err,
		)
		return err
	}
	key.PrivateKeyRef = model.ID
	key.CreatedAt = model.CreatedAt
	return nil
}

// FindByRef は秘密鍵参照ハンドルで鍵素材を取得する。
func (r *KeyRepository) FindByRef(ctx context.Context, ref string) (*domain.KeyMaterial, []byte, error) {
	var model KeyMaterialModel
	err := r.db.WithContext(ctx).
		Where("id = ?", ref).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, domain.ErrKeyNotFound
		}
		slog.ErrorContext(ctx, "failed to find key by ref",
			"operation", "find_by_ref",
			"error", err,
		)
		return nil, nil, err
	}
	return model.toDomain(), model.WrappedPrivateKey, nil
}

// FindActive は指定世代・アルゴリズムの有効な鍵素材を取得する。
func (r *KeyRepository) FindActive(ctx context.Context, generation uint, alg domain.AlgorithmID) (*domain.KeyMaterial, []byte, error) {
	var model KeyMaterialModel
	err := r.db.WithContext(ctx).
		Where("generation = ? AND algorithm_id = ?", generation, string(alg)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, domain.ErrKeyNotFound
		}
		slog.ErrorContext(ctx, "failed to find active key",
			"operation", "find_active",
			"generation", generation,
			"algorithm_id", string(alg),
			"error", err,
		)
		return nil, nil, err
	}
	if model.Status == string(domain.KeyStatusDisabled) {
		return nil, nil, domain.ErrKeyDisabled
	}
	return model.toDomain(), model.WrappedPrivateKey, nil
}

// MaxGeneration は保存されている最大世代番号を取得する。
func (r *KeyRepository) MaxGeneration(ctx context.Context) (uint, error) {
	var maxGen *uint
	err := r.db.WithContext(ctx).
		Model(&KeyMaterialModel{}).
		Select("MAX(generation)").
		Scan(&maxGen).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to get max generation",
			"operation", "max_generation",
			"error", err,
		)
		return 0, err
	}
	if maxGen == nil {
		return 0, nil
	}
	return *maxGen, nil
}

// ListByGeneration は指定世代の全鍵素材を取得する。
func (r *KeyRepository) ListByGeneration(ctx context.Context, generation uint) ([]*domain.KeyMaterial, error) {
	var models []KeyMaterialModel
	err := r.db.WithContext(ctx).
		Where("generation = ?", generation).
		Order("algorithm_id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list keys by generation",
			"operation", "list_by_generation",
			"generation", generation,
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.KeyMaterial, len(models))
	for i, m := range models {
		keys[i] = m.toDomain()
	}
	return keys, nil
}

// UpdateStatus は指定された鍵のステータスを更新する。
func (r *KeyRepository) UpdateStatus(ctx context.Context, ref string, status domain.KeyStatus) error {
	err := r.db.WithContext(ctx).
		Model(&KeyMaterialModel{}).
		Where("id = ?", ref).
		Update("status", string(status)).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update key status",
			"operation", "update_status",
			"status", string(status),
			"error", err,
		)
		return err
	}
	return nil
}
