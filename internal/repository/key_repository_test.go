package repository

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"hybrid-crypto-service/internal/domain"
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// スキーマ定義（SQLite用にENUM→TEXT変換）
	sql := `
		CREATE TABLE key_materials (
			id TEXT PRIMARY KEY,
			algorithm_id TEXT NOT NULL,
			generation INTEGER NOT NULL,
			kind TEXT NOT NULL,
			public_key BLOB NOT NULL,
			wrapped_private_key BLOB NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			expires_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(generation, algorithm_id)
		);
		CREATE INDEX idx_generation ON key_materials(generation);

		CREATE TABLE encrypted_records (
			id TEXT PRIMARY KEY,
			envelope BLOB NOT NULL,
			generation INTEGER NOT NULL,
			staged_envelope BLOB,
			lease_owner TEXT,
			lease_expires_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX idx_record_generation ON encrypted_records(generation);

		CREATE TABLE migration_batches (
			id TEXT PRIMARY KEY,
			source_generation INTEGER NOT NULL,
			target_generation INTEGER NOT NULL,
			filter TEXT,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE migration_records (
			id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			record_id TEXT NOT NULL,
			source_generation INTEGER NOT NULL,
			target_generation INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX idx_migration_batch ON migration_records(batch_id);
		CREATE INDEX idx_migration_status ON migration_records(status);
	`

	if err := db.Exec(sql).Error; err != nil {
		t.Fatalf("failed to create tables: %v", err)
	}

	return db
}

func TestKeyRepository_Create(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	key := &domain.KeyMaterial{
		AlgorithmID: domain.AlgorithmMLKEM768,
		Kind:        domain.KeyKindEncryption,
		Generation:  1,
		PublicKey:   []byte("public-key-1"),
		Status:      domain.KeyStatusActive,
	}

	if err := repo.Create(ctx, key, []byte("wrapped-priv-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// UUID自動生成を確認
	if key.PrivateKeyRef == "" {
		t.Error("expected PrivateKeyRef to be generated, got empty")
	}
	if key.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set, got zero value")
	}

	// データベースに保存されたことを確認
	var count int64
	if err := db.Model(&KeyMaterialModel{}).Where("generation = ?", 1).Count(&count).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 record, got %d", count)
	}
}

func TestKeyRepository_FindActive(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	if err := db.Exec("INSERT INTO key_materials (id, algorithm_id, generation, kind, public_key, wrapped_private_key, status) VALUES (?, ?, ?, ?, ?, ?, ?)",
		"test-id-1", "ML-KEM-768", 1, "encryption", []byte("public-key-1"), []byte("wrapped-priv-1"), "active").Error; err != nil {
		t.Fatalf("failed to insert test data: %v", err)
	}

	// 鍵が存在する場合
	key, wrapped, err := repo.FindActive(ctx, 1, domain.AlgorithmMLKEM768)
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if key.AlgorithmID != domain.AlgorithmMLKEM768 {
		t.Errorf("expected algorithm_id=ML-KEM-768, got %s", key.AlgorithmID)
	}
	if key.PrivateKeyRef != "test-id-1" {
		t.Errorf("expected ref=test-id-1, got %s", key.PrivateKeyRef)
	}
	if !bytes.Equal(wrapped, []byte("wrapped-priv-1")) {
		t.Errorf("expected wrapped private key, got %q", wrapped)
	}

	// 鍵が存在しない場合
	if _, _, err := repo.FindActive(ctx, 2, domain.AlgorithmMLKEM768); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestKeyRepository_FindActive_Disabled(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	if err := db.Exec("INSERT INTO key_materials (id, algorithm_id, generation, kind, public_key, wrapped_private_key, status) VALUES (?, ?, ?, ?, ?, ?, ?)",
		"test-id-1", "ML-KEM-768", 1, "encryption", []byte("public-key-1"), []byte("wrapped-priv-1"), "disabled").Error; err != nil {
		t.Fatalf("failed to insert test data: %v", err)
	}

	if _, _, err := repo.FindActive(ctx, 1, domain.AlgorithmMLKEM768); !errors.Is(err, domain.ErrKeyDisabled) {
		t.Errorf("expected ErrKeyDisabled, got %v", err)
	}
}

func TestKeyRepository_FindByRef(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	if err := db.Exec("INSERT INTO key_materials (id, algorithm_id, generation, kind, public_key, wrapped_private_key, status) VALUES (?, ?, ?, ?, ?, ?, ?)",
		"test-id-1", "Ed25519", 1, "signing", []byte("public-key-1"), []byte("wrapped-priv-1"), "active").Error; err != nil {
		t.Fatalf("failed to insert test data: %v", err)
	}

	key, wrapped, err := repo.FindByRef(ctx, "test-id-1")
	if err != nil {
		t.Fatalf("FindByRef failed: %v", err)
	}
	if key.Kind != domain.KeyKindSigning {
		t.Errorf("expected kind=signing, got %s", key.Kind)
	}
	if !bytes.Equal(wrapped, []byte("wrapped-priv-1")) {
		t.Errorf("expected wrapped private key, got %q", wrapped)
	}

	if _, _, err := repo.FindByRef(ctx, "no-such-ref"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestKeyRepository_MaxGeneration(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	// 鍵がない場合
	maxGen, err := repo.MaxGeneration(ctx)
	if err != nil {
		t.Fatalf("MaxGeneration failed: %v", err)
	}
	if maxGen != 0 {
		t.Errorf("expected maxGen=0, got %d", maxGen)
	}

	for gen := 1; gen <= 3; gen++ {
		if err := db.Exec("INSERT INTO key_materials (id, algorithm_id, generation, kind, public_key, wrapped_private_key, status) VALUES (?, ?, ?, ?, ?, ?, ?)",
			"test-id-"+string(rune('0'+gen)), "ML-KEM-768", gen, "encryption", []byte("public-key"), []byte("wrapped-priv"), "active").Error; err != nil {
			t.Fatalf("failed to insert test data: %v", err)
		}
	}

	maxGen, err = repo.MaxGeneration(ctx)
	if err != nil {
		t.Fatalf("MaxGeneration failed: %v", err)
	}
	if maxGen != 3 {
		t.Errorf("expected maxGen=3, got %d", maxGen)
	}
}

func TestKeyRepository_ListByGeneration(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	// 順不同で挿入
	algorithms := []string{"X25519-ChaCha20-Poly1305", "Ed25519", "ML-KEM-768", "ML-DSA-65"}
	for i, alg := range algorithms {
		if err := db.Exec("INSERT INTO key_materials (id, algorithm_id, generation, kind, public_key, wrapped_private_key, status) VALUES (?, ?, ?, ?, ?, ?, ?)",
			"test-id-"+string(rune('0'+i)), alg, 1, "encryption", []byte("public-key"), []byte("wrapped-priv"), "active").Error; err != nil {
			t.Fatalf("failed to insert test data: %v", err)
		}
	}

	keys, err := repo.ListByGeneration(ctx, 1)
	if err != nil {
		t.Fatalf("ListByGeneration failed: %v", err)
	}
	if len(keys) != 4 {
		t.Fatalf("expected 4 keys, got %d", len(keys))
	}

	// アルゴリズムID順にソートされていることを確認
	expected := []domain.AlgorithmID{"Ed25519", "ML-DSA-65", "ML-KEM-768", "X25519-ChaCha20-Poly1305"}
	for i, key := range keys {
		if key.AlgorithmID != expected[i] {
			t.Errorf("keys[%d]: expected algorithm_id=%s, got %s", i, expected[i], key.AlgorithmID)
		}
	}

	// 鍵がない世代
	keys, err = repo.ListByGeneration(ctx, 2)
	if err != nil {
		t.Fatalf("ListByGeneration failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected empty slice, got %d keys", len(keys))
	}
}

func TestKeyRepository_UpdateStatus(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	if err := db.Exec("INSERT INTO key_materials (id, algorithm_id, generation, kind, public_key, wrapped_private_key, status) VALUES (?, ?, ?, ?, ?, ?, ?)",
		"test-id-1", "ML-KEM-768", 1, "encryption", []byte("public-key"), []byte("wrapped-priv"), "active").Error; err != nil {
		t.Fatalf("failed to insert test data: %v", err)
	}

	if err := repo.UpdateStatus(ctx, "test-id-1", domain.KeyStatusDisabled); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	var model KeyMaterialModel
	if err := db.Where("id = ?", "test-id-1").First(&model).Error; err != nil {
		t.Fatalf("failed to fetch updated record: %v", err)
	}
	if model.Status != string(domain.KeyStatusDisabled) {
		t.Errorf("expected status=disabled, got %s", model.Status)
	}
}
