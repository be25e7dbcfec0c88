// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import "time"

// AlgorithmID は暗号プリミティブのアルゴリズム識別子を表す。
// エンベロープに記録された識別子が復号パスを一意に決定する。
type AlgorithmID string

const (
	// AlgorithmMLKEM768 はポスト量子KEM（NIST FIPS 203）を表す。
	AlgorithmMLKEM768 AlgorithmID = "ML-KEM-768"
	// AlgorithmMLDSA65 はポスト量子署名（NIST FIPS 204）を表す。
	AlgorithmMLDSA65 AlgorithmID = "ML-DSA-65"
	// AlgorithmX25519 は古典フォールバックの暗号化アルゴリズムを表す。
	AlgorithmX25519 AlgorithmID = "X25519-ChaCha20-Poly1305"
	// AlgorithmEd25519 は古典フォールバックの署名アルゴリズムを表す。
	AlgorithmEd25519 AlgorithmID = "Ed25519"
)

// KeyKind は鍵ペアの用途を表す。
type KeyKind string

const (
	// KeyKindEncryption は暗号化用の鍵ペアを表す。
	KeyKindEncryption KeyKind = "encryption"
	// KeyKindSigning は署名用の鍵ペアを表す。
	KeyKindSigning KeyKind = "signing"
)

// Preference は鍵生成時のプリミティブ選択の希望を表す。
type Preference string

const (
	// PreferPostQuantum はポスト量子プリミティブを優先する。
	PreferPostQuantum Preference = "post-quantum"
	// PreferClassical は古典プリミティブを指定する。
	PreferClassical Preference = "classical"
)

// KeyStatus は鍵のステータスを表す。
type KeyStatus string

const (
	// KeyStatusActive は有効な鍵を表す。
	KeyStatusActive KeyStatus = "active"
	// KeyStatusDisabled は無効化された鍵を表す。
	KeyStatusDisabled KeyStatus = "disabled"
)

// KeyMaterial は鍵ペアのメタデータと公開鍵を表す。
// PrivateKeyRef は秘密鍵への不透明な参照であり、秘密鍵そのものは
// ラップされた形でのみ永続化される。ログやテレメトリに出力してはならない。
type KeyMaterial struct {
	AlgorithmID   AlgorithmID
	PublicKey     []byte
	PrivateKeyRef string
	Kind          KeyKind
	Generation    uint
	Status        KeyStatus
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// CiphertextEnvelope は暗号文と復号に必要なメタデータを表す。
// (AlgorithmID, Generation) の組は書き込み後に変更してはならない。
type CiphertextEnvelope struct {
	AlgorithmID   AlgorithmID `json:"algorithm_id"`
	KEMCiphertext []byte      `json:"kem_ciphertext"`
	Nonce         []byte      `json:"nonce"`
	Ciphertext    []byte      `json:"ciphertext"`
	Generation    uint        `json:"generation"`
	FallbackUsed  bool        `json:"fallback_used"`
}

// SignatureEnvelope は署名と検証に必要なメタデータを表す。
type SignatureEnvelope struct {
	AlgorithmID  AlgorithmID `json:"algorithm_id"`
	Signature    []byte      `json:"signature"`
	Generation   uint        `json:"generation"`
	FallbackUsed bool        `json:"fallback_used"`
}

// CiphertextParts はプリミティブが返す暗号化結果の構成要素を表す。
// エンベロープ化はオーケストレーション層の責務。
type CiphertextParts struct {
	KEMCiphertext []byte
	Nonce         []byte
	Ciphertext    []byte
}

// EncryptedRecord は移行対象となる保存済み暗号化レコードを表す。
// Staged には検証前の新世代暗号文のみが置かれ、スワップが完了するまで
// Envelope は変更されない。
type EncryptedRecord struct {
	ID         string
	Envelope   CiphertextEnvelope
	Staged     *CiphertextEnvelope
	Generation uint
	UpdatedAt  time.Time
}
