package primitive

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"hybrid-crypto-service/internal/domain"
)

// ClassicalAdapter は古典プリミティブによるフォールバック経路。
// 暗号化はX25519のエフェメラルECDHとChaCha20-Poly1305、署名はEd25519。
// プロセス内実装のためブリッジのようなプール・タイムアウトは持たないが、
// 同一のインターフェースを満たす。
type ClassicalAdapter struct{}

// NewClassicalAdapter は新しいClassicalAdapterを生成する。
func NewClassicalAdapter() *ClassicalAdapter {
	return &ClassicalAdapter{}
}

// EncryptionAlgorithm は暗号化アルゴリズム識別子を返す。
func (a *ClassicalAdapter) EncryptionAlgorithm() domain.AlgorithmID {
	return domain.AlgorithmX25519
}

// SignatureAlgorithm は署名アルゴリズム識別子を返す。
func (a *ClassicalAdapter) SignatureAlgorithm() domain.AlgorithmID {
	return domain.AlgorithmEd25519
}

// GenerateKeyPair は指定された用途の鍵ペアを生成する。
func (a *ClassicalAdapter) GenerateKeyPair(ctx context.Context, kind domain.KeyKind) (pub, priv []byte, err error) {
	switch kind {
	case domain.KeyKindEncryption:
		scalar := make([]byte, curve25519.ScalarSize)
		if _, err := rand.Read(scalar); err != nil {
			return nil, nil, fmt.Errorf("%w: generating X25519 scalar: %v", domain.ErrPrimitiveUnavailable, err)
		}
		point, err := curve25519.X25519(scalar, curve25519.Basepoint)
		if err != nil {
			secureZero(scalar)
			return nil, nil, fmt.Errorf("%w: deriving X25519 public key: %v", domain.ErrPrimitiveMalformedOutput, err)
		}
		return point, scalar, nil
	case domain.KeyKindSigning:
		edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: Ed25519 keygen: %v", domain.ErrPrimitiveUnavailable, err)
		}
		return edPub, edPriv, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown key kind %q", domain.ErrPrimitiveMalformedOutput, kind)
	}
}

// Encrypt はエフェメラルX25519共有秘密で平文を認証付き暗号化する。
// KEMCiphertext にはエフェメラル公開鍵が入る。
func (a *ClassicalAdapter) Encrypt(ctx context.Context, plaintext, recipientPub []byte) (*domain.CiphertextParts, error) {
	if len(recipientPub) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: recipient public key size %d, want %d",
			domain.ErrPrimitiveMalformedOutput, len(recipientPub), curve25519.PointSize)
	}

	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, fmt.Errorf("%w: generating ephemeral scalar: %v", domain.ErrPrimitiveUnavailable, err)
	}
	defer secureZero(ephPriv)

	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: deriving ephemeral public key: %v", domain.ErrPrimitiveMalformedOutput, err)
	}

	sharedSecret, err := curve25519.X25519(ephPriv, recipientPub)
	if err != nil {
		return nil, fmt.Errorf("%w: X25519 agreement: %v", domain.ErrPrimitiveMalformedOutput, err)
	}
	defer secureZero(sharedSecret)

	nonce, sealed, err := sealWithSecret(sharedSecret, string(domain.AlgorithmX25519), plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: sealing payload: %v", domain.ErrPrimitiveUnavailable, err)
	}
	return &domain.CiphertextParts{
		KEMCiphertext: ephPub,
		Nonce:         nonce,
		Ciphertext:    sealed,
	}, nil
}

// Decrypt はX25519共有秘密で暗号文を復号・認証する。
func (a *ClassicalAdapter) Decrypt(ctx context.Context, parts *domain.CiphertextParts, priv []byte) ([]byte, error) {
	if len(parts.KEMCiphertext) != curve25519.PointSize {
		return nil, fmt.Errorf("%w: ephemeral public key size %d, want %d",
			domain.ErrPrimitiveMalformedOutput, len(parts.KEMCiphertext), curve25519.PointSize)
	}
	if len(priv) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: private key size %d, want %d",
			domain.ErrPrimitiveMalformedOutput, len(priv), curve25519.ScalarSize)
	}

	sharedSecret, err := curve25519.X25519(priv, parts.KEMCiphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: X25519 agreement: %v", domain.ErrPrimitiveMalformedOutput, err)
	}
	defer secureZero(sharedSecret)

	return openWithSecret(sharedSecret, string(domain.AlgorithmX25519), parts.Nonce, parts.Ciphertext)
}

// Sign はペイロードにEd25519署名を付与する。
func (a *ClassicalAdapter) Sign(ctx context.Context, payload, priv []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key size %d, want %d",
			domain.ErrPrimitiveMalformedOutput, len(priv), ed25519.PrivateKeySize)
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), payload), nil
}

// Verify はEd25519署名を検証する。署名の不一致はエラーではなくfalseを返す。
func (a *ClassicalAdapter) Verify(ctx context.Context, payload, signature, pub []byte) (bool, error) {
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: public key size %d, want %d",
			domain.ErrPrimitiveMalformedOutput, len(pub), ed25519.PublicKeySize)
	}
	if len(signature) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, signature), nil
}
