package primitive

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"hybrid-crypto-service/internal/domain"
)

// BridgeConfig はプリミティブブリッジの動作設定を表す。
type BridgeConfig struct {
	// PoolSize はブリッジへの安全な並列呼び出し数。
	PoolSize int
	// CallTimeout は1呼び出しあたりのハードタイムアウト。
	CallTimeout time.Duration
}

// Bridge はポスト量子プリミティブライブラリ（ML-KEM-768 / ML-DSA-65）を
// 呼び出し境界越しに実行するアダプタ。全呼び出しは有限ワーカープール上で
// タイムアウト付きで実行され、遅延完了の結果は適用されない。
type Bridge struct {
	kemScheme  kem.Scheme
	signScheme sign.Scheme
	pool       *callPool
	timeout    time.Duration
}

// NewBridge は新しいBridgeを生成する。
func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2 * time.Second
	}
	return &Bridge{
		kemScheme:  mlkem768.Scheme(),
		signScheme: mldsa65.Scheme(),
		pool:       newCallPool(cfg.PoolSize),
		timeout:    cfg.CallTimeout,
	}
}

// Close はブリッジのワーカープールを停止する。
func (b *Bridge) Close() {
	b.pool.close()
}

// EncryptionAlgorithm は暗号化アルゴリズム識別子を返す。
func (b *Bridge) EncryptionAlgorithm() domain.AlgorithmID {
	return domain.AlgorithmMLKEM768
}

// SignatureAlgorithm は署名アルゴリズム識別子を返す。
func (b *Bridge) SignatureAlgorithm() domain.AlgorithmID {
	return domain.AlgorithmMLDSA65
}

// invoke は呼び出しをプール経由でタイムアウト付きに実行する。
func (b *Bridge) invoke(ctx context.Context, fn func() ([][]byte, error)) ([][]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.pool.submit(callCtx, fn)
}

// GenerateKeyPair は指定された用途の鍵ペアを生成する。
func (b *Bridge) GenerateKeyPair(ctx context.Context, kind domain.KeyKind) (pub, priv []byte, err error) {
	buffers, err := b.invoke(ctx, func() ([][]byte, error) {
		switch kind {
		case domain.KeyKindEncryption:
			pk, sk, err := b.kemScheme.GenerateKeyPair()
			if err != nil {
				return nil, fmt.Errorf("%w: ML-KEM keygen: %v", domain.ErrPrimitiveUnavailable, err)
			}
			return marshalKeyPair(pk, sk)
		case domain.KeyKindSigning:
			pk, sk, err := b.signScheme.GenerateKey()
			if err != nil {
				return nil, fmt.Errorf("%w: ML-DSA keygen: %v", domain.ErrPrimitiveUnavailable, err)
			}
			return marshalKeyPair(pk, sk)
		default:
			return nil, fmt.Errorf("%w: unknown key kind %q", domain.ErrPrimitiveMalformedOutput, kind)
		}
	})
	if err != nil {
		return nil, nil, err
	}
	if err := b.validateKeyPair(kind, buffers); err != nil {
		return nil, nil, err
	}
	return buffers[0], buffers[1], nil
}

// validateKeyPair は生成された鍵のバッファ長を検証する。
// 境界越え呼び出しの出力はプロセス内呼び出しと同等に信用しない。
func (b *Bridge) validateKeyPair(kind domain.KeyKind, buffers [][]byte) error {
	if len(buffers) != 2 {
		return fmt.Errorf("%w: expected 2 key buffers, got %d", domain.ErrPrimitiveMalformedOutput, len(buffers))
	}
	var wantPub, wantPriv int
	if kind == domain.KeyKindEncryption {
		wantPub, wantPriv = b.kemScheme.PublicKeySize(), b.kemScheme.PrivateKeySize()
	} else {
		wantPub, wantPriv = b.signScheme.PublicKeySize(), b.signScheme.PrivateKeySize()
	}
	if len(buffers[0]) != wantPub {
		return fmt.Errorf("%w: public key size %d, want %d", domain.ErrPrimitiveMalformedOutput, len(buffers[0]), wantPub)
	}
	if len(buffers[1]) != wantPriv {
		return fmt.Errorf("%w: private key size %d, want %d", domain.ErrPrimitiveMalformedOutput, len(buffers[1]), wantPriv)
	}
	return nil
}

// Encrypt はKEMカプセル化と認証付き暗号化で平文を暗号化する。
func (b *Bridge) Encrypt(ctx context.Context, plaintext, recipientPub []byte) (*domain.CiphertextParts, error) {
	if len(recipientPub) != b.kemScheme.PublicKeySize() {
		return nil, fmt.Errorf("%w: recipient public key size %d, want %d",
			domain.ErrPrimitiveMalformedOutput, len(recipientPub), b.kemScheme.PublicKeySize())
	}

	buffers, err := b.invoke(ctx, func() ([][]byte, error) {
		pk, err := b.kemScheme.UnmarshalBinaryPublicKey(recipientPub)
		if err != nil {
			return nil, fmt.Errorf("%w: unmarshaling public key: %v", domain.ErrPrimitiveMalformedOutput, err)
		}
		ct, ss, err := b.kemScheme.Encapsulate(pk)
		if err != nil {
			return nil, fmt.Errorf("%w: encapsulation: %v", domain.ErrPrimitiveUnavailable, err)
		}
		return [][]byte{ct, ss}, nil
	})
	if err != nil {
		return nil, err
	}
	if len(buffers) != 2 || len(buffers[0]) != b.kemScheme.CiphertextSize() || len(buffers[1]) != b.kemScheme.SharedKeySize() {
		return nil, fmt.Errorf("%w: unexpected encapsulation buffer sizes", domain.ErrPrimitiveMalformedOutput)
	}

	sharedSecret := buffers[1]
	defer secureZero(sharedSecret)

	nonce, sealed, err := sealWithSecret(sharedSecret, string(domain.AlgorithmMLKEM768), plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: sealing payload: %v", domain.ErrPrimitiveUnavailable, err)
	}
	return &domain.CiphertextParts{
		KEMCiphertext: buffers[0],
		Nonce:         nonce,
		Ciphertext:    sealed,
	}, nil
}

// Decrypt はKEM逆カプセル化と認証付き復号で平文を復元する。
func (b *Bridge) Decrypt(ctx context.Context, parts *domain.CiphertextParts, priv []byte) ([]byte, error) {
	if len(parts.KEMCiphertext) != b.kemScheme.CiphertextSize() {
		return nil, fmt.Errorf("%w: KEM ciphertext size %d, want %d",
			domain.ErrPrimitiveMalformedOutput, len(parts.KEMCiphertext), b.kemScheme.CiphertextSize())
	}

	buffers, err := b.invoke(ctx, func() ([][]byte, error) {
		sk, err := b.kemScheme.UnmarshalBinaryPrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("%w: unmarshaling private key: %v", domain.ErrPrimitiveMalformedOutput, err)
		}
		ss, err := b.kemScheme.Decapsulate(sk, parts.KEMCiphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: decapsulation: %v", domain.ErrPrimitiveUnavailable, err)
		}
		return [][]byte{ss}, nil
	})
	if err != nil {
		return nil, err
	}
	if len(buffers) != 1 || len(buffers[0]) != b.kemScheme.SharedKeySize() {
		return nil, fmt.Errorf("%w: unexpected shared secret size", domain.ErrPrimitiveMalformedOutput)
	}

	sharedSecret := buffers[0]
	defer secureZero(sharedSecret)

	return openWithSecret(sharedSecret, string(domain.AlgorithmMLKEM768), parts.Nonce, parts.Ciphertext)
}

// Sign はペイロードにML-DSA署名を付与する。
func (b *Bridge) Sign(ctx context.Context, payload, priv []byte) ([]byte, error) {
	buffers, err := b.invoke(ctx, func() ([][]byte, error) {
		sk, err := b.signScheme.UnmarshalBinaryPrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("%w: unmarshaling private key: %v", domain.ErrPrimitiveMalformedOutput, err)
		}
		sig := b.signScheme.Sign(sk, payload, nil)
		return [][]byte{sig}, nil
	})
	if err != nil {
		return nil, err
	}
	if len(buffers) != 1 || len(buffers[0]) != b.signScheme.SignatureSize() {
		return nil, fmt.Errorf("%w: unexpected signature size", domain.ErrPrimitiveMalformedOutput)
	}
	return buffers[0], nil
}

// Verify はML-DSA署名を検証する。署名の不一致はエラーではなくfalseを返す。
func (b *Bridge) Verify(ctx context.Context, payload, signature, pub []byte) (bool, error) {
	if len(signature) != b.signScheme.SignatureSize() {
		return false, nil
	}
	buffers, err := b.invoke(ctx, func() ([][]byte, error) {
		pk, err := b.signScheme.UnmarshalBinaryPublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("%w: unmarshaling public key: %v", domain.ErrPrimitiveMalformedOutput, err)
		}
		if b.signScheme.Verify(pk, payload, signature, nil) {
			return [][]byte{{1}}, nil
		}
		return [][]byte{{0}}, nil
	})
	if err != nil {
		return false, err
	}
	if len(buffers) != 1 || len(buffers[0]) != 1 {
		return false, fmt.Errorf("%w: unexpected verification result", domain.ErrPrimitiveMalformedOutput)
	}
	return buffers[0][0] == 1, nil
}

// marshalKeyPair は鍵ペアをバイト列に変換する。
func marshalKeyPair(pk interface{ MarshalBinary() ([]byte, error) }, sk interface{ MarshalBinary() ([]byte, error) }) ([][]byte, error) {
	pubBytes, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling public key: %v", domain.ErrPrimitiveMalformedOutput, err)
	}
	privBytes, err := sk.MarshalBinary()
	if err != nil {
		secureZero(pubBytes)
		return nil, fmt.Errorf("%w: marshaling private key: %v", domain.ErrPrimitiveMalformedOutput, err)
	}
	return [][]byte{pubBytes, privBytes}, nil
}
