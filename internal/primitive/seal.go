package primitive

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// hkdfSalt は共有秘密からAEAD鍵を導出する際のドメイン分離用ソルト。
// 変更すると既存の暗号文が復号できなくなる。
const hkdfSalt = "HYBRID-CRYPTO-SEAL-V1"

// deriveAEADKey は共有秘密からChaCha20-Poly1305鍵を導出する。
// info にはアルゴリズム識別子を渡し、プリミティブ間で鍵空間を分離する。
func deriveAEADKey(sharedSecret []byte, info string) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, sharedSecret, []byte(hkdfSalt), []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving AEAD key: %w", err)
	}
	return key, nil
}

// sealWithSecret は導出鍵で平文を認証付き暗号化する。
func sealWithSecret(sharedSecret []byte, info string, plaintext []byte) (nonce, ciphertext []byte, err error) {
	key, err := deriveAEADKey(sharedSecret, info)
	if err != nil {
		return nil, nil, err
	}
	defer secureZero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating AEAD: %w", err)
	}

	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// openWithSecret は導出鍵で暗号文を復号・認証する。
func openWithSecret(sharedSecret []byte, info string, nonce, ciphertext []byte) ([]byte, error) {
	key, err := deriveAEADKey(sharedSecret, info)
	if err != nil {
		return nil, err
	}
	defer secureZero(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD: %w", err)
	}
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("invalid nonce size: %d", len(nonce))
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

// secureZero は鍵素材を保持していたバッファをゼロ化する。
func secureZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
