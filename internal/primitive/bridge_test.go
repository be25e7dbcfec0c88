package primitive

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"hybrid-crypto-service/internal/domain"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	b := NewBridge(BridgeConfig{PoolSize: 2, CallTimeout: 10 * time.Second})
	t.Cleanup(b.Close)
	return b
}

func TestBridge_GenerateKeyPair_Encryption(t *testing.T) {
	b := newTestBridge(t)

	pub, priv, err := b.GenerateKeyPair(context.Background(), domain.KeyKindEncryption)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub) != b.kemScheme.PublicKeySize() {
		t.Errorf("want public key size %d, got %d", b.kemScheme.PublicKeySize(), len(pub))
	}
	if len(priv) != b.kemScheme.PrivateKeySize() {
		t.Errorf("want private key size %d, got %d", b.kemScheme.PrivateKeySize(), len(priv))
	}
}

func TestBridge_GenerateKeyPair_UnknownKind(t *testing.T) {
	b := newTestBridge(t)

	_, _, err := b.GenerateKeyPair(context.Background(), domain.KeyKind("bogus"))
	if !errors.Is(err, domain.ErrPrimitiveMalformedOutput) {
		t.Errorf("want ErrPrimitiveMalformedOutput, got %v", err)
	}
}

func TestBridge_EncryptDecrypt_Roundtrip(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	pub, priv, err := b.GenerateKeyPair(ctx, domain.KeyKindEncryption)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	plaintext := []byte("attack at dawn")
	parts, err := b.Encrypt(ctx, plaintext, pub)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if len(parts.KEMCiphertext) != b.kemScheme.CiphertextSize() {
		t.Errorf("want KEM ciphertext size %d, got %d", b.kemScheme.CiphertextSize(), len(parts.KEMCiphertext))
	}

	got, err := b.Decrypt(ctx, parts, priv)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("want plaintext %q, got %q", plaintext, got)
	}
}

func TestBridge_Decrypt_TamperedCiphertext(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	pub, priv, err := b.GenerateKeyPair(ctx, domain.KeyKindEncryption)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	parts, err := b.Encrypt(ctx, []byte("payload"), pub)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	parts.Ciphertext[0] ^= 0xff
	if _, err := b.Decrypt(ctx, parts, priv); err == nil {
		t.Error("want error for tampered ciphertext, got nil")
	}
}

func TestBridge_Encrypt_WrongPublicKeySize(t *testing.T) {
	b := newTestBridge(t)

	_, err := b.Encrypt(context.Background(), []byte("payload"), make([]byte, 13))
	if !errors.Is(err, domain.ErrPrimitiveMalformedOutput) {
		t.Errorf("want ErrPrimitiveMalformedOutput, got %v", err)
	}
}

func TestBridge_Decrypt_WrongKEMCiphertextSize(t *testing.T) {
	b := newTestBridge(t)

	parts := &domain.CiphertextParts{KEMCiphertext: make([]byte, 7)}
	_, err := b.Decrypt(context.Background(), parts, nil)
	if !errors.Is(err, domain.ErrPrimitiveMalformedOutput) {
		t.Errorf("want ErrPrimitiveMalformedOutput, got %v", err)
	}
}

func TestBridge_SignVerify_Roundtrip(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	pub, priv, err := b.GenerateKeyPair(ctx, domain.KeyKindSigning)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	payload := []byte("signed payload")
	sig, err := b.Sign(ctx, payload, priv)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if len(sig) != b.signScheme.SignatureSize() {
		t.Errorf("want signature size %d, got %d", b.signScheme.SignatureSize(), len(sig))
	}

	valid, err := b.Verify(ctx, payload, sig, pub)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !valid {
		t.Error("want valid signature, got invalid")
	}

	valid, err = b.Verify(ctx, []byte("different payload"), sig, pub)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if valid {
		t.Error("want invalid signature for different payload, got valid")
	}
}

func TestBridge_Verify_WrongSignatureSize(t *testing.T) {
	b := newTestBridge(t)
	ctx := context.Background()

	pub, _, err := b.GenerateKeyPair(ctx, domain.KeyKindSigning)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	valid, err := b.Verify(ctx, []byte("payload"), []byte("short"), pub)
	if err != nil {
		t.Errorf("want nil error for wrong-size signature, got %v", err)
	}
	if valid {
		t.Error("want invalid for wrong-size signature, got valid")
	}
}

func TestCallPool_TimeoutReturnsUnavailable(t *testing.T) {
	p := newCallPool(1)
	defer p.close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	release := make(chan struct{})
	_, err := p.submit(ctx, func() ([][]byte, error) {
		<-release
		return nil, nil
	})
	close(release)

	if !errors.Is(err, domain.ErrPrimitiveUnavailable) {
		t.Errorf("want ErrPrimitiveUnavailable on timeout, got %v", err)
	}
}

func TestCallPool_LateCompletionIsDiscarded(t *testing.T) {
	p := newCallPool(1)
	defer p.close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	release := make(chan struct{})
	_, err := p.submit(ctx, func() ([][]byte, error) {
		<-release
		return [][]byte{{0xde, 0xad}}, nil
	})
	cancel()
	if !errors.Is(err, domain.ErrPrimitiveUnavailable) {
		t.Fatalf("want ErrPrimitiveUnavailable on timeout, got %v", err)
	}

	// 放置されていた呼び出しを完了させる。結果はバッファ付きreplyに
	// 吸収され、ワーカーは次のタスクを処理できる。
	close(release)

	got, err := p.submit(context.Background(), func() ([][]byte, error) {
		return [][]byte{{0x01}}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error on followup call: %v", err)
	}
	if len(got) != 1 || !bytes.Equal(got[0], []byte{0x01}) {
		t.Errorf("want followup result [0x01], got %v", got)
	}
}
