package primitive

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"testing"

	"golang.org/x/crypto/curve25519"

	"hybrid-crypto-service/internal/domain"
)

func TestClassicalAdapter_EncryptDecrypt_Roundtrip(t *testing.T) {
	a := NewClassicalAdapter()
	ctx := context.Background()

	pub, priv, err := a.GenerateKeyPair(ctx, domain.KeyKindEncryption)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	if len(pub) != curve25519.PointSize {
		t.Errorf("want public key size %d, got %d", curve25519.PointSize, len(pub))
	}

	plaintext := []byte("fallback payload")
	parts, err := a.Encrypt(ctx, plaintext, pub)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if len(parts.KEMCiphertext) != curve25519.PointSize {
		t.Errorf("want ephemeral public key size %d, got %d", curve25519.PointSize, len(parts.KEMCiphertext))
	}

	got, err := a.Decrypt(ctx, parts, priv)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("want plaintext %q, got %q", plaintext, got)
	}
}

func TestClassicalAdapter_Decrypt_WrongKey(t *testing.T) {
	a := NewClassicalAdapter()
	ctx := context.Background()

	pub, _, err := a.GenerateKeyPair(ctx, domain.KeyKindEncryption)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	_, otherPriv, err := a.GenerateKeyPair(ctx, domain.KeyKindEncryption)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	parts, err := a.Encrypt(ctx, []byte("payload"), pub)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	if _, err := a.Decrypt(ctx, parts, otherPriv); err == nil {
		t.Error("want error decrypting with wrong key, got nil")
	}
}

func TestClassicalAdapter_Encrypt_WrongPublicKeySize(t *testing.T) {
	a := NewClassicalAdapter()

	_, err := a.Encrypt(context.Background(), []byte("payload"), make([]byte, 8))
	if !errors.Is(err, domain.ErrPrimitiveMalformedOutput) {
		t.Errorf("want ErrPrimitiveMalformedOutput, got %v", err)
	}
}

func TestClassicalAdapter_SignVerify_Roundtrip(t *testing.T) {
	a := NewClassicalAdapter()
	ctx := context.Background()

	pub, priv, err := a.GenerateKeyPair(ctx, domain.KeyKindSigning)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		t.Errorf("want public key size %d, got %d", ed25519.PublicKeySize, len(pub))
	}

	payload := []byte("signed payload")
	sig, err := a.Sign(ctx, payload, priv)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	valid, err := a.Verify(ctx, payload, sig, pub)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if !valid {
		t.Error("want valid signature, got invalid")
	}

	valid, err = a.Verify(ctx, []byte("other payload"), sig, pub)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if valid {
		t.Error("want invalid signature for different payload, got valid")
	}
}

func TestClassicalAdapter_Verify_WrongSignatureSize(t *testing.T) {
	a := NewClassicalAdapter()
	ctx := context.Background()

	pub, _, err := a.GenerateKeyPair(ctx, domain.KeyKindSigning)
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}

	valid, err := a.Verify(ctx, []byte("payload"), []byte("short"), pub)
	if err != nil {
		t.Errorf("want nil error for wrong-size signature, got %v", err)
	}
	if valid {
		t.Error("want invalid for wrong-size signature, got valid")
	}
}

func TestClassicalAdapter_Sign_WrongPrivateKeySize(t *testing.T) {
	a := NewClassicalAdapter()

	_, err := a.Sign(context.Background(), []byte("payload"), make([]byte, 5))
	if !errors.Is(err, domain.ErrPrimitiveMalformedOutput) {
		t.Errorf("want ErrPrimitiveMalformedOutput, got %v", err)
	}
}

func TestSealOpen_DifferentInfoFails(t *testing.T) {
	secret := bytes.Repeat([]byte{0x42}, 32)

	nonce, sealed, err := sealWithSecret(secret, "info-a", []byte("payload"))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	if _, err := openWithSecret(secret, "info-b", nonce, sealed); err == nil {
		t.Error("want error opening with different info, got nil")
	}
	got, err := openWithSecret(secret, "info-a", nonce, sealed)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !bytes.Equal(got, []byte("payload")) {
		t.Errorf("want payload, got %q", got)
	}
}
