// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"hybrid-crypto-service/internal/domain"
	"hybrid-crypto-service/internal/telemetry"
)

// Primitive は暗号プリミティブ1系統（ポスト量子または古典）の
// 統一インターフェース。エンベロープのアルゴリズム識別子で選択される。
type Primitive interface {
	EncryptionAlgorithm() domain.AlgorithmID
	SignatureAlgorithm() domain.AlgorithmID
	GenerateKeyPair(ctx context.Context, kind domain.KeyKind) (pub, priv []byte, err error)
	Encrypt(ctx context.Context, plaintext, recipientPub []byte) (*domain.CiphertextParts, error)
	Decrypt(ctx context.Context, parts *domain.CiphertextParts, priv []byte) ([]byte, error)
	Sign(ctx context.Context, payload, priv []byte) ([]byte, error)
	Verify(ctx context.Context, payload, signature, pub []byte) (bool, error)
}

// Breaker はプリミティブ健全性ゲートのインターフェース。
type Breaker interface {
	Permits(id domain.AlgorithmID) bool
	RecordSuccess(id domain.AlgorithmID)
	RecordFailure(id domain.AlgorithmID, err error)
	Status(id domain.AlgorithmID) domain.BreakerState
}

// TelemetryEmitter はテレメトリイベントの非ブロッキングな受け口。
type TelemetryEmitter interface {
	Emit(e telemetry.Event)
}

// KeyRepository は鍵素材のデータアクセスのインターフェース。
// wrappedPriv はKMSでラップ済みの秘密鍵であり、平文の秘密鍵が
// 永続化層に渡ることはない。
type KeyRepository interface {
	Create(ctx context.Context, key *domain.KeyMaterial, wrappedPriv []byte) error
	FindByRef(ctx context.Context, ref string) (*domain.KeyMaterial, []byte, error)
	FindActive(ctx context.Context, generation uint, alg domain.AlgorithmID) (*domain.KeyMaterial, []byte, error)
	MaxGeneration(ctx context.Context) (uint, error)
	ListByGeneration(ctx context.Context, generation uint) ([]*domain.KeyMaterial, error)
}

// KeyWrapClient は秘密鍵ラップ用の暗号化/復号のインターフェース。
type KeyWrapClient interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// CryptoService はプリミティブ選択・実行・フォールバック・
// エンベロープ構築を編成する。
type CryptoService struct {
	primary  Primitive
	fallback Primitive
	breaker  Breaker
	emitter  TelemetryEmitter
	keys     KeyRepository
	kms      KeyWrapClient
	cache    *keyCache
}

// CryptoServiceConfig はCryptoServiceの生成パラメータを表す。
type CryptoServiceConfig struct {
	KeyCacheTTL        time.Duration
	KeyCacheMaxEntries int
}

// NewCryptoService は新しいCryptoServiceを生成する。
// ブレーカーは注入であり、テストごとに独立したインスタンスを使える。
func NewCryptoService(primary, fallback Primitive, breaker Breaker, emitter TelemetryEmitter, keys KeyRepository, kms KeyWrapClient, cfg CryptoServiceConfig) *CryptoService {
	return &CryptoService{
		primary:  primary,
		fallback: fallback,
		breaker:  breaker,
		emitter:  emitter,
		keys:     keys,
		kms:      kms,
		cache:    newKeyCache(cfg.KeyCacheMaxEntries, cfg.KeyCacheTTL),
	}
}

// primitiveError はブレーカーに報告すべきプリミティブ起因の失敗かを判定する。
// 鍵が未登録といったデータ起因の失敗はプリミティブの健全性と無関係。
func primitiveError(err error) bool {
	return errors.Is(err, domain.ErrPrimitiveUnavailable) || errors.Is(err, domain.ErrPrimitiveMalformedOutput)
}

// emitFallback はCRYPTO_FALLBACK_USEDイベントを1件発行する。
func (s *CryptoService) emitFallback(primitiveID domain.AlgorithmID, operation, reason string, start time.Time) {
	s.emitter.Emit(telemetry.Event{
		Type:        telemetry.EventCryptoFallbackUsed,
		PrimitiveID: primitiveID,
		Operation:   operation,
		Reason:      reason,
		Duration:    time.Since(start),
		Timestamp:   time.Now(),
	})
}

// resolveGeneration は世代指定を解決する。0は現行世代を意味する。
func (s *CryptoService) resolveGeneration(ctx context.Context, generation uint) (uint, error) {
	if generation > 0 {
		return generation, nil
	}
	maxGen, err := s.keys.MaxGeneration(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolving current generation: %w", err)
	}
	if maxGen == 0 {
		return 0, domain.ErrKeyNotFound
	}
	return maxGen, nil
}

// privateKey は指定世代・アルゴリズムの秘密鍵を解決する。
// ラップ解除の結果はTTL付きでキャッシュされる。
func (s *CryptoService) privateKey(ctx context.Context, generation uint, alg domain.AlgorithmID) ([]byte, *domain.KeyMaterial, error) {
	key, wrapped, err := s.keys.FindActive(ctx, generation, alg)
	if err != nil {
		return nil, nil, err
	}
	if cached, ok := s.cache.get(key.PrivateKeyRef); ok {
		return cached, key, nil
	}
	priv, err := s.kms.Decrypt(ctx, wrapped)
	if err != nil {
		return nil, nil, fmt.Errorf("unwrapping private key: %w", err)
	}
	s.cache.put(key.PrivateKeyRef, priv)
	return priv, key, nil
}

// primitiveByEncryption はアルゴリズム識別子から暗号化プリミティブを引く。
func (s *CryptoService) primitiveByEncryption(alg domain.AlgorithmID) (Primitive, error) {
	switch alg {
	case s.primary.EncryptionAlgorithm():
		return s.primary, nil
	case s.fallback.EncryptionAlgorithm():
		return s.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgorithm, alg)
}

// primitiveBySignature はアルゴリズム識別子から署名プリミティブを引く。
func (s *CryptoService) primitiveBySignature(alg domain.AlgorithmID) (Primitive, error) {
	switch alg {
	case s.primary.SignatureAlgorithm():
		return s.primary, nil
	case s.fallback.SignatureAlgorithm():
		return s.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgorithm, alg)
}

// Encrypt は平文を暗号化しエンベロープを返す。ブレーカーが許可する場合は
// ポスト量子経路を試行し、プリミティブ起因の失敗は同一呼び出し内で
// 古典経路へ1回だけ透過的に切り替える。操作が黙って失われることはない。
func (s *CryptoService) Encrypt(ctx context.Context, plaintext []byte, generation uint) (*domain.CiphertextEnvelope, error) {
	start := time.Now()
	gen, err := s.resolveGeneration(ctx, generation)
	if err != nil {
		return nil, err
	}

	primaryAlg := s.primary.EncryptionAlgorithm()
	fallbackReason := ""

	if !s.breaker.Permits(primaryAlg) {
		fallbackReason = domain.ErrBreakerOpen.Error()
	} else {
		key, _, err := s.keys.FindActive(ctx, gen, primaryAlg)
		switch {
		case errors.Is(err, domain.ErrKeyNotFound):
			fallbackReason = "key_not_found"
		case err != nil:
			return nil, err
		default:
			parts, err := s.primary.Encrypt(ctx, plaintext, key.PublicKey)
			if err == nil {
				s.breaker.RecordSuccess(primaryAlg)
				return &domain.CiphertextEnvelope{
					AlgorithmID:   primaryAlg,
					KEMCiphertext: parts.KEMCiphertext,
					Nonce:         parts.Nonce,
					Ciphertext:    parts.Ciphertext,
					Generation:    gen,
					FallbackUsed:  false,
				}, nil
			}
			if primitiveError(err) {
				s.breaker.RecordFailure(primaryAlg, err)
			}
			fallbackReason = err.Error()
		}
	}

	fallbackAlg := s.fallback.EncryptionAlgorithm()
	key, _, err := s.keys.FindActive(ctx, gen, fallbackAlg)
	if err != nil {
		return nil, fmt.Errorf("%w: fallback key lookup: %v", domain.ErrCryptoUnavailable, err)
	}
	parts, err := s.fallback.Encrypt(ctx, plaintext, key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: primary and fallback failed: %v", domain.ErrCryptoUnavailable, err)
	}

	s.emitFallback(primaryAlg, "encrypt", fallbackReason, start)
	return &domain.CiphertextEnvelope{
		AlgorithmID:   fallbackAlg,
		KEMCiphertext: parts.KEMCiphertext,
		Nonce:         parts.Nonce,
		Ciphertext:    parts.Ciphertext,
		Generation:    gen,
		FallbackUsed:  true,
	}, nil
}

// Decrypt はエンベロープを復号する。復号パスはエンベロープに記録された
// アルゴリズム識別子のみで決まり、現在のブレーカー状態には依存しない。
// フォールバックで暗号化されたデータは主経路の回復後も復号できる。
func (s *CryptoService) Decrypt(ctx context.Context, env *domain.CiphertextEnvelope) ([]byte, error) {
	prim, err := s.primitiveByEncryption(env.AlgorithmID)
	if err != nil {
		return nil, err
	}
	priv, _, err := s.privateKey(ctx, env.Generation, env.AlgorithmID)
	if err != nil {
		return nil, err
	}

	parts := &domain.CiphertextParts{
		KEMCiphertext: env.KEMCiphertext,
		Nonce:         env.Nonce,
		Ciphertext:    env.Ciphertext,
	}
	plaintext, err := prim.Decrypt(ctx, parts, priv)
	if err != nil {
		if primitiveError(err) {
			s.breaker.RecordFailure(env.AlgorithmID, err)
		}
		return nil, err
	}
	s.breaker.RecordSuccess(env.AlgorithmID)
	return plaintext, nil
}

// Sign はペイロードに署名しエンベロープを返す。フォールバックの扱いは
// Encryptと同じ。
func (s *CryptoService) Sign(ctx context.Context, payload []byte, generation uint) (*domain.SignatureEnvelope, error) {
	start := time.Now()
	gen, err := s.resolveGeneration(ctx, generation)
	if err != nil {
		return nil, err
	}

	primaryAlg := s.primary.SignatureAlgorithm()
	fallbackReason := ""

	if !s.breaker.Permits(primaryAlg) {
		fallbackReason = domain.ErrBreakerOpen.Error()
	} else {
		priv, _, err := s.privateKey(ctx, gen, primaryAlg)
		switch {
		case errors.Is(err, domain.ErrKeyNotFound):
			fallbackReason = "key_not_found"
		case err != nil:
			return nil, err
		default:
			sig, err := s.primary.Sign(ctx, payload, priv)
			if err == nil {
				s.breaker.RecordSuccess(primaryAlg)
				return &domain.SignatureEnvelope{
					AlgorithmID:  primaryAlg,
					Signature:    sig,
					Generation:   gen,
					FallbackUsed: false,
				}, nil
			}
			if primitiveError(err) {
				s.breaker.RecordFailure(primaryAlg, err)
			}
			fallbackReason = err.Error()
		}
	}

	fallbackAlg := s.fallback.SignatureAlgorithm()
	priv, _, err := s.privateKey(ctx, gen, fallbackAlg)
	if err != nil {
		return nil, fmt.Errorf("%w: fallback key lookup: %v", domain.ErrCryptoUnavailable, err)
	}
	sig, err := s.fallback.Sign(ctx, payload, priv)
	if err != nil {
		return nil, fmt.Errorf("%w: primary and fallback failed: %v", domain.ErrCryptoUnavailable, err)
	}

	s.emitFallback(primaryAlg, "sign", fallbackReason, start)
	return &domain.SignatureEnvelope{
		AlgorithmID:  fallbackAlg,
		Signature:    sig,
		Generation:   gen,
		FallbackUsed: true,
	}, nil
}

// Verify は署名エンベロープを検証する。検証パスはエンベロープの
// アルゴリズム識別子のみで決まる。
func (s *CryptoService) Verify(ctx context.Context, payload []byte, env *domain.SignatureEnvelope) (bool, error) {
	prim, err := s.primitiveBySignature(env.AlgorithmID)
	if err != nil {
		return false, err
	}
	key, _, err := s.keys.FindActive(ctx, env.Generation, env.AlgorithmID)
	if err != nil {
		return false, err
	}

	valid, err := prim.Verify(ctx, payload, env.Signature, key.PublicKey)
	if err != nil {
		if primitiveError(err) {
			s.breaker.RecordFailure(env.AlgorithmID, err)
		}
		return false, err
	}
	s.breaker.RecordSuccess(env.AlgorithmID)
	return valid, nil
}

// GenerateKeyPair は現行世代に指定用途の鍵ペアを生成して保存する。
// preferenceがポスト量子の場合、ブレーカー遮断やプリミティブ失敗時は
// 古典プリミティブで代替生成され、テレメトリが発行される。
func (s *CryptoService) GenerateKeyPair(ctx context.Context, kind domain.KeyKind, preference domain.Preference) (*domain.KeyMaterial, error) {
	start := time.Now()

	gen, err := s.keys.MaxGeneration(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting max generation: %w", err)
	}
	if gen == 0 {
		gen = 1
	}

	if preference == domain.PreferClassical {
		return s.generateWith(ctx, s.fallback, kind, gen)
	}

	primaryAlg := algorithmFor(s.primary, kind)
	fallbackReason := ""
	if !s.breaker.Permits(primaryAlg) {
		fallbackReason = domain.ErrBreakerOpen.Error()
	} else {
		key, err := s.generateWith(ctx, s.primary, kind, gen)
		if err == nil {
			s.breaker.RecordSuccess(primaryAlg)
			return key, nil
		}
		if !primitiveError(err) {
			return nil, err
		}
		s.breaker.RecordFailure(primaryAlg, err)
		fallbackReason = err.Error()
	}

	key, err := s.generateWith(ctx, s.fallback, kind, gen)
	if err != nil {
		return nil, fmt.Errorf("%w: primary and fallback keygen failed: %v", domain.ErrCryptoUnavailable, err)
	}
	s.emitFallback(primaryAlg, "generate_key_pair", fallbackReason, start)
	return key, nil
}

// RotateGeneration は次の世代番号で全アルゴリズムの鍵リングを生成する。
// 世代の鍵リングが欠けると当該世代のエンベロープが復号不能になるため、
// いずれかの生成に失敗した場合はローテーション全体が失敗する。
func (s *CryptoService) RotateGeneration(ctx context.Context) (uint, []*domain.KeyMaterial, error) {
	maxGen, err := s.keys.MaxGeneration(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("getting max generation: %w", err)
	}
	newGen := maxGen + 1

	type ringEntry struct {
		prim Primitive
		kind domain.KeyKind
	}
	entries := []ringEntry{
		{s.primary, domain.KeyKindEncryption},
		{s.primary, domain.KeyKindSigning},
		{s.fallback, domain.KeyKindEncryption},
		{s.fallback, domain.KeyKindSigning},
	}

	ring := make([]*domain.KeyMaterial, 0, len(entries))
	for _, sp := range entries {
		alg := algorithmFor(sp.prim, sp.kind)
		key, err := s.generateWith(ctx, sp.prim, sp.kind, newGen)
		if err != nil {
			if primitiveError(err) {
				s.breaker.RecordFailure(alg, err)
			}
			return 0, nil, fmt.Errorf("rotating generation %d: %s keygen: %w", newGen, alg, err)
		}
		if sp.prim == s.primary {
			s.breaker.RecordSuccess(alg)
		}
		ring = append(ring, key)
	}

	slog.InfoContext(ctx, "generation rotated",
		"generation", newGen,
		"keys", len(ring),
	)
	return newGen, ring, nil
}

// generateWith は指定プリミティブで鍵ペアを生成し、秘密鍵をラップして保存する。
func (s *CryptoService) generateWith(ctx context.Context, prim Primitive, kind domain.KeyKind, generation uint) (*domain.KeyMaterial, error) {
	pub, priv, err := prim.GenerateKeyPair(ctx, kind)
	if err != nil {
		return nil, err
	}

	wrapped, err := s.kms.Encrypt(ctx, priv)
	if err != nil {
		return nil, fmt.Errorf("wrapping private key: %w", err)
	}
	for i := range priv {
		priv[i] = 0
	}

	key := &domain.KeyMaterial{
		AlgorithmID: algorithmFor(prim, kind),
		PublicKey:   pub,
		Kind:        kind,
		Generation:  generation,
		Status:      domain.KeyStatusActive,
	}
	if err := s.keys.Create(ctx, key, wrapped); err != nil {
		return nil, fmt.Errorf("creating key: %w", err)
	}
	return key, nil
}

// algorithmFor は用途に対応するアルゴリズム識別子を返す。
func algorithmFor(prim Primitive, kind domain.KeyKind) domain.AlgorithmID {
	if kind == domain.KeyKindSigning {
		return prim.SignatureAlgorithm()
	}
	return prim.EncryptionAlgorithm()
}

// ListKeys は指定世代の鍵メタデータを返す。0は現行世代。
func (s *CryptoService) ListKeys(ctx context.Context, generation uint) ([]*domain.KeyMaterial, error) {
	gen, err := s.resolveGeneration(ctx, generation)
	if err != nil {
		return nil, err
	}
	return s.keys.ListByGeneration(ctx, gen)
}

// BreakerStatus は指定プリミティブのブレーカー状態スナップショットを返す。
func (s *CryptoService) BreakerStatus(id domain.AlgorithmID) domain.BreakerState {
	return s.breaker.Status(id)
}
