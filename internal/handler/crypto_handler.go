// Package handler はHTTPハンドラを提供する。
package handler

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"hybrid-crypto-service/internal/domain"
	"hybrid-crypto-service/internal/middleware"
	"hybrid-crypto-service/internal/usecase"
	"hybrid-crypto-service/pkg/httputil"
)

// CryptoHandler はHTTPハンドラを提供する。
type CryptoHandler struct {
	crypto    *usecase.CryptoService
	migration *usecase.MigrationService
}

// NewCryptoHandler は新しいCryptoHandlerを生成する。
func NewCryptoHandler(crypto *usecase.CryptoService, migration *usecase.MigrationService) *CryptoHandler {
	return &CryptoHandler{crypto: crypto, migration: migration}
}

// publicKeyHash は公開鍵のSHA-256ハッシュ先頭16文字を返す。
// レスポンスやログで鍵を識別するために使い、公開鍵本体の代わりにはしない。
func publicKeyHash(pub []byte) string {
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:])[:16]
}

func parseGeneration(genStr string) (uint, error) {
	if genStr == "" {
		return 0, nil
	}
	gen, err := strconv.ParseUint(genStr, 10, 32)
	if err != nil {
		return 0, domain.ErrInvalidGeneration
	}
	return uint(gen), nil
}

// EncryptRequest は暗号化リクエストの形式。
type EncryptRequest struct {
	Plaintext  string `json:"plaintext"`
	Generation uint   `json:"generation,omitempty"`
}

// EnvelopeResponse は暗号化レスポンスの形式。
type EnvelopeResponse struct {
	AlgorithmID   string `json:"algorithm_id"`
	KEMCiphertext string `json:"kem_ciphertext,omitempty"`
	Nonce         string `json:"nonce"`
	Ciphertext    string `json:"ciphertext"`
	Generation    uint   `json:"generation"`
	FallbackUsed  bool   `json:"fallback_used"`
}

func toEnvelopeResponse(env *domain.CiphertextEnvelope) EnvelopeResponse {
	return EnvelopeResponse{
		AlgorithmID:   string(env.AlgorithmID),
		KEMCiphertext: base64.StdEncoding.EncodeToString(env.KEMCiphertext),
		Nonce:         base64.StdEncoding.EncodeToString(env.Nonce),
		Ciphertext:    base64.StdEncoding.EncodeToString(env.Ciphertext),
		Generation:    env.Generation,
		FallbackUsed:  env.FallbackUsed,
	}
}

// DecryptRequest は復号リクエストの形式。
type DecryptRequest struct {
	AlgorithmID   string `json:"algorithm_id"`
	KEMCiphertext string `json:"kem_ciphertext,omitempty"`
	Nonce         string `json:"nonce"`
	Ciphertext    string `json:"ciphertext"`
	Generation    uint   `json:"generation"`
}

// DecryptResponse は復号レスポンスの形式。
type DecryptResponse struct {
	Plaintext string `json:"plaintext"`
}

// SignRequest は署名リクエストの形式。
type SignRequest struct {
	Payload    string `json:"payload"`
	Generation uint   `json:"generation,omitempty"`
}

// SignatureResponse は署名レスポンスの形式。
type SignatureResponse struct {
	AlgorithmID  string `json:"algorithm_id"`
	Signature    string `json:"signature"`
	Generation   uint   `json:"generation"`
	FallbackUsed bool   `json:"fallback_used"`
}

// VerifyRequest は検証リクエストの形式。
type VerifyRequest struct {
	Payload     string `json:"payload"`
	AlgorithmID string `json:"algorithm_id"`
	Signature   string `json:"signature"`
	Generation  uint   `json:"generation"`
}

// VerifyResponse は検証レスポンスの形式。
type VerifyResponse struct {
	Valid bool `json:"valid"`
}

// KeyMetadataResponse は鍵メタデータのレスポンス形式。秘密鍵は含まない。
type KeyMetadataResponse struct {
	AlgorithmID   string `json:"algorithm_id"`
	Kind          string `json:"kind"`
	Generation    uint   `json:"generation"`
	Status        string `json:"status"`
	PublicKey     string `json:"public_key"`
	PublicKeyHash string `json:"public_key_hash"`
	CreatedAt     string `json:"created_at"`
}

func toKeyMetadataResponse(key *domain.KeyMaterial) KeyMetadataResponse {
	return KeyMetadataResponse{
		AlgorithmID:   string(key.AlgorithmID),
		Kind:          string(key.Kind),
		Generation:    key.Generation,
		Status:        string(key.Status),
		PublicKey:     base64.StdEncoding.EncodeToString(key.PublicKey),
		PublicKeyHash: publicKeyHash(key.PublicKey),
		CreatedAt:     key.CreatedAt.Format(time.RFC3339),
	}
}

// KeyListResponse は鍵一覧のレスポンス形式。
type KeyListResponse struct {
	Keys []KeyMetadataResponse `json:"keys"`
}

func decodeBase64Field(s string) ([]byte, bool) {
	if s == "" {
		return nil, true
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}

// writeCryptoError は暗号操作の失敗を適切なHTTPステータスに変換する。
// クライアントには内部のプリミティブ障害の詳細を漏らさない。
func writeCryptoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrCryptoUnavailable):
		httputil.Error(w, http.StatusServiceUnavailable, "CRYPTO_UNAVAILABLE", "secure operation temporarily unavailable")
	case errors.Is(err, domain.ErrKeyNotFound):
		httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "key not found for this generation")
	case errors.Is(err, domain.ErrKeyDisabled):
		httputil.Error(w, http.StatusGone, "KEY_DISABLED", "key has been disabled")
	case errors.Is(err, domain.ErrUnsupportedAlgorithm):
		httputil.Error(w, http.StatusBadRequest, "UNSUPPORTED_ALGORITHM", "unsupported algorithm identifier")
	case errors.Is(err, domain.ErrInvalidGeneration):
		httputil.Error(w, http.StatusBadRequest, "INVALID_GENERATION", "invalid generation number")
	default:
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// Encrypt は平文をハイブリッド方式で暗号化する。
func (h *CryptoHandler) Encrypt(w http.ResponseWriter, r *http.Request) {
	var req EncryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	plaintext, ok := decodeBase64Field(req.Plaintext)
	if !ok || len(plaintext) == 0 {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "plaintext must be non-empty base64")
		return
	}

	env, err := h.crypto.Encrypt(r.Context(), plaintext, req.Generation)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ENCRYPT", "", req.Generation, "FAILED")
		writeCryptoError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ENCRYPT", string(env.AlgorithmID), env.Generation, "SUCCESS")
	httputil.JSON(w, http.StatusOK, toEnvelopeResponse(env))
}

// Decrypt はエンベロープを復号する。
func (h *CryptoHandler) Decrypt(w http.ResponseWriter, r *http.Request) {
	var req DecryptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	kemCT, ok1 := decodeBase64Field(req.KEMCiphertext)
	nonce, ok2 := decodeBase64Field(req.Nonce)
	ciphertext, ok3 := decodeBase64Field(req.Ciphertext)
	if !ok1 || !ok2 || !ok3 || len(ciphertext) == 0 {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "envelope fields must be base64")
		return
	}

	env := &domain.CiphertextEnvelope{
		AlgorithmID:   domain.AlgorithmID(req.AlgorithmID),
		KEMCiphertext: kemCT,
		Nonce:         nonce,
		Ciphertext:    ciphertext,
		Generation:    req.Generation,
	}
	plaintext, err := h.crypto.Decrypt(r.Context(), env)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "DECRYPT", req.AlgorithmID, req.Generation, "FAILED")
		writeCryptoError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "DECRYPT", req.AlgorithmID, req.Generation, "SUCCESS")
	httputil.JSON(w, http.StatusOK, DecryptResponse{
		Plaintext: base64.StdEncoding.EncodeToString(plaintext),
	})
}

// Sign はペイロードに署名する。
func (h *CryptoHandler) Sign(w http.ResponseWriter, r *http.Request) {
	var req SignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	payload, ok := decodeBase64Field(req.Payload)
	if !ok || len(payload) == 0 {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "payload must be non-empty base64")
		return
	}

	env, err := h.crypto.Sign(r.Context(), payload, req.Generation)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "SIGN", "", req.Generation, "FAILED")
		writeCryptoError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "SIGN", string(env.AlgorithmID), env.Generation, "SUCCESS")
	httputil.JSON(w, http.StatusOK, SignatureResponse{
		AlgorithmID:  string(env.AlgorithmID),
		Signature:    base64.StdEncoding.EncodeToString(env.Signature),
		Generation:   env.Generation,
		FallbackUsed: env.FallbackUsed,
	})
}

// Verify は署名を検証する。署名不一致は200で valid=false を返す。
func (h *CryptoHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}
	payload, ok1 := decodeBase64Field(req.Payload)
	signature, ok2 := decodeBase64Field(req.Signature)
	if !ok1 || !ok2 || len(signature) == 0 {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "payload and signature must be base64")
		return
	}

	env := &domain.SignatureEnvelope{
		AlgorithmID: domain.AlgorithmID(req.AlgorithmID),
		Signature:   signature,
		Generation:  req.Generation,
	}
	valid, err := h.crypto.Verify(r.Context(), payload, env)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "VERIFY", req.AlgorithmID, req.Generation, "FAILED")
		writeCryptoError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "VERIFY", req.AlgorithmID, req.Generation, "SUCCESS")
	httputil.JSON(w, http.StatusOK, VerifyResponse{Valid: valid})
}

// CreateKeyRequest は鍵生成リクエストの形式。
type CreateKeyRequest struct {
	Kind       string `json:"kind"`
	Preference string `json:"preference,omitempty"`
}

// CreateKey は新しい鍵ペアを生成する。
func (h *CryptoHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	kind := domain.KeyKind(req.Kind)
	if kind != domain.KeyKindEncryption && kind != domain.KeyKindSigning {
		httputil.Error(w, http.StatusBadRequest, "INVALID_KIND", "kind must be encryption or signing")
		return
	}
	preference := domain.PreferPostQuantum
	if req.Preference != "" {
		preference = domain.Preference(req.Preference)
		if preference != domain.PreferPostQuantum && preference != domain.PreferClassical {
			httputil.Error(w, http.StatusBadRequest, "INVALID_PREFERENCE", "preference must be post-quantum or classical")
			return
		}
	}

	key, err := h.crypto.GenerateKeyPair(r.Context(), kind, preference)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "CREATE_KEY", "", 0, "FAILED")
		writeCryptoError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "CREATE_KEY", string(key.AlgorithmID), key.Generation, "SUCCESS")
	httputil.JSON(w, http.StatusCreated, toKeyMetadataResponse(key))
}

// RotateResponse は世代ローテーションのレスポンス形式。
type RotateResponse struct {
	Generation uint                  `json:"generation"`
	Keys       []KeyMetadataResponse `json:"keys"`
}

// RotateGeneration は新世代の鍵リングを生成する。
func (h *CryptoHandler) RotateGeneration(w http.ResponseWriter, r *http.Request) {
	generation, keys, err := h.crypto.RotateGeneration(r.Context())
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "ROTATE_GENERATION", "", 0, "FAILED")
		writeCryptoError(w, err)
		return
	}

	middleware.WriteAuditLog(r.Context(), "ROTATE_GENERATION", "", generation, "SUCCESS")
	resp := RotateResponse{
		Generation: generation,
		Keys:       make([]KeyMetadataResponse, len(keys)),
	}
	for i, k := range keys {
		resp.Keys[i] = toKeyMetadataResponse(k)
	}
	httputil.JSON(w, http.StatusCreated, resp)
}

// ListKeys は鍵一覧を取得する。
func (h *CryptoHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	generation, err := parseGeneration(r.URL.Query().Get("generation"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_GENERATION", "invalid generation number")
		return
	}

	keys, err := h.crypto.ListKeys(r.Context(), generation)
	if err != nil {
		writeCryptoError(w, err)
		return
	}

	resp := KeyListResponse{
		Keys: make([]KeyMetadataResponse, len(keys)),
	}
	for i, k := range keys {
		resp.Keys[i] = toKeyMetadataResponse(k)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// BreakerStateResponse はブレーカー状態のレスポンス形式。
type BreakerStateResponse struct {
	PrimitiveID   string `json:"primitive_id"`
	State         string `json:"state"`
	FailureCount  int    `json:"failure_count"`
	LastFailureAt string `json:"last_failure_at,omitempty"`
	OpenedAt      string `json:"opened_at,omitempty"`
	ResetTimeout  string `json:"reset_timeout"`
}

// GetBreakerState はプリミティブ単位のブレーカー状態を取得する。
func (h *CryptoHandler) GetBreakerState(w http.ResponseWriter, r *http.Request) {
	primitiveID := domain.AlgorithmID(chi.URLParam(r, "primitive_id"))
	switch primitiveID {
	case domain.AlgorithmMLKEM768, domain.AlgorithmMLDSA65, domain.AlgorithmX25519, domain.AlgorithmEd25519:
	default:
		httputil.Error(w, http.StatusNotFound, "PRIMITIVE_NOT_FOUND", "unknown primitive identifier")
		return
	}

	state := h.crypto.BreakerStatus(primitiveID)
	resp := BreakerStateResponse{
		PrimitiveID:  string(state.PrimitiveID),
		State:        string(state.State),
		FailureCount: state.FailureCount,
		ResetTimeout: state.ResetTimeout.String(),
	}
	if !state.LastFailureAt.IsZero() {
		resp.LastFailureAt = state.LastFailureAt.Format(time.RFC3339)
	}
	if !state.OpenedAt.IsZero() {
		resp.OpenedAt = state.OpenedAt.Format(time.RFC3339)
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// StartMigrationRequest は移行開始リクエストの形式。
type StartMigrationRequest struct {
	SourceGeneration uint   `json:"source_generation"`
	TargetGeneration uint   `json:"target_generation"`
	Filter           string `json:"filter,omitempty"`
}

// StartMigrationResponse は移行開始レスポンスの形式。
type StartMigrationResponse struct {
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
}

// StartMigration は世代間のデータ移行バッチを開始する。
func (h *CryptoHandler) StartMigration(w http.ResponseWriter, r *http.Request) {
	var req StartMigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid request body")
		return
	}

	batchID, err := h.migration.StartMigration(r.Context(), req.SourceGeneration, req.TargetGeneration, req.Filter)
	if err != nil {
		middleware.WriteAuditLog(r.Context(), "START_MIGRATION", "", req.TargetGeneration, "FAILED")
		switch {
		case errors.Is(err, domain.ErrInvalidGeneration):
			httputil.Error(w, http.StatusBadRequest, "INVALID_GENERATION", "invalid source or target generation")
		case errors.Is(err, domain.ErrKeyNotFound):
			httputil.Error(w, http.StatusNotFound, "KEY_NOT_FOUND", "no key ring for target generation")
		case errors.Is(err, domain.ErrCryptoUnavailable):
			httputil.Error(w, http.StatusServiceUnavailable, "CRYPTO_UNAVAILABLE", "secure operation temporarily unavailable")
		default:
			httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		}
		return
	}

	middleware.WriteAuditLog(r.Context(), "START_MIGRATION", "", req.TargetGeneration, "SUCCESS")
	httputil.JSON(w, http.StatusAccepted, StartMigrationResponse{
		BatchID: batchID,
		Status:  string(domain.MigrationBatchRunning),
	})
}

// MigrationStatusResponse は移行状況のレスポンス形式。
type MigrationStatusResponse struct {
	BatchID          string           `json:"batch_id"`
	SourceGeneration uint             `json:"source_generation"`
	TargetGeneration uint             `json:"target_generation"`
	Status           string           `json:"status"`
	Counts           map[string]int64 `json:"counts"`
	CreatedAt        string           `json:"created_at"`
}

// GetMigrationStatus は移行バッチの進捗を取得する。
func (h *CryptoHandler) GetMigrationStatus(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batch_id")

	batch, counts, err := h.migration.GetStatus(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, domain.ErrMigrationBatchNotFound) {
			httputil.Error(w, http.StatusNotFound, "BATCH_NOT_FOUND", "migration batch not found")
			return
		}
		httputil.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
		return
	}

	resp := MigrationStatusResponse{
		BatchID:          batch.ID,
		SourceGeneration: batch.SourceGeneration,
		TargetGeneration: batch.TargetGeneration,
		Status:           string(batch.Status),
		Counts:           make(map[string]int64, len(counts)),
		CreatedAt:        batch.CreatedAt.Format(time.RFC3339),
	}
	for status, count := range counts {
		resp.Counts[string(status)] = count
	}
	httputil.JSON(w, http.StatusOK, resp)
}
