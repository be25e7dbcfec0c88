// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	KMSKeyName         string
	GoogleCloudProject string
	LogLevel           string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64

	// ブレーカー設定。既定値: 連続5回失敗で遮断、30秒後にプローブ、
	// バックオフ上限10分。
	BreakerFailureThreshold int
	BreakerResetTimeout     time.Duration
	BreakerMaxResetTimeout  time.Duration

	// ブリッジ設定。プールサイズはブリッジ側の安全な並列度に合わせて
	// 実測のうえ設定する。
	BridgePoolSize    int
	BridgeCallTimeout time.Duration

	// 移行バッチ設定。
	MigrationConcurrency int
	MigrationLeaseTTL    time.Duration

	TelemetryBufferSize int

	KeyCacheTTL        time.Duration
	KeyCacheMaxEntries int
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "hybrid-crypto-service"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 0.1),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
		BreakerMaxResetTimeout:  getEnvDuration("BREAKER_MAX_RESET_TIMEOUT", 10*time.Minute),

		BridgePoolSize:    getEnvInt("BRIDGE_POOL_SIZE", 4),
		BridgeCallTimeout: getEnvDuration("BRIDGE_CALL_TIMEOUT", 2*time.Second),

		MigrationConcurrency: getEnvInt("MIGRATION_CONCURRENCY", 4),
		MigrationLeaseTTL:    getEnvDuration("MIGRATION_LEASE_TTL", 60*time.Second),

		TelemetryBufferSize: getEnvInt("TELEMETRY_BUFFER_SIZE", 256),

		KeyCacheTTL:        getEnvDuration("KEY_CACHE_TTL", time.Hour),
		KeyCacheMaxEntries: getEnvInt("KEY_CACHE_MAX_ENTRIES", 100),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
