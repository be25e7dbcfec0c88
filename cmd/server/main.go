// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"hybrid-crypto-service/config"
	"hybrid-crypto-service/internal/breaker"
	"hybrid-crypto-service/internal/domain"
	"hybrid-crypto-service/internal/handler"
	"hybrid-crypto-service/internal/infra"
	"hybrid-crypto-service/internal/primitive"
	"hybrid-crypto-service/internal/repository"
	"hybrid-crypto-service/internal/telemetry"
	"hybrid-crypto-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// ログレベル設定
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, logLevel)

	// DB初期化
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := infra.NewDB(cfg.DatabaseURL, cfg.OtelEnabled)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}

	// KMSクライアント初期化
	kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
	if err != nil {
		slog.Error("failed to init KMS client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := kmsClient.Close(); closeErr != nil {
			slog.Error("failed to close KMS client", "error", closeErr)
		}
	}()

	// テレメトリエミッタ初期化
	emitter := telemetry.NewEmitter(cfg.TelemetryBufferSize, telemetry.SlogSink{})
	defer emitter.Close()

	// サーキットブレーカー初期化。状態遷移はテレメトリへ流す
	cb := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		ResetTimeout:     cfg.BreakerResetTimeout,
		MaxResetTimeout:  cfg.BreakerMaxResetTimeout,
	})
	cb.OnTransition(func(id domain.AlgorithmID, from, to domain.BreakerStateKind) {
		emitter.Emit(telemetry.Event{
			Type:        telemetry.EventBreakerStateChanged,
			PrimitiveID: id,
			FromState:   from,
			ToState:     to,
			Timestamp:   time.Now().UTC(),
		})
	})

	// プリミティブ初期化
	bridge := primitive.NewBridge(primitive.BridgeConfig{
		PoolSize:    cfg.BridgePoolSize,
		CallTimeout: cfg.BridgeCallTimeout,
	})
	defer bridge.Close()
	classical := primitive.NewClassicalAdapter()

	// DI
	keyRepo := repository.NewKeyRepository(db)
	recordRepo := repository.NewRecordRepository(db)
	migrationRepo := repository.NewMigrationRepository(db)

	cryptoService := usecase.NewCryptoService(bridge, classical, cb, emitter, keyRepo, kmsClient, usecase.CryptoServiceConfig{
		KeyCacheTTL:        cfg.KeyCacheTTL,
		KeyCacheMaxEntries: cfg.KeyCacheMaxEntries,
	})
	migrationService := usecase.NewMigrationService(recordRepo, migrationRepo, cryptoService, usecase.MigrationServiceConfig{
		Concurrency: cfg.MigrationConcurrency,
		LeaseTTL:    cfg.MigrationLeaseTTL,
	})
	defer migrationService.Stop()

	h := handler.NewCryptoHandler(cryptoService, migrationService)
	var router http.Handler = handler.NewRouter(h)
	if cfg.OtelEnabled {
		router = otelhttp.NewHandler(router, "hybrid-crypto-service")
	}

	// サーバー起動
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
