// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// AuditLog は監査ログの構造体。
type AuditLog struct {
	Operation  string `json:"operation"`
	Algorithm  string `json:"algorithm,omitempty"`
	Generation uint   `json:"generation,omitempty"`
	Result     string `json:"result"`
	Timestamp  string `json:"timestamp"`
}

// WriteAuditLog は監査ログを出力する。平文や鍵素材は記録しない。
func WriteAuditLog(ctx context.Context, operation string, algorithm string, generation uint, result string) {
	slog.InfoContext(ctx, "crypto operation completed",
		"operation", operation,
		"algorithm", algorithm,
		"generation", generation,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
