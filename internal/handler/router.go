package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter はルーターを生成する。
func NewRouter(h *CryptoHandler) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	// ルート定義
	r.Route("/v1", func(r chi.Router) {
		r.Route("/crypto", func(r chi.Router) {
			r.Post("/encrypt", h.Encrypt)
			r.Post("/decrypt", h.Decrypt)
			r.Post("/sign", h.Sign)
			r.Post("/verify", h.Verify)
		})
		r.Route("/keys", func(r chi.Router) {
			r.Post("/", h.CreateKey)
			r.Get("/", h.ListKeys)
			r.Post("/rotate", h.RotateGeneration)
		})
		r.Get("/breakers/{primitive_id}", h.GetBreakerState)
		r.Route("/migrations", func(r chi.Router) {
			r.Post("/", h.StartMigration)
			r.Get("/{batch_id}", h.GetMigrationStatus)
		})
	})

	return r
}
