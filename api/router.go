package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, requestLogger(app.Logger))

	r.Get("/health", app.Health)

	r.Post("/uploads", app.Upload)
	r.Get("/jobs/{id}", app.GetJob)

	r.Route("/renditions", func(r chi.Router) {
		r.Get("/", app.ListRenditions)
		r.Get("/best", app.BestRendition)
		r.Get("/thumbnail", app.Thumbnail)
	})

	r.Get("/stats", app.Stats)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/reprocess", app.Reprocess)
		r.Post("/reset", app.Reset)
		r.Post("/clear", app.Clear)
	})

	return r
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
