package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

type RouterConfig struct {
	BackendAPIKey      string       // Required on uploads and /v1 when set; open otherwise
	CorsAllowedOrigins string       // Comma-separated; all origins when empty
	Metrics            http.Handler // Mounted on /metrics when set
}

// NewRouter mounts the composer API. Health, metrics and the composed files
// are public because their URLs are handed out in results.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(accessLog(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.CorsAllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	r.Get("/video/{filename}", h.ServeVideo)
	r.Get("/thumbnail/{filename}", h.ServeThumbnail)

	r.Group(func(r chi.Router) {
		if cfg.BackendAPIKey != "" {
			r.Use(APIKeyAuth(cfg.BackendAPIKey))
		}

		r.Post("/uploads", h.Upload)
		r.Get("/v1/records", h.ListRecords)
		r.Get("/v1/records/{id}", h.GetRecord)
	})

	return r
}

// accessLog writes one line per request to log.
func accessLog(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()

			next.ServeHTTP(ww, r)

			log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(started)).
				Msg("request")
		})
	}
}

func allowedOrigins(csv string) []string {
	origins := lo.Compact(lo.Map(strings.Split(csv, ","), func(o string, _ int) string {
		return strings.TrimSpace(o)
	}))
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
