package api

import (
	"net/http"

	"filegate/internal/config"
	fgmiddleware "filegate/internal/middleware"
	"filegate/internal/ratelimit"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter 构建 HTTP 路由，集中注册所有对外服务的端点。
// 限流按端点类别挂在各自的路由上：完成校验与下载签发成本高，
// 额度配置得更紧。
func NewRouter(cfg *config.Config, limiter ratelimit.Limiter, fileHandler *FileHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(fgmiddleware.CORS(cfg.CORSAllowedOrigins))
	r.Use(fgmiddleware.Metrics())

	// 健康检查不需要鉴权
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Prometheus 指标端点
	r.Handle("/metrics", promhttp.Handler())

	if fileHandler != nil {
		r.Group(func(r chi.Router) {
			r.Use(fgmiddleware.JWTAuth(cfg.JWTSecret, cfg.JWKSURL))

			r.Route("/files", func(r chi.Router) {
				r.With(rateClass(limiter, cfg, config.RateClassInit)).
					Post("/init", fileHandler.InitiateUpload)
				r.With(rateClass(limiter, cfg, config.RateClassComplete)).
					Post("/{id}/complete", fileHandler.CompleteUpload)
				r.With(rateClass(limiter, cfg, config.RateClassDownload)).
					Post("/{id}/download-url", fileHandler.IssueDownload)
				r.With(rateClass(limiter, cfg, config.RateClassRead)).
					Get("/", fileHandler.ListFiles)
				r.With(rateClass(limiter, cfg, config.RateClassRead)).
					Get("/{id}", fileHandler.GetFile)
			})
		})
	}

	return r
}

func rateClass(limiter ratelimit.Limiter, cfg *config.Config, name string) func(http.Handler) http.Handler {
	return fgmiddleware.RateLimit(limiter, cfg.RateClasses[name], name)
}
