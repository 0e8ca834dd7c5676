package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/petsearch/internal/metrics"
	"github.com/hitoshi/petsearch/internal/middleware"
	"github.com/hitoshi/petsearch/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 検索セッション
	SearchService SearchServiceInterface

	// 稼働確認・メトリクス
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS → RateLimit(General)
//
// /health と /metrics はレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- レート制限なしのルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	searchHandler := NewSearchHandler(deps.SearchService, logger)

	// --- API ---
	r.Route("/api", func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.GeneralMiddleware())
		}

		// 入力系はキー入力ごとに送られるため、専用のレート制限を追加
		input := func(h http.HandlerFunc) http.Handler {
			if deps.RateLimiter == nil {
				return h
			}
			return deps.RateLimiter.InputMiddleware()(h)
		}

		r.Route("/search", func(r chi.Router) {
			r.Get("/", searchHandler.GetSearch)
			r.Method(http.MethodPost, "/start", input(searchHandler.StartSearch))
			r.Method(http.MethodPut, "/location", input(searchHandler.SetLocation))
			r.Method(http.MethodPut, "/parameters", input(searchHandler.UpdateParameters))
		})

		r.Get("/suggestions", searchHandler.GetSuggestions)
		r.Method(http.MethodPost, "/location", input(searchHandler.DeliverLocation))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewNotFoundError())
	})

	return r
}
