package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/petsearch/internal/config"
	"github.com/hitoshi/petsearch/internal/credential"
	"github.com/hitoshi/petsearch/internal/handler"
	"github.com/hitoshi/petsearch/internal/locationapi"
	"github.com/hitoshi/petsearch/internal/logger"
	"github.com/hitoshi/petsearch/internal/metrics"
	"github.com/hitoshi/petsearch/internal/middleware"
	"github.com/hitoshi/petsearch/internal/search"
	"github.com/hitoshi/petsearch/internal/searchapi"
	"github.com/hitoshi/petsearch/internal/security"
	"github.com/hitoshi/petsearch/internal/suggest"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再セットアップ
	logger.SetupDefaultWithLevel(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if cmd == CommandHelp {
		WriteUsage(w)
		return nil
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("api_base_url", cfg.APIBaseURL),
		slog.String("search_resource", cfg.SearchResource),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandCheckCredentials:
		return runCheckCredentials(ctx, cfg, slog.Default())
	default:
		return runServe(ctx, cfg, slog.Default())
	}
}

// Components はワイヤリング済みの依存関係をまとめた構造体。
type Components struct {
	Handler     http.Handler
	Coordinator *search.Coordinator
	Engine      *suggest.Engine
	RateLimiter *middleware.RateLimiter
}

// Run はコーディネーターのイベントループを実行する。ctxがキャンセルされるまでブロックし、
// 終了時に実行中の候補取得の完了を待ってからレートリミッターを停止する。
func (c *Components) Run(ctx context.Context) {
	c.Coordinator.Run(ctx)
	c.Engine.Wait()
	c.RateLimiter.Stop()
}

// Wire は設定から全依存関係を組み立てる。
// regにはメトリクスを登録するレジストリを渡す。
func Wire(cfg *config.Config, log *slog.Logger, reg *prometheus.Registry) (*Components, error) {
	// 1. 外部API呼び出し用HTTPクライアント
	httpClient, err := newOutboundClient(cfg)
	if err != nil {
		return nil, err
	}

	// 2. メトリクス
	collector := metrics.NewCollector(reg)

	// 3. 認証情報
	provider := credential.NewClientCredentialsProvider(credential.ClientCredentialsConfig{
		ClientID:     cfg.APIClientID,
		ClientSecret: cfg.APIClientSecret,
		TokenURL:     cfg.APITokenURL,
	}, httpClient, collector)
	store := credential.NewStore(provider, log, collector)

	// 4. ロケーション候補
	locationClient := locationapi.NewClient(httpClient, locationapi.Config{
		Endpoint: cfg.LocationAPIURL,
	}, security.NewTextSanitizer(), log, collector)
	engine := suggest.NewEngine(locationClient, log, collector,
		suggest.WithRateLimit(cfg.SuggestRatePerSec, cfg.SuggestBurst))

	// 5. 検索セッション
	searchClient := searchapi.NewClient(httpClient, cfg.APIBaseURL, log, collector)
	coordinator := search.NewCoordinator(searchClient, store, engine, log, collector, search.Config{
		Resource:        cfg.SearchResource,
		DefaultDistance: cfg.DefaultDistance,
	})

	// 6. ルーター
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), log)
	metrics.RegisterRateLimitClients(reg, "general", rateLimiter.GeneralLimiterCount)
	metrics.RegisterRateLimitClients(reg, "input", rateLimiter.InputLimiterCount)
	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            log,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		SearchService:     coordinator,
		HealthChecker:     coordinator,
		Gatherer:          reg,
	})

	return &Components{
		Handler:     router,
		Coordinator: coordinator,
		Engine:      engine,
		RateLimiter: rateLimiter,
	}, nil
}

// newOutboundClient は外部API呼び出し用のHTTPクライアントを生成する。
// OutboundSafeClientが有効な場合は各エンドポイントを静的検証し、safeurlクライアントを使う。
func newOutboundClient(cfg *config.Config) (*http.Client, error) {
	if !cfg.OutboundSafeClient {
		return &http.Client{Timeout: cfg.HTTPTimeout}, nil
	}

	for _, endpoint := range []string{cfg.APIBaseURL, cfg.APITokenURL, cfg.LocationAPIURL} {
		if err := security.ValidateEndpoint(endpoint); err != nil {
			return nil, fmt.Errorf("invalid outbound endpoint %q: %w", endpoint, err)
		}
	}
	return security.NewOutboundClient(cfg.HTTPTimeout), nil
}

// newRegistry はGo・プロセスのメトリクスを含むレジストリを生成する。
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、コーディネーターとHTTPサーバーを起動する。
// ctxがキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	components, err := Wire(cfg, log, newRegistry())
	if err != nil {
		return fmt.Errorf("failed to wire components: %w", err)
	}

	// コーディネーターのイベントループ
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		components.Run(loopCtx)
		close(loopDone)
	}()
	defer func() {
		cancelLoop()
		<-loopDone
	}()

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      components.Handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second, // ロングポーリング(最大30秒)を含む
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runCheckCredentials はトークンエンドポイントから認証情報を1回取得し、結果をログに出す。
// アクセストークン自体は出力しない。
func runCheckCredentials(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	httpClient, err := newOutboundClient(cfg)
	if err != nil {
		return err
	}

	provider := credential.NewClientCredentialsProvider(credential.ClientCredentialsConfig{
		ClientID:     cfg.APIClientID,
		ClientSecret: cfg.APIClientSecret,
		TokenURL:     cfg.APITokenURL,
	}, httpClient, nil)
	store := credential.NewStore(provider, log, nil)

	cred, err := store.Token(ctx)
	if err != nil {
		return fmt.Errorf("credential check failed: %w", err)
	}

	log.Info("credential acquired",
		slog.String("token_url", cfg.APITokenURL),
		slog.Time("expires_at", cred.ExpiresAt),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}
