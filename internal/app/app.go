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
	"golang.org/x/sync/errgroup"

	"github.com/mrmap-community/mrmap-sub007/internal/accesscontrol"
	"github.com/mrmap-community/mrmap-sub007/internal/accounts"
	"github.com/mrmap-community/mrmap-sub007/internal/auth"
	"github.com/mrmap-community/mrmap-sub007/internal/config"
	"github.com/mrmap-community/mrmap-sub007/internal/database"
	"github.com/mrmap-community/mrmap-sub007/internal/handler"
	"github.com/mrmap-community/mrmap-sub007/internal/logger"
	"github.com/mrmap-community/mrmap-sub007/internal/metrics"
	"github.com/mrmap-community/mrmap-sub007/internal/middleware"
	"github.com/mrmap-community/mrmap-sub007/internal/monitoring"
	"github.com/mrmap-community/mrmap-sub007/internal/notify"
	"github.com/mrmap-community/mrmap-sub007/internal/proxy"
	"github.com/mrmap-community/mrmap-sub007/internal/registry"
	"github.com/mrmap-community/mrmap-sub007/internal/repository"
	"github.com/mrmap-community/mrmap-sub007/internal/security"
	"github.com/mrmap-community/mrmap-sub007/internal/worker/cleanup"
	"github.com/mrmap-community/mrmap-sub007/internal/worker/harvest"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. LOG_LEVELを反映する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

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
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandCreateSuperuser:
		return runCreateSuperuser(cfg)
	default:
		return runServe(cfg)
	}
}

// signalContext はSIGINTまたはSIGTERMでキャンセルされるコンテキストを返す。
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// 通知はPostgreSQLのLISTENで受け取り、接続中のWebSocketクライアントへ配信する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	orgRepo := repository.NewPostgresOrganizationRepo(db)
	groupRepo := repository.NewPostgresGroupRepo(db)
	serviceRepo := repository.NewPostgresServiceRepo(db)
	operationURLRepo := repository.NewPostgresOperationURLRepo(db)
	layerRepo := repository.NewPostgresLayerRepo(db)
	featureTypeRepo := repository.NewPostgresFeatureTypeRepo(db)
	metadataRepo := repository.NewPostgresMetadataRecordRepo(db)
	monitoringRepo := repository.NewPostgresMonitoringRepo(db)
	jobRepo := repository.NewPostgresJobRepo(db)
	allowedOpRepo := repository.NewPostgresAllowedOperationRepo(db)
	proxyLogRepo := repository.NewPostgresProxyLogRepo(db)

	// 3. セキュリティとメトリクス
	ssrfGuard := security.NewSSRFGuard()
	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector(promRegistry)

	// 4. 通知（publishはNOTIFY経由で全APIインスタンスのHubに届く）
	publisher := notify.NewPGPublisher(db)
	hub := notify.NewHub(slog.Default())
	defer hub.Close()

	// 5. ドメインサービスの初期化
	authService := auth.NewService(userRepo, sessionRepo, auth.ServiceConfig{
		SessionMaxAge: cfg.SessionMaxAge,
		SessionSecret: cfg.SessionSecret,
	})
	accountService := accounts.NewService(userRepo, orgRepo, groupRepo, sessionRepo)
	registryService := registry.NewService(registry.Repositories{
		Services:     serviceRepo,
		Layers:       layerRepo,
		FeatureTypes: featureTypeRepo,
		Metadata:     metadataRepo,
		Monitoring:   monitoringRepo,
		Jobs:         jobRepo,
	}, registry.NewCapabilitiesDetector(ssrfGuard), ssrfGuard, publisher, cfg.HarvestMaxAttempts)
	jobService := registry.NewJobService(jobRepo, serviceRepo, publisher)
	accessService := accesscontrol.NewService(allowedOpRepo, serviceRepo, groupRepo)

	owsProxy := proxy.New(
		serviceRepo, operationURLRepo, authService, accessService, proxyLogRepo,
		ssrfGuard, collector, slog.Default(),
		proxy.Config{
			Timeout: cfg.ProxyTimeout,
			MaxSize: cfg.ProxyMaxSize,
			BaseURL: cfg.BaseURL,
			Breaker: proxy.DefaultBreakerSettings(),
		},
	)

	// 6. ルーターの構築（設定値はreq/min単位）
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(
		cfg.RateLimitGeneral, cfg.RateLimitRegistration, cfg.RateLimitLogin,
	))
	defer rateLimiter.Stop()

	csrfConfig := middleware.CSRFConfig{
		CookieSecure: cfg.CookieSecure,
		CookieDomain: cfg.CookieDomain,
	}

	deps := &handler.RouterDeps{
		Logger:        slog.Default(),
		HealthChecker: db,

		UserResolver:      authService,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig:        csrfConfig,
		RateLimiter:       rateLimiter,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		RegistryService: registryService,
		JobService:      jobService,
		BaseURL:         cfg.BaseURL,

		AccountService:       accountService,
		AccessControlService: accessService,

		Proxy:           owsProxy,
		NotificationHub: hub,
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	// プロキシが上流の応答を中継しきれるよう、WriteTimeoutは上流タイムアウトより長くする
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ProxyTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signalContext()
	defer stop()

	listener := notify.NewPGListener(cfg.DatabaseURL, hub, slog.Default())
	go func() {
		if err := listener.Run(ctx); err != nil {
			slog.Error("notification listener stopped", slog.String("error", err.Error()))
		}
	}()

	// プロキシのメトリクスは別ポートで公開する
	metricsServer := newMetricsServer(cfg.MetricsPort, promRegistry)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down API server...", slog.Int("websocket_clients", hub.ClientCount()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// ハーベストスケジューラ、死活監視バッチ、日次クリーンアップ、
// およびPrometheusの/metricsエンドポイントを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	serviceRepo := repository.NewPostgresServiceRepo(db)
	layerRepo := repository.NewPostgresLayerRepo(db)
	featureTypeRepo := repository.NewPostgresFeatureTypeRepo(db)
	metadataRepo := repository.NewPostgresMetadataRecordRepo(db)
	monitoringRepo := repository.NewPostgresMonitoringRepo(db)
	jobRepo := repository.NewPostgresJobRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	proxyLogRepo := repository.NewPostgresProxyLogRepo(db)

	// 3. セキュリティ、メトリクス、通知
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewTextSanitizer()
	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector(promRegistry)
	publisher := notify.NewPGPublisher(db)

	// 4. ハーベスター
	harvester := harvest.NewHarvester(harvest.Repositories{
		Jobs:         jobRepo,
		Services:     serviceRepo,
		Layers:       layerRepo,
		FeatureTypes: featureTypeRepo,
		Metadata:     metadataRepo,
	}, ssrfGuard, sanitizer, publisher, collector, slog.Default(), harvest.Config{
		Timeout:             cfg.HarvestTimeout,
		MaxBodySize:         cfg.HarvestMaxSize,
		MetadataConcurrency: cfg.HarvestMetadataConcurrency,
	})
	scheduler := harvest.NewScheduler(jobRepo, harvester, slog.Default(), cfg.HarvestMaxConcurrent)

	// 5. 死活監視
	prober := monitoring.NewProber(ssrfGuard, slog.Default(), cfg.HarvestTimeout, cfg.HarvestMaxSize)
	monitoringBatch := monitoring.NewBatchJob(serviceRepo, monitoringRepo, prober, publisher, collector, slog.Default(), monitoring.BatchConfig{
		Interval:      cfg.MonitoringInterval,
		TTL:           cfg.MonitoringTTL,
		MaxChecks:     cfg.MonitoringMaxChecks,
		CheckInterval: cfg.MonitoringCheckInterval,
	})

	// 6. クリーンアップ
	cleanupJob := cleanup.NewCleanupJob(cleanup.Targets{
		Sessions:   sessionRepo,
		Jobs:       jobRepo,
		ProxyLogs:  proxyLogRepo,
		Monitoring: monitoringRepo,
	}, slog.Default())
	cleanupJob.JobRetentionDays = cfg.JobRetentionDays
	cleanupJob.LogRetentionDays = cfg.LogRetentionDays

	// 7. メトリクスサーバー
	metricsServer := newMetricsServer(cfg.MetricsPort, promRegistry)

	ctx, stop := signalContext()
	defer stop()

	slog.Info("worker starting",
		slog.Duration("poll_interval", cfg.HarvestPollInterval),
		slog.Int("max_concurrent", cfg.HarvestMaxConcurrent),
		slog.Duration("monitoring_interval", cfg.MonitoringInterval),
		slog.String("metrics_addr", metricsServer.Addr),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Start(gctx, cfg.HarvestPollInterval)
		return nil
	})
	g.Go(func() error {
		monitoringBatch.Start(gctx)
		return nil
	})
	g.Go(func() error {
		cleanupJob.Start(gctx, 24*time.Hour)
		return nil
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down worker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// newMetricsServer は/metricsのみを提供するHTTPサーバーを返す。
func newMetricsServer(port string, gatherer prometheus.Gatherer) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           metrics.SetupMetricsRoute(gatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runCreateSuperuser はADMIN_USERNAME/ADMIN_PASSWORDからスーパーユーザーを作成する。
// 同名のユーザーが既に存在する場合は何もしない。
func runCreateSuperuser(cfg *config.Config) error {
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		return errors.New("ADMIN_USERNAME and ADMIN_PASSWORD must be set")
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	accountService := accounts.NewService(
		repository.NewPostgresUserRepo(db),
		repository.NewPostgresOrganizationRepo(db),
		repository.NewPostgresGroupRepo(db),
		repository.NewPostgresSessionRepo(db),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	user, created, err := accountService.EnsureSuperuser(ctx, cfg.AdminUsername, cfg.AdminEmail, cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("failed to create superuser: %w", err)
	}

	if created {
		slog.Info("superuser created", slog.String("username", user.Username), slog.String("user_id", user.ID))
	} else {
		slog.Info("superuser already exists", slog.String("username", user.Username))
	}
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
