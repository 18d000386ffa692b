package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mrmap-community/mrmap-sub007/internal/middleware"
)

// HealthChecker はヘルスチェックで疎通を確認する依存先。*sql.DBが実装する。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger        *slog.Logger
	HealthChecker HealthChecker

	// ミドルウェア依存
	UserResolver      middleware.UserResolver
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// サービスカタログとジョブ
	RegistryService RegistryServiceInterface
	JobService      JobServiceInterface
	BaseURL         string

	// アカウントとアクセス制御
	AccountService       AccountServiceInterface
	AccessControlService AccessControlServiceInterface

	// OWSセキュリティプロキシ（/ows/{serviceID}）。nilの場合はマウントしない。
	Proxy http.Handler

	// 通知WebSocket。nilの場合はマウントしない。
	NotificationHub NotificationHub
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → (/api/v1) CSRF → Session → RateLimit(General)
//
// OWSプロキシは独自にCookieとBasic認証を解決するため、APIグループの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", healthHandler(deps.HealthChecker))

	if deps.Proxy != nil {
		r.Method(http.MethodGet, "/ows/{serviceID}", deps.Proxy)
	}

	session := middleware.NewSessionMiddleware(deps.UserResolver)
	if deps.NotificationHub != nil {
		notifications := NewNotificationHandler(deps.NotificationHub, deps.CORSAllowedOrigin)
		r.With(session).Get("/ws/notifications", notifications.Serve)
	}

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	serviceHandler := NewServiceHandler(deps.RegistryService, deps.BaseURL)
	jobHandler := NewJobHandler(deps.JobService)
	accountHandler := NewAccountHandler(deps.AccountService)
	securityHandler := NewSecurityHandler(deps.AccessControlService)

	r.Route(apiPrefix, func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))
		r.Use(session)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

		// 認証（ログインはIP単位の試行制限を追加）
		r.Route("/auth", func(r chi.Router) {
			r.With(deps.RateLimiter.LoginMiddleware()).Post("/login", authHandler.Login)
			r.Post("/logout", authHandler.Logout)
			r.With(middleware.RequireUser).Get("/me", authHandler.Me)
		})

		// サービスカタログ（参照は匿名でも可能）
		r.Route("/registry", func(r chi.Router) {
			r.Route("/services", func(r chi.Router) {
				r.Get("/", serviceHandler.ListServices)
				r.With(middleware.RequireUser, deps.RateLimiter.RegistrationMiddleware()).Post("/", serviceHandler.RegisterService)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", serviceHandler.GetService)
					r.With(middleware.RequireUser).Patch("/", serviceHandler.UpdateService)
					r.With(middleware.RequireUser).Delete("/", serviceHandler.DeleteService)
					r.With(middleware.RequireUser).Post("/harvest", serviceHandler.Reharvest)

					r.Get("/layers", serviceHandler.ListLayers)
					r.Get("/feature-types", serviceHandler.ListFeatureTypes)
					r.Get("/metadata-records", serviceHandler.ListMetadataRecords)
					r.Get("/monitoring-results", serviceHandler.ListMonitoringResults)
				})
			})
			r.Get("/layers/{id}", serviceHandler.GetLayer)
		})

		// 以降はログイン必須
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireUser)

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", jobHandler.ListJobs)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", jobHandler.GetJob)
					r.Get("/logs", jobHandler.ListLogs)
					r.Post("/cancel", jobHandler.CancelJob)
				})
			})

			r.Route("/accounts", func(r chi.Router) {
				r.Route("/organizations", func(r chi.Router) {
					r.Get("/", accountHandler.ListOrganizations)
					r.Post("/", accountHandler.CreateOrganization)
					r.Get("/{id}", accountHandler.GetOrganization)
					r.Delete("/{id}", accountHandler.DeleteOrganization)
				})
				r.Route("/groups", func(r chi.Router) {
					r.Get("/", accountHandler.ListGroups)
					r.Post("/", accountHandler.CreateGroup)
					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", accountHandler.GetGroup)
						r.Delete("/", accountHandler.DeleteGroup)
						r.Post("/members", accountHandler.AddMember)
						r.Delete("/members/{userID}", accountHandler.RemoveMember)
					})
				})
				r.Route("/users", func(r chi.Router) {
					r.Get("/", accountHandler.ListUsers)
					r.Post("/", accountHandler.CreateUser)
					r.Get("/{id}", accountHandler.GetUser)
					r.Delete("/{id}", accountHandler.DeleteUser)
				})
			})

			r.Route("/security/allowed-operations", func(r chi.Router) {
				r.Get("/", securityHandler.List)
				r.Post("/", securityHandler.Create)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", securityHandler.Get)
					r.Patch("/", securityHandler.Update)
					r.Delete("/", securityHandler.Delete)
				})
			})
		})
	})

	return r
}

// healthHandler はDB疎通を確認するヘルスチェックを返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				status, code = "unavailable", http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}
