// Package proxy はOWSセキュリティプロキシを提供する。
// 登録済みサービスへのリクエストをアクセス判定の上で中継し、
// セキュアなサービスのケーパビリティ文書はプロキシURLに書き換えて返す。
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mrmap-community/mrmap-sub007/internal/accesscontrol"
	"github.com/mrmap-community/mrmap-sub007/internal/auth"
	"github.com/mrmap-community/mrmap-sub007/internal/metrics"
	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/ows"
	"github.com/mrmap-community/mrmap-sub007/internal/repository"
	"github.com/mrmap-community/mrmap-sub007/internal/security"
)

const userAgent = "MrMap-Proxy/1.0 (+https://github.com/mrmap-community/mrmap)"

// forwardedHeaders は上流の応答からクライアントへ引き継ぐヘッダー。
var forwardedHeaders = []string{"Content-Type", "Content-Disposition", "Content-Encoding", "Cache-Control", "Last-Modified", "ETag"}

// UserResolver はリクエストの認証情報からユーザーを解決する。auth.Serviceが実装する。
type UserResolver interface {
	ResolveSession(ctx context.Context, token string) (*model.User, error)
	VerifyBasic(ctx context.Context, username, password string) (*model.User, error)
}

// AccessDecider はOWSリクエストのアクセス判定を行う。accesscontrol.Serviceが実装する。
type AccessDecider interface {
	Decide(ctx context.Context, user *model.User, svc *model.Service, req ows.Request) (accesscontrol.Decision, error)
}

// Config はプロキシの設定。
type Config struct {
	Timeout time.Duration
	MaxSize int64
	// BaseURL はプロキシを公開するURL（例: https://mrmap.example.com）。
	BaseURL string
	Breaker BreakerSettings
}

// Proxy はGET /ows/{serviceID} を処理するhttp.Handler。
type Proxy struct {
	services   repository.ServiceRepository
	operations repository.OperationURLRepository
	users      UserResolver
	decider    AccessDecider
	logs       repository.ProxyLogRepository
	ssrfGuard  security.SSRFGuardService
	client     *http.Client
	breakers   *breakerSet
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	config     Config
}

// New はProxyを生成する。
func New(
	services repository.ServiceRepository,
	operations repository.OperationURLRepository,
	users UserResolver,
	decider AccessDecider,
	logs repository.ProxyLogRepository,
	ssrfGuard security.SSRFGuardService,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config Config,
) *Proxy {
	if config.Breaker == (BreakerSettings{}) {
		config.Breaker = DefaultBreakerSettings()
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Proxy{
		services:   services,
		operations: operations,
		users:      users,
		decider:    decider,
		logs:       logs,
		ssrfGuard:  ssrfGuard,
		client:     ssrfGuard.NewSafeClient(config.Timeout, config.MaxSize),
		breakers:   newBreakerSet(config.Breaker, collector, logger),
		metrics:    collector,
		logger:     logger,
		config:     config,
	}
}

// outcome は1リクエスト分の記録内容。
type outcome struct {
	userID    string
	operation string
	allowed   bool
	status    int
	bytes     int64
}

// ServeHTTP はOWSリクエストを判定して中継する。
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	serviceID := chi.URLParam(r, "serviceID")

	if _, err := uuid.Parse(serviceID); err != nil {
		writeException(w, http.StatusNotFound, codeInvalidParameter, "サービスが見つかりません")
		return
	}
	svc, err := p.services.FindByID(r.Context(), serviceID)
	if err != nil {
		p.logger.Error("プロキシ対象サービスの取得に失敗しました",
			slog.String("service_id", serviceID),
			slog.String("error", err.Error()),
		)
		writeException(w, http.StatusInternalServerError, codeNoApplicable, "内部エラーが発生しました")
		return
	}
	if svc == nil {
		writeException(w, http.StatusNotFound, codeInvalidParameter, "サービスが見つかりません")
		return
	}

	out := p.handle(w, r, svc)

	duration := time.Since(start)
	p.metrics.RecordProxyRequest(out.operation, out.allowed, out.status, duration)
	p.record(r.Context(), svc.ID, out, duration)
}

// handle はサービス解決後の判定と中継を行い、記録内容を返す。
func (p *Proxy) handle(w http.ResponseWriter, r *http.Request, svc *model.Service) outcome {
	if !svc.IsServable() {
		n := writeException(w, http.StatusServiceUnavailable, codeNoApplicable,
			fmt.Sprintf("サービスは現在利用できません（%s）", svc.Status))
		return outcome{status: http.StatusServiceUnavailable, bytes: n}
	}

	req, err := ows.ParseRequest(r.URL.Query())
	out := outcome{operation: req.Request}
	if req.Request == "" {
		out.status = http.StatusBadRequest
		out.bytes = writeException(w, out.status, codeMissingParameter, "REQUESTパラメータは必須です")
		return out
	}
	if err != nil {
		out.status = http.StatusBadRequest
		out.bytes = writeException(w, out.status, codeInvalidParameter, err.Error())
		return out
	}

	user, ok := p.resolveUser(r)
	if !ok {
		out.status = http.StatusUnauthorized
		out.bytes = writeException(w, out.status, codeAccessDenied, "認証情報が正しくありません")
		return out
	}
	if user != nil {
		out.userID = user.ID
	}

	decision, err := p.decider.Decide(r.Context(), user, svc, req)
	if err != nil {
		p.logger.Error("アクセス判定に失敗しました",
			slog.String("service_id", svc.ID),
			slog.String("error", err.Error()),
		)
		out.status = http.StatusInternalServerError
		out.bytes = writeException(w, out.status, codeNoApplicable, "内部エラーが発生しました")
		return out
	}
	if !decision.Allowed {
		out.status = decision.Status
		out.bytes = writeException(w, out.status, codeAccessDenied, decision.Reason)
		return out
	}
	out.allowed = true

	if svc.IsSecured && strings.EqualFold(req.Request, "GetCapabilities") {
		out.status, out.bytes = p.serveCapabilities(r.Context(), w, svc)
		return out
	}
	out.status, out.bytes = p.forward(w, r, svc, req)
	return out
}

// resolveUser はBasic認証ヘッダー、次にセッションCookieからユーザーを解決する。
// 認証情報がない場合は(nil, true)、Basic認証が不一致の場合は(nil, false)を返す。
func (p *Proxy) resolveUser(r *http.Request) (*model.User, bool) {
	if username, password, ok := r.BasicAuth(); ok {
		user, err := p.users.VerifyBasic(r.Context(), username, password)
		if err != nil {
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) {
				p.logger.Error("Basic認証の照合に失敗しました", slog.String("error", err.Error()))
			}
			return nil, false
		}
		return user, true
	}

	cookie, err := r.Cookie(auth.SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, true
	}
	user, err := p.users.ResolveSession(r.Context(), cookie.Value)
	if err != nil {
		p.logger.Error("セッションの解決に失敗しました", slog.String("error", err.Error()))
		return nil, true
	}
	return user, true
}

// serveCapabilities は保存済みのケーパビリティ文書をプロキシURLに書き換えて返す。
func (p *Proxy) serveCapabilities(ctx context.Context, w http.ResponseWriter, svc *model.Service) (int, int64) {
	if len(svc.CapabilitiesXML) == 0 {
		return http.StatusServiceUnavailable,
			writeException(w, http.StatusServiceUnavailable, codeNoApplicable, "ケーパビリティ文書がまだ取得されていません")
	}

	ops, err := p.operations.ListByServiceID(ctx, svc.ID)
	if err != nil {
		p.logger.Error("オペレーションURLの取得に失敗しました",
			slog.String("service_id", svc.ID),
			slog.String("error", err.Error()),
		)
		return http.StatusInternalServerError,
			writeException(w, http.StatusInternalServerError, codeNoApplicable, "内部エラーが発生しました")
	}

	origins := []string{svc.CapabilitiesURL, baseURL(svc.CapabilitiesURL)}
	for _, op := range ops {
		origins = append(origins, op.URL)
	}
	doc := ows.RewriteCapabilities(svc.CapabilitiesXML, origins, p.ProxyURL(svc.ID))

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	n, _ := w.Write(doc)
	return http.StatusOK, int64(n)
}

// ProxyURL はサービスのプロキシ公開URLを返す。OWSクライアントがパラメータを続けられるよう末尾は"?"。
func (p *Proxy) ProxyURL(serviceID string) string {
	return p.config.BaseURL + "/ows/" + serviceID + "?"
}

// forward はリクエストをオペレーションURLへ中継し、応答をそのまま返す。
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, svc *model.Service, req ows.Request) (int, int64) {
	base, err := p.targetBase(r.Context(), svc, req.Request)
	if err != nil {
		p.logger.Error("中継先の決定に失敗しました",
			slog.String("service_id", svc.ID),
			slog.String("error", err.Error()),
		)
		return http.StatusInternalServerError,
			writeException(w, http.StatusInternalServerError, codeNoApplicable, "内部エラーが発生しました")
	}
	target, err := ows.MergeQuery(base, r.URL.Query())
	if err != nil {
		return http.StatusBadGateway,
			writeException(w, http.StatusBadGateway, codeNoApplicable, "中継先URLが不正です")
	}
	if err := p.ssrfGuard.ValidateURL(target); err != nil {
		p.logger.Warn("中継先URLがSSRF検証で拒否されました",
			slog.String("service_id", svc.ID),
			slog.String("error", err.Error()),
		)
		return http.StatusBadGateway,
			writeException(w, http.StatusBadGateway, codeNoApplicable, "中継先URLへのアクセスは許可されていません")
	}

	outReq, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		return http.StatusBadGateway,
			writeException(w, http.StatusBadGateway, codeNoApplicable, "中継リクエストの作成に失敗しました")
	}
	outReq.Header.Set("User-Agent", userAgent)
	if accept := r.Header.Get("Accept"); accept != "" {
		outReq.Header.Set("Accept", accept)
	}

	resp, err := p.breakers.get(svc.ID).Execute(func() (*http.Response, error) {
		resp, err := p.client.Do(outReq)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errUpstreamStatus
		}
		return resp, nil
	})
	switch {
	case err == nil, errors.Is(err, errUpstreamStatus):
	case isRejected(err):
		return http.StatusServiceUnavailable,
			writeException(w, http.StatusServiceUnavailable, codeNoApplicable, "上流サービスが一時的に利用できません")
	default:
		p.logger.Warn("上流サービスへの中継に失敗しました",
			slog.String("service_id", svc.ID),
			slog.String("error", err.Error()),
		)
		return http.StatusBadGateway,
			writeException(w, http.StatusBadGateway, codeNoApplicable, "上流サービスに接続できませんでした")
	}
	defer resp.Body.Close()

	for _, h := range forwardedHeaders {
		if v := resp.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		p.logger.Warn("上流レスポンスの転送を中断しました",
			slog.String("service_id", svc.ID),
			slog.Int64("bytes", n),
			slog.String("error", err.Error()),
		)
	}
	return resp.StatusCode, n
}

// targetBase はリクエストに対応するGETのオペレーションURLを返す。
// 見つからない場合はケーパビリティURLからクエリを除いたものを使う。
func (p *Proxy) targetBase(ctx context.Context, svc *model.Service, operation string) (string, error) {
	ops, err := p.operations.ListByServiceID(ctx, svc.ID)
	if err != nil {
		return "", err
	}
	for _, op := range ops {
		if strings.EqualFold(op.Operation, operation) && strings.EqualFold(op.Method, http.MethodGet) && op.URL != "" {
			return op.URL, nil
		}
	}
	return baseURL(svc.CapabilitiesURL), nil
}

// baseURL はURLからクエリとフラグメントを除く。
func baseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

// record はプロキシアクセスログを保存する。保存の失敗は応答に影響させない。
func (p *Proxy) record(ctx context.Context, serviceID string, out outcome, duration time.Duration) {
	entry := &model.ProxyLog{
		ServiceID:     serviceID,
		UserID:        out.userID,
		Operation:     out.operation,
		Allowed:       out.allowed,
		StatusCode:    out.status,
		ResponseBytes: out.bytes,
		DurationMs:    duration.Milliseconds(),
		CreatedAt:     time.Now(),
	}
	if err := p.logs.Create(context.WithoutCancel(ctx), entry); err != nil {
		p.logger.Error("プロキシログの保存に失敗しました",
			slog.String("service_id", serviceID),
			slog.String("error", err.Error()),
		)
	}
}
