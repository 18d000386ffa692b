package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mrmap-community/mrmap-sub007/internal/middleware"
	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

type stubHealthChecker struct {
	err error
}

func (s stubHealthChecker) PingContext(context.Context) error { return s.err }

const testSessionToken = "session-token-1"

// newTestRouter はモックを組み込んだルーターを返す。testSessionTokenのCookieでログイン済みになる。
func newTestRouter(t *testing.T, deps *RouterDeps) http.Handler {
	t.Helper()
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:       1000,
		GeneralBurst:      1000,
		RegistrationRate:  1000,
		RegistrationBurst: 1000,
		LoginRate:         1000,
		LoginBurst:        1000,
		CleanupInterval:   time.Minute,
	})
	t.Cleanup(rl.Stop)

	deps.RateLimiter = rl
	deps.HealthChecker = stubHealthChecker{}
	deps.UserResolver = &mockUserResolver{users: map[string]*model.User{
		testSessionToken: {ID: "user-1", Username: "alice", OrganizationID: "org-1"},
	}}
	deps.BaseURL = testBaseURL
	if deps.AuthService == nil {
		deps.AuthService = &mockAuthService{}
	}
	if deps.RegistryService == nil {
		deps.RegistryService = &mockRegistryService{}
	}
	if deps.JobService == nil {
		deps.JobService = &mockJobService{}
	}
	if deps.AccountService == nil {
		deps.AccountService = &mockAccountService{}
	}
	if deps.AccessControlService == nil {
		deps.AccessControlService = &mockAccessControlService{}
	}
	return NewRouter(deps)
}

// withCSRF はDouble Submit Cookieのトークンをリクエストに付与する。
func withCSRF(req *http.Request) *http.Request {
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "csrf-value"})
	req.Header.Set(middleware.CSRFHeaderName, "csrf-value")
	return req
}

func withSession(req *http.Request) *http.Request {
	req.AddCookie(&http.Cookie{Name: "mrmap_session", Value: testSessionToken})
	return req
}

func TestRouter_Health(t *testing.T) {
	router := newTestRouter(t, &RouterDeps{})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
	// セキュリティヘッダーが付与される
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing X-Content-Type-Options")
	}
}

func TestHealthHandler_Unavailable(t *testing.T) {
	w := httptest.NewRecorder()
	healthHandler(stubHealthChecker{err: errors.New("db down")})(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable || !strings.Contains(w.Body.String(), "unavailable") {
		t.Errorf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestRouter_AnonymousRegistryRead(t *testing.T) {
	registry := &mockRegistryService{
		listFn: func(ctx context.Context, filter model.ServiceFilter, page model.Page, order model.Sort) ([]*model.Service, int, error) {
			return []*model.Service{sampleService("svc-1")}, 1, nil
		},
	}
	router := newTestRouter(t, &RouterDeps{RegistryService: registry})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/registry/services", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body: %s)", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != middleware.JSONAPIMediaType {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestRouter_RequiresLogin(t *testing.T) {
	router := newTestRouter(t, &RouterDeps{})

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/jobs"},
		{http.MethodGet, "/api/v1/auth/me"},
		{http.MethodGet, "/api/v1/accounts/organizations"},
		{http.MethodGet, "/api/v1/security/allowed-operations?filter[service]=x"},
		{http.MethodPost, "/api/v1/registry/services"},
		{http.MethodDelete, "/api/v1/registry/services/svc-1"},
		{http.MethodPost, "/api/v1/registry/services/svc-1/harvest"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, withCSRF(httptest.NewRequest(tt.method, tt.path, nil)))
			assertErrorCode(t, w, http.StatusUnauthorized, model.ErrCodeUnauthorized)
		})
	}
}

func TestRouter_CSRFRequiredForUnsafeMethods(t *testing.T) {
	router := newTestRouter(t, &RouterDeps{})

	req := withSession(httptest.NewRequest(http.MethodPost, "/api/v1/registry/services", jsonAPIBody(t, "services", map[string]any{
		"url": "https://maps.example.com/wms",
	})))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assertErrorCode(t, w, http.StatusForbidden, "CSRF_VALIDATION_FAILED")
}

func TestRouter_AuthenticatedJobList(t *testing.T) {
	jobs := &mockJobService{
		listFn: func(ctx context.Context, filter model.JobFilter, page model.Page) ([]*model.HarvestingJob, int, error) {
			if id, _ := middleware.UserIDFromContext(ctx); id != "user-1" {
				t.Error("session user should be in context")
			}
			return nil, 0, nil
		},
	}
	router := newTestRouter(t, &RouterDeps{JobService: jobs})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, withSession(httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (body: %s)", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"data":[]`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestRouter_Login(t *testing.T) {
	router := newTestRouter(t, &RouterDeps{})

	req := withCSRF(httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", jsonAPIBody(t, "sessions", map[string]any{
		"username": "alice", "password": "wrong",
	})))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assertErrorCode(t, w, http.StatusUnauthorized, model.ErrCodeInvalidCredentials)
}

func TestRouter_ProxyMountedOutsideAPI(t *testing.T) {
	var gotID string
	proxy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = strings.TrimPrefix(r.URL.Path, "/ows/")
		w.WriteHeader(http.StatusTeapot)
	})
	router := newTestRouter(t, &RouterDeps{Proxy: proxy})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ows/svc-1?SERVICE=WMS&REQUEST=GetCapabilities", nil))

	if w.Code != http.StatusTeapot || gotID != "svc-1" {
		t.Errorf("status = %d, id = %q", w.Code, gotID)
	}
}

func TestRouter_NotificationsRequireSession(t *testing.T) {
	router := newTestRouter(t, &RouterDeps{NotificationHub: &fakeHub{served: make(chan string, 1)}})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/notifications", nil))
	assertErrorCode(t, w, http.StatusUnauthorized, model.ErrCodeUnauthorized)
}
