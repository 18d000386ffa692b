package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/mrmap-community/mrmap-sub007/internal/accesscontrol"
	"github.com/mrmap-community/mrmap-sub007/internal/accounts"
	"github.com/mrmap-community/mrmap-sub007/internal/auth"
	"github.com/mrmap-community/mrmap-sub007/internal/middleware"
	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/registry"
)

// --- モック定義 ---

type mockAuthService struct {
	loginFn  func(ctx context.Context, username, password string) (*auth.LoginResult, error)
	logoutFn func(ctx context.Context, token string) error
	meFn     func(ctx context.Context, token string) (*model.User, error)
}

func (m *mockAuthService) Login(ctx context.Context, username, password string) (*auth.LoginResult, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, username, password)
	}
	return nil, model.NewInvalidCredentialsError()
}

func (m *mockAuthService) Logout(ctx context.Context, token string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, token)
	}
	return nil
}

func (m *mockAuthService) CurrentUser(ctx context.Context, token string) (*model.User, error) {
	if m.meFn != nil {
		return m.meFn(ctx, token)
	}
	return nil, model.NewUnauthorizedError()
}

// mockRegistryService は必要なメソッドだけを差し替える部分モック。
// 未設定のメソッドを呼ぶと埋め込みインターフェースがnilのためpanicする。
type mockRegistryService struct {
	RegistryServiceInterface
	registerFn        func(ctx context.Context, user *model.User, in registry.RegisterInput) (*model.Service, *model.HarvestingJob, error)
	getFn             func(ctx context.Context, id string) (*model.Service, error)
	listFn            func(ctx context.Context, filter model.ServiceFilter, page model.Page, order model.Sort) ([]*model.Service, int, error)
	updateFn          func(ctx context.Context, user *model.User, id string, in registry.UpdateInput) (*model.Service, error)
	deleteFn          func(ctx context.Context, user *model.User, id string) error
	reharvestFn       func(ctx context.Context, user *model.User, id string) (*model.HarvestingJob, error)
	listLayersFn      func(ctx context.Context, serviceID string) ([]*model.Layer, error)
	getLayerFn        func(ctx context.Context, id string) (*model.Layer, error)
	listMonitoringFn  func(ctx context.Context, serviceID string, page model.Page) ([]*model.MonitoringResult, int, error)
	listFeatureTypeFn func(ctx context.Context, serviceID string) ([]*model.FeatureType, error)
}

func (m *mockRegistryService) RegisterService(ctx context.Context, user *model.User, in registry.RegisterInput) (*model.Service, *model.HarvestingJob, error) {
	return m.registerFn(ctx, user, in)
}

func (m *mockRegistryService) GetService(ctx context.Context, id string) (*model.Service, error) {
	return m.getFn(ctx, id)
}

func (m *mockRegistryService) ListServices(ctx context.Context, filter model.ServiceFilter, page model.Page, order model.Sort) ([]*model.Service, int, error) {
	return m.listFn(ctx, filter, page, order)
}

func (m *mockRegistryService) UpdateService(ctx context.Context, user *model.User, id string, in registry.UpdateInput) (*model.Service, error) {
	return m.updateFn(ctx, user, id, in)
}

func (m *mockRegistryService) DeleteService(ctx context.Context, user *model.User, id string) error {
	return m.deleteFn(ctx, user, id)
}

func (m *mockRegistryService) Reharvest(ctx context.Context, user *model.User, id string) (*model.HarvestingJob, error) {
	return m.reharvestFn(ctx, user, id)
}

func (m *mockRegistryService) ListLayers(ctx context.Context, serviceID string) ([]*model.Layer, error) {
	return m.listLayersFn(ctx, serviceID)
}

func (m *mockRegistryService) GetLayer(ctx context.Context, id string) (*model.Layer, error) {
	return m.getLayerFn(ctx, id)
}

func (m *mockRegistryService) ListFeatureTypes(ctx context.Context, serviceID string) ([]*model.FeatureType, error) {
	return m.listFeatureTypeFn(ctx, serviceID)
}

func (m *mockRegistryService) ListMonitoringResults(ctx context.Context, serviceID string, page model.Page) ([]*model.MonitoringResult, int, error) {
	return m.listMonitoringFn(ctx, serviceID, page)
}

type mockJobService struct {
	JobServiceInterface
	listFn   func(ctx context.Context, filter model.JobFilter, page model.Page) ([]*model.HarvestingJob, int, error)
	getFn    func(ctx context.Context, id string) (*model.HarvestingJob, error)
	logsFn   func(ctx context.Context, jobID string) ([]*model.JobLog, error)
	cancelFn func(ctx context.Context, user *model.User, id string) (*model.HarvestingJob, error)
}

func (m *mockJobService) ListJobs(ctx context.Context, filter model.JobFilter, page model.Page) ([]*model.HarvestingJob, int, error) {
	return m.listFn(ctx, filter, page)
}

func (m *mockJobService) GetJob(ctx context.Context, id string) (*model.HarvestingJob, error) {
	return m.getFn(ctx, id)
}

func (m *mockJobService) ListLogs(ctx context.Context, jobID string) ([]*model.JobLog, error) {
	return m.logsFn(ctx, jobID)
}

func (m *mockJobService) CancelJob(ctx context.Context, user *model.User, id string) (*model.HarvestingJob, error) {
	return m.cancelFn(ctx, user, id)
}

type mockAccountService struct {
	AccountServiceInterface
	createOrgFn    func(ctx context.Context, actor *model.User, name, description string) (*model.Organization, error)
	listOrgsFn     func(ctx context.Context, page model.Page) ([]*model.Organization, int, error)
	createGroupFn  func(ctx context.Context, actor *model.User, in accounts.CreateGroupInput) (*model.Group, error)
	listGroupsFn   func(ctx context.Context, organizationID string, page model.Page) ([]*model.Group, int, error)
	addMemberFn    func(ctx context.Context, actor *model.User, groupID, userID string) (*model.Group, error)
	removeMemberFn func(ctx context.Context, actor *model.User, groupID, userID string) error
	createUserFn   func(ctx context.Context, actor *model.User, in accounts.CreateUserInput) (*model.User, error)
	deleteUserFn   func(ctx context.Context, actor *model.User, id string) error
}

func (m *mockAccountService) CreateOrganization(ctx context.Context, actor *model.User, name, description string) (*model.Organization, error) {
	return m.createOrgFn(ctx, actor, name, description)
}

func (m *mockAccountService) ListOrganizations(ctx context.Context, page model.Page) ([]*model.Organization, int, error) {
	return m.listOrgsFn(ctx, page)
}

func (m *mockAccountService) CreateGroup(ctx context.Context, actor *model.User, in accounts.CreateGroupInput) (*model.Group, error) {
	return m.createGroupFn(ctx, actor, in)
}

func (m *mockAccountService) ListGroups(ctx context.Context, organizationID string, page model.Page) ([]*model.Group, int, error) {
	return m.listGroupsFn(ctx, organizationID, page)
}

func (m *mockAccountService) AddMember(ctx context.Context, actor *model.User, groupID, userID string) (*model.Group, error) {
	return m.addMemberFn(ctx, actor, groupID, userID)
}

func (m *mockAccountService) RemoveMember(ctx context.Context, actor *model.User, groupID, userID string) error {
	return m.removeMemberFn(ctx, actor, groupID, userID)
}

func (m *mockAccountService) CreateUser(ctx context.Context, actor *model.User, in accounts.CreateUserInput) (*model.User, error) {
	return m.createUserFn(ctx, actor, in)
}

func (m *mockAccountService) DeleteUser(ctx context.Context, actor *model.User, id string) error {
	return m.deleteUserFn(ctx, actor, id)
}

type mockAccessControlService struct {
	AccessControlServiceInterface
	createFn func(ctx context.Context, user *model.User, in accesscontrol.Input) (*model.AllowedOperation, error)
	listFn   func(ctx context.Context, serviceID string) ([]*model.AllowedOperation, error)
	updateFn func(ctx context.Context, user *model.User, id string, p accesscontrol.Patch) (*model.AllowedOperation, error)
}

func (m *mockAccessControlService) Create(ctx context.Context, user *model.User, in accesscontrol.Input) (*model.AllowedOperation, error) {
	return m.createFn(ctx, user, in)
}

func (m *mockAccessControlService) List(ctx context.Context, serviceID string) ([]*model.AllowedOperation, error) {
	return m.listFn(ctx, serviceID)
}

func (m *mockAccessControlService) Update(ctx context.Context, user *model.User, id string, p accesscontrol.Patch) (*model.AllowedOperation, error) {
	return m.updateFn(ctx, user, id, p)
}

// mockUserResolver はセッショントークンとユーザーの対応表。
type mockUserResolver struct {
	users map[string]*model.User
}

func (m *mockUserResolver) ResolveSession(_ context.Context, token string) (*model.User, error) {
	return m.users[token], nil
}

// --- テストヘルパー ---

// jsonAPIBody はJSON:APIのリクエストボディを組み立てる。
func jsonAPIBody(t *testing.T, resourceType string, attrs map[string]any) *strings.Reader {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"data": map[string]any{"type": resourceType, "attributes": attrs},
	})
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	return strings.NewReader(string(b))
}

// withUser はリクエストに認証済みユーザーを注入する。
func withUser(req *http.Request, user *model.User) *http.Request {
	return req.WithContext(middleware.ContextWithUser(req.Context(), user))
}

// withURLParams はchiのURLパラメータを設定する。引数はキーと値の組。
func withURLParams(req *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// testDocument はレスポンスのJSON:APIドキュメントを緩く受け取る。
type testDocument struct {
	Data     json.RawMessage          `json:"data"`
	Included []Resource               `json:"included"`
	Meta     map[string]any           `json:"meta"`
	Links    map[string]string        `json:"links"`
	Errors   []middleware.ErrorObject `json:"errors"`
}

// testResource はレスポンス中のリソースオブジェクト。
type testResource struct {
	Type          string                     `json:"type"`
	ID            string                     `json:"id"`
	Attributes    map[string]any             `json:"attributes"`
	Relationships map[string]json.RawMessage `json:"relationships"`
	Links         map[string]string          `json:"links"`
}

func decodeDocument(t *testing.T, w *httptest.ResponseRecorder) testDocument {
	t.Helper()
	var doc testDocument
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return doc
}

// dataResource はdataを単一リソースとして読む。
func (d testDocument) dataResource(t *testing.T) testResource {
	t.Helper()
	var res testResource
	if err := json.Unmarshal(d.Data, &res); err != nil {
		t.Fatalf("failed to decode data: %v", err)
	}
	return res
}

// dataCollection はdataをリソース配列として読む。
func (d testDocument) dataCollection(t *testing.T) []map[string]any {
	t.Helper()
	var res []map[string]any
	if err := json.Unmarshal(d.Data, &res); err != nil {
		t.Fatalf("failed to decode data array: %v", err)
	}
	return res
}

func assertErrorCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("status = %d, want %d (body: %s)", w.Code, status, w.Body.String())
		return
	}
	doc := decodeDocument(t, w)
	if len(doc.Errors) != 1 || doc.Errors[0].Code != code {
		t.Errorf("errors = %+v, want code %s", doc.Errors, code)
	}
}
