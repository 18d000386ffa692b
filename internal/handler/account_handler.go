package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mrmap-community/mrmap-sub007/internal/accounts"
	"github.com/mrmap-community/mrmap-sub007/internal/middleware"
	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

// AccountServiceInterface はアカウント管理ハンドラーが必要とするサービスインターフェース。
type AccountServiceInterface interface {
	CreateOrganization(ctx context.Context, actor *model.User, name, description string) (*model.Organization, error)
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)
	ListOrganizations(ctx context.Context, page model.Page) ([]*model.Organization, int, error)
	DeleteOrganization(ctx context.Context, actor *model.User, id string) error

	CreateGroup(ctx context.Context, actor *model.User, in accounts.CreateGroupInput) (*model.Group, error)
	GetGroup(ctx context.Context, id string) (*model.Group, error)
	ListGroups(ctx context.Context, organizationID string, page model.Page) ([]*model.Group, int, error)
	DeleteGroup(ctx context.Context, actor *model.User, id string) error
	AddMember(ctx context.Context, actor *model.User, groupID, userID string) (*model.Group, error)
	RemoveMember(ctx context.Context, actor *model.User, groupID, userID string) error

	CreateUser(ctx context.Context, actor *model.User, in accounts.CreateUserInput) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	ListUsers(ctx context.Context, page model.Page) ([]*model.User, int, error)
	DeleteUser(ctx context.Context, actor *model.User, id string) error
}

// AccountHandler は組織・グループ・ユーザー管理のHTTPハンドラー。
type AccountHandler struct {
	service AccountServiceInterface
}

// NewAccountHandler はAccountHandlerを生成する。
func NewAccountHandler(service AccountServiceInterface) *AccountHandler {
	return &AccountHandler{service: service}
}

type createOrganizationAttributes struct {
	Name        string `json:"name" validate:"required,max=255"`
	Description string `json:"description" validate:"max=2000"`
}

type createGroupAttributes struct {
	OrganizationID string `json:"organization_id" validate:"required,uuid"`
	Name           string `json:"name" validate:"required,max=255"`
	Description    string `json:"description" validate:"max=2000"`
}

type createUserAttributes struct {
	Username       string `json:"username" validate:"required,max=150"`
	Email          string `json:"email" validate:"omitempty,email"`
	Password       string `json:"password" validate:"required,min=8,max=128"`
	IsSuperuser    bool   `json:"is_superuser"`
	OrganizationID string `json:"organization_id" validate:"omitempty,uuid"`
}

// --- 組織 ---

// CreateOrganization は組織を作成する。
// POST /api/v1/accounts/organizations
func (h *AccountHandler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	attrs, _, apiErr := decodeResource[createOrganizationAttributes](w, r, typeOrganizations)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	org, err := h.service.CreateOrganization(r.Context(), middleware.UserFromContext(r.Context()), attrs.Name, attrs.Description)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeResource(w, http.StatusCreated, organizationResource(org))
}

// ListOrganizations は組織一覧を返す。
// GET /api/v1/accounts/organizations
func (h *AccountHandler) ListOrganizations(w http.ResponseWriter, r *http.Request) {
	page, apiErr := parsePage(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	orgs, total, err := h.service.ListOrganizations(r.Context(), page)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writePage(w, r, resourcesOf(orgs, organizationResource), page, total)
}

// GetOrganization は組織を返す。
// GET /api/v1/accounts/organizations/{id}
func (h *AccountHandler) GetOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := h.service.GetOrganization(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeResource(w, http.StatusOK, organizationResource(org))
}

// DeleteOrganization は組織を削除する。
// DELETE /api/v1/accounts/organizations/{id}
func (h *AccountHandler) DeleteOrganization(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteOrganization(r.Context(), middleware.UserFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- グループ ---

// CreateGroup はグループを作成する。
// POST /api/v1/accounts/groups
func (h *AccountHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	attrs, _, apiErr := decodeResource[createGroupAttributes](w, r, typeGroups)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	group, err := h.service.CreateGroup(r.Context(), middleware.UserFromContext(r.Context()), accounts.CreateGroupInput{
		OrganizationID: attrs.OrganizationID,
		Name:           attrs.Name,
		Description:    attrs.Description,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeResource(w, http.StatusCreated, groupResource(group))
}

// ListGroups はグループ一覧を返す。filter[organization]で絞り込める。
// GET /api/v1/accounts/groups
func (h *AccountHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	page, apiErr := parsePage(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	groups, total, err := h.service.ListGroups(r.Context(), filterParam(r, "organization"), page)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writePage(w, r, resourcesOf(groups, groupResource), page, total)
}

// GetGroup はグループを返す。
// GET /api/v1/accounts/groups/{id}
func (h *AccountHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := h.service.GetGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeResource(w, http.StatusOK, groupResource(group))
}

// DeleteGroup はグループを削除する。
// DELETE /api/v1/accounts/groups/{id}
func (h *AccountHandler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteGroup(r.Context(), middleware.UserFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddMember はユーザーをグループに追加する。ボディは {"data": {"type": "users", "id": "..."}}。
// POST /api/v1/accounts/groups/{id}/members
func (h *AccountHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	_, userID, apiErr := decodeResource[struct{}](w, r, typeUsers)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	if userID == "" {
		writeAPIError(w, model.NewValidationError("data.id (required)"))
		return
	}
	group, err := h.service.AddMember(r.Context(), middleware.UserFromContext(r.Context()), chi.URLParam(r, "id"), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeResource(w, http.StatusOK, groupResource(group))
}

// RemoveMember はユーザーをグループから外す。
// DELETE /api/v1/accounts/groups/{id}/members/{userID}
func (h *AccountHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	err := h.service.RemoveMember(r.Context(), middleware.UserFromContext(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "userID"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- ユーザー ---

// CreateUser はユーザーを作成する。
// POST /api/v1/accounts/users
func (h *AccountHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	attrs, _, apiErr := decodeResource[createUserAttributes](w, r, typeUsers)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	user, err := h.service.CreateUser(r.Context(), middleware.UserFromContext(r.Context()), accounts.CreateUserInput{
		Username:       attrs.Username,
		Email:          attrs.Email,
		Password:       attrs.Password,
		IsSuperuser:    attrs.IsSuperuser,
		OrganizationID: attrs.OrganizationID,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeResource(w, http.StatusCreated, userResource(user))
}

// ListUsers はユーザー一覧を返す。
// GET /api/v1/accounts/users
func (h *AccountHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	page, apiErr := parsePage(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	users, total, err := h.service.ListUsers(r.Context(), page)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writePage(w, r, resourcesOf(users, userResource), page, total)
}

// GetUser はユーザーを返す。
// GET /api/v1/accounts/users/{id}
func (h *AccountHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeResource(w, http.StatusOK, userResource(user))
}

// DeleteUser はユーザーを削除する。自分自身は削除できない。
// DELETE /api/v1/accounts/users/{id}
func (h *AccountHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteUser(r.Context(), middleware.UserFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
