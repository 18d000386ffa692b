package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mrmap-community/mrmap-sub007/internal/accesscontrol"
	"github.com/mrmap-community/mrmap-sub007/internal/middleware"
	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

// AccessControlServiceInterface は許可設定ハンドラーが必要とするサービスインターフェース。
type AccessControlServiceInterface interface {
	Create(ctx context.Context, user *model.User, in accesscontrol.Input) (*model.AllowedOperation, error)
	Get(ctx context.Context, id string) (*model.AllowedOperation, error)
	List(ctx context.Context, serviceID string) ([]*model.AllowedOperation, error)
	Update(ctx context.Context, user *model.User, id string, p accesscontrol.Patch) (*model.AllowedOperation, error)
	Delete(ctx context.Context, user *model.User, id string) error
}

// SecurityHandler はセキュアなサービスの許可設定を扱うHTTPハンドラー。
type SecurityHandler struct {
	service AccessControlServiceInterface
}

// NewSecurityHandler はSecurityHandlerを生成する。
func NewSecurityHandler(service AccessControlServiceInterface) *SecurityHandler {
	return &SecurityHandler{service: service}
}

// createAllowedOperationAttributes は許可設定作成の属性。
// allowed_areaはEPSG:4326のWKT（POLYGON/MULTIPOLYGON）。
type createAllowedOperationAttributes struct {
	ServiceID        string   `json:"service_id" validate:"required,uuid"`
	Description      string   `json:"description" validate:"max=2000"`
	Operations       []string `json:"operations" validate:"required,min=1,dive,required"`
	GroupIDs         []string `json:"group_ids" validate:"required,min=1,dive,uuid"`
	LayerIdentifiers []string `json:"layer_identifiers" validate:"dive,required"`
	AllowedArea      string   `json:"allowed_area"`
}

// updateAllowedOperationAttributes は部分更新の属性。省略した項目は変更しない。
type updateAllowedOperationAttributes struct {
	Description      *string   `json:"description" validate:"omitempty,max=2000"`
	Operations       *[]string `json:"operations" validate:"omitempty,min=1,dive,required"`
	GroupIDs         *[]string `json:"group_ids" validate:"omitempty,min=1,dive,uuid"`
	LayerIdentifiers *[]string `json:"layer_identifiers" validate:"omitempty,dive,required"`
	AllowedArea      *string   `json:"allowed_area"`
}

// Create は許可設定を作成する。
// POST /api/v1/security/allowed-operations
func (h *SecurityHandler) Create(w http.ResponseWriter, r *http.Request) {
	attrs, _, apiErr := decodeResource[createAllowedOperationAttributes](w, r, typeAllowedOperations)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	op, err := h.service.Create(r.Context(), middleware.UserFromContext(r.Context()), accesscontrol.Input{
		ServiceID:        attrs.ServiceID,
		Description:      attrs.Description,
		Operations:       attrs.Operations,
		GroupIDs:         attrs.GroupIDs,
		LayerIdentifiers: attrs.LayerIdentifiers,
		AllowedArea:      attrs.AllowedArea,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeResource(w, http.StatusCreated, allowedOperationResource(op))
}

// List はサービスの許可設定一覧を返す。filter[service]は必須。
// GET /api/v1/security/allowed-operations?filter[service]={id}
func (h *SecurityHandler) List(w http.ResponseWriter, r *http.Request) {
	serviceID := filterParam(r, "service")
	if serviceID == "" {
		writeAPIError(w, model.NewInvalidFilterError("filter[service]"))
		return
	}
	ops, err := h.service.List(r.Context(), serviceID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeCollection(w, resourcesOf(ops, allowedOperationResource))
}

// Get は許可設定を返す。
// GET /api/v1/security/allowed-operations/{id}
func (h *SecurityHandler) Get(w http.ResponseWriter, r *http.Request) {
	op, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeResource(w, http.StatusOK, allowedOperationResource(op))
}

// Update は許可設定を部分更新する。
// PATCH /api/v1/security/allowed-operations/{id}
func (h *SecurityHandler) Update(w http.ResponseWriter, r *http.Request) {
	attrs, _, apiErr := decodeResource[updateAllowedOperationAttributes](w, r, typeAllowedOperations)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	patch := accesscontrol.Patch{
		Description: attrs.Description,
		AllowedArea: attrs.AllowedArea,
	}
	if attrs.Operations != nil {
		patch.Operations = *attrs.Operations
	}
	if attrs.GroupIDs != nil {
		patch.GroupIDs = *attrs.GroupIDs
	}
	if attrs.LayerIdentifiers != nil {
		// 空配列はレイヤ制限の解除
		patch.LayerIdentifiers = append([]string{}, *attrs.LayerIdentifiers...)
	}

	op, err := h.service.Update(r.Context(), middleware.UserFromContext(r.Context()), chi.URLParam(r, "id"), patch)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeResource(w, http.StatusOK, allowedOperationResource(op))
}

// Delete は許可設定を削除する。
// DELETE /api/v1/security/allowed-operations/{id}
func (h *SecurityHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), middleware.UserFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
