package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mrmap-community/mrmap-sub007/internal/middleware"
	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/ows"
	"github.com/mrmap-community/mrmap-sub007/internal/registry"
	"github.com/mrmap-community/mrmap-sub007/internal/repository"
)

// RegistryServiceInterface はサービスカタログのハンドラーが必要とするサービスインターフェース。
type RegistryServiceInterface interface {
	RegisterService(ctx context.Context, user *model.User, in registry.RegisterInput) (*model.Service, *model.HarvestingJob, error)
	GetService(ctx context.Context, id string) (*model.Service, error)
	ListServices(ctx context.Context, filter model.ServiceFilter, page model.Page, order model.Sort) ([]*model.Service, int, error)
	UpdateService(ctx context.Context, user *model.User, id string, in registry.UpdateInput) (*model.Service, error)
	DeleteService(ctx context.Context, user *model.User, id string) error
	Reharvest(ctx context.Context, user *model.User, serviceID string) (*model.HarvestingJob, error)
	ListLayers(ctx context.Context, serviceID string) ([]*model.Layer, error)
	GetLayer(ctx context.Context, id string) (*model.Layer, error)
	ListFeatureTypes(ctx context.Context, serviceID string) ([]*model.FeatureType, error)
	ListMetadataRecords(ctx context.Context, serviceID string) ([]*model.MetadataRecord, error)
	ListMonitoringResults(ctx context.Context, serviceID string, page model.Page) ([]*model.MonitoringResult, int, error)
}

// ServiceHandler はサービスカタログのHTTPハンドラー。
type ServiceHandler struct {
	service RegistryServiceInterface
	baseURL string
}

// NewServiceHandler はServiceHandlerを生成する。
// baseURLはサービスのプロキシURL（links.ows）の組み立てに使う。
func NewServiceHandler(service RegistryServiceInterface, baseURL string) *ServiceHandler {
	return &ServiceHandler{service: service, baseURL: baseURL}
}

// registerServiceAttributes はサービス登録リクエストの属性。
// service_typeとversionを省略した場合はURLから検出する。
type registerServiceAttributes struct {
	URL         string `json:"url" validate:"required,url,max=2048"`
	ServiceType string `json:"service_type" validate:"omitempty,oneof=WMS WFS CSW ATOM wms wfs csw atom"`
	Version     string `json:"version" validate:"omitempty,max=16"`
	IsSecured   bool   `json:"is_secured"`
}

// updateServiceAttributes はサービス設定変更の属性。省略した項目は変更しない。
type updateServiceAttributes struct {
	Active    *bool `json:"active"`
	IsSecured *bool `json:"is_secured"`
}

// RegisterService はサービスを登録し、初回ハーベストジョブを作成する。
// ハーベストは非同期のため202を返し、作成したジョブをincludedに含める。
// POST /api/v1/registry/services
func (h *ServiceHandler) RegisterService(w http.ResponseWriter, r *http.Request) {
	attrs, _, apiErr := decodeResource[registerServiceAttributes](w, r, typeServices)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	in := registry.RegisterInput{URL: attrs.URL, Version: attrs.Version, IsSecured: attrs.IsSecured}
	if attrs.ServiceType != "" {
		in.Type, _ = model.ParseServiceType(attrs.ServiceType)
	}

	svc, job, err := h.service.RegisterService(r.Context(), middleware.UserFromContext(r.Context()), in)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	w.Header().Set("Location", apiPrefix+"/registry/services/"+svc.ID)
	writeDocument(w, http.StatusAccepted, Document{
		Data:     serviceResource(svc, h.baseURL),
		Included: []Resource{jobResource(job)},
	})
}

// ListServices はサービス一覧を返す。
// GET /api/v1/registry/services?filter[type]=WMS&filter[status]=active&filter[search]=...&filter[bbox]=minx,miny,maxx,maxy&sort=-created_at
func (h *ServiceHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	page, apiErr := parsePage(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	filter, apiErr := parseServiceFilter(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	order, ok := model.ParseSort(r.URL.Query().Get("sort"), repository.ServiceSortFields()...)
	if !ok {
		writeAPIError(w, model.NewInvalidFilterError("sort"))
		return
	}

	services, total, err := h.service.ListServices(r.Context(), filter, page, order)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resources := make([]Resource, 0, len(services))
	for _, svc := range services {
		resources = append(resources, serviceResource(svc, h.baseURL))
	}
	writePage(w, r, resources, page, total)
}

// parseServiceFilter はサービス一覧のfilter[...]パラメータを解析する。
func parseServiceFilter(r *http.Request) (model.ServiceFilter, *model.APIError) {
	filter := model.ServiceFilter{
		Search:         filterParam(r, "search"),
		OrganizationID: filterParam(r, "organization"),
	}

	if v := filterParam(r, "type"); v != "" {
		st, ok := model.ParseServiceType(v)
		if !ok {
			return filter, model.NewInvalidFilterError("filter[type]")
		}
		filter.ServiceType = st
	}

	if v := filterParam(r, "status"); v != "" {
		switch status := model.ServiceStatus(v); status {
		case model.ServiceStatusPending, model.ServiceStatusActive, model.ServiceStatusInactive, model.ServiceStatusError:
			filter.Status = status
		default:
			return filter, model.NewInvalidFilterError("filter[status]")
		}
	}

	if v := filterParam(r, "bbox"); v != "" {
		b, _, err := ows.ParseBBox(v)
		if err != nil {
			return filter, model.NewInvalidFilterError("filter[bbox]")
		}
		filter.BBox = &model.BoundingBox{MinX: b.Min[0], MinY: b.Min[1], MaxX: b.Max[0], MaxY: b.Max[1]}
	}
	return filter, nil
}

// GetService はサービス詳細を返す。
// GET /api/v1/registry/services/{id}
func (h *ServiceHandler) GetService(w http.ResponseWriter, r *http.Request) {
	svc, err := h.service.GetService(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeResource(w, http.StatusOK, serviceResource(svc, h.baseURL))
}

// UpdateService はサービスの有効/無効とセキュリティ設定を変更する。
// PATCH /api/v1/registry/services/{id}
func (h *ServiceHandler) UpdateService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	attrs, docID, apiErr := decodeResource[updateServiceAttributes](w, r, typeServices)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	if docID != "" && docID != id {
		writeAPIError(w, model.NewValidationError("data.id がURLのIDと一致しません"))
		return
	}

	svc, err := h.service.UpdateService(r.Context(), middleware.UserFromContext(r.Context()), id, registry.UpdateInput{
		Active:    attrs.Active,
		IsSecured: attrs.IsSecured,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeResource(w, http.StatusOK, serviceResource(svc, h.baseURL))
}

// DeleteService はサービスと関連データを削除する。
// DELETE /api/v1/registry/services/{id}
func (h *ServiceHandler) DeleteService(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteService(r.Context(), middleware.UserFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reharvest は再ハーベストジョブを作成する。
// POST /api/v1/registry/services/{id}/harvest
func (h *ServiceHandler) Reharvest(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.Reharvest(r.Context(), middleware.UserFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	w.Header().Set("Location", apiPrefix+"/jobs/"+job.ID)
	writeResource(w, http.StatusAccepted, jobResource(job))
}

// ListLayers はサービスのレイヤをツリー順で返す。
// GET /api/v1/registry/services/{id}/layers
func (h *ServiceHandler) ListLayers(w http.ResponseWriter, r *http.Request) {
	layers, err := h.service.ListLayers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeCollection(w, resourcesOf(layers, layerResource))
}

// GetLayer はレイヤ詳細を返す。
// GET /api/v1/registry/layers/{id}
func (h *ServiceHandler) GetLayer(w http.ResponseWriter, r *http.Request) {
	layer, err := h.service.GetLayer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeResource(w, http.StatusOK, layerResource(layer))
}

// ListFeatureTypes はサービスのフィーチャタイプを返す。
// GET /api/v1/registry/services/{id}/feature-types
func (h *ServiceHandler) ListFeatureTypes(w http.ResponseWriter, r *http.Request) {
	fts, err := h.service.ListFeatureTypes(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeCollection(w, resourcesOf(fts, featureTypeResource))
}

// ListMetadataRecords はサービスのメタデータレコードを返す。
// GET /api/v1/registry/services/{id}/metadata-records
func (h *ServiceHandler) ListMetadataRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.service.ListMetadataRecords(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeCollection(w, resourcesOf(records, metadataRecordResource))
}

// ListMonitoringResults はサービスの死活監視結果を新しい順に返す。
// GET /api/v1/registry/services/{id}/monitoring-results
func (h *ServiceHandler) ListMonitoringResults(w http.ResponseWriter, r *http.Request) {
	page, apiErr := parsePage(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	results, total, err := h.service.ListMonitoringResults(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writePage(w, r, resourcesOf(results, monitoringResultResource), page, total)
}
