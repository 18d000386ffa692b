package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mrmap-community/mrmap-sub007/internal/middleware"
	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

// JobServiceInterface はジョブハンドラーが必要とするサービスインターフェース。
type JobServiceInterface interface {
	ListJobs(ctx context.Context, filter model.JobFilter, page model.Page) ([]*model.HarvestingJob, int, error)
	GetJob(ctx context.Context, id string) (*model.HarvestingJob, error)
	ListLogs(ctx context.Context, jobID string) ([]*model.JobLog, error)
	CancelJob(ctx context.Context, user *model.User, id string) (*model.HarvestingJob, error)
}

// JobHandler はハーベストジョブのHTTPハンドラー。
type JobHandler struct {
	service JobServiceInterface
}

// NewJobHandler はJobHandlerを生成する。
func NewJobHandler(service JobServiceInterface) *JobHandler {
	return &JobHandler{service: service}
}

// ListJobs はジョブ一覧を新しい順に返す。
// GET /api/v1/jobs?filter[status]=running&filter[service]={id}
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	page, apiErr := parsePage(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	filter := model.JobFilter{ServiceID: filterParam(r, "service")}
	if v := filterParam(r, "status"); v != "" {
		switch status := model.JobStatus(v); status {
		case model.JobStatusPending, model.JobStatusRunning, model.JobStatusSucceeded,
			model.JobStatusFailed, model.JobStatusCanceled:
			filter.Status = status
		default:
			writeAPIError(w, model.NewInvalidFilterError("filter[status]"))
			return
		}
	}

	jobs, total, err := h.service.ListJobs(r.Context(), filter, page)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writePage(w, r, resourcesOf(jobs, jobResource), page, total)
}

// GetJob はジョブ詳細を返す。
// GET /api/v1/jobs/{id}
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeResource(w, http.StatusOK, jobResource(job))
}

// ListLogs はジョブのログを古い順に返す。
// GET /api/v1/jobs/{id}/logs
func (h *JobHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.service.ListLogs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeCollection(w, resourcesOf(logs, jobLogResource))
}

// CancelJob は実行待ちのジョブを取り消す。
// POST /api/v1/jobs/{id}/cancel
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.CancelJob(r.Context(), middleware.UserFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeResource(w, http.StatusOK, jobResource(job))
}
