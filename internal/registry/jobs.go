package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/notify"
	"github.com/mrmap-community/mrmap-sub007/internal/repository"
)

// JobService はハーベストジョブの参照と取り消しを提供する。
type JobService struct {
	jobRepo     repository.JobRepository
	serviceRepo repository.ServiceRepository
	publisher   notify.Publisher
}

// NewJobService はJobServiceを生成する。
func NewJobService(jobRepo repository.JobRepository, serviceRepo repository.ServiceRepository, publisher notify.Publisher) *JobService {
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	return &JobService{jobRepo: jobRepo, serviceRepo: serviceRepo, publisher: publisher}
}

// ListJobs はジョブ一覧と総件数を新しい順に返す。
func (s *JobService) ListJobs(ctx context.Context, filter model.JobFilter, page model.Page) ([]*model.HarvestingJob, int, error) {
	jobs, total, err := s.jobRepo.List(ctx, filter, page)
	if err != nil {
		return nil, 0, fmt.Errorf("ジョブ一覧の取得に失敗しました: %w", err)
	}
	return jobs, total, nil
}

// GetJob はジョブを取得する。見つからない場合はJOB_NOT_FOUNDを返す。
func (s *JobService) GetJob(ctx context.Context, id string) (*model.HarvestingJob, error) {
	job, err := s.jobRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ジョブの取得に失敗しました: %w", err)
	}
	if job == nil {
		return nil, model.NewJobNotFoundError(id)
	}
	return job, nil
}

// ListLogs はジョブのログを古い順に返す。
func (s *JobService) ListLogs(ctx context.Context, jobID string) ([]*model.JobLog, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	logs, err := s.jobRepo.ListLogs(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("ジョブログの取得に失敗しました: %w", err)
	}
	return logs, nil
}

// CancelJob は実行待ちのジョブを取り消す。
// 実行中・終了済みのジョブはJOB_NOT_CANCELABLEを返す。
func (s *JobService) CancelJob(ctx context.Context, user *model.User, id string) (*model.HarvestingJob, error) {
	if user == nil {
		return nil, model.NewUnauthorizedError()
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	svc, err := s.serviceRepo.FindByID(ctx, job.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("サービスの取得に失敗しました: %w", err)
	}
	owner := ""
	if svc != nil {
		owner = svc.OwnerOrganizationID
	}
	if !user.CanManage(owner) {
		return nil, model.NewForbiddenError()
	}

	if job.Status != model.JobStatusPending {
		return nil, model.NewJobNotCancelableError(job.Status)
	}
	canceled, err := s.jobRepo.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canceled {
		// 取得後にワーカーが確保した
		current, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, model.NewJobNotCancelableError(current.Status)
	}

	if err := s.jobRepo.AppendLog(ctx, &model.JobLog{
		JobID:     id,
		Level:     model.LogLevelWarning,
		Message:   fmt.Sprintf("ジョブは %s により取り消されました", user.Username),
		CreatedAt: time.Now(),
	}); err != nil {
		slog.Warn("failed to append job log", slog.String("job_id", id), slog.String("error", err.Error()))
	}

	job.Status = model.JobStatusCanceled
	now := time.Now()
	job.FinishedAt = &now
	if err := s.publisher.Publish(ctx, notify.Event{Type: notify.EventJobFinished, Resource: "harvesting-jobs", ID: id, Status: string(job.Status)}); err != nil {
		slog.Warn("failed to publish event", slog.String("job_id", id), slog.String("error", err.Error()))
	}
	return job, nil
}
