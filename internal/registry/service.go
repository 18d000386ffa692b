// Package registry はOGCサービスの登録・参照・管理のドメインロジックを提供する。
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/notify"
	"github.com/mrmap-community/mrmap-sub007/internal/ows"
	"github.com/mrmap-community/mrmap-sub007/internal/repository"
)

const userAgent = "MrMap/1.0 (+https://github.com/mrmap-community/mrmap)"

// DefaultMaxAttempts はハーベストジョブの既定リトライ上限。
const DefaultMaxAttempts = 5

// Detector はケーパビリティ検出のインターフェース。
// テスタビリティのためCapabilitiesDetectorを抽象化する。
type Detector interface {
	Detect(ctx context.Context, inputURL string) (*Detection, error)
}

// URLValidator は登録URLのSSRF事前検証。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Repositories はServiceが使うリポジトリの組。
type Repositories struct {
	Services     repository.ServiceRepository
	Layers       repository.LayerRepository
	FeatureTypes repository.FeatureTypeRepository
	Metadata     repository.MetadataRecordRepository
	Monitoring   repository.MonitoringRepository
	Jobs         repository.JobRepository
}

// RegisterInput はサービス登録の入力。TypeとVersionは省略可能。
type RegisterInput struct {
	URL       string
	Type      model.ServiceType
	Version   string
	IsSecured bool
}

// UpdateInput はサービス設定の変更。nilの項目は変更しない。
type UpdateInput struct {
	Active    *bool
	IsSecured *bool
}

// Service はサービスカタログのサービス層。
// URL検証 → 検出 → 正規化 → 重複チェック → サービスとジョブの作成 の流れを統括する。
type Service struct {
	repos       Repositories
	detector    Detector
	validator   URLValidator
	publisher   notify.Publisher
	maxAttempts int
}

// NewService はServiceを生成する。maxAttemptsが0以下の場合は既定値を使う。
func NewService(repos Repositories, detector Detector, validator URLValidator, publisher notify.Publisher, maxAttempts int) *Service {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if publisher == nil {
		publisher = notify.NopPublisher{}
	}
	return &Service{
		repos:       repos,
		detector:    detector,
		validator:   validator,
		publisher:   publisher,
		maxAttempts: maxAttempts,
	}
}

// RegisterService はURLからサービスを登録し、初回ハーベストジョブを作成する。
// REQUESTパラメータを含まないURLは検出器でケーパビリティ文書を探す。
func (s *Service) RegisterService(ctx context.Context, user *model.User, in RegisterInput) (*model.Service, *model.HarvestingJob, error) {
	if user == nil {
		return nil, nil, model.NewUnauthorizedError()
	}
	if !user.IsSuperuser && user.OrganizationID == "" {
		return nil, nil, model.NewNoOrganizationError()
	}

	rawURL := strings.TrimSpace(in.URL)
	u, err := url.Parse(rawURL)
	if err != nil || rawURL == "" {
		return nil, nil, model.NewInvalidURLError("URLを解析できません")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, nil, model.NewInvalidURLError(fmt.Sprintf("未対応のスキームです: %q", u.Scheme))
	}
	if err := s.validator.ValidateURL(rawURL); err != nil {
		return nil, nil, model.NewSSRFBlockedError()
	}

	serviceType, version := in.Type, in.Version
	q := u.Query()
	if ows.Param(q, "REQUEST") == "" && serviceType != model.ServiceTypeATOM {
		det, err := s.detector.Detect(ctx, rawURL)
		if err != nil {
			return nil, nil, err
		}
		if serviceType != "" && serviceType != det.ServiceType {
			return nil, nil, model.NewValidationError(
				fmt.Sprintf("指定された種別 %s と検出された種別 %s が一致しません", serviceType, det.ServiceType))
		}
		rawURL, serviceType = det.URL, det.ServiceType
		if version == "" {
			version = det.Version
		}
		q = nil
		if pu, err := url.Parse(rawURL); err == nil {
			q = pu.Query()
		}
	}
	if serviceType == "" {
		st, ok := model.ParseServiceType(ows.Param(q, "SERVICE"))
		if !ok {
			return nil, nil, model.NewValidationError("サービス種別（WMS, WFS, CSW, ATOM）を判別できません")
		}
		serviceType = st
	}
	if version == "" {
		version = ows.Param(q, "VERSION")
	}

	capURL, err := ows.CapabilitiesURL(rawURL, serviceType, version)
	if err != nil {
		return nil, nil, model.NewInvalidURLError(err.Error())
	}

	existing, err := s.repos.Services.FindByCapabilitiesURL(ctx, capURL)
	if err != nil {
		return nil, nil, fmt.Errorf("サービスの検索に失敗しました: %w", err)
	}
	if existing != nil {
		return nil, nil, model.NewDuplicateServiceError()
	}

	now := time.Now()
	svc := &model.Service{
		ID:                  uuid.New().String(),
		ServiceType:         serviceType,
		Version:             version,
		CapabilitiesURL:     capURL,
		Status:              model.ServiceStatusPending,
		IsSecured:           in.IsSecured,
		OwnerOrganizationID: user.OrganizationID,
		RegisteredBy:        user.ID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	job := s.newJob(svc.ID, user.ID, now)

	if err := s.repos.Services.CreateWithJob(ctx, svc, job); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, nil, model.NewDuplicateServiceError()
		}
		return nil, nil, fmt.Errorf("サービスの保存に失敗しました: %w", err)
	}

	slog.Info("service registered",
		slog.String("service_id", svc.ID),
		slog.String("service_type", string(svc.ServiceType)),
		slog.String("url", svc.CapabilitiesURL),
		slog.String("user_id", user.ID),
	)
	s.publish(ctx, notify.Event{Type: notify.EventServiceRegistered, Resource: "services", ID: svc.ID, Status: string(svc.Status)})
	s.publish(ctx, notify.Event{Type: notify.EventJobCreated, Resource: "harvesting-jobs", ID: job.ID, Status: string(job.Status)})
	return svc, job, nil
}

// GetService はサービスを取得する。見つからない場合はSERVICE_NOT_FOUNDを返す。
func (s *Service) GetService(ctx context.Context, id string) (*model.Service, error) {
	svc, err := s.repos.Services.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("サービスの取得に失敗しました: %w", err)
	}
	if svc == nil {
		return nil, model.NewServiceNotFoundError(id)
	}
	return svc, nil
}

// ListServices はフィルタ・ページ・並び順を指定してサービス一覧と総件数を返す。
func (s *Service) ListServices(ctx context.Context, filter model.ServiceFilter, page model.Page, order model.Sort) ([]*model.Service, int, error) {
	services, total, err := s.repos.Services.List(ctx, filter, page, order)
	if err != nil {
		return nil, 0, fmt.Errorf("サービス一覧の取得に失敗しました: %w", err)
	}
	return services, total, nil
}

// UpdateService は有効/無効とセキュリティ設定を変更する。
// 未ハーベストのサービスを有効化した場合はpendingに戻す。
func (s *Service) UpdateService(ctx context.Context, user *model.User, id string, in UpdateInput) (*model.Service, error) {
	svc, err := s.manageable(ctx, user, id)
	if err != nil {
		return nil, err
	}

	status := svc.Status
	if in.Active != nil {
		switch {
		case !*in.Active:
			status = model.ServiceStatusInactive
		case svc.Status == model.ServiceStatusInactive && svc.LastHarvestedAt != nil:
			status = model.ServiceStatusActive
		case svc.Status == model.ServiceStatusInactive:
			status = model.ServiceStatusPending
		}
	}
	secured := svc.IsSecured
	if in.IsSecured != nil {
		secured = *in.IsSecured
	}

	if err := s.repos.Services.UpdateSettings(ctx, id, status, secured); err != nil {
		return nil, fmt.Errorf("サービスの更新に失敗しました: %w", err)
	}
	svc.Status = status
	svc.IsSecured = secured
	svc.UpdatedAt = time.Now()

	s.publish(ctx, notify.Event{Type: notify.EventServiceUpdated, Resource: "services", ID: svc.ID, Status: string(status)})
	return svc, nil
}

// DeleteService はサービスと関連データを削除する。
func (s *Service) DeleteService(ctx context.Context, user *model.User, id string) error {
	if _, err := s.manageable(ctx, user, id); err != nil {
		return err
	}
	if err := s.repos.Services.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("サービスの削除に失敗しました: %w", err)
	}
	slog.Info("service deleted", slog.String("service_id", id), slog.String("user_id", user.ID))
	s.publish(ctx, notify.Event{Type: notify.EventServiceDeleted, Resource: "services", ID: id})
	return nil
}

// Reharvest はサービスの再ハーベストジョブを作成する。
// 実行待ち・実行中のジョブがある場合はJOB_ALREADY_RUNNINGを返す。
func (s *Service) Reharvest(ctx context.Context, user *model.User, serviceID string) (*model.HarvestingJob, error) {
	if _, err := s.manageable(ctx, user, serviceID); err != nil {
		return nil, err
	}

	job := s.newJob(serviceID, user.ID, time.Now())
	if err := s.repos.Jobs.Create(ctx, job); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewJobAlreadyRunningError()
		}
		return nil, fmt.Errorf("ジョブの作成に失敗しました: %w", err)
	}

	s.publish(ctx, notify.Event{Type: notify.EventJobCreated, Resource: "harvesting-jobs", ID: job.ID, Status: string(job.Status)})
	return job, nil
}

// ListLayers はサービスのレイヤをツリー順（position順）で返す。
func (s *Service) ListLayers(ctx context.Context, serviceID string) ([]*model.Layer, error) {
	if _, err := s.GetService(ctx, serviceID); err != nil {
		return nil, err
	}
	layers, err := s.repos.Layers.ListByServiceID(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("レイヤ一覧の取得に失敗しました: %w", err)
	}
	return layers, nil
}

// GetLayer はレイヤを取得する。
func (s *Service) GetLayer(ctx context.Context, id string) (*model.Layer, error) {
	layer, err := s.repos.Layers.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("レイヤの取得に失敗しました: %w", err)
	}
	if layer == nil {
		return nil, model.NewLayerNotFoundError(id)
	}
	return layer, nil
}

// ListFeatureTypes はサービスのフィーチャタイプを返す。
func (s *Service) ListFeatureTypes(ctx context.Context, serviceID string) ([]*model.FeatureType, error) {
	if _, err := s.GetService(ctx, serviceID); err != nil {
		return nil, err
	}
	fts, err := s.repos.FeatureTypes.ListByServiceID(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("フィーチャタイプ一覧の取得に失敗しました: %w", err)
	}
	return fts, nil
}

// ListMetadataRecords はサービスに紐づくメタデータレコードを返す。
func (s *Service) ListMetadataRecords(ctx context.Context, serviceID string) ([]*model.MetadataRecord, error) {
	if _, err := s.GetService(ctx, serviceID); err != nil {
		return nil, err
	}
	records, err := s.repos.Metadata.ListByServiceID(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("メタデータ一覧の取得に失敗しました: %w", err)
	}
	return records, nil
}

// ListMonitoringResults はサービスの死活監視結果を新しい順に返す。
func (s *Service) ListMonitoringResults(ctx context.Context, serviceID string, page model.Page) ([]*model.MonitoringResult, int, error) {
	if _, err := s.GetService(ctx, serviceID); err != nil {
		return nil, 0, err
	}
	results, total, err := s.repos.Monitoring.ListByServiceID(ctx, serviceID, page)
	if err != nil {
		return nil, 0, fmt.Errorf("監視結果の取得に失敗しました: %w", err)
	}
	return results, total, nil
}

// manageable はサービスを取得し、ユーザーが管理権限を持つことを確認する。
func (s *Service) manageable(ctx context.Context, user *model.User, id string) (*model.Service, error) {
	if user == nil {
		return nil, model.NewUnauthorizedError()
	}
	svc, err := s.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	if !user.CanManage(svc.OwnerOrganizationID) {
		return nil, model.NewForbiddenError()
	}
	return svc, nil
}

func (s *Service) newJob(serviceID, userID string, now time.Time) *model.HarvestingJob {
	return &model.HarvestingJob{
		ID:            uuid.New().String(),
		ServiceID:     serviceID,
		Status:        model.JobStatusPending,
		Phase:         model.JobPhaseQueued,
		MaxAttempts:   s.maxAttempts,
		NextAttemptAt: now,
		CreatedBy:     userID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// publish はイベントを送信する。失敗してもログに留める。
func (s *Service) publish(ctx context.Context, ev notify.Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		slog.Warn("failed to publish event", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
	}
}
