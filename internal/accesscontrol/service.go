// Package accesscontrol はセキュアなサービスに対する許可設定の管理と
// OWSリクエストのアクセス判定を提供する。
package accesscontrol

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/ows"
	"github.com/mrmap-community/mrmap-sub007/internal/repository"
)

// Input は許可設定の作成内容。
type Input struct {
	ServiceID        string
	Description      string
	Operations       []string
	GroupIDs         []string
	LayerIdentifiers []string
	AllowedArea      string
}

// Patch は許可設定の部分更新。nilの項目は変更しない。
type Patch struct {
	Description      *string
	Operations       []string
	GroupIDs         []string
	LayerIdentifiers []string
	AllowedArea      *string
}

// Decision はアクセス判定の結果。Statusは拒否時のHTTPステータス。
type Decision struct {
	Allowed bool
	Status  int
	Reason  string
}

func allow() Decision { return Decision{Allowed: true, Status: http.StatusOK} }

func deny(status int, reason string) Decision {
	return Decision{Allowed: false, Status: status, Reason: reason}
}

// Service は許可設定のサービス層。
type Service struct {
	opRepo      repository.AllowedOperationRepository
	serviceRepo repository.ServiceRepository
	groupRepo   repository.GroupRepository
}

// NewService はServiceを生成する。
func NewService(
	opRepo repository.AllowedOperationRepository,
	serviceRepo repository.ServiceRepository,
	groupRepo repository.GroupRepository,
) *Service {
	return &Service{
		opRepo:      opRepo,
		serviceRepo: serviceRepo,
		groupRepo:   groupRepo,
	}
}

// Create は許可設定を作成する。サービスの管理権限が必要。
func (s *Service) Create(ctx context.Context, user *model.User, in Input) (*model.AllowedOperation, error) {
	svc, err := s.manageableService(ctx, user, in.ServiceID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	op := &model.AllowedOperation{
		ID:               uuid.New().String(),
		ServiceID:        svc.ID,
		Description:      strings.TrimSpace(in.Description),
		Operations:       in.Operations,
		GroupIDs:         in.GroupIDs,
		LayerIdentifiers: in.LayerIdentifiers,
		AllowedArea:      in.AllowedArea,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.validate(ctx, svc, op); err != nil {
		return nil, err
	}

	if err := s.opRepo.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("許可設定の作成に失敗しました: %w", err)
	}
	slog.Info("allowed operation created",
		slog.String("allowed_operation_id", op.ID),
		slog.String("service_id", svc.ID),
		slog.String("user_id", user.ID),
	)
	return op, nil
}

// Get は許可設定を取得する。
func (s *Service) Get(ctx context.Context, id string) (*model.AllowedOperation, error) {
	op, err := s.opRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("許可設定の取得に失敗しました: %w", err)
	}
	if op == nil {
		return nil, model.NewAllowedOperationNotFoundError(id)
	}
	return op, nil
}

// List は許可設定一覧を返す。serviceIDが空の場合は全件。
func (s *Service) List(ctx context.Context, serviceID string) ([]*model.AllowedOperation, error) {
	ops, err := s.opRepo.List(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("許可設定一覧の取得に失敗しました: %w", err)
	}
	return ops, nil
}

// Update は許可設定を部分更新する。
func (s *Service) Update(ctx context.Context, user *model.User, id string, p Patch) (*model.AllowedOperation, error) {
	op, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	svc, err := s.manageableService(ctx, user, op.ServiceID)
	if err != nil {
		return nil, err
	}

	if p.Description != nil {
		op.Description = strings.TrimSpace(*p.Description)
	}
	if p.Operations != nil {
		op.Operations = p.Operations
	}
	if p.GroupIDs != nil {
		op.GroupIDs = p.GroupIDs
	}
	if p.LayerIdentifiers != nil {
		op.LayerIdentifiers = p.LayerIdentifiers
	}
	if p.AllowedArea != nil {
		op.AllowedArea = *p.AllowedArea
	}
	op.UpdatedAt = time.Now()

	if err := s.validate(ctx, svc, op); err != nil {
		return nil, err
	}
	if err := s.opRepo.Update(ctx, op); err != nil {
		return nil, fmt.Errorf("許可設定の更新に失敗しました: %w", err)
	}
	return op, nil
}

// Delete は許可設定を削除する。
func (s *Service) Delete(ctx context.Context, user *model.User, id string) error {
	op, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.manageableService(ctx, user, op.ServiceID); err != nil {
		return err
	}
	if err := s.opRepo.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("許可設定の削除に失敗しました: %w", err)
	}
	return nil
}

// Decide はOWSリクエストを許可するかを判定する。
//   - セキュアでないサービスは常に許可
//   - 匿名ユーザーは401、スーパーユーザーは常に許可
//   - GetCapabilitiesはユーザーのグループを含む許可設定が1件でもあれば許可
//   - それ以外はグループ・オペレーション・レイヤ・許可範囲をすべて満たす設定が必要
func (s *Service) Decide(ctx context.Context, user *model.User, svc *model.Service, req ows.Request) (Decision, error) {
	if !svc.IsSecured {
		return allow(), nil
	}
	if user == nil {
		return deny(http.StatusUnauthorized, "authentication required"), nil
	}
	if user.IsSuperuser {
		return allow(), nil
	}

	groupIDs, err := s.groupRepo.ListIDsByUserID(ctx, user.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("所属グループの取得に失敗しました: %w", err)
	}
	entries, err := s.opRepo.List(ctx, svc.ID)
	if err != nil {
		return Decision{}, fmt.Errorf("許可設定の取得に失敗しました: %w", err)
	}

	var mine []*model.AllowedOperation
	for _, e := range entries {
		if slices.ContainsFunc(e.GroupIDs, func(g string) bool { return slices.Contains(groupIDs, g) }) {
			mine = append(mine, e)
		}
	}
	if len(mine) == 0 {
		return deny(http.StatusForbidden, "no allowed operation for user groups"), nil
	}
	if strings.EqualFold(req.Request, "GetCapabilities") {
		return allow(), nil
	}

	reason := fmt.Sprintf("operation %s is not allowed", req.Request)
	for _, e := range mine {
		ok, why := permits(e, req)
		if ok {
			return allow(), nil
		}
		if why != "" {
			reason = why
		}
	}
	return deny(http.StatusForbidden, reason), nil
}

// permits は1件の許可設定がリクエストを許可するかを返す。拒否時は理由を返す。
func permits(e *model.AllowedOperation, req ows.Request) (bool, string) {
	if !slices.ContainsFunc(e.Operations, func(op string) bool { return strings.EqualFold(op, req.Request) }) {
		return false, ""
	}
	if len(e.LayerIdentifiers) > 0 {
		// 対象レイヤを特定できないリクエストはレイヤ限定の許可に当てはまらない
		if len(req.Layers) == 0 || req.Unscoped {
			return false, "request must name the layers it accesses"
		}
		for _, l := range req.Layers {
			if !slices.Contains(e.LayerIdentifiers, l) {
				return false, fmt.Sprintf("layer %s is not allowed", l)
			}
		}
	}
	if e.AllowedArea == "" {
		return true, ""
	}
	if req.BBox == nil || !ows.IsGeographicCRS(req.CRS) {
		return false, "request must carry a BBOX in EPSG:4326 or CRS:84"
	}
	area, err := ParseArea(e.AllowedArea)
	if err != nil {
		slog.Warn("invalid allowed area", slog.String("allowed_operation_id", e.ID), slog.String("error", err.Error()))
		return false, "allowed area is invalid"
	}
	if !Intersects(area, *req.BBox) {
		return false, "requested area is outside the allowed area"
	}
	return true, ""
}

// validate は許可設定の内容をサービス種別とグループの存在に照らして検証し、正規化する。
func (s *Service) validate(ctx context.Context, svc *model.Service, op *model.AllowedOperation) error {
	ops, err := normalizeOperations(svc.ServiceType, op.Operations)
	if err != nil {
		return err
	}
	op.Operations = ops

	op.GroupIDs = dedupe(op.GroupIDs)
	if len(op.GroupIDs) == 0 {
		return model.NewValidationError("groups は1件以上指定してください")
	}
	for _, id := range op.GroupIDs {
		if _, err := uuid.Parse(id); err != nil {
			return model.NewGroupNotFoundError(id)
		}
	}
	n, err := s.groupRepo.CountExisting(ctx, op.GroupIDs)
	if err != nil {
		return fmt.Errorf("グループの確認に失敗しました: %w", err)
	}
	if n != len(op.GroupIDs) {
		return model.NewValidationError("存在しないグループが含まれています")
	}

	op.LayerIdentifiers = dedupe(op.LayerIdentifiers)

	op.AllowedArea = strings.TrimSpace(op.AllowedArea)
	if op.AllowedArea != "" {
		if _, err := ParseArea(op.AllowedArea); err != nil {
			return model.NewInvalidAllowedAreaError(err.Error())
		}
	}
	return nil
}

func (s *Service) manageableService(ctx context.Context, user *model.User, serviceID string) (*model.Service, error) {
	if user == nil {
		return nil, model.NewUnauthorizedError()
	}
	svc, err := s.serviceRepo.FindByID(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("サービスの取得に失敗しました: %w", err)
	}
	if svc == nil {
		return nil, model.NewServiceNotFoundError(serviceID)
	}
	if !user.CanManage(svc.OwnerOrganizationID) {
		return nil, model.NewForbiddenError()
	}
	return svc, nil
}

// dedupe は前後空白を除き、空要素と重複を取り除く。
func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
