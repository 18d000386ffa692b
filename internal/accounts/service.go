// Package accounts はユーザー、組織、グループ管理のドメインロジックを提供する。
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mrmap-community/mrmap-sub007/internal/auth"
	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/repository"
)

// CreateUserInput はユーザー作成の入力。
type CreateUserInput struct {
	Username       string
	Email          string
	Password       string
	IsSuperuser    bool
	OrganizationID string
}

// CreateGroupInput はグループ作成の入力。
type CreateGroupInput struct {
	OrganizationID string
	Name           string
	Description    string
}

// Service はアカウント管理のサービス層。
type Service struct {
	userRepo    repository.UserRepository
	orgRepo     repository.OrganizationRepository
	groupRepo   repository.GroupRepository
	sessionRepo repository.SessionRepository
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	orgRepo repository.OrganizationRepository,
	groupRepo repository.GroupRepository,
	sessionRepo repository.SessionRepository,
) *Service {
	return &Service{
		userRepo:    userRepo,
		orgRepo:     orgRepo,
		groupRepo:   groupRepo,
		sessionRepo: sessionRepo,
	}
}

// --- 組織 ---

// CreateOrganization は組織を作成する。スーパーユーザーのみ実行できる。
func (s *Service) CreateOrganization(ctx context.Context, actor *model.User, name, description string) (*model.Organization, error) {
	if !actor.IsSuperuser {
		return nil, model.NewForbiddenError()
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, model.NewValidationError("name は必須です")
	}

	now := time.Now()
	org := &model.Organization{
		ID:          uuid.New().String(),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.orgRepo.Create(ctx, org); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewDuplicateOrganizationError(name)
		}
		return nil, fmt.Errorf("組織の作成に失敗しました: %w", err)
	}

	slog.Info("組織を作成しました",
		slog.String("organization_id", org.ID),
		slog.String("actor_id", actor.ID),
	)
	return org, nil
}

// GetOrganization は組織を取得する。
func (s *Service) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	org, err := s.orgRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("組織の取得に失敗しました: %w", err)
	}
	if org == nil {
		return nil, model.NewOrganizationNotFoundError(id)
	}
	return org, nil
}

// ListOrganizations は組織一覧を返す。
func (s *Service) ListOrganizations(ctx context.Context, page model.Page) ([]*model.Organization, int, error) {
	orgs, total, err := s.orgRepo.List(ctx, page)
	if err != nil {
		return nil, 0, fmt.Errorf("組織一覧の取得に失敗しました: %w", err)
	}
	return orgs, total, nil
}

// DeleteOrganization は組織を削除する。スーパーユーザーのみ実行できる。
// 所属ユーザーとサービスは組織なしの状態になる。
func (s *Service) DeleteOrganization(ctx context.Context, actor *model.User, id string) error {
	if !actor.IsSuperuser {
		return model.NewForbiddenError()
	}
	if _, err := s.GetOrganization(ctx, id); err != nil {
		return err
	}
	if err := s.orgRepo.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("組織の削除に失敗しました: %w", err)
	}
	slog.Info("組織を削除しました",
		slog.String("organization_id", id),
		slog.String("actor_id", actor.ID),
	)
	return nil
}

// --- グループ ---

// CreateGroup はグループを作成する。スーパーユーザーまたは組織のメンバーが実行できる。
func (s *Service) CreateGroup(ctx context.Context, actor *model.User, in CreateGroupInput) (*model.Group, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, model.NewValidationError("name は必須です")
	}
	if _, err := s.GetOrganization(ctx, in.OrganizationID); err != nil {
		return nil, err
	}
	if !actor.CanManage(in.OrganizationID) {
		return nil, model.NewForbiddenError()
	}

	now := time.Now()
	group := &model.Group{
		ID:             uuid.New().String(),
		OrganizationID: in.OrganizationID,
		Name:           name,
		Description:    strings.TrimSpace(in.Description),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.groupRepo.Create(ctx, group); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewDuplicateGroupError(name)
		}
		return nil, fmt.Errorf("グループの作成に失敗しました: %w", err)
	}
	return group, nil
}

// GetGroup はグループをメンバーID付きで取得する。
func (s *Service) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	group, err := s.groupRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("グループの取得に失敗しました: %w", err)
	}
	if group == nil {
		return nil, model.NewGroupNotFoundError(id)
	}
	return group, nil
}

// ListGroups はグループ一覧を返す。organizationIDが空の場合は全組織が対象。
func (s *Service) ListGroups(ctx context.Context, organizationID string, page model.Page) ([]*model.Group, int, error) {
	groups, total, err := s.groupRepo.List(ctx, organizationID, page)
	if err != nil {
		return nil, 0, fmt.Errorf("グループ一覧の取得に失敗しました: %w", err)
	}
	return groups, total, nil
}

// DeleteGroup はグループを削除する。
func (s *Service) DeleteGroup(ctx context.Context, actor *model.User, id string) error {
	group, err := s.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	if !actor.CanManage(group.OrganizationID) {
		return model.NewForbiddenError()
	}
	if err := s.groupRepo.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("グループの削除に失敗しました: %w", err)
	}
	return nil
}

// AddMember はユーザーをグループに追加する。
func (s *Service) AddMember(ctx context.Context, actor *model.User, groupID, userID string) (*model.Group, error) {
	group, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !actor.CanManage(group.OrganizationID) {
		return nil, model.NewForbiddenError()
	}
	if _, err := s.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	if err := s.groupRepo.AddMember(ctx, groupID, userID); err != nil {
		return nil, fmt.Errorf("メンバーの追加に失敗しました: %w", err)
	}
	return s.GetGroup(ctx, groupID)
}

// RemoveMember はユーザーをグループから外す。
func (s *Service) RemoveMember(ctx context.Context, actor *model.User, groupID, userID string) error {
	group, err := s.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if !actor.CanManage(group.OrganizationID) {
		return model.NewForbiddenError()
	}
	if err := s.groupRepo.RemoveMember(ctx, groupID, userID); err != nil {
		return fmt.Errorf("メンバーの削除に失敗しました: %w", err)
	}
	return nil
}

// --- ユーザー ---

// CreateUser はユーザーを作成する。スーパーユーザーのみ実行できる。
func (s *Service) CreateUser(ctx context.Context, actor *model.User, in CreateUserInput) (*model.User, error) {
	if !actor.IsSuperuser {
		return nil, model.NewForbiddenError()
	}
	user, err := s.newUser(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewDuplicateUserError(user.Username)
		}
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	slog.Info("ユーザーを作成しました",
		slog.String("user_id", user.ID),
		slog.String("actor_id", actor.ID),
	)
	return user, nil
}

func (s *Service) newUser(ctx context.Context, in CreateUserInput) (*model.User, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, model.NewValidationError("username は必須です")
	}
	if len(in.Password) < auth.MinPasswordLength {
		return nil, model.NewValidationError(fmt.Sprintf("password は%d文字以上で指定してください", auth.MinPasswordLength))
	}
	if in.OrganizationID != "" {
		if _, err := s.GetOrganization(ctx, in.OrganizationID); err != nil {
			return nil, err
		}
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("パスワードのハッシュ化に失敗しました: %w", err)
	}

	now := time.Now()
	return &model.User{
		ID:             uuid.New().String(),
		Username:       username,
		Email:          strings.TrimSpace(in.Email),
		PasswordHash:   hash,
		IsSuperuser:    in.IsSuperuser,
		OrganizationID: in.OrganizationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// GetUser はユーザーを取得する。
func (s *Service) GetUser(ctx context.Context, id string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// ListUsers はユーザー一覧を返す。
func (s *Service) ListUsers(ctx context.Context, page model.Page) ([]*model.User, int, error) {
	users, total, err := s.userRepo.List(ctx, page)
	if err != nil {
		return nil, 0, fmt.Errorf("ユーザー一覧の取得に失敗しました: %w", err)
	}
	return users, total, nil
}

// DeleteUser はユーザーを削除する。スーパーユーザーのみ実行でき、自分自身は削除できない。
// 削除順序: sessions → user（+ CASCADE: group_memberships）
func (s *Service) DeleteUser(ctx context.Context, actor *model.User, id string) error {
	if !actor.IsSuperuser {
		return model.NewForbiddenError()
	}
	if actor.ID == id {
		return model.NewCannotDeleteSelfError()
	}
	if _, err := s.GetUser(ctx, id); err != nil {
		return err
	}

	if err := s.sessionRepo.DeleteByUserID(ctx, id); err != nil {
		return fmt.Errorf("セッションの削除に失敗しました: %w", err)
	}
	if err := s.userRepo.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("ユーザーを削除しました",
		slog.String("user_id", id),
		slog.String("actor_id", actor.ID),
	)
	return nil
}

// EnsureSuperuser はスーパーユーザーを冪等に作成する。
// 同名ユーザーが存在する場合はパスワードを更新しスーパーユーザーに昇格する。
func (s *Service) EnsureSuperuser(ctx context.Context, username, email, password string) (*model.User, bool, error) {
	existing, err := s.userRepo.FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, false, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}

	if existing != nil {
		hash, err := auth.HashPassword(password)
		if err != nil {
			return nil, false, model.NewValidationError(err.Error())
		}
		if err := s.userRepo.UpdatePassword(ctx, existing.ID, hash, true); err != nil {
			return nil, false, fmt.Errorf("ユーザーの更新に失敗しました: %w", err)
		}
		existing.PasswordHash = hash
		existing.IsSuperuser = true
		return existing, false, nil
	}

	user, err := s.newUser(ctx, CreateUserInput{
		Username:    username,
		Email:       email,
		Password:    password,
		IsSuperuser: true,
	})
	if err != nil {
		return nil, false, err
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, false, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	slog.Info("スーパーユーザーを作成しました", slog.String("user_id", user.ID))
	return user, true, nil
}
