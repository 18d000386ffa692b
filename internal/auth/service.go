// Package auth はローカルユーザーのパスワード認証とセッション管理を提供する。
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/repository"
)

// MinPasswordLength はパスワードの最小文字数。
const MinPasswordLength = 8

// SessionCookieName はセッショントークンを保持するCookieの名前。
const SessionCookieName = "mrmap_session"

// bcryptCost はパスワードハッシュのコスト。テストでは下げて使う。
var bcryptCost = bcrypt.DefaultCost

// dummyHash は存在しないユーザーでも照合時間を揃えるためのハッシュ。
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("mrmap-dummy-password"), bcrypt.DefaultCost)

// HashPassword はパスワードをbcryptでハッシュ化する。
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int    // セッション有効期間（秒）
	SessionSecret string // セッショントークンからDB上のIDを導出する鍵
}

// LoginResult はログイン成功時の結果。Tokenはクッキーに格納する値。
type LoginResult struct {
	Token   string
	Session *model.Session
	User    *model.User
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	config      ServiceConfig
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	config ServiceConfig,
) *Service {
	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		config:      config,
	}
}

// Login はユーザー名とパスワードを照合し、セッションを発行する。
// ユーザーが存在しない場合もパスワード不一致と同じエラーを返す。
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.VerifyBasic(ctx, username, password)
	if err != nil {
		return nil, err
	}

	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	now := time.Now()
	session := &model.Session{
		ID:        s.sessionID(token),
		UserID:    user.ID,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}
	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
	)
	return &LoginResult{Token: token, Session: session, User: user}, nil
}

// VerifyBasic はユーザー名とパスワードを照合してユーザーを返す。
// プロキシのHTTP Basic認証でも使用する。
func (s *Service) VerifyBasic(ctx context.Context, username, password string) (*model.User, error) {
	if username == "" || password == "" {
		return nil, model.NewInvalidCredentialsError()
	}

	user, err := s.userRepo.FindByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, model.NewInvalidCredentialsError()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, model.NewInvalidCredentialsError()
	}
	return user, nil
}

// Logout はセッションを破棄する。
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("session token is required")
	}

	if err := s.sessionRepo.DeleteByID(ctx, s.sessionID(token)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ResolveSession はセッショントークンからユーザーを取得する。
// セッションが存在しない、期限切れ、またはユーザーが削除済みの場合はnilを返す。
func (s *Service) ResolveSession(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, nil
	}

	session, err := s.sessionRepo.FindByID(ctx, s.sessionID(token))
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	user, err := s.userRepo.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// CurrentUser はセッションから現在のユーザーを取得する。未認証の場合はUNAUTHORIZEDを返す。
func (s *Service) CurrentUser(ctx context.Context, token string) (*model.User, error) {
	user, err := s.ResolveSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, model.NewUnauthorizedError()
	}
	return user, nil
}

// sessionID はトークンのHMAC-SHA256をDB上のセッションIDとする。
// DBが漏洩してもクッキーの値は復元できない。
func (s *Service) sessionID(token string) string {
	mac := hmac.New(sha256.New, []byte(s.config.SessionSecret))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// generateToken は暗号的に安全なセッショントークンを生成する。
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
