package model

import "time"

// User はMrMapのローカルユーザーを表す。
type User struct {
	ID             string
	Username       string
	Email          string
	PasswordHash   string
	IsSuperuser    bool
	OrganizationID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Organization はサービスを所有する組織を表す。
type Organization struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Group は組織に属するユーザーグループ。アクセス許可の単位となる。
type Group struct {
	ID             string
	OrganizationID string
	Name           string
	Description    string
	MemberIDs      []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// CanManage はユーザーが指定組織の所有物を管理できるかを返す。
// スーパーユーザーは全組織を管理できる。
func (u *User) CanManage(organizationID string) bool {
	if u == nil {
		return false
	}
	if u.IsSuperuser {
		return true
	}
	return u.OrganizationID != "" && u.OrganizationID == organizationID
}
