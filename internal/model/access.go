package model

import "time"

// AllowedOperation はセキュアなサービスに対するグループ単位の許可設定。
// AllowedAreaはWKT形式の(マルチ)ポリゴンで、空の場合は範囲制限なし。
type AllowedOperation struct {
	ID               string
	ServiceID        string
	Description      string
	Operations       []string
	GroupIDs         []string
	LayerIdentifiers []string
	AllowedArea      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProxyLog はセキュリティプロキシを経由したリクエストの記録。
type ProxyLog struct {
	ID            int64
	ServiceID     string
	UserID        string
	Operation     string
	Allowed       bool
	StatusCode    int
	ResponseBytes int64
	DurationMs    int64
	CreatedAt     time.Time
}
