// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// ServiceType はOGCサービスの種別を表す。
type ServiceType string

const (
	// ServiceTypeWMS はWeb Map Service。
	ServiceTypeWMS ServiceType = "WMS"
	// ServiceTypeWFS はWeb Feature Service。
	ServiceTypeWFS ServiceType = "WFS"
	// ServiceTypeCSW はCatalogue Service for the Web。
	ServiceTypeCSW ServiceType = "CSW"
	// ServiceTypeATOM はINSPIRE ATOMダウンロードサービスフィード。
	ServiceTypeATOM ServiceType = "ATOM"
)

// ParseServiceType は文字列をServiceTypeに変換する。大文字小文字は区別しない。
func ParseServiceType(s string) (ServiceType, bool) {
	switch ServiceType(strings.ToUpper(strings.TrimSpace(s))) {
	case ServiceTypeWMS:
		return ServiceTypeWMS, true
	case ServiceTypeWFS:
		return ServiceTypeWFS, true
	case ServiceTypeCSW:
		return ServiceTypeCSW, true
	case ServiceTypeATOM:
		return ServiceTypeATOM, true
	default:
		return "", false
	}
}

// ServiceStatus はサービスの登録状態を表す。
type ServiceStatus string

const (
	// ServiceStatusPending は初回ハーベスト待ちの状態。
	ServiceStatusPending ServiceStatus = "pending"
	// ServiceStatusActive は公開中の状態。
	ServiceStatusActive ServiceStatus = "active"
	// ServiceStatusInactive は管理者により無効化された状態。
	ServiceStatusInactive ServiceStatus = "inactive"
	// ServiceStatusError は一度もハーベストに成功していない失敗状態。
	ServiceStatusError ServiceStatus = "error"
)

// Service は登録されたOGCサービスを表す。
type Service struct {
	ID                  string
	ServiceType         ServiceType
	Version             string
	CapabilitiesURL     string
	Title               string
	Abstract            string
	Keywords            []string
	Fees                string
	AccessConstraints   string
	ProviderName        string
	ProviderSite        string
	ContactPerson       string
	ContactEmail        string
	ContactPhone        string
	Status              ServiceStatus
	IsSecured           bool
	OwnerOrganizationID string
	RegisteredBy        string
	CapabilitiesXML     []byte
	LastHarvestedAt     *time.Time
	LastMonitoredAt     *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsServable はプロキシ経由でリクエストを受け付けられる状態かを返す。
func (s *Service) IsServable() bool {
	return s.Status == ServiceStatusActive
}

// OperationURL はサービスが公開するオペレーションのエンドポイントを表す。
type OperationURL struct {
	ID        string
	ServiceID string
	Operation string
	Method    string
	URL       string
	MimeTypes []string
}

// BoundingBox はWGS84（経度/緯度）の矩形範囲を表す。
type BoundingBox struct {
	MinX float64
	MinY float64
	MaxX float64
	MaxY float64
}

// Layer はWMSレイヤ（およびATOMのデータセットエントリ）を表す。
// ParentIDとPositionでツリー構造を保持する。
type Layer struct {
	ID               string
	ServiceID        string
	ParentID         string
	Identifier       string
	Title            string
	Abstract         string
	Keywords         []string
	IsQueryable      bool
	IsOpaque         bool
	IsCascaded       bool
	BBox             *BoundingBox
	ReferenceSystems []string
	Position         int
	Depth            int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// FeatureType はWFSのフィーチャタイプを表す。
type FeatureType struct {
	ID               string
	ServiceID        string
	Identifier       string
	Title            string
	Abstract         string
	Keywords         []string
	DefaultCRS       string
	ReferenceSystems []string
	OutputFormats    []string
	BBox             *BoundingBox
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// MetadataRecord はISO 19139メタデータレコードを表す。
// レイヤまたはフィーチャタイプのMetadataURLから取得される。
type MetadataRecord struct {
	ID             string
	ServiceID      string
	LayerID        string
	FeatureTypeID  string
	OriginURL      string
	FileIdentifier string
	Title          string
	Abstract       string
	Keywords       []string
	Language       string
	HierarchyLevel string
	DateStamp      *time.Time
	BBox           *BoundingBox
	RawXML         []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MonitoringResult はサービス死活監視の1回分の結果を表す。
type MonitoringResult struct {
	ID           int64
	ServiceID    string
	Available    bool
	StatusCode   int
	DurationMs   int64
	ErrorMessage string
	CheckedAt    time.Time
}

// ServiceFilter はサービス一覧の絞り込み条件を表す。
type ServiceFilter struct {
	ServiceType    ServiceType
	Status         ServiceStatus
	Search         string
	BBox           *BoundingBox
	OrganizationID string
}

// MaxPageNumber は指定できるページ番号の上限。OFFSETがオーバーフローしない範囲に収める。
const MaxPageNumber = 100000

// Page はページネーションの指定を表す。Numberは1始まり。
type Page struct {
	Number int
	Size   int
}

// Offset はSQLのOFFSET値を返す。
func (p Page) Offset() int {
	if p.Number < 1 || p.Size < 1 {
		return 0
	}
	return (min(p.Number, MaxPageNumber) - 1) * p.Size
}

// Sort は一覧の並び順を表す。Descがtrueの場合は降順。
type Sort struct {
	Field string
	Desc  bool
}

// ParseSort はJSON:APIのsortパラメータ（例: "-created_at"）を解析する。
// 空文字列の場合はゼロ値とtrueを返す。許可されていないフィールドの場合はfalseを返す。
func ParseSort(s string, allowed ...string) (Sort, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Sort{}, true
	}
	var sort Sort
	if strings.HasPrefix(s, "-") {
		sort.Desc = true
		s = s[1:]
	}
	for _, a := range allowed {
		if s == a {
			sort.Field = s
			return sort, true
		}
	}
	return Sort{}, false
}
