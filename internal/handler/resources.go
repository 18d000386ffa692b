package handler

import (
	"strconv"
	"time"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

// リソース種別（JSON:APIのtype）
const (
	typeServices          = "services"
	typeLayers            = "layers"
	typeFeatureTypes      = "feature-types"
	typeMetadataRecords   = "metadata-records"
	typeMonitoringResults = "monitoring-results"
	typeJobs              = "harvesting-jobs"
	typeJobLogs           = "job-logs"
	typeOrganizations     = "organizations"
	typeGroups            = "groups"
	typeUsers             = "users"
	typeAllowedOperations = "allowed-operations"
)

const apiPrefix = "/api/v1"

// bboxAttribute はWGS84の範囲を [minx, miny, maxx, maxy] で表す。nilはnullになる。
func bboxAttribute(b *model.BoundingBox) []float64 {
	if b == nil {
		return nil
	}
	return []float64{b.MinX, b.MinY, b.MaxX, b.MaxY}
}

func formatInt(id int64) string {
	return strconv.FormatInt(id, 10)
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// --- registry ---

type serviceAttributes struct {
	ServiceType       string     `json:"service_type"`
	Version           string     `json:"version"`
	CapabilitiesURL   string     `json:"capabilities_url"`
	Title             string     `json:"title"`
	Abstract          string     `json:"abstract"`
	Keywords          []string   `json:"keywords"`
	Fees              string     `json:"fees"`
	AccessConstraints string     `json:"access_constraints"`
	ProviderName      string     `json:"provider_name"`
	ProviderSite      string     `json:"provider_site"`
	ContactPerson     string     `json:"contact_person"`
	ContactEmail      string     `json:"contact_email"`
	ContactPhone      string     `json:"contact_phone"`
	Status            string     `json:"status"`
	IsSecured         bool       `json:"is_secured"`
	LastHarvestedAt   *time.Time `json:"last_harvested_at"`
	LastMonitoredAt   *time.Time `json:"last_monitored_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// serviceResource はサービスをリソースオブジェクトに変換する。
// links.owsはセキュリティプロキシ経由のエンドポイント。
func serviceResource(svc *model.Service, baseURL string) Resource {
	self := apiPrefix + "/registry/services/" + svc.ID
	return Resource{
		Type: typeServices,
		ID:   svc.ID,
		Attributes: serviceAttributes{
			ServiceType:       string(svc.ServiceType),
			Version:           svc.Version,
			CapabilitiesURL:   svc.CapabilitiesURL,
			Title:             svc.Title,
			Abstract:          svc.Abstract,
			Keywords:          emptyIfNil(svc.Keywords),
			Fees:              svc.Fees,
			AccessConstraints: svc.AccessConstraints,
			ProviderName:      svc.ProviderName,
			ProviderSite:      svc.ProviderSite,
			ContactPerson:     svc.ContactPerson,
			ContactEmail:      svc.ContactEmail,
			ContactPhone:      svc.ContactPhone,
			Status:            string(svc.Status),
			IsSecured:         svc.IsSecured,
			LastHarvestedAt:   svc.LastHarvestedAt,
			LastMonitoredAt:   svc.LastMonitoredAt,
			CreatedAt:         svc.CreatedAt,
			UpdatedAt:         svc.UpdatedAt,
		},
		Relationships: map[string]Relationship{
			"owner": toOne(typeOrganizations, svc.OwnerOrganizationID),
		},
		Links: map[string]string{
			"self": self,
			"ows":  baseURL + "/ows/" + svc.ID,
		},
	}
}

type layerAttributes struct {
	Identifier       string    `json:"identifier"`
	Title            string    `json:"title"`
	Abstract         string    `json:"abstract"`
	Keywords         []string  `json:"keywords"`
	IsQueryable      bool      `json:"is_queryable"`
	IsOpaque         bool      `json:"is_opaque"`
	IsCascaded       bool      `json:"is_cascaded"`
	BBox             []float64 `json:"bbox"`
	ReferenceSystems []string  `json:"reference_systems"`
	Position         int       `json:"position"`
	Depth            int       `json:"depth"`
}

func layerResource(l *model.Layer) Resource {
	return Resource{
		Type: typeLayers,
		ID:   l.ID,
		Attributes: layerAttributes{
			Identifier:       l.Identifier,
			Title:            l.Title,
			Abstract:         l.Abstract,
			Keywords:         emptyIfNil(l.Keywords),
			IsQueryable:      l.IsQueryable,
			IsOpaque:         l.IsOpaque,
			IsCascaded:       l.IsCascaded,
			BBox:             bboxAttribute(l.BBox),
			ReferenceSystems: emptyIfNil(l.ReferenceSystems),
			Position:         l.Position,
			Depth:            l.Depth,
		},
		Relationships: map[string]Relationship{
			"service": toOne(typeServices, l.ServiceID),
			"parent":  toOne(typeLayers, l.ParentID),
		},
		Links: map[string]string{"self": apiPrefix + "/registry/layers/" + l.ID},
	}
}

type featureTypeAttributes struct {
	Identifier       string    `json:"identifier"`
	Title            string    `json:"title"`
	Abstract         string    `json:"abstract"`
	Keywords         []string  `json:"keywords"`
	DefaultCRS       string    `json:"default_crs"`
	ReferenceSystems []string  `json:"reference_systems"`
	OutputFormats    []string  `json:"output_formats"`
	BBox             []float64 `json:"bbox"`
}

func featureTypeResource(ft *model.FeatureType) Resource {
	return Resource{
		Type: typeFeatureTypes,
		ID:   ft.ID,
		Attributes: featureTypeAttributes{
			Identifier:       ft.Identifier,
			Title:            ft.Title,
			Abstract:         ft.Abstract,
			Keywords:         emptyIfNil(ft.Keywords),
			DefaultCRS:       ft.DefaultCRS,
			ReferenceSystems: emptyIfNil(ft.ReferenceSystems),
			OutputFormats:    emptyIfNil(ft.OutputFormats),
			BBox:             bboxAttribute(ft.BBox),
		},
		Relationships: map[string]Relationship{
			"service": toOne(typeServices, ft.ServiceID),
		},
	}
}

type metadataRecordAttributes struct {
	OriginURL      string     `json:"origin_url"`
	FileIdentifier string     `json:"file_identifier"`
	Title          string     `json:"title"`
	Abstract       string     `json:"abstract"`
	Keywords       []string   `json:"keywords"`
	Language       string     `json:"language"`
	HierarchyLevel string     `json:"hierarchy_level"`
	DateStamp      *time.Time `json:"date_stamp"`
	BBox           []float64  `json:"bbox"`
}

func metadataRecordResource(m *model.MetadataRecord) Resource {
	return Resource{
		Type: typeMetadataRecords,
		ID:   m.ID,
		Attributes: metadataRecordAttributes{
			OriginURL:      m.OriginURL,
			FileIdentifier: m.FileIdentifier,
			Title:          m.Title,
			Abstract:       m.Abstract,
			Keywords:       emptyIfNil(m.Keywords),
			Language:       m.Language,
			HierarchyLevel: m.HierarchyLevel,
			DateStamp:      m.DateStamp,
			BBox:           bboxAttribute(m.BBox),
		},
		Relationships: map[string]Relationship{
			"service":      toOne(typeServices, m.ServiceID),
			"layer":        toOne(typeLayers, m.LayerID),
			"feature_type": toOne(typeFeatureTypes, m.FeatureTypeID),
		},
	}
}

type monitoringResultAttributes struct {
	Available    bool      `json:"available"`
	StatusCode   int       `json:"status_code"`
	DurationMs   int64     `json:"duration_ms"`
	ErrorMessage string    `json:"error_message"`
	CheckedAt    time.Time `json:"checked_at"`
}

func monitoringResultResource(m *model.MonitoringResult) Resource {
	return Resource{
		Type: typeMonitoringResults,
		ID:   formatInt(m.ID),
		Attributes: monitoringResultAttributes{
			Available:    m.Available,
			StatusCode:   m.StatusCode,
			DurationMs:   m.DurationMs,
			ErrorMessage: m.ErrorMessage,
			CheckedAt:    m.CheckedAt,
		},
		Relationships: map[string]Relationship{
			"service": toOne(typeServices, m.ServiceID),
		},
	}
}

// --- jobs ---

type jobAttributes struct {
	Status        string     `json:"status"`
	Phase         string     `json:"phase"`
	Progress      int        `json:"progress"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	ErrorMessage  string     `json:"error_message"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func jobResource(j *model.HarvestingJob) Resource {
	self := apiPrefix + "/jobs/" + j.ID
	return Resource{
		Type: typeJobs,
		ID:   j.ID,
		Attributes: jobAttributes{
			Status:        string(j.Status),
			Phase:         string(j.Phase),
			Progress:      j.Progress,
			Attempts:      j.Attempts,
			MaxAttempts:   j.MaxAttempts,
			ErrorMessage:  j.ErrorMessage,
			NextAttemptAt: j.NextAttemptAt,
			StartedAt:     j.StartedAt,
			FinishedAt:    j.FinishedAt,
			CreatedAt:     j.CreatedAt,
			UpdatedAt:     j.UpdatedAt,
		},
		Relationships: map[string]Relationship{
			"service":    toOne(typeServices, j.ServiceID),
			"created_by": toOne(typeUsers, j.CreatedBy),
		},
		Links: map[string]string{
			"self": self,
			"logs": self + "/logs",
		},
	}
}

type jobLogAttributes struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

func jobLogResource(l *model.JobLog) Resource {
	return Resource{
		Type: typeJobLogs,
		ID:   formatInt(l.ID),
		Attributes: jobLogAttributes{
			Level:     string(l.Level),
			Message:   l.Message,
			CreatedAt: l.CreatedAt,
		},
		Relationships: map[string]Relationship{
			"job": toOne(typeJobs, l.JobID),
		},
	}
}

// --- accounts ---

type organizationAttributes struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func organizationResource(o *model.Organization) Resource {
	return Resource{
		Type: typeOrganizations,
		ID:   o.ID,
		Attributes: organizationAttributes{
			Name:        o.Name,
			Description: o.Description,
			CreatedAt:   o.CreatedAt,
			UpdatedAt:   o.UpdatedAt,
		},
		Links: map[string]string{"self": apiPrefix + "/accounts/organizations/" + o.ID},
	}
}

type groupAttributes struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func groupResource(g *model.Group) Resource {
	return Resource{
		Type: typeGroups,
		ID:   g.ID,
		Attributes: groupAttributes{
			Name:        g.Name,
			Description: g.Description,
			CreatedAt:   g.CreatedAt,
			UpdatedAt:   g.UpdatedAt,
		},
		Relationships: map[string]Relationship{
			"organization": toOne(typeOrganizations, g.OrganizationID),
			"members":      toMany(typeUsers, g.MemberIDs),
		},
		Links: map[string]string{"self": apiPrefix + "/accounts/groups/" + g.ID},
	}
}

// userAttributes にパスワードハッシュは含めない。
type userAttributes struct {
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	IsSuperuser bool      `json:"is_superuser"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func userResource(u *model.User) Resource {
	return Resource{
		Type: typeUsers,
		ID:   u.ID,
		Attributes: userAttributes{
			Username:    u.Username,
			Email:       u.Email,
			IsSuperuser: u.IsSuperuser,
			CreatedAt:   u.CreatedAt,
			UpdatedAt:   u.UpdatedAt,
		},
		Relationships: map[string]Relationship{
			"organization": toOne(typeOrganizations, u.OrganizationID),
		},
		Links: map[string]string{"self": apiPrefix + "/accounts/users/" + u.ID},
	}
}

// --- security ---

type allowedOperationAttributes struct {
	Description      string    `json:"description"`
	Operations       []string  `json:"operations"`
	LayerIdentifiers []string  `json:"layer_identifiers"`
	AllowedArea      string    `json:"allowed_area"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func allowedOperationResource(op *model.AllowedOperation) Resource {
	return Resource{
		Type: typeAllowedOperations,
		ID:   op.ID,
		Attributes: allowedOperationAttributes{
			Description:      op.Description,
			Operations:       emptyIfNil(op.Operations),
			LayerIdentifiers: emptyIfNil(op.LayerIdentifiers),
			AllowedArea:      op.AllowedArea,
			CreatedAt:        op.CreatedAt,
			UpdatedAt:        op.UpdatedAt,
		},
		Relationships: map[string]Relationship{
			"service": toOne(typeServices, op.ServiceID),
			"groups":  toMany(typeGroups, op.GroupIDs),
		},
		Links: map[string]string{"self": apiPrefix + "/security/allowed-operations/" + op.ID},
	}
}

// resourcesOf はスライスの各要素をリソースに変換する。
func resourcesOf[T any](items []T, convert func(T) Resource) []Resource {
	out := make([]Resource, 0, len(items))
	for _, item := range items {
		out = append(out, convert(item))
	}
	return out
}
