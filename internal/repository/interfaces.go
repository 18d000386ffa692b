// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

// ErrDuplicate は一意制約違反を表す。制約名を含めてラップして返す。
var ErrDuplicate = errors.New("duplicate key")

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByUsername はユーザー名でユーザーを取得する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// List はユーザー一覧をユーザー名順で返す。第2戻り値は総件数。
	List(ctx context.Context, page model.Page) ([]*model.User, int, error)

	// Create はユーザーを作成する。ユーザー名が重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error

	// UpdatePassword はパスワードハッシュとスーパーユーザーフラグを更新する。
	UpdatePassword(ctx context.Context, id, passwordHash string, isSuperuser bool) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するsessions、group_membershipsはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// OrganizationRepository は組織データの永続化インターフェース。
type OrganizationRepository interface {
	// FindByID は指定IDの組織を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Organization, error)

	// List は組織一覧を名前順で返す。第2戻り値は総件数。
	List(ctx context.Context, page model.Page) ([]*model.Organization, int, error)

	// Create は組織を作成する。名前が重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, org *model.Organization) error

	// DeleteByID は指定IDの組織を削除する。グループはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// GroupRepository はグループとメンバーシップの永続化インターフェース。
type GroupRepository interface {
	// FindByID は指定IDのグループをメンバーID付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Group, error)

	// List はグループ一覧を返す。organizationIDが空の場合は全組織が対象。
	List(ctx context.Context, organizationID string, page model.Page) ([]*model.Group, int, error)

	// Create はグループを作成する。組織内で名前が重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, group *model.Group) error

	// DeleteByID は指定IDのグループを削除する。
	DeleteByID(ctx context.Context, id string) error

	// AddMember はユーザーをグループに追加する。既に所属している場合は何もしない。
	AddMember(ctx context.Context, groupID, userID string) error

	// RemoveMember はユーザーをグループから外す。
	RemoveMember(ctx context.Context, groupID, userID string) error

	// ListIDsByUserID はユーザーが所属するグループのID一覧を返す。
	ListIDsByUserID(ctx context.Context, userID string) ([]string, error)

	// CountExisting は指定IDのうち存在するグループの数を返す。
	CountExisting(ctx context.Context, ids []string) (int, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
	// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// ServiceContent はハーベストで得られたサービスの内容一式。
// Layersは親が子より先に並ぶ順序（先行順）でなければならない。
type ServiceContent struct {
	Service         *model.Service
	Operations      []*model.OperationURL
	Layers          []*model.Layer
	FeatureTypes    []*model.FeatureType
	CapabilitiesXML []byte
	HarvestedAt     time.Time
}

// ServiceRepository はサービスデータの永続化インターフェース。
type ServiceRepository interface {
	// FindByID は指定IDのサービスを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Service, error)

	// FindByCapabilitiesURL はケーパビリティURLでサービスを検索する。見つからない場合はnilを返す。
	FindByCapabilitiesURL(ctx context.Context, capabilitiesURL string) (*model.Service, error)

	// List は条件に一致するサービス一覧と総件数を返す。
	List(ctx context.Context, filter model.ServiceFilter, page model.Page, sort model.Sort) ([]*model.Service, int, error)

	// CreateWithJob はサービスと初回ハーベストジョブを同一トランザクションで作成する。
	// ケーパビリティURLが重複する場合はErrDuplicateを返す。
	CreateWithJob(ctx context.Context, service *model.Service, job *model.HarvestingJob) error

	// UpdateSettings はサービスの状態とセキュア設定を更新する。
	UpdateSettings(ctx context.Context, id string, status model.ServiceStatus, isSecured bool) error

	// DeleteByID は指定IDのサービスを削除する。関連データはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error

	// ReplaceContent はハーベスト結果でサービスのメタデータ、オペレーションURL、
	// レイヤ、フィーチャタイプを1トランザクションで置き換える。
	// inactive以外のサービスはactiveになる。
	ReplaceContent(ctx context.Context, content *ServiceContent) error

	// MarkErrorIfNeverHarvested は一度もハーベストに成功していないサービスをerror状態にする。
	MarkErrorIfNeverHarvested(ctx context.Context, id string) error

	// ListDueForMonitoring は最終監視日時がbeforeより古いactiveなサービスを
	// 未監視のものを優先してlimit件まで返す。
	ListDueForMonitoring(ctx context.Context, before time.Time, limit int) ([]*model.Service, error)

	// UpdateMonitoredAt はサービスの最終監視日時を更新する。
	UpdateMonitoredAt(ctx context.Context, id string, at time.Time) error
}

// OperationURLRepository はオペレーションURLの参照用インターフェース。
type OperationURLRepository interface {
	// ListByServiceID はサービスのオペレーションURLを返す。
	ListByServiceID(ctx context.Context, serviceID string) ([]*model.OperationURL, error)
}

// LayerRepository はレイヤの参照用インターフェース。
type LayerRepository interface {
	// FindByID は指定IDのレイヤを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Layer, error)

	// ListByServiceID はサービスのレイヤをツリー順（position順）で返す。
	ListByServiceID(ctx context.Context, serviceID string) ([]*model.Layer, error)

	// IDsByIdentifier はサービスのレイヤ識別子からIDへの対応表を返す。
	IDsByIdentifier(ctx context.Context, serviceID string) (map[string]string, error)
}

// FeatureTypeRepository はフィーチャタイプの参照用インターフェース。
type FeatureTypeRepository interface {
	// ListByServiceID はサービスのフィーチャタイプを識別子順で返す。
	ListByServiceID(ctx context.Context, serviceID string) ([]*model.FeatureType, error)

	// IDsByIdentifier はサービスのフィーチャタイプ識別子からIDへの対応表を返す。
	IDsByIdentifier(ctx context.Context, serviceID string) (map[string]string, error)
}

// MetadataRecordRepository はメタデータレコードの永続化インターフェース。
type MetadataRecordRepository interface {
	// ListByServiceID はサービスのメタデータレコードを返す。
	ListByServiceID(ctx context.Context, serviceID string) ([]*model.MetadataRecord, error)

	// Upsert は(service_id, origin_url)をキーにメタデータレコードを作成または更新する。
	Upsert(ctx context.Context, record *model.MetadataRecord) error
}

// MonitoringRepository は監視結果の永続化インターフェース。
type MonitoringRepository interface {
	// Create は監視結果を記録する。
	Create(ctx context.Context, result *model.MonitoringResult) error

	// ListByServiceID はサービスの監視結果を新しい順で返す。第2戻り値は総件数。
	ListByServiceID(ctx context.Context, serviceID string, page model.Page) ([]*model.MonitoringResult, int, error)

	// DeleteOlderThan はbeforeより古い監視結果を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// JobRepository はハーベストジョブとジョブログの永続化インターフェース。
type JobRepository interface {
	// FindByID は指定IDのジョブを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.HarvestingJob, error)

	// List は条件に一致するジョブを新しい順で返す。第2戻り値は総件数。
	List(ctx context.Context, filter model.JobFilter, page model.Page) ([]*model.HarvestingJob, int, error)

	// Create はジョブを作成する。
	// 同一サービスに実行待ち・実行中のジョブがある場合はErrDuplicateを返す。
	Create(ctx context.Context, job *model.HarvestingJob) error

	// ClaimDue は実行時刻に達したpendingジョブをFOR UPDATE SKIP LOCKEDで最大limit件取得し、
	// running状態にして試行回数を1増やす。
	ClaimDue(ctx context.Context, limit int) ([]*model.HarvestingJob, error)

	// UpdateProgress はジョブのフェーズと進捗率を更新する。
	UpdateProgress(ctx context.Context, id string, phase model.JobPhase, progress int) error

	// MarkSucceeded はジョブを正常終了にする。
	MarkSucceeded(ctx context.Context, id string) error

	// MarkFailed はジョブを失敗で終了にする。
	MarkFailed(ctx context.Context, id, message string) error

	// Reschedule はジョブをpendingに戻し、次回実行時刻を設定する。
	Reschedule(ctx context.Context, id, message string, nextAttemptAt time.Time) error

	// Cancel はpendingのジョブを取り消す。取り消した場合はtrueを返す。
	Cancel(ctx context.Context, id string) (bool, error)

	// AppendLog はジョブログを1行追加する。
	AppendLog(ctx context.Context, log *model.JobLog) error

	// ListLogs はジョブログを記録順で返す。
	ListLogs(ctx context.Context, jobID string) ([]*model.JobLog, error)

	// DeleteFinishedBefore はbeforeより前に終了したジョブを削除し、削除件数を返す。
	// ジョブログはCASCADE削除される。
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)

	// RequeueStale は一定時間以上running状態のまま更新されていないジョブをpendingに戻す。
	RequeueStale(ctx context.Context, before time.Time) (int64, error)
}

// AllowedOperationRepository は許可設定の永続化インターフェース。
type AllowedOperationRepository interface {
	// FindByID は指定IDの許可設定をグループID付きで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.AllowedOperation, error)

	// List は許可設定一覧を返す。serviceIDが空の場合は全サービスが対象。
	List(ctx context.Context, serviceID string) ([]*model.AllowedOperation, error)

	// Create は許可設定とグループの紐付けを同一トランザクションで作成する。
	Create(ctx context.Context, op *model.AllowedOperation) error

	// Update は許可設定とグループの紐付けを同一トランザクションで更新する。
	Update(ctx context.Context, op *model.AllowedOperation) error

	// DeleteByID は指定IDの許可設定を削除する。
	DeleteByID(ctx context.Context, id string) error
}

// ProxyLogRepository はプロキシアクセスログの永続化インターフェース。
type ProxyLogRepository interface {
	// Create はアクセスログを記録する。
	Create(ctx context.Context, log *model.ProxyLog) error

	// DeleteOlderThan はbeforeより古いアクセスログを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}
