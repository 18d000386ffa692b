// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, registry, harvest, accounts, security, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest           = "INVALID_REQUEST"
	ErrCodeValidationFailed         = "VALIDATION_FAILED"
	ErrCodeInvalidURL               = "INVALID_URL"
	ErrCodeSSRFBlocked              = "SSRF_BLOCKED"
	ErrCodeFetchFailed              = "FETCH_FAILED"
	ErrCodeCapabilitiesNotDetected  = "CAPABILITIES_NOT_DETECTED"
	ErrCodeDuplicateService         = "DUPLICATE_SERVICE"
	ErrCodeServiceNotFound          = "SERVICE_NOT_FOUND"
	ErrCodeLayerNotFound            = "LAYER_NOT_FOUND"
	ErrCodeJobNotFound              = "JOB_NOT_FOUND"
	ErrCodeJobAlreadyRunning        = "JOB_ALREADY_RUNNING"
	ErrCodeJobNotCancelable         = "JOB_NOT_CANCELABLE"
	ErrCodeOrganizationNotFound     = "ORGANIZATION_NOT_FOUND"
	ErrCodeDuplicateOrganization    = "DUPLICATE_ORGANIZATION"
	ErrCodeGroupNotFound            = "GROUP_NOT_FOUND"
	ErrCodeDuplicateGroup           = "DUPLICATE_GROUP"
	ErrCodeUserNotFound             = "USER_NOT_FOUND"
	ErrCodeDuplicateUser            = "DUPLICATE_USER"
	ErrCodeCannotDeleteSelf         = "CANNOT_DELETE_SELF"
	ErrCodeNoOrganization           = "NO_ORGANIZATION"
	ErrCodeInvalidCredentials       = "INVALID_CREDENTIALS"
	ErrCodeUnauthorized             = "UNAUTHORIZED"
	ErrCodeForbidden                = "FORBIDDEN"
	ErrCodeAllowedOperationNotFound = "ALLOWED_OPERATION_NOT_FOUND"
	ErrCodeInvalidOperation         = "INVALID_OPERATION"
	ErrCodeInvalidAllowedArea       = "INVALID_ALLOWED_AREA"
	ErrCodeInvalidFilter            = "INVALID_FILTER"
)

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "JSON:API形式（data.type と data.attributes）でリクエストしてください。",
	}
}

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(detail string) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("入力値が不正です: %s", detail),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているサービスのURLを入力してください。ローカルネットワークやプライベートIPへのアクセスは許可されていません。",
	}
}

// NewFetchFailedError はフェッチ失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("URLの取得に失敗しました: %s", reason),
		Category: "registry",
		Action:   "URLが正しいか確認し、しばらく待ってから再度お試しください。",
	}
}

// NewCapabilitiesNotDetectedError はケーパビリティ文書の未検出エラーを生成する。
func NewCapabilitiesNotDetectedError(url string) *APIError {
	return &APIError{
		Code:     ErrCodeCapabilitiesNotDetected,
		Message:  fmt.Sprintf("指定されたURLからOGCケーパビリティ文書を検出できませんでした: %s", url),
		Category: "registry",
		Action:   "GetCapabilitiesリクエストのURL、またはATOMフィードのURLを直接入力してください。",
	}
}

// NewDuplicateServiceError は同一ケーパビリティURLのサービスが登録済みの場合のエラーを生成する。
func NewDuplicateServiceError() *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateService,
		Message:  "このサービスは既に登録されています。",
		Category: "registry",
		Action:   "サービス一覧から該当サービスを確認してください。",
	}
}

// NewServiceNotFoundError はサービス未検出エラーを生成する。
func NewServiceNotFoundError(serviceID string) *APIError {
	return &APIError{
		Code:     ErrCodeServiceNotFound,
		Message:  fmt.Sprintf("指定されたサービスが見つかりません: %s", serviceID),
		Category: "registry",
		Action:   "サービスIDを確認してください。",
	}
}

// NewLayerNotFoundError はレイヤ未検出エラーを生成する。
func NewLayerNotFoundError(layerID string) *APIError {
	return &APIError{
		Code:     ErrCodeLayerNotFound,
		Message:  fmt.Sprintf("指定されたレイヤが見つかりません: %s", layerID),
		Category: "registry",
		Action:   "レイヤIDを確認してください。",
	}
}

// NewJobNotFoundError はジョブ未検出エラーを生成する。
func NewJobNotFoundError(jobID string) *APIError {
	return &APIError{
		Code:     ErrCodeJobNotFound,
		Message:  fmt.Sprintf("指定されたジョブが見つかりません: %s", jobID),
		Category: "harvest",
		Action:   "ジョブIDを確認してください。",
	}
}

// NewJobAlreadyRunningError は実行待ち・実行中のジョブが存在する場合のエラーを生成する。
func NewJobAlreadyRunningError() *APIError {
	return &APIError{
		Code:     ErrCodeJobAlreadyRunning,
		Message:  "このサービスには実行待ちまたは実行中のハーベストジョブがあります。",
		Category: "harvest",
		Action:   "ジョブの完了を待ってから再度お試しください。",
	}
}

// NewJobNotCancelableError は取り消せない状態のジョブに対するエラーを生成する。
func NewJobNotCancelableError(status JobStatus) *APIError {
	return &APIError{
		Code:     ErrCodeJobNotCancelable,
		Message:  fmt.Sprintf("状態が %s のジョブは取り消せません。", status),
		Category: "harvest",
		Action:   "取り消しは実行待ちのジョブに対してのみ行えます。",
	}
}

// NewOrganizationNotFoundError は組織未検出エラーを生成する。
func NewOrganizationNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeOrganizationNotFound,
		Message:  fmt.Sprintf("指定された組織が見つかりません: %s", id),
		Category: "accounts",
		Action:   "組織IDを確認してください。",
	}
}

// NewDuplicateOrganizationError は組織名重複エラーを生成する。
func NewDuplicateOrganizationError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateOrganization,
		Message:  fmt.Sprintf("組織名 %q は既に使用されています。", name),
		Category: "accounts",
		Action:   "別の組織名を指定してください。",
	}
}

// NewGroupNotFoundError はグループ未検出エラーを生成する。
func NewGroupNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeGroupNotFound,
		Message:  fmt.Sprintf("指定されたグループが見つかりません: %s", id),
		Category: "accounts",
		Action:   "グループIDを確認してください。",
	}
}

// NewDuplicateGroupError はグループ名重複エラーを生成する。
func NewDuplicateGroupError(name string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateGroup,
		Message:  fmt.Sprintf("グループ名 %q はこの組織内で既に使用されています。", name),
		Category: "accounts",
		Action:   "別のグループ名を指定してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  "ユーザーが見つかりません。",
		Category: "accounts",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewDuplicateUserError はユーザー名重複エラーを生成する。
func NewDuplicateUserError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeDuplicateUser,
		Message:  fmt.Sprintf("ユーザー名 %q は既に使用されています。", username),
		Category: "accounts",
		Action:   "別のユーザー名を指定してください。",
	}
}

// NewCannotDeleteSelfError は自分自身の削除要求に対するエラーを生成する。
func NewCannotDeleteSelfError() *APIError {
	return &APIError{
		Code:     ErrCodeCannotDeleteSelf,
		Message:  "ログイン中のユーザー自身は削除できません。",
		Category: "accounts",
		Action:   "別の管理者ユーザーで削除してください。",
	}
}

// NewNoOrganizationError は組織に所属しないユーザーがサービス登録しようとした場合のエラーを生成する。
func NewNoOrganizationError() *APIError {
	return &APIError{
		Code:     ErrCodeNoOrganization,
		Message:  "組織に所属していないユーザーはサービスを登録できません。",
		Category: "registry",
		Action:   "管理者に組織への所属を依頼してください。",
	}
}

// NewInvalidCredentialsError は認証情報不一致エラーを生成する。
// ユーザーの存在有無を判別できないよう、常に同じメッセージを返す。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "ユーザー名またはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度ログインしてください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインしてください。",
	}
}

// NewForbiddenError は権限不足エラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "サービスを所有する組織の管理者に問い合わせてください。",
	}
}

// NewAllowedOperationNotFoundError は許可設定の未検出エラーを生成する。
func NewAllowedOperationNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeAllowedOperationNotFound,
		Message:  fmt.Sprintf("指定された許可設定が見つかりません: %s", id),
		Category: "security",
		Action:   "許可設定IDを確認してください。",
	}
}

// NewInvalidOperationError はサービス種別に存在しないオペレーション名のエラーを生成する。
func NewInvalidOperationError(op string, serviceType ServiceType) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidOperation,
		Message:  fmt.Sprintf("オペレーション %q は %s では使用できません。", op, serviceType),
		Category: "validation",
		Action:   "サービス種別に対応したオペレーション名を指定してください。",
	}
}

// NewInvalidAllowedAreaError は許可範囲のWKTが不正な場合のエラーを生成する。
func NewInvalidAllowedAreaError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidAllowedArea,
		Message:  fmt.Sprintf("許可範囲が不正です: %s", reason),
		Category: "validation",
		Action:   "EPSG:4326のWKT POLYGON または MULTIPOLYGON を指定してください。",
	}
}

// NewInvalidFilterError は無効なフィルタエラーを生成する。
func NewInvalidFilterError(filter string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidFilter,
		Message:  fmt.Sprintf("無効なフィルタです: %s", filter),
		Category: "validation",
		Action:   "フィルタの値を確認してください。",
	}
}
