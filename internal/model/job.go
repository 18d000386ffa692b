package model

import "time"

// JobStatus はハーベストジョブの状態を表す。
type JobStatus string

const (
	// JobStatusPending は実行待ち（リトライ待ちを含む）。
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning はワーカーが実行中。
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded は正常終了。
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed は恒久的な失敗、またはリトライ上限到達。
	JobStatusFailed JobStatus = "failed"
	// JobStatusCanceled は実行前に取り消された。
	JobStatusCanceled JobStatus = "canceled"
)

// IsFinished は終了状態かどうかを返す。
func (s JobStatus) IsFinished() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// JobPhase はハーベスト処理のフェーズを表す。
type JobPhase string

const (
	JobPhaseQueued            JobPhase = "queued"
	JobPhaseFetchCapabilities JobPhase = "fetch_capabilities"
	JobPhaseParseCapabilities JobPhase = "parse_capabilities"
	JobPhasePersist           JobPhase = "persist"
	JobPhaseFetchMetadata     JobPhase = "fetch_metadata"
	JobPhaseDone              JobPhase = "done"
)

// HarvestingJob はサービスのケーパビリティ取得・解析・保存を行うバックグラウンドジョブ。
type HarvestingJob struct {
	ID            string
	ServiceID     string
	Status        JobStatus
	Phase         JobPhase
	Progress      int
	Attempts      int
	MaxAttempts   int
	ErrorMessage  string
	NextAttemptAt time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	CreatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// LogLevel はジョブログのレベル。
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// JobLog はジョブの実行ログ1行を表す。
type JobLog struct {
	ID        int64
	JobID     string
	Level     LogLevel
	Message   string
	CreatedAt time.Time
}

// JobFilter はジョブ一覧の絞り込み条件。
type JobFilter struct {
	Status    JobStatus
	ServiceID string
}
