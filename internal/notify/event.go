// Package notify はハーベストやサービス状態の変化をイベントとして配信する。
// APIプロセスとワーカープロセスの間はPostgreSQLのLISTEN/NOTIFYで中継し、
// ブラウザへはWebSocketで送る。
package notify

import (
	"context"
	"regexp"
	"time"
)

// Channel はイベントを流すPostgreSQLの通知チャネル名。
const Channel = "mrmap_events"

// EventType はイベントの種類。
type EventType string

const (
	EventServiceRegistered EventType = "service.registered"
	EventServiceUpdated    EventType = "service.updated"
	EventServiceDeleted    EventType = "service.deleted"
	EventJobCreated        EventType = "job.created"
	EventJobProgress       EventType = "job.progress"
	EventJobFinished       EventType = "job.finished"
	EventMonitoringChecked EventType = "monitoring.checked"
)

// Event はクライアントへ配信する1件の通知。
type Event struct {
	Type     EventType `json:"type"`
	Resource string    `json:"resource"`
	ID       string    `json:"id"`
	Status   string    `json:"status,omitempty"`
	Phase    string    `json:"phase,omitempty"`
	Progress int       `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at"`
}

// urlPattern はメッセージ中の絶対URL。保護サービスのオリジンURLや資格情報を含み得る。
var urlPattern = regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.-]*://[^\s"'<>）」]+`)

// redactedURL はメッセージから取り除いたURLの置き換え文字列。
const redactedURL = "[URL]"

// Redacted はMessageから絶対URLを取り除いたイベントを返す。
// 通知は全ログインユーザーへ届くため、ブラウザへ送る前に必ず通す。
func (ev Event) Redacted() Event {
	if ev.Message != "" {
		ev.Message = urlPattern.ReplaceAllString(ev.Message, redactedURL)
	}
	return ev
}

// Publisher はイベント送信のインターフェース。
// 送信失敗は呼び出し側で警告ログに留め、本処理は失敗させない。
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher はイベントを捨てるPublisher。通知が不要なコマンドやテストで使う。
type NopPublisher struct{}

// Publish は何もしない。
func (NopPublisher) Publish(context.Context, Event) error { return nil }
