package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// maxMessageLength はNOTIFYペイロード上限（8000バイト）に収めるためのメッセージ長上限。
const maxMessageLength = 1000

// PGPublisher はpg_notifyでイベントを送る。
type PGPublisher struct {
	db *sql.DB
}

// NewPGPublisher はPGPublisherを生成する。
func NewPGPublisher(db *sql.DB) *PGPublisher {
	return &PGPublisher{db: db}
}

// Publish はイベントをJSONにしてmrmap_eventsチャネルへ通知する。
func (p *PGPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if r := []rune(ev.Message); len(r) > maxMessageLength {
		ev.Message = string(r[:maxMessageLength])
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Channel, string(payload)); err != nil {
		return fmt.Errorf("イベントの通知に失敗しました: %w", err)
	}
	return nil
}

// Broadcaster は受信したイベントの配信先。
type Broadcaster interface {
	Broadcast(ev Event)
}

// PGListener はLISTENで受けたイベントをBroadcasterへ転送する。
type PGListener struct {
	dsn    string
	target Broadcaster
	logger *slog.Logger
}

// NewPGListener はPGListenerを生成する。
func NewPGListener(dsn string, target Broadcaster, logger *slog.Logger) *PGListener {
	return &PGListener{dsn: dsn, target: target, logger: logger}
}

// Run はctxがキャンセルされるまでイベントを受信し続ける。
// 接続断はpq.Listenerが再接続する。再接続直後はnil通知が届く。
func (l *PGListener) Run(ctx context.Context) error {
	listener := pq.NewListener(l.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			l.logger.Warn("notification listener event", slog.Int("event", int(ev)), slog.String("error", err.Error()))
		}
	})
	defer listener.Close()

	if err := listener.Listen(Channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", Channel, err)
	}
	l.logger.Info("notification listener started", slog.String("channel", Channel))

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("notification listener stopped")
			return nil

		case n := <-listener.Notify:
			if n == nil {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(n.Extra), &ev); err != nil {
				l.logger.Warn("invalid notification payload", slog.String("error", err.Error()))
				continue
			}
			l.target.Broadcast(ev)

		case <-time.After(90 * time.Second):
			go func() {
				if err := listener.Ping(); err != nil {
					l.logger.Warn("notification listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}
