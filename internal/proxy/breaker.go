package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mrmap-community/mrmap-sub007/internal/metrics"
)

// errUpstreamStatus は上流が5xxを返したことを表す。
// ブレーカーには失敗として数えるが、応答自体はクライアントへ返す。
var errUpstreamStatus = errors.New("upstream returned server error")

// BreakerSettings はサービスごとのサーキットブレーカー設定。
type BreakerSettings struct {
	MaxRequests         uint32        // half-open状態で通すリクエスト数
	Interval            time.Duration // closed状態でカウントをリセットする間隔
	Timeout             time.Duration // open状態からhalf-openへ移るまでの時間
	ConsecutiveFailures uint32        // openにする連続失敗数
}

// DefaultBreakerSettings はデフォルトのブレーカー設定を返す。
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         3,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// breakerSet はサービスIDごとのサーキットブレーカーを遅延生成して保持する。
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
	settings BreakerSettings
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

func newBreakerSet(settings BreakerSettings, collector metrics.MetricsCollector, logger *slog.Logger) *breakerSet {
	return &breakerSet{
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
		settings: settings,
		metrics:  collector,
		logger:   logger,
	}
}

// get はサービスのブレーカーを返す。未生成の場合は作成する。
func (s *breakerSet) get(serviceID string) *gobreaker.CircuitBreaker[*http.Response] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb, ok := s.breakers[serviceID]; ok {
		return cb
	}

	threshold := s.settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        serviceID,
		MaxRequests: s.settings.MaxRequests,
		Interval:    s.settings.Interval,
		Timeout:     s.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("サーキットブレーカーの状態が変化しました",
				slog.String("service_id", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			s.metrics.RecordBreakerStateChange(to.String())
		},
	})
	s.breakers[serviceID] = cb
	return cb
}

// isRejected はブレーカーがリクエストを通さなかったエラーかを返す。
func isRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
