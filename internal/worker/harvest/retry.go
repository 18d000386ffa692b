package harvest

import (
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// FetchResult はHTTPステータスコードに基づく取得結果の分類。
type FetchResult int

const (
	// FetchResultOK は取得成功（200）。
	FetchResultOK FetchResult = iota
	// FetchResultPermanent は再試行しても回復しないステータス（404/410/401/403）。
	FetchResultPermanent
	// FetchResultRetryable は時間をおけば回復しうるステータス（429/5xx）。
	FetchResultRetryable
	// FetchResultUnknown は上記以外のステータス。リトライ対象として扱う。
	FetchResultUnknown
)

const (
	// initialBackoff は指数バックオフの初回遅延（1分）。
	initialBackoff = time.Minute
	// maxBackoff は指数バックオフの最大遅延（1時間）。
	maxBackoff = time.Hour
)

// ClassifyHTTPStatus はHTTPステータスコードを取得結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode == 200:
		return FetchResultOK
	case statusCode == 404 || statusCode == 410:
		return FetchResultPermanent
	case statusCode == 401 || statusCode == 403:
		return FetchResultPermanent
	case statusCode == 429:
		return FetchResultRetryable
	case statusCode >= 500:
		return FetchResultRetryable
	default:
		return FetchResultUnknown
	}
}

// CalculateBackoff は失敗済みの試行回数に基づいて指数バックオフ遅延を計算する。
// 初回1分、2倍ずつ増加、最大1時間。
func CalculateBackoff(failedAttempts int) time.Duration {
	delay := initialBackoff
	for i := 1; i < failedAttempts; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// failure はハーベスト失敗の分類。reasonはメトリクスのラベルに使う。
type failure struct {
	permanent bool
	reason    string
	err       error
}

func (f *failure) Error() string { return f.err.Error() }

func (f *failure) Unwrap() error { return f.err }

// permanentFailure は再試行しない失敗を作る。
func permanentFailure(reason string, format string, args ...any) *failure {
	return &failure{permanent: true, reason: reason, err: fmt.Errorf(format, args...)}
}

// retryableFailure は再試行対象の失敗を作る。
func retryableFailure(reason string, format string, args ...any) *failure {
	return &failure{reason: reason, err: fmt.Errorf(format, args...)}
}

// asFailure はerrを*failureに変換する。分類されていないエラーは再試行対象とする。
// PostgreSQLのデータ例外（22）と制約違反（23）は恒久的な失敗とする。
func asFailure(err error) *failure {
	var f *failure
	if errors.As(err, &f) {
		return f
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23":
			return &failure{permanent: true, reason: "invalid_content", err: err}
		}
	}
	return &failure{reason: "internal", err: err}
}
