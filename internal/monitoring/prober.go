// Package monitoring は登録済みサービスの死活監視を提供する。
// GetCapabilitiesによる疎通確認と、定期実行するバッチジョブを含む。
package monitoring

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/security"
	"github.com/mrmap-community/mrmap-sub007/internal/xmlmapper"
)

const userAgent = "MrMap/1.0 (+https://github.com/mrmap-community/mrmap)"

// Prober はサービスのケーパビリティURLにGETを送り、応答からサービスの可用性を判定する。
type Prober struct {
	ssrfGuard   security.SSRFGuardService
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
}

// NewProber はProberの新しいインスタンスを生成する。
func NewProber(ssrfGuard security.SSRFGuardService, logger *slog.Logger, timeout time.Duration, maxBodySize int64) *Prober {
	return &Prober{
		ssrfGuard:   ssrfGuard,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

// Probe はサービスを1回確認して結果を返す。
// 200かつ本文がケーパビリティ文書の場合のみ利用可能とする。
// 確認できなかった理由はErrorMessageに入れ、エラーとしては返さない。
func (p *Prober) Probe(ctx context.Context, svc *model.Service) *model.MonitoringResult {
	start := time.Now()
	result := &model.MonitoringResult{ServiceID: svc.ID}
	defer func() {
		result.DurationMs = time.Since(start).Milliseconds()
		result.CheckedAt = time.Now()
	}()

	if err := p.ssrfGuard.ValidateURL(svc.CapabilitiesURL); err != nil {
		result.ErrorMessage = fmt.Sprintf("SSRF検証に失敗しました: %v", err)
		return result
	}

	client := p.ssrfGuard.NewSafeClient(p.timeout, p.maxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, svc.CapabilitiesURL, nil)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("リクエスト作成に失敗しました: %v", err)
		return result
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		p.logger.Debug("死活監視のリクエストに失敗しました",
			slog.String("service_id", svc.ID),
			slog.String("error", err.Error()),
		)
		result.ErrorMessage = err.Error()
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		result.ErrorMessage = fmt.Sprintf("HTTPステータス %d", resp.StatusCode)
		return result
	}

	body, err := security.ReadBody(resp.Body, p.maxBodySize)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("レスポンス読み取りに失敗しました: %v", err)
		return result
	}

	h, err := xmlmapper.Detect(body)
	switch {
	case err != nil:
		result.ErrorMessage = "応答がXML文書ではありません"
	case h.Kind == xmlmapper.KindException:
		result.ErrorMessage = xmlmapper.ParseException(body).Error()
	case h.Kind != xmlmapper.KindCapabilities:
		result.ErrorMessage = fmt.Sprintf("応答がケーパビリティ文書ではありません（%s）", h.Root)
	default:
		result.Available = true
	}
	return result
}
