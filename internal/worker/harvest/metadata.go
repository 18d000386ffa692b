package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/security"
	"github.com/mrmap-community/mrmap-sub007/internal/xmlmapper"
)

// harvestMetadata はメタデータURLを並列に取得して保存し、保存できた件数を返す。
// 個々の取得失敗は警告ログとして記録し、ジョブの失敗にはしない。
func (h *Harvester) harvestMetadata(ctx context.Context, job *model.HarvestingJob, serviceID string, targets []metadataTarget) (int, error) {
	if len(targets) == 0 {
		return 0, h.progress(ctx, job, model.JobPhaseFetchMetadata, progressMetadataEnd)
	}

	var (
		mu       sync.Mutex
		done     int
		stored   int
		reported = progressMetadataStart
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.config.MetadataConcurrency)

	for _, target := range targets {
		g.Go(func() error {
			err := h.harvestRecord(gctx, serviceID, target)
			if gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			done++
			if err != nil {
				h.appendLog(gctx, job.ID, model.LogLevelWarning,
					fmt.Sprintf("メタデータの取得に失敗しました: %s: %v", target.URL, err))
				h.logger.Warn("メタデータの取得に失敗しました",
					slog.String("job_id", job.ID),
					slog.String("metadata_url", target.URL),
					slog.String("error", err.Error()),
				)
			} else {
				stored++
			}

			// 5%刻みで進捗を更新する
			percent := progressMetadataStart + (progressMetadataEnd-progressMetadataStart)*done/len(targets)
			if percent-reported >= 5 || done == len(targets) {
				reported = percent
				if err := h.progress(gctx, job, model.JobPhaseFetchMetadata, percent); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return stored, err
	}
	return stored, nil
}

// harvestRecord はメタデータ文書を1件取得して保存する。
func (h *Harvester) harvestRecord(ctx context.Context, serviceID string, target metadataTarget) error {
	if err := h.ssrfGuard.ValidateURL(target.URL); err != nil {
		return fmt.Errorf("SSRF検証に失敗: %w", err)
	}

	client := h.ssrfGuard.NewSafeClient(h.config.Timeout, h.config.MaxBodySize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/xml, text/xml, */*")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTPステータス %d", resp.StatusCode)
	}
	body, err := security.ReadBody(resp.Body, h.config.MaxBodySize)
	if err != nil {
		return fmt.Errorf("レスポンス読み取り失敗: %w", err)
	}

	parsed, err := xmlmapper.ParseMetadata(body)
	if err != nil {
		return err
	}

	record := &model.MetadataRecord{
		ID:             uuid.New().String(),
		ServiceID:      serviceID,
		LayerID:        target.LayerID,
		FeatureTypeID:  target.FeatureTypeID,
		OriginURL:      target.URL,
		FileIdentifier: parsed.FileIdentifier,
		Title:          h.sanitizer.Sanitize(parsed.Title),
		Abstract:       h.sanitizer.Sanitize(parsed.Abstract),
		Keywords:       security.SanitizeAll(h.sanitizer, parsed.Keywords),
		Language:       parsed.Language,
		HierarchyLevel: parsed.HierarchyLevel,
		DateStamp:      parsed.DateStamp,
		BBox:           toBoundingBox(parsed.BBox),
		RawXML:         body,
	}
	return h.repos.Metadata.Upsert(ctx, record)
}
