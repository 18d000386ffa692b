package registry

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/ows"
	"github.com/mrmap-community/mrmap-sub007/internal/security"
	"github.com/mrmap-community/mrmap-sub007/internal/xmlmapper"
)

const (
	detectTimeout = 15 * time.Second
	detectMaxSize = 10 * 1024 * 1024
	// maxCandidates はHTMLから拾った候補のうち実際に検証する件数の上限。
	maxCandidates = 5
)

// Detection は検出されたケーパビリティ文書の所在と種別。
type Detection struct {
	URL         string
	ServiceType model.ServiceType
	Version     string
}

// Candidate はHTMLページから見つかったケーパビリティ文書へのリンク候補。
type Candidate struct {
	URL         string
	ServiceType model.ServiceType
}

// CapabilitiesDetector は入力URLからOGCケーパビリティ文書またはATOMフィードを探す。
type CapabilitiesDetector struct {
	ssrfGuard security.SSRFGuardService
}

// NewCapabilitiesDetector はCapabilitiesDetectorを生成する。
func NewCapabilitiesDetector(ssrfGuard security.SSRFGuardService) *CapabilitiesDetector {
	return &CapabilitiesDetector{ssrfGuard: ssrfGuard}
}

// Detect はURLがケーパビリティ文書かHTMLかを判定し、ケーパビリティ文書のURLを返す。
//  1. SSRF検証
//  2. 取得した文書のルート要素がケーパビリティ（ATOMを含む）ならそのまま返す
//  3. HTMLならGetCapabilitiesリンクとATOM alternateリンクを集め、先頭から検証する
func (d *CapabilitiesDetector) Detect(ctx context.Context, inputURL string) (*Detection, error) {
	if inputURL == "" {
		return nil, model.NewInvalidURLError("URLが入力されていません")
	}
	if err := d.ssrfGuard.ValidateURL(inputURL); err != nil {
		return nil, model.NewSSRFBlockedError()
	}

	body, contentType, err := d.fetch(ctx, inputURL)
	if err != nil {
		return nil, model.NewFetchFailedError(err.Error())
	}

	if det := detectDocument(inputURL, body); det != nil {
		return det, nil
	}

	if !isHTML(contentType, body) {
		return nil, model.NewCapabilitiesNotDetectedError(inputURL)
	}

	candidates := ParseCapabilitiesLinks(body, inputURL)
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	for _, c := range candidates {
		if err := d.ssrfGuard.ValidateURL(c.URL); err != nil {
			continue
		}
		cbody, _, err := d.fetch(ctx, c.URL)
		if err != nil {
			continue
		}
		if det := detectDocument(c.URL, cbody); det != nil {
			return det, nil
		}
	}
	return nil, model.NewCapabilitiesNotDetectedError(inputURL)
}

func (d *CapabilitiesDetector) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	client := d.ssrfGuard.NewSafeClient(detectTimeout, detectMaxSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/xml, text/xml, application/atom+xml, text/html;q=0.8, */*;q=0.5")

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := security.ReadBody(resp.Body, detectMaxSize)
	if err != nil {
		return nil, "", fmt.Errorf("レスポンスの読み取りに失敗: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// detectDocument はbodyがケーパビリティ文書であれば検出結果を返す。
// マッピングのないバージョンは収集できないため検出扱いにしない。
func detectDocument(rawURL string, body []byte) *Detection {
	h, err := xmlmapper.Detect(body)
	if err != nil || h.Kind != xmlmapper.KindCapabilities {
		return nil
	}
	if !xmlmapper.IsSupported(h.Type, h.Version) {
		slog.Debug("unsupported capabilities version",
			slog.String("url", rawURL),
			slog.String("type", string(h.Type)),
			slog.String("version", h.Version),
			slog.Any("supported", xmlmapper.SupportedVersions(h.Type)),
		)
		return nil
	}
	return &Detection{URL: rawURL, ServiceType: h.Type, Version: h.Version}
}

// isHTML はContent-Typeまたは先頭部分からHTML文書かを判定する。
func isHTML(contentType string, body []byte) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err == nil && strings.Contains(strings.ToLower(mediaType), "html") {
		return true
	}
	n := min(len(body), 1024)
	prefix := strings.ToLower(string(body[:n]))
	return strings.Contains(prefix, "<html") || strings.Contains(prefix, "<!doctype html")
}

// ParseCapabilitiesLinks はHTMLの<a href>と<link href>からケーパビリティ文書へのリンクを集める。
// REQUEST=GetCapabilitiesを含むリンクと、rel="alternate"のATOMリンクが対象。
// 相対URLはbaseURLを基準に解決し、同一ホストのリンクを先に並べる。
func ParseCapabilitiesLinks(body []byte, baseURL string) []Candidate {
	baseU, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var candidates []Candidate
	seen := make(map[string]bool)
	tokenizer := html.NewTokenizer(bytes.NewReader(body))

	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tn, hasAttr := tokenizer.TagName()
		tagName := string(tn)
		if (tagName != "a" && tagName != "link") || !hasAttr {
			continue
		}

		var rel, linkType, href string
		for {
			key, val, more := tokenizer.TagAttr()
			switch strings.ToLower(string(key)) {
			case "rel":
				rel = strings.ToLower(string(val))
			case "type":
				linkType = strings.ToLower(string(val))
			case "href":
				href = strings.TrimSpace(string(val))
			}
			if !more {
				break
			}
		}
		if href == "" {
			continue
		}

		resolved := resolveURL(baseU, href)
		if resolved == "" || seen[resolved] {
			continue
		}

		c, ok := classifyLink(resolved, rel, linkType)
		if !ok {
			continue
		}
		seen[resolved] = true
		candidates = append(candidates, c)
	}

	host := extractHost(baseURL)
	sort.SliceStable(candidates, func(i, j int) bool {
		return extractHost(candidates[i].URL) == host && extractHost(candidates[j].URL) != host
	})
	return candidates
}

// classifyLink はリンクがケーパビリティ文書を指していそうかを判定する。
func classifyLink(rawURL, rel, linkType string) (Candidate, bool) {
	if linkType == "application/atom+xml" && strings.Contains(rel, "alternate") {
		return Candidate{URL: rawURL, ServiceType: model.ServiceTypeATOM}, true
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return Candidate{}, false
	}
	q := u.Query()
	if !strings.EqualFold(ows.Param(q, "REQUEST"), "GetCapabilities") {
		return Candidate{}, false
	}
	st, _ := model.ParseServiceType(ows.Param(q, "SERVICE"))
	return Candidate{URL: rawURL, ServiceType: st}, true
}

// resolveURL は相対URLをベースURLを基準に絶対URLに解決する。
func resolveURL(base *url.URL, rawRef string) string {
	ref, err := url.Parse(rawRef)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// extractHost はURLからホスト名を抽出する。
func extractHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
