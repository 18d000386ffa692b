package ows

import (
	"bytes"
	"encoding/xml"
	"sort"
)

// RewriteCapabilities はケーパビリティ文書中のオリジンURLをすべてプロキシURLに置き換える。
// 生の表記とXMLエスケープ（&amp;）された表記の両方を対象にする。
func RewriteCapabilities(doc []byte, originURLs []string, proxyURL string) []byte {
	urls := make([]string, 0, len(originURLs))
	seen := make(map[string]bool)
	for _, u := range originURLs {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	// 長いURLを先に置き換えて前方一致の短いURLに部分的に潰されないようにする
	sort.Slice(urls, func(i, j int) bool { return len(urls[i]) > len(urls[j]) })

	escapedProxy := escapeXML(proxyURL)
	out := doc
	for _, u := range urls {
		escaped := escapeXML(u)
		if escaped != u {
			out = bytes.ReplaceAll(out, []byte(escaped), []byte(escapedProxy))
		}
		out = bytes.ReplaceAll(out, []byte(u), []byte(escapedProxy))
	}
	return out
}

func escapeXML(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
