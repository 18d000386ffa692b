package middleware

import (
	"net/http"
	"strings"
)

// NewSecurityHeadersMiddleware はAPIとOWSプロキシの応答にセキュリティヘッダーを付ける。
// どちらもHTMLを返さないためフレーム埋め込みとスクリプトは一律に禁止する。
// /api/配下はセッションに依存する内容のためキャッシュさせない。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			if strings.HasPrefix(r.URL.Path, "/api/") {
				h.Set("Cache-Control", "no-store")
			}
			next.ServeHTTP(w, r)
		})
	}
}
