package middleware

import "net/http"

// corsExposedHeaders はフロントエンドが読む必要のあるレスポンスヘッダー。
// 登録直後のジョブ追跡にLocation、レート制限にRetry-Afterを使う。
const corsExposedHeaders = "Location, Retry-After"

// NewCORSMiddleware は管理画面のオリジンだけにクロスオリジンのCookie付きアクセスを許可する。
// Originが一致しないリクエストにはCORSヘッダーを付けず、プリフライトは204で打ち切る。
func NewCORSMiddleware(allowedOrigin string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Add("Vary", "Origin")

			if origin := r.Header.Get("Origin"); origin != "" && origin == allowedOrigin {
				h.Set("Access-Control-Allow-Origin", allowedOrigin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
				if r.Method == http.MethodOptions {
					h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE")
					h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+CSRFHeaderName)
					h.Set("Access-Control-Max-Age", "600")
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
