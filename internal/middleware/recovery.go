package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
)

// owsPathPrefix 配下はOWSクライアント向けのため、JSON:APIではなくOGC例外で応答する。
const owsPathPrefix = "/ows/"

const owsPanicException = `<?xml version="1.0" encoding="UTF-8"?>
<ServiceExceptionReport version="1.3.0" xmlns="http://www.opengis.net/ogc">
  <ServiceException code="NoApplicableCode">internal server error</ServiceException>
</ServiceExceptionReport>
`

// NewRecoveryMiddleware はハンドラー内のpanicを500応答に変換するミドルウェアを返す。
// /ows/配下はServiceExceptionReport、それ以外はJSON:APIのエラードキュメントを書き込む。
// http.ErrAbortHandlerはnet/httpに委ねる。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("handler panicked",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("stack", string(debug.Stack())),
				)
				if strings.HasPrefix(r.URL.Path, owsPathPrefix) {
					w.Header().Set("Content-Type", "application/vnd.ogc.se_xml")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(owsPanicException))
					return
				}
				WriteInternalServerError(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
