package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

// JSONAPIMediaType はJSON:APIのメディアタイプ。
const JSONAPIMediaType = "application/vnd.api+json"

// ErrorObject はJSON:APIのエラーオブジェクト。
// metaに原因カテゴリと対処方法を含める。
type ErrorObject struct {
	Status string         `json:"status"`
	Code   string         `json:"code"`
	Title  string         `json:"title"`
	Detail string         `json:"detail,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// ErrorDocument はエラーレスポンスのトップレベルドキュメント。
type ErrorDocument struct {
	Errors []ErrorObject `json:"errors"`
}

// WriteErrorResponse はJSON:API形式のエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", JSONAPIMediaType)
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorDocument{
		Errors: []ErrorObject{{
			Status: strconv.Itoa(statusCode),
			Code:   apiErr.Code,
			Title:  http.StatusText(statusCode),
			Detail: apiErr.Message,
			Meta: map[string]any{
				"category": apiErr.Category,
				"action":   apiErr.Action,
			},
		}},
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
