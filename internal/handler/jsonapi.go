// Package handler はJSON:API形式のHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/mrmap-community/mrmap-sub007/internal/middleware"
	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100

	// maxRequestBodySize はJSON:APIリクエストボディの上限（1MB）。
	maxRequestBodySize = 1 << 20
)

// Resource はJSON:APIのリソースオブジェクト。
type Resource struct {
	Type          string                  `json:"type"`
	ID            string                  `json:"id"`
	Attributes    any                     `json:"attributes,omitempty"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
	Links         map[string]string       `json:"links,omitempty"`
}

// ResourceIdentifier はリレーションシップで参照するリソース識別子。
type ResourceIdentifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Relationship はJSON:APIのリレーションシップ。Dataは識別子、識別子の配列、またはnull。
type Relationship struct {
	Data any `json:"data"`
}

// Document はJSON:APIのトップレベルドキュメント。
type Document struct {
	Data     any               `json:"data"`
	Included []Resource        `json:"included,omitempty"`
	Meta     map[string]any    `json:"meta,omitempty"`
	Links    map[string]string `json:"links,omitempty"`
}

// toOne は単一リソースへのリレーションシップを返す。idが空の場合はnullになる。
func toOne(resourceType, id string) Relationship {
	if id == "" {
		return Relationship{Data: nil}
	}
	return Relationship{Data: ResourceIdentifier{Type: resourceType, ID: id}}
}

// toMany は複数リソースへのリレーションシップを返す。
func toMany(resourceType string, ids []string) Relationship {
	data := make([]ResourceIdentifier, 0, len(ids))
	for _, id := range ids {
		data = append(data, ResourceIdentifier{Type: resourceType, ID: id})
	}
	return Relationship{Data: data}
}

// writeDocument はJSON:APIドキュメントを書き込む。
func writeDocument(w http.ResponseWriter, status int, doc Document) {
	w.Header().Set("Content-Type", middleware.JSONAPIMediaType)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		slog.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeResource は単一リソースのドキュメントを書き込む。
func writeResource(w http.ResponseWriter, status int, res Resource) {
	writeDocument(w, status, Document{Data: res})
}

// writeCollection はページネーションなしのリソース一覧を書き込む。
func writeCollection(w http.ResponseWriter, resources []Resource) {
	if resources == nil {
		resources = []Resource{}
	}
	writeDocument(w, http.StatusOK, Document{
		Data: resources,
		Meta: map[string]any{"count": len(resources)},
	})
}

// writePage はページネーション付きのリソース一覧を書き込む。
// meta.paginationに現在ページ・総ページ数・総件数、linksに前後のページURLを含める。
func writePage(w http.ResponseWriter, r *http.Request, resources []Resource, page model.Page, total int) {
	if resources == nil {
		resources = []Resource{}
	}
	pages := 0
	if total > 0 {
		pages = int(math.Ceil(float64(total) / float64(page.Size)))
	}
	writeDocument(w, http.StatusOK, Document{
		Data: resources,
		Meta: map[string]any{
			"pagination": map[string]int{
				"page":  page.Number,
				"pages": pages,
				"count": total,
			},
		},
		Links: paginationLinks(r.URL, page, pages),
	})
}

// paginationLinks はfirst/last/prev/nextのリンクを組み立てる。
// 存在しないページへのリンクは含めない。
func paginationLinks(u *url.URL, page model.Page, pages int) map[string]string {
	link := func(number int) string {
		q := u.Query()
		q.Set("page[number]", strconv.Itoa(number))
		q.Set("page[size]", strconv.Itoa(page.Size))
		return u.Path + "?" + q.Encode()
	}
	last := max(pages, 1)
	links := map[string]string{
		"first": link(1),
		"last":  link(last),
	}
	if page.Number > 1 {
		links["prev"] = link(min(page.Number-1, last))
	}
	if page.Number < pages {
		links["next"] = link(page.Number + 1)
	}
	return links
}

// parsePage はpage[number]とpage[size]を解析する。
// 省略時は1ページ目・20件、page[size]の上限は100。
func parsePage(r *http.Request) (model.Page, *model.APIError) {
	page := model.Page{Number: 1, Size: defaultPageSize}
	q := r.URL.Query()

	if v := q.Get("page[number]"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > model.MaxPageNumber {
			return page, model.NewInvalidFilterError("page[number]")
		}
		page.Number = n
	}
	if v := q.Get("page[size]"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			return page, model.NewInvalidFilterError("page[size]")
		}
		page.Size = n
	}
	return page, nil
}

// filterParam はfilter[name]の値を返す。
func filterParam(r *http.Request, name string) string {
	return strings.TrimSpace(r.URL.Query().Get("filter[" + name + "]"))
}

// --- リクエストボディ ---

// requestDocument はJSON:APIのリクエストドキュメント。
type requestDocument[T any] struct {
	Data struct {
		Type       string `json:"type"`
		ID         string `json:"id"`
		Attributes T      `json:"attributes"`
	} `json:"data"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator は属性検証用のvalidatorを返す。
// フィールド名はjsonタグの名前で報告する。
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// decodeResource はJSON:APIのリクエストドキュメントを読み取り、属性を検証する。
// data.typeがresourceTypeと一致しない場合はINVALID_REQUESTを返す。
func decodeResource[T any](w http.ResponseWriter, r *http.Request, resourceType string) (T, string, *model.APIError) {
	var doc requestDocument[T]
	var zero T

	body := http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return zero, "", model.NewInvalidRequestError()
	}
	if doc.Data.Type != resourceType {
		return zero, "", model.NewInvalidRequestError()
	}
	if apiErr := validateStruct(&doc.Data.Attributes); apiErr != nil {
		return zero, "", apiErr
	}
	return doc.Data.Attributes, doc.Data.ID, nil
}

// validateStruct はvalidateタグに従って構造体を検証する。
func validateStruct(v any) *model.APIError {
	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return model.NewInvalidRequestError()
	}
	details := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			details = append(details, fmt.Sprintf("%s (%s=%s)", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			details = append(details, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
		}
	}
	return model.NewValidationError(strings.Join(details, ", "))
}

// --- エラー ---

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// writeAPIError はAPIErrorをコードに対応するステータスで書き込む。
func writeAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeValidationFailed, model.ErrCodeInvalidURL,
		model.ErrCodeInvalidFilter, model.ErrCodeInvalidOperation, model.ErrCodeInvalidAllowedArea:
		return http.StatusBadRequest
	case model.ErrCodeInvalidCredentials, model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeSSRFBlocked, model.ErrCodeForbidden, model.ErrCodeNoOrganization, model.ErrCodeCannotDeleteSelf:
		return http.StatusForbidden
	case model.ErrCodeServiceNotFound, model.ErrCodeLayerNotFound, model.ErrCodeJobNotFound,
		model.ErrCodeOrganizationNotFound, model.ErrCodeGroupNotFound, model.ErrCodeUserNotFound,
		model.ErrCodeAllowedOperationNotFound:
		return http.StatusNotFound
	case model.ErrCodeDuplicateService, model.ErrCodeDuplicateOrganization, model.ErrCodeDuplicateGroup,
		model.ErrCodeDuplicateUser, model.ErrCodeJobAlreadyRunning, model.ErrCodeJobNotCancelable:
		return http.StatusConflict
	case model.ErrCodeCapabilitiesNotDetected:
		return http.StatusUnprocessableEntity
	case model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
