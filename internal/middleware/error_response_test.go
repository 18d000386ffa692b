package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

func TestWriteErrorResponse_JSONAPIDocument(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorResponse(w, http.StatusConflict, model.NewDuplicateServiceError())

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if ct := w.Header().Get("Content-Type"); ct != JSONAPIMediaType {
		t.Errorf("Content-Type = %q, want %q", ct, JSONAPIMediaType)
	}

	var doc ErrorDocument
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(doc.Errors) != 1 {
		t.Fatalf("len(errors) = %d, want 1", len(doc.Errors))
	}
	e := doc.Errors[0]
	if e.Status != "409" || e.Code != model.ErrCodeDuplicateService || e.Title != "Conflict" {
		t.Errorf("error object = %+v", e)
	}
	if e.Detail == "" {
		t.Error("detail should carry the message")
	}
	if e.Meta["category"] != "registry" || e.Meta["action"] == "" {
		t.Errorf("meta = %v", e.Meta)
	}
}

// TestWriteInternalServerError は内部エラーの詳細がレスポンスに含まれないことを検証する。
func TestWriteInternalServerError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteInternalServerError(w)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	var doc ErrorDocument
	if err := json.NewDecoder(w.Body).Decode(&doc); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if doc.Errors[0].Code != "INTERNAL_ERROR" || doc.Errors[0].Meta["category"] != "system" {
		t.Errorf("error object = %+v", doc.Errors[0])
	}
}

func TestRecoveryMiddleware_ReturnsJSONAPI500(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := NewRecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/registry/services", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if ct := w.Header().Get("Content-Type"); ct != JSONAPIMediaType {
		t.Errorf("Content-Type = %q, want %q", ct, JSONAPIMediaType)
	}
	entry := decodeLogEntry(t, &buf)
	if entry["panic"] != "boom" || entry["path"] != "/api/v1/registry/services" {
		t.Errorf("log entry = %v", entry)
	}
}

// TestRecoveryMiddleware_OWSPathReturnsServiceException はOWSクライアントへOGC例外で応答することを検証する。
func TestRecoveryMiddleware_OWSPathReturnsServiceException(t *testing.T) {
	handler := NewRecoveryMiddleware(slog.New(slog.NewJSONHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ows/svc-1?SERVICE=WMS&REQUEST=GetMap", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/vnd.ogc.se_xml" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), `code="NoApplicableCode"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestRecoveryMiddleware_AbortHandlerIsRepanicked(t *testing.T) {
	handler := NewRecoveryMiddleware(slog.New(slog.NewJSONHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("recover() = %v, want http.ErrAbortHandler", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ows/svc-1", nil))
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	handler := NewSecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, path := range []string{"/api/v1/registry/services", "/ows/svc-1"} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

		for header, want := range map[string]string{
			"X-Content-Type-Options":  "nosniff",
			"X-Frame-Options":         "DENY",
			"Referrer-Policy":         "no-referrer",
			"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		} {
			if got := w.Header().Get(header); got != want {
				t.Errorf("%s: %s = %q, want %q", path, header, got, want)
			}
		}
	}
}

// TestSecurityHeadersMiddleware_NoStoreOnlyForAPI はOWS応答のキャッシュ制御を上流に委ねることを検証する。
func TestSecurityHeadersMiddleware_NoStoreOnlyForAPI(t *testing.T) {
	handler := NewSecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("api Cache-Control = %q, want no-store", got)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ows/svc-1", nil))
	if got := w.Header().Get("Cache-Control"); got != "" {
		t.Errorf("ows Cache-Control = %q, want empty", got)
	}
}
