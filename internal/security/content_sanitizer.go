package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はハーベストしたテキスト項目からマークアップを除去する機能のインターフェース。
// ケーパビリティやメタデータのTitle/Abstractには稀にHTMLが埋め込まれているため、
// 保存前にプレーンテキストへ正規化する。
type TextSanitizerService interface {
	// Sanitize はHTMLタグを除去し、エンティティを復元したプレーンテキストを返す。
	// 連続する空白は1つにまとめ、前後の空白は取り除く。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのStrictPolicyで全タグを除去する。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はHTMLを除去したプレーンテキストを返す。
func (s *textSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyは残したテキストをエスケープするため、保存用に元の文字へ戻す
	plain := html.UnescapeString(s.policy.Sanitize(raw))
	return strings.Join(strings.Fields(plain), " ")
}

// SanitizeAll はスライスの各要素をサニタイズし、空になった要素を除く。
func SanitizeAll(s TextSanitizerService, values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = s.Sanitize(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
