package xmlmapper

import (
	"fmt"
	"sort"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

type mapperKey struct {
	Type    model.ServiceType
	Version string
}

type mapFunc func(body []byte) (*Document, error)

// mappers はサービス種別・バージョンごとのマッピング定義。
var mappers = map[mapperKey]mapFunc{
	{model.ServiceTypeWMS, "1.1.0"}: mapWMS111,
	{model.ServiceTypeWMS, "1.1.1"}: mapWMS111,
	{model.ServiceTypeWMS, "1.3.0"}: mapWMS130,
	{model.ServiceTypeWFS, "1.0.0"}: mapWFS100,
	{model.ServiceTypeWFS, "1.1.0"}: mapWFS110,
	{model.ServiceTypeWFS, "2.0.0"}: mapWFS200,
	{model.ServiceTypeWFS, "2.0.2"}: mapWFS200,
	{model.ServiceTypeCSW, "2.0.2"}: mapCSW202,
	{model.ServiceTypeATOM, ""}:     mapAtom,
}

// SupportedVersions は種別ごとに対応しているバージョンを昇順で返す。
// ATOMはバージョンを持たないため空スライスを返す。
func SupportedVersions(t model.ServiceType) []string {
	var out []string
	for k := range mappers {
		if k.Type == t && k.Version != "" {
			out = append(out, k.Version)
		}
	}
	sort.Strings(out)
	return out
}

// IsSupported は種別とバージョンの組にマッピングがあるかを返す。
func IsSupported(t model.ServiceType, version string) bool {
	if t == model.ServiceTypeATOM {
		return true
	}
	_, ok := mappers[mapperKey{t, version}]
	return ok
}

// ParseCapabilities はケーパビリティ文書を判別し、該当するマッピングで変換する。
// 例外レポートの場合は*ExceptionErrorを返す。
func ParseCapabilities(body []byte) (*Document, error) {
	h, err := Detect(body)
	if err != nil {
		return nil, err
	}

	switch h.Kind {
	case KindException:
		return nil, ParseException(body)
	case KindCapabilities:
	default:
		return nil, fmt.Errorf("%w: root element %q", ErrUnsupportedDocument, h.Root)
	}

	version := h.Version
	if h.Type == model.ServiceTypeATOM {
		version = ""
	}
	fn, ok := mappers[mapperKey{h.Type, version}]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrUnsupportedVersion, h.Type, h.Version)
	}
	doc, err := fn(body)
	if err != nil {
		return nil, fmt.Errorf("map %s %s capabilities: %w", h.Type, h.Version, err)
	}
	return doc, nil
}
