// Package xmlmapper はOGCケーパビリティ文書とISO 19139メタデータを
// サービス種別・バージョンごとのマッピング定義に従って構造化データへ変換する。
package xmlmapper

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulmach/orb"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

var (
	// ErrUnsupportedDocument はケーパビリティ・メタデータ・例外のいずれでもない文書。
	ErrUnsupportedDocument = errors.New("unsupported document")
	// ErrUnsupportedVersion はサービス種別は判別できたがバージョンのマッピングが無い文書。
	ErrUnsupportedVersion = errors.New("unsupported version")
)

// Kind は文書の大分類。
type Kind string

const (
	KindCapabilities Kind = "capabilities"
	KindMetadata     Kind = "metadata"
	KindException    Kind = "exception"
	KindUnknown      Kind = "unknown"
)

// Header はルート要素から判別した文書の種別情報。
type Header struct {
	Root      string
	Namespace string
	Type      model.ServiceType
	Version   string
	Kind      Kind
}

// Document はケーパビリティ文書を種別に依存しない形で表す。
type Document struct {
	Type              model.ServiceType
	Version           string
	Title             string
	Abstract          string
	Fees              string
	AccessConstraints string
	Keywords          []string
	Provider          Provider
	Operations        []Operation
	Layers            []Layer
	FeatureTypes      []FeatureType
	// MetadataURLs はサービス自身を記述するメタデータへのリンク。
	MetadataURLs []string
}

// Provider はサービス提供者の連絡先。
type Provider struct {
	Name          string
	Site          string
	ContactPerson string
	Email         string
	Phone         string
}

// Operation はオペレーション名とDCPエンドポイントの組。
type Operation struct {
	Name    string
	Method  string
	URL     string
	Formats []string
}

// Layer はWMSレイヤ、またはATOMフィードのデータセットエントリ。
type Layer struct {
	Identifier       string
	Title            string
	Abstract         string
	Keywords         []string
	Queryable        bool
	Opaque           bool
	Cascaded         bool
	BBox             *orb.Bound
	ReferenceSystems []string
	MetadataURLs     []string
	Children         []Layer
}

// FeatureType はWFSのフィーチャタイプ。
type FeatureType struct {
	Identifier       string
	Title            string
	Abstract         string
	Keywords         []string
	DefaultCRS       string
	ReferenceSystems []string
	BBox             *orb.Bound
	OutputFormats    []string
	MetadataURLs     []string
}

// MetadataRecord はISO 19139メタデータから取り出した項目。
type MetadataRecord struct {
	FileIdentifier string
	Title          string
	Abstract       string
	Keywords       []string
	Language       string
	HierarchyLevel string
	DateStamp      *time.Time
	BBox           *orb.Bound
}

// ExceptionError はリモートサービスが返したOGC例外レポート。
type ExceptionError struct {
	Code string
	Text string
}

// Error はerrorインターフェースを実装する。
func (e *ExceptionError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("ogc exception: %s", e.Text)
	}
	return fmt.Sprintf("ogc exception %s: %s", e.Code, e.Text)
}

// Walk はレイヤツリーを深さ優先（文書順）で走査する。
// fnにはレイヤ、親レイヤ（ルートはnil）、深さが渡される。
func Walk(layers []Layer, fn func(l *Layer, parent *Layer, depth int)) {
	var walk func(ls []Layer, parent *Layer, depth int)
	walk = func(ls []Layer, parent *Layer, depth int) {
		for i := range ls {
			fn(&ls[i], parent, depth)
			walk(ls[i].Children, &ls[i], depth+1)
		}
	}
	walk(layers, nil, 0)
}

// OperationURL は指定オペレーションのGETエンドポイントを返す。見つからなければ空文字。
func (d *Document) OperationURL(name string) string {
	for _, op := range d.Operations {
		if strings.EqualFold(op.Name, name) && op.Method == "GET" {
			return op.URL
		}
	}
	return ""
}

// text は要素テキストの前後空白を取り除く。
func text(s string) string {
	return strings.TrimSpace(s)
}

// keywords は空要素を除いたキーワード一覧を返す。
func keywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, k := range in {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// splitList は空白またはカンマ区切りの値を分割する。
func splitList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t' || r == '\r'
	})
}

// bound は4値からorb.Boundを作る。min/maxが逆転している場合はnilを返す。
func bound(minX, minY, maxX, maxY float64) *orb.Bound {
	if minX > maxX || minY > maxY {
		return nil
	}
	b := orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
	return &b
}
