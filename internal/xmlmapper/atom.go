package xmlmapper

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/mmcdole/gofeed/atom"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/paulmach/orb"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

// mapAtom はINSPIREダウンロードサービスのATOMフィードを変換する。
// エントリ（データセットフィード）はフラットなレイヤとして扱う。
func mapAtom(body []byte) (*Document, error) {
	fp := &atom.Parser{}
	feed, err := fp.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Type:              model.ServiceTypeATOM,
		Version:           "1.0",
		Title:             text(feed.Title),
		Abstract:          text(feed.Subtitle),
		AccessConstraints: text(feed.Rights),
	}
	for _, c := range feed.Categories {
		doc.Keywords = append(doc.Keywords, categoryLabel(c))
	}
	doc.Keywords = keywords(doc.Keywords)
	if len(feed.Authors) > 0 {
		a := feed.Authors[0]
		doc.Provider = Provider{Name: text(a.Name), Email: text(a.Email), Site: text(a.URI)}
	}

	for _, l := range feed.Links {
		switch l.Rel {
		case "self":
			doc.Operations = append(doc.Operations, Operation{Name: "GetCapabilities", Method: "GET", URL: text(l.Href), Formats: nonEmpty(l.Type)})
		case "describedby":
			doc.MetadataURLs = append(doc.MetadataURLs, text(l.Href))
		case "search":
			doc.Operations = append(doc.Operations, Operation{Name: "OpenSearchDescription", Method: "GET", URL: text(l.Href), Formats: nonEmpty(l.Type)})
		}
	}

	for _, e := range feed.Entries {
		layer := Layer{
			Identifier: entryIdentifier(e),
			Title:      text(e.Title),
			Abstract:   text(e.Summary),
			BBox:       georssBound(e.Extensions),
		}
		for _, c := range e.Categories {
			layer.ReferenceSystems = append(layer.ReferenceSystems, text(c.Term))
		}
		layer.ReferenceSystems = keywords(layer.ReferenceSystems)
		for _, l := range e.Links {
			if l.Rel == "describedby" {
				layer.MetadataURLs = append(layer.MetadataURLs, text(l.Href))
			}
		}
		doc.Layers = append(doc.Layers, layer)
	}
	return doc, nil
}

func categoryLabel(c *atom.Category) string {
	if c.Label != "" {
		return c.Label
	}
	return c.Term
}

func nonEmpty(s string) []string {
	if s = text(s); s == "" {
		return nil
	}
	return []string{s}
}

// entryIdentifier はinspire_dlsの識別子コード（名前空間付き）を優先し、無ければatom:idを使う。
func entryIdentifier(e *atom.Entry) string {
	dls := e.Extensions["inspire_dls"]
	code := extValue(dls, "spatial_dataset_identifier_code")
	if code == "" {
		return text(e.ID)
	}
	if ns := extValue(dls, "spatial_dataset_identifier_namespace"); ns != "" {
		return strings.TrimRight(ns, "/") + "/" + code
	}
	return code
}

func extValue(m map[string][]ext.Extension, name string) string {
	if m == nil {
		return ""
	}
	for _, e := range m[name] {
		if v := text(e.Value); v != "" {
			return v
		}
	}
	return ""
}

// georssBound はgeorss:box（"lat lon lat lon"）またはgeorss:polygonから経緯度範囲を求める。
func georssBound(exts ext.Extensions) *orb.Bound {
	g := exts["georss"]
	if box := extValue(g, "box"); box != "" {
		v := parseFloats(box)
		if len(v) == 4 {
			return bound(v[1], v[0], v[3], v[2])
		}
	}
	if poly := extValue(g, "polygon"); poly != "" {
		v := parseFloats(poly)
		if len(v) < 6 || len(v)%2 != 0 {
			return nil
		}
		var ring orb.Ring
		for i := 0; i < len(v); i += 2 {
			ring = append(ring, orb.Point{v[i+1], v[i]})
		}
		b := ring.Bound()
		return &b
	}
	return nil
}

func parseFloats(s string) []float64 {
	fields := strings.Fields(s)
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil
		}
		out = append(out, v)
	}
	return out
}
