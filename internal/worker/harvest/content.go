package harvest

import (
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
	"github.com/mrmap-community/mrmap-sub007/internal/repository"
	"github.com/mrmap-community/mrmap-sub007/internal/security"
	"github.com/mrmap-community/mrmap-sub007/internal/xmlmapper"
)

// metadataTarget は取得対象のメタデータURLと、その参照元。
// LayerIDとFeatureTypeIDが両方空の場合はサービス自身のメタデータ。
type metadataTarget struct {
	URL           string
	LayerID       string
	FeatureTypeID string
}

// contentBuilder はケーパビリティ文書から保存用のServiceContentを組み立てる。
// 既存の識別子に対応するIDを引き継ぎ、再ハーベストでもレイヤIDを変えない。
type contentBuilder struct {
	sanitizer security.TextSanitizerService
	layerIDs  map[string]string
	ftIDs     map[string]string
	used      map[string]bool
}

func newContentBuilder(sanitizer security.TextSanitizerService, layerIDs, ftIDs map[string]string) *contentBuilder {
	return &contentBuilder{
		sanitizer: sanitizer,
		layerIDs:  layerIDs,
		ftIDs:     ftIDs,
		used:      make(map[string]bool),
	}
}

// build はサービスの内容一式とメタデータ取得対象を返す。
// レイヤは文書順（親が子より先）に並ぶ。
func (b *contentBuilder) build(svc *model.Service, doc *xmlmapper.Document, raw []byte, harvestedAt time.Time) (*repository.ServiceContent, []metadataTarget) {
	updated := *svc
	updated.Version = doc.Version
	updated.Title = b.text(doc.Title)
	updated.Abstract = b.text(doc.Abstract)
	updated.Keywords = security.SanitizeAll(b.sanitizer, doc.Keywords)
	updated.Fees = b.text(doc.Fees)
	updated.AccessConstraints = b.text(doc.AccessConstraints)
	updated.ProviderName = b.text(doc.Provider.Name)
	updated.ProviderSite = doc.Provider.Site
	updated.ContactPerson = b.text(doc.Provider.ContactPerson)
	updated.ContactEmail = b.text(doc.Provider.Email)
	updated.ContactPhone = b.text(doc.Provider.Phone)
	updated.CapabilitiesXML = raw
	updated.LastHarvestedAt = &harvestedAt

	content := &repository.ServiceContent{
		Service:         &updated,
		CapabilitiesXML: raw,
		HarvestedAt:     harvestedAt,
	}

	for _, op := range doc.Operations {
		if op.URL == "" {
			continue
		}
		content.Operations = append(content.Operations, &model.OperationURL{
			ID:        uuid.New().String(),
			ServiceID: svc.ID,
			Operation: op.Name,
			Method:    op.Method,
			URL:       op.URL,
			MimeTypes: op.Formats,
		})
	}

	var targets []metadataTarget
	seen := make(map[string]bool)
	addTarget := func(t metadataTarget) {
		if t.URL == "" || seen[t.URL] {
			return
		}
		seen[t.URL] = true
		targets = append(targets, t)
	}
	for _, u := range doc.MetadataURLs {
		addTarget(metadataTarget{URL: u})
	}

	layerIDs := make(map[*xmlmapper.Layer]string)
	position := 0
	xmlmapper.Walk(doc.Layers, func(l *xmlmapper.Layer, parent *xmlmapper.Layer, depth int) {
		id := b.assignID(b.layerIDs, l.Identifier)
		layerIDs[l] = id
		layer := &model.Layer{
			ID:               id,
			ServiceID:        svc.ID,
			Identifier:       l.Identifier,
			Title:            b.text(l.Title),
			Abstract:         b.text(l.Abstract),
			Keywords:         security.SanitizeAll(b.sanitizer, l.Keywords),
			IsQueryable:      l.Queryable,
			IsOpaque:         l.Opaque,
			IsCascaded:       l.Cascaded,
			BBox:             toBoundingBox(l.BBox),
			ReferenceSystems: l.ReferenceSystems,
			Position:         position,
			Depth:            depth,
		}
		if parent != nil {
			layer.ParentID = layerIDs[parent]
		}
		position++
		content.Layers = append(content.Layers, layer)
		for _, u := range l.MetadataURLs {
			addTarget(metadataTarget{URL: u, LayerID: id})
		}
	})

	for _, ft := range doc.FeatureTypes {
		id := b.assignID(b.ftIDs, ft.Identifier)
		content.FeatureTypes = append(content.FeatureTypes, &model.FeatureType{
			ID:               id,
			ServiceID:        svc.ID,
			Identifier:       ft.Identifier,
			Title:            b.text(ft.Title),
			Abstract:         b.text(ft.Abstract),
			Keywords:         security.SanitizeAll(b.sanitizer, ft.Keywords),
			DefaultCRS:       ft.DefaultCRS,
			ReferenceSystems: ft.ReferenceSystems,
			OutputFormats:    ft.OutputFormats,
			BBox:             toBoundingBox(ft.BBox),
		})
		for _, u := range ft.MetadataURLs {
			addTarget(metadataTarget{URL: u, FeatureTypeID: id})
		}
	}

	return content, targets
}

// assignID は識別子に対応する既存IDを返す。識別子が空、未登録、
// または同じ文書内で既に使われている場合は新しいIDを発行する。
func (b *contentBuilder) assignID(existing map[string]string, identifier string) string {
	if identifier != "" {
		if id, ok := existing[identifier]; ok && !b.used[id] {
			b.used[id] = true
			return id
		}
	}
	id := uuid.New().String()
	b.used[id] = true
	return id
}

func (b *contentBuilder) text(s string) string {
	return b.sanitizer.Sanitize(s)
}

// toBoundingBox はorb.Boundをモデルの矩形に変換する。
func toBoundingBox(bound *orb.Bound) *model.BoundingBox {
	if bound == nil {
		return nil
	}
	return &model.BoundingBox{
		MinX: bound.Min.X(),
		MinY: bound.Min.Y(),
		MaxX: bound.Max.X(),
		MaxY: bound.Max.Y(),
	}
}
