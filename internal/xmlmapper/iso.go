package xmlmapper

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

type isoMetadata struct {
	FileIdentifier isoText        `xml:"fileIdentifier"`
	Language       isoLanguage    `xml:"language"`
	HierarchyLevel isoCode        `xml:"hierarchyLevel>MD_ScopeCode"`
	DateStamp      isoDate        `xml:"dateStamp"`
	Identification []isoIdentWrap `xml:"identificationInfo"`
}

type isoText struct {
	CharacterString string `xml:"CharacterString"`
	Anchor          string `xml:"Anchor"`
}

func (t isoText) value() string {
	if v := text(t.CharacterString); v != "" {
		return v
	}
	return text(t.Anchor)
}

type isoCode struct {
	CodeListValue string `xml:"codeListValue,attr"`
	Text          string `xml:",chardata"`
}

func (c isoCode) value() string {
	if v := text(c.CodeListValue); v != "" {
		return v
	}
	return text(c.Text)
}

type isoLanguage struct {
	isoText
	LanguageCode isoCode `xml:"LanguageCode"`
}

type isoDate struct {
	Date     string `xml:"Date"`
	DateTime string `xml:"DateTime"`
}

// isoIdentWrap はMD_DataIdentificationとsrv:SV_ServiceIdentificationの両方を受ける。
type isoIdentWrap struct {
	Ident isoIdentification `xml:",any"`
}

type isoIdentification struct {
	Title    isoText      `xml:"citation>CI_Citation>title"`
	Abstract isoText      `xml:"abstract"`
	Keywords []isoText    `xml:"descriptiveKeywords>MD_Keywords>keyword"`
	Extents  []isoGeoBBox `xml:"extent>EX_Extent>geographicElement>EX_GeographicBoundingBox"`
}

type isoGeoBBox struct {
	West  isoDecimal `xml:"westBoundLongitude"`
	East  isoDecimal `xml:"eastBoundLongitude"`
	South isoDecimal `xml:"southBoundLatitude"`
	North isoDecimal `xml:"northBoundLatitude"`
}

type isoDecimal struct {
	Decimal string `xml:"Decimal"`
}

func (d isoDecimal) float() (float64, bool) {
	v, err := strconv.ParseFloat(text(d.Decimal), 64)
	return v, err == nil
}

var isoDateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (d isoDate) parse() *time.Time {
	raw := text(d.DateTime)
	if raw == "" {
		raw = text(d.Date)
	}
	for _, layout := range isoDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// ParseMetadata はISO 19139文書から最初のMD_Metadata要素を探して変換する。
// 単体のメタデータ文書とCSW GetRecordByIdレスポンスの両方に対応する。
func ParseMetadata(body []byte) (*MetadataRecord, error) {
	dec := newDecoder(body)
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: no MD_Metadata element", ErrUnsupportedDocument)
			}
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "ServiceExceptionReport", "ExceptionReport":
			return nil, ParseException(body)
		case "MD_Metadata":
			var md isoMetadata
			if err := dec.DecodeElement(&md, &se); err != nil {
				return nil, fmt.Errorf("decode MD_Metadata: %w", err)
			}
			return md.record(), nil
		}
	}
}

func (m *isoMetadata) record() *MetadataRecord {
	rec := &MetadataRecord{
		FileIdentifier: m.FileIdentifier.value(),
		HierarchyLevel: m.HierarchyLevel.value(),
		DateStamp:      m.DateStamp.parse(),
	}
	rec.Language = m.Language.LanguageCode.value()
	if rec.Language == "" {
		rec.Language = m.Language.value()
	}

	for _, w := range m.Identification {
		id := w.Ident
		if rec.Title == "" {
			rec.Title = id.Title.value()
		}
		if rec.Abstract == "" {
			rec.Abstract = id.Abstract.value()
		}
		for _, k := range id.Keywords {
			if v := k.value(); v != "" {
				rec.Keywords = append(rec.Keywords, v)
			}
		}
		if rec.BBox == nil {
			for _, e := range id.Extents {
				west, ok1 := e.West.float()
				south, ok2 := e.South.float()
				east, ok3 := e.East.float()
				north, ok4 := e.North.float()
				if ok1 && ok2 && ok3 && ok4 {
					rec.BBox = bound(west, south, east, north)
					break
				}
			}
		}
	}
	return rec
}
