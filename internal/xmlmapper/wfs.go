package xmlmapper

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

// WFS 1.0.0

type wfs100Capabilities struct {
	Version      string              `xml:"version,attr"`
	Service      wfs100Service       `xml:"Service"`
	Request      wfs100Request       `xml:"Capability>Request"`
	FeatureTypes []wfs100FeatureType `xml:"FeatureTypeList>FeatureType"`
}

type wfs100Service struct {
	Title             string `xml:"Title"`
	Abstract          string `xml:"Abstract"`
	Keywords          string `xml:"Keywords"`
	OnlineResource    string `xml:"OnlineResource"`
	Fees              string `xml:"Fees"`
	AccessConstraints string `xml:"AccessConstraints"`
}

type wfs100Request struct {
	Operations []wfs100Operation `xml:",any"`
}

type wfs100Operation struct {
	XMLName       xml.Name
	Get           []wfs100Endpoint `xml:"DCPType>HTTP>Get"`
	Post          []wfs100Endpoint `xml:"DCPType>HTTP>Post"`
	ResultFormats wfs100Formats    `xml:"ResultFormat"`
}

type wfs100Endpoint struct {
	URL string `xml:"onlineResource,attr"`
}

type wfs100Formats struct {
	Any []anyElement `xml:",any"`
}

// anyElement は子要素名だけを取り出すための汎用要素。
type anyElement struct {
	XMLName xml.Name
}

func (o wfs100Operation) name() string {
	return o.XMLName.Local
}

type wfs100FeatureType struct {
	Name        string         `xml:"Name"`
	Title       string         `xml:"Title"`
	Abstract    string         `xml:"Abstract"`
	Keywords    string         `xml:"Keywords"`
	SRS         string         `xml:"SRS"`
	LatLongBBox *wmsLatLonBBox `xml:"LatLongBoundingBox"`
	MetadataURL []string       `xml:"MetadataURL"`
}

func mapWFS100(body []byte) (*Document, error) {
	var c wfs100Capabilities
	if err := decode(body, &c); err != nil {
		return nil, err
	}

	doc := &Document{
		Type:              model.ServiceTypeWFS,
		Version:           text(c.Version),
		Title:             text(c.Service.Title),
		Abstract:          text(c.Service.Abstract),
		Fees:              text(c.Service.Fees),
		AccessConstraints: text(c.Service.AccessConstraints),
		Keywords:          keywords(splitList(c.Service.Keywords)),
		Provider:          Provider{Site: text(c.Service.OnlineResource)},
	}

	var getFeatureFormats []string
	for _, op := range c.Request.Operations {
		var formats []string
		for _, f := range op.ResultFormats.Any {
			formats = append(formats, f.XMLName.Local)
		}
		if op.name() == "GetFeature" {
			getFeatureFormats = formats
		}
		for _, g := range op.Get {
			if u := text(g.URL); u != "" {
				doc.Operations = append(doc.Operations, Operation{Name: op.name(), Method: "GET", URL: u, Formats: formats})
			}
		}
		for _, p := range op.Post {
			if u := text(p.URL); u != "" {
				doc.Operations = append(doc.Operations, Operation{Name: op.name(), Method: "POST", URL: u, Formats: formats})
			}
		}
	}

	for _, ft := range c.FeatureTypes {
		out := FeatureType{
			Identifier:    text(ft.Name),
			Title:         text(ft.Title),
			Abstract:      text(ft.Abstract),
			Keywords:      keywords(splitList(ft.Keywords)),
			DefaultCRS:    text(ft.SRS),
			OutputFormats: getFeatureFormats,
			MetadataURLs:  keywords(ft.MetadataURL),
		}
		if out.DefaultCRS != "" {
			out.ReferenceSystems = []string{out.DefaultCRS}
		}
		if b := ft.LatLongBBox; b != nil {
			out.BBox = bound(b.MinX, b.MinY, b.MaxX, b.MaxY)
		}
		doc.FeatureTypes = append(doc.FeatureTypes, out)
	}
	return doc, nil
}

// WFS 1.1.0 / 2.0.0

type wfsCapabilities struct {
	owsCommon
	FeatureTypes []wfsFeatureType `xml:"FeatureTypeList>FeatureType"`
}

type wfsFeatureType struct {
	Name          string           `xml:"Name"`
	Titles        []string         `xml:"Title"`
	Abstracts     []string         `xml:"Abstract"`
	Keywords      []string         `xml:"Keywords>Keyword"`
	DefaultSRS    string           `xml:"DefaultSRS"`
	DefaultCRS    string           `xml:"DefaultCRS"`
	OtherSRS      []string         `xml:"OtherSRS"`
	OtherCRS      []string         `xml:"OtherCRS"`
	OutputFormats []string         `xml:"OutputFormats>Format"`
	WGS84BBox     []owsWGS84BBox   `xml:"WGS84BoundingBox"`
	MetadataURL   []wfsMetadataURL `xml:"MetadataURL"`
}

type owsWGS84BBox struct {
	LowerCorner string `xml:"LowerCorner"`
	UpperCorner string `xml:"UpperCorner"`
}

// wfsMetadataURL はWFS 1.1.0ではテキスト、2.0.0ではxlink:href属性でURLを持つ。
type wfsMetadataURL struct {
	Href string `xml:"href,attr"`
	Text string `xml:",chardata"`
}

func (m wfsMetadataURL) url() string {
	if h := text(m.Href); h != "" {
		return h
	}
	return text(m.Text)
}

func mapWFS110(body []byte) (*Document, error) {
	return mapWFSCommon(body)
}

func mapWFS200(body []byte) (*Document, error) {
	return mapWFSCommon(body)
}

func mapWFSCommon(body []byte) (*Document, error) {
	var c wfsCapabilities
	if err := decode(body, &c); err != nil {
		return nil, err
	}

	doc := &Document{Type: model.ServiceTypeWFS}
	c.fill(doc)

	for _, ft := range c.FeatureTypes {
		out := FeatureType{
			Identifier:    text(ft.Name),
			Title:         first(ft.Titles),
			Abstract:      first(ft.Abstracts),
			Keywords:      keywords(ft.Keywords),
			DefaultCRS:    text(ft.DefaultSRS + ft.DefaultCRS),
			OutputFormats: keywords(ft.OutputFormats),
		}
		if out.DefaultCRS != "" {
			out.ReferenceSystems = append(out.ReferenceSystems, out.DefaultCRS)
		}
		out.ReferenceSystems = append(out.ReferenceSystems, keywords(ft.OtherSRS)...)
		out.ReferenceSystems = append(out.ReferenceSystems, keywords(ft.OtherCRS)...)
		if len(ft.WGS84BBox) > 0 {
			out.BBox = cornerBound(ft.WGS84BBox[0].LowerCorner, ft.WGS84BBox[0].UpperCorner)
		}
		for _, m := range ft.MetadataURL {
			if u := m.url(); u != "" {
				out.MetadataURLs = append(out.MetadataURLs, u)
			}
		}
		doc.FeatureTypes = append(doc.FeatureTypes, out)
	}
	return doc, nil
}

// cornerBound は "lon lat" 形式のLowerCorner/UpperCornerから範囲を作る。
func cornerBound(lower, upper string) *orb.Bound {
	lo := strings.Fields(lower)
	up := strings.Fields(upper)
	if len(lo) != 2 || len(up) != 2 {
		return nil
	}
	vals := make([]float64, 0, 4)
	for _, s := range append(lo, up...) {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		vals = append(vals, f)
	}
	return bound(vals[0], vals[1], vals[2], vals[3])
}
