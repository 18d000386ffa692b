package xmlmapper

import (
	"encoding/xml"
	"strings"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

type onlineResource struct {
	Href string `xml:"href,attr"`
}

type wmsCapabilities struct {
	Version string     `xml:"version,attr"`
	Service wmsService `xml:"Service"`
	Request wmsRequest `xml:"Capability>Request"`
	Layers  []wmsLayer `xml:"Capability>Layer"`
}

type wmsService struct {
	Name              string         `xml:"Name"`
	Title             string         `xml:"Title"`
	Abstract          string         `xml:"Abstract"`
	Keywords          []string       `xml:"KeywordList>Keyword"`
	OnlineResource    onlineResource `xml:"OnlineResource"`
	ContactPerson     string         `xml:"ContactInformation>ContactPersonPrimary>ContactPerson"`
	ContactOrg        string         `xml:"ContactInformation>ContactPersonPrimary>ContactOrganization"`
	ContactPhone      string         `xml:"ContactInformation>ContactVoiceTelephone"`
	ContactEmail      string         `xml:"ContactInformation>ContactElectronicMailAddress"`
	Fees              string         `xml:"Fees"`
	AccessConstraints string         `xml:"AccessConstraints"`
}

type wmsRequest struct {
	Operations []wmsOperation `xml:",any"`
}

type wmsOperation struct {
	XMLName xml.Name
	Formats []string     `xml:"Format"`
	DCPs    []wmsDCPType `xml:"DCPType"`
}

type wmsDCPType struct {
	Get  []onlineResourceHolder `xml:"HTTP>Get"`
	Post []onlineResourceHolder `xml:"HTTP>Post"`
}

type onlineResourceHolder struct {
	OnlineResource onlineResource `xml:"OnlineResource"`
}

type wmsLayer struct {
	Queryable   string           `xml:"queryable,attr"`
	Opaque      string           `xml:"opaque,attr"`
	Cascaded    string           `xml:"cascaded,attr"`
	Name        string           `xml:"Name"`
	Title       string           `xml:"Title"`
	Abstract    string           `xml:"Abstract"`
	Keywords    []string         `xml:"KeywordList>Keyword"`
	CRS         []string         `xml:"CRS"`
	SRS         []string         `xml:"SRS"`
	GeoBBox     *wmsGeoBBox      `xml:"EX_GeographicBoundingBox"`
	LatLonBBox  *wmsLatLonBBox   `xml:"LatLonBoundingBox"`
	MetadataURL []wmsMetadataURL `xml:"MetadataURL"`
	Layers      []wmsLayer       `xml:"Layer"`
}

type wmsGeoBBox struct {
	West  float64 `xml:"westBoundLongitude"`
	East  float64 `xml:"eastBoundLongitude"`
	South float64 `xml:"southBoundLatitude"`
	North float64 `xml:"northBoundLatitude"`
}

type wmsLatLonBBox struct {
	MinX float64 `xml:"minx,attr"`
	MinY float64 `xml:"miny,attr"`
	MaxX float64 `xml:"maxx,attr"`
	MaxY float64 `xml:"maxy,attr"`
}

type wmsMetadataURL struct {
	Type           string         `xml:"type,attr"`
	Format         string         `xml:"Format"`
	OnlineResource onlineResource `xml:"OnlineResource"`
}

func mapWMS111(body []byte) (*Document, error) {
	var c wmsCapabilities
	if err := decode(body, &c); err != nil {
		return nil, err
	}
	doc := c.document()
	for _, l := range c.Layers {
		doc.Layers = append(doc.Layers, l.toLayer111())
	}
	return doc, nil
}

func mapWMS130(body []byte) (*Document, error) {
	var c wmsCapabilities
	if err := decode(body, &c); err != nil {
		return nil, err
	}
	doc := c.document()
	for _, l := range c.Layers {
		doc.Layers = append(doc.Layers, l.toLayer130())
	}
	return doc, nil
}

func (c *wmsCapabilities) document() *Document {
	s := c.Service
	doc := &Document{
		Type:              model.ServiceTypeWMS,
		Version:           text(c.Version),
		Title:             text(s.Title),
		Abstract:          text(s.Abstract),
		Fees:              text(s.Fees),
		AccessConstraints: text(s.AccessConstraints),
		Keywords:          keywords(s.Keywords),
		Provider: Provider{
			Name:          text(s.ContactOrg),
			Site:          text(s.OnlineResource.Href),
			ContactPerson: text(s.ContactPerson),
			Email:         text(s.ContactEmail),
			Phone:         text(s.ContactPhone),
		},
	}
	for _, op := range c.Request.Operations {
		doc.Operations = append(doc.Operations, op.operations()...)
	}
	return doc
}

func (o wmsOperation) operations() []Operation {
	var out []Operation
	formats := keywords(o.Formats)
	for _, dcp := range o.DCPs {
		for _, g := range dcp.Get {
			if u := text(g.OnlineResource.Href); u != "" {
				out = append(out, Operation{Name: o.XMLName.Local, Method: "GET", URL: u, Formats: formats})
			}
		}
		for _, p := range dcp.Post {
			if u := text(p.OnlineResource.Href); u != "" {
				out = append(out, Operation{Name: o.XMLName.Local, Method: "POST", URL: u, Formats: formats})
			}
		}
	}
	return out
}

func (l wmsLayer) base() Layer {
	out := Layer{
		Identifier: text(l.Name),
		Title:      text(l.Title),
		Abstract:   text(l.Abstract),
		Keywords:   keywords(l.Keywords),
		Queryable:  flag(l.Queryable),
		Opaque:     flag(l.Opaque),
		Cascaded:   flag(l.Cascaded),
	}
	for _, m := range l.MetadataURL {
		if u := text(m.OnlineResource.Href); u != "" {
			out.MetadataURLs = append(out.MetadataURLs, u)
		}
	}
	return out
}

func (l wmsLayer) toLayer111() Layer {
	out := l.base()
	var srs []string
	for _, s := range l.SRS {
		// WMS 1.1.0では1要素に空白区切りで複数のSRSが入る
		srs = append(srs, strings.Fields(s)...)
	}
	out.ReferenceSystems = srs
	if b := l.LatLonBBox; b != nil {
		out.BBox = bound(b.MinX, b.MinY, b.MaxX, b.MaxY)
	}
	for _, child := range l.Layers {
		out.Children = append(out.Children, child.toLayer111())
	}
	return out
}

func (l wmsLayer) toLayer130() Layer {
	out := l.base()
	out.ReferenceSystems = keywords(l.CRS)
	if b := l.GeoBBox; b != nil {
		out.BBox = bound(b.West, b.South, b.East, b.North)
	}
	for _, child := range l.Layers {
		out.Children = append(out.Children, child.toLayer130())
	}
	return out
}

// flag はWMSの真偽属性（"1"/"true"）を解釈する。queryableは"0"/"1"の数値も取り得る。
func flag(s string) bool {
	switch strings.TrimSpace(s) {
	case "1", "true":
		return true
	default:
		return false
	}
}
