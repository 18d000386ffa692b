package xmlmapper

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	body, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return body
}

func TestDetect(t *testing.T) {
	tests := []struct {
		fixture     string
		wantType    model.ServiceType
		wantVersion string
		wantKind    Kind
	}{
		{"wms_1.3.0.xml", model.ServiceTypeWMS, "1.3.0", KindCapabilities},
		{"wms_1.1.1.xml", model.ServiceTypeWMS, "1.1.1", KindCapabilities},
		{"wms_1.1.0.xml", model.ServiceTypeWMS, "1.1.0", KindCapabilities},
		{"wfs_1.0.0.xml", model.ServiceTypeWFS, "1.0.0", KindCapabilities},
		{"wfs_1.1.0.xml", model.ServiceTypeWFS, "1.1.0", KindCapabilities},
		{"wfs_2.0.0.xml", model.ServiceTypeWFS, "2.0.0", KindCapabilities},
		{"csw_2.0.2.xml", model.ServiceTypeCSW, "2.0.2", KindCapabilities},
		{"atom.xml", model.ServiceTypeATOM, "", KindCapabilities},
		{"iso19139.xml", "", "", KindMetadata},
		{"csw_getrecordbyid.xml", "", "", KindMetadata},
		{"wms_exception.xml", "", "1.3.0", KindException},
		{"ows_exception.xml", "", "2.0.0", KindException},
	}

	for _, tt := range tests {
		t.Run(tt.fixture, func(t *testing.T) {
			h, err := Detect(readFixture(t, tt.fixture))
			if err != nil {
				t.Fatalf("Detect returned error: %v", err)
			}
			if h.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", h.Type, tt.wantType)
			}
			if h.Version != tt.wantVersion {
				t.Errorf("Version = %q, want %q", h.Version, tt.wantVersion)
			}
			if h.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", h.Kind, tt.wantKind)
			}
		})
	}
}

func TestDetect_HTMLIsUnknown(t *testing.T) {
	h, err := Detect([]byte(`<html><body>not a service</body></html>`))
	if err != nil {
		t.Fatalf("Detect returned error: %v", err)
	}
	if h.Kind != KindUnknown {
		t.Errorf("Kind = %q, want %q", h.Kind, KindUnknown)
	}
}

func TestDetect_EmptyBody(t *testing.T) {
	_, err := Detect(nil)
	if !errors.Is(err, ErrUnsupportedDocument) {
		t.Errorf("expected ErrUnsupportedDocument, got %v", err)
	}
}

func TestDetect_ISO88591Declaration(t *testing.T) {
	// "Grenzen für" in Latin-1
	body := append([]byte(`<?xml version="1.0" encoding="ISO-8859-1"?><WMT_MS_Capabilities version="1.1.1"><Service><Title>Grenzen f`), 0xFC)
	body = append(body, []byte(`r</Title></Service></WMT_MS_Capabilities>`)...)

	doc, err := ParseCapabilities(body)
	if err != nil {
		t.Fatalf("ParseCapabilities returned error: %v", err)
	}
	if doc.Title != "Grenzen für" {
		t.Errorf("Title = %q, want %q", doc.Title, "Grenzen für")
	}
}

func TestParseCapabilities_WMS130(t *testing.T) {
	doc, err := ParseCapabilities(readFixture(t, "wms_1.3.0.xml"))
	if err != nil {
		t.Fatalf("ParseCapabilities returned error: %v", err)
	}

	if doc.Type != model.ServiceTypeWMS || doc.Version != "1.3.0" {
		t.Errorf("Type/Version = %s/%s", doc.Type, doc.Version)
	}
	if doc.Title != "Verwaltungsgrenzen" {
		t.Errorf("Title = %q, want trimmed %q", doc.Title, "Verwaltungsgrenzen")
	}
	if len(doc.Keywords) != 2 {
		t.Errorf("Keywords = %v, want 2 non-empty keywords", doc.Keywords)
	}
	if doc.Provider.Name != "Geo Agency" || doc.Provider.Email != "gis@example.org" || doc.Provider.ContactPerson != "Jane Doe" {
		t.Errorf("Provider = %+v", doc.Provider)
	}
	if got := doc.OperationURL("GetMap"); got != "https://geo.example.org/wms/map?" {
		t.Errorf("GetMap URL = %q", got)
	}

	var posts int
	for _, op := range doc.Operations {
		if op.Method == "POST" {
			posts++
		}
	}
	if posts != 1 {
		t.Errorf("POST operations = %d, want 1", posts)
	}

	if len(doc.Layers) != 1 {
		t.Fatalf("root layers = %d, want 1", len(doc.Layers))
	}
	root := doc.Layers[0]
	if root.Identifier != "" {
		t.Errorf("root Identifier = %q, want empty (category layer)", root.Identifier)
	}
	if root.BBox == nil || root.BBox.Min[0] != 5.8 || root.BBox.Max[1] != 55.1 {
		t.Errorf("root BBox = %+v", root.BBox)
	}
	if len(root.Children) != 2 {
		t.Fatalf("root children = %d, want 2", len(root.Children))
	}

	states := root.Children[0]
	if states.Identifier != "states" || !states.Queryable || states.Opaque {
		t.Errorf("states = %+v", states)
	}
	if len(states.MetadataURLs) != 1 || states.MetadataURLs[0] != "https://csw.example.org/csw?REQUEST=GetRecordById&ID=states" {
		t.Errorf("states MetadataURLs = %v", states.MetadataURLs)
	}
	labels := states.Children[0]
	if labels.Identifier != "states:labels" || !labels.Cascaded || labels.BBox != nil {
		t.Errorf("labels = %+v, want cascaded without bbox", labels)
	}
}

func TestParseCapabilities_WMS111(t *testing.T) {
	doc, err := ParseCapabilities(readFixture(t, "wms_1.1.1.xml"))
	if err != nil {
		t.Fatalf("ParseCapabilities returned error: %v", err)
	}
	root := doc.Layers[0]
	if len(root.ReferenceSystems) != 2 {
		t.Errorf("ReferenceSystems = %v, want split SRS list", root.ReferenceSystems)
	}
	if root.BBox == nil || root.BBox.Min[0] != 5.5 || root.BBox.Max[0] != 15.5 {
		t.Errorf("BBox = %+v", root.BBox)
	}
	if got := doc.OperationURL("GetCapabilities"); got != "https://topo.example.org/cgi-bin/wms?" {
		t.Errorf("GetCapabilities URL = %q", got)
	}
}

// TestParseCapabilities_WMS110 はDOCTYPE付きのWMT_MS_Capabilities 1.1.0を変換できることを検証する。
func TestParseCapabilities_WMS110(t *testing.T) {
	doc, err := ParseCapabilities(readFixture(t, "wms_1.1.0.xml"))
	if err != nil {
		t.Fatalf("ParseCapabilities returned error: %v", err)
	}
	if doc.Type != model.ServiceTypeWMS || doc.Version != "1.1.0" {
		t.Errorf("Type/Version = %s/%s", doc.Type, doc.Version)
	}
	if doc.Title != "Historische Karten" || len(doc.Keywords) != 2 {
		t.Errorf("Title = %q, Keywords = %v", doc.Title, doc.Keywords)
	}
	if doc.Provider.Name != "State Archive" || doc.Provider.Site != "https://maps.example.org/" || doc.Provider.Phone != "+49 30 0000" {
		t.Errorf("Provider = %+v", doc.Provider)
	}
	if got := doc.OperationURL("GetMap"); got != "https://maps.example.org/historic/map?" {
		t.Errorf("GetMap URL = %q", got)
	}
	for _, op := range doc.Operations {
		if op.Name == "GetMap" && len(op.Formats) != 2 {
			t.Errorf("GetMap Formats = %v", op.Formats)
		}
	}

	if len(doc.Layers) != 1 {
		t.Fatalf("root layers = %d, want 1", len(doc.Layers))
	}
	root := doc.Layers[0]
	want := []string{"EPSG:4326", "EPSG:31468", "EPSG:25833"}
	if len(root.ReferenceSystems) != len(want) {
		t.Fatalf("ReferenceSystems = %v, want %v", root.ReferenceSystems, want)
	}
	for i := range want {
		if root.ReferenceSystems[i] != want[i] {
			t.Errorf("ReferenceSystems[%d] = %q, want %q", i, root.ReferenceSystems[i], want[i])
		}
	}
	if root.BBox == nil || root.BBox.Min[0] != 11.2 || root.BBox.Min[1] != 50.1 || root.BBox.Max[0] != 15.1 || root.BBox.Max[1] != 53.6 {
		t.Errorf("root BBox = %+v", root.BBox)
	}
	if len(root.Children) != 2 {
		t.Fatalf("root children = %d, want 2", len(root.Children))
	}

	mtb := root.Children[0]
	if mtb.Identifier != "mtb_1900" || !mtb.Queryable || mtb.Opaque {
		t.Errorf("mtb = %+v", mtb)
	}
	if len(mtb.MetadataURLs) != 1 || mtb.MetadataURLs[0] != "https://csw.example.org/csw?REQUEST=GetRecordById&ID=mtb" {
		t.Errorf("mtb MetadataURLs = %v", mtb.MetadataURLs)
	}
	urmtb := root.Children[1]
	if urmtb.Identifier != "urmesstischblatt" || !urmtb.Opaque || urmtb.Queryable || urmtb.BBox != nil {
		t.Errorf("urmesstischblatt = %+v", urmtb)
	}
}

func TestParseCapabilities_WFS100(t *testing.T) {
	doc, err := ParseCapabilities(readFixture(t, "wfs_1.0.0.xml"))
	if err != nil {
		t.Fatalf("ParseCapabilities returned error: %v", err)
	}
	if len(doc.Keywords) != 2 {
		t.Errorf("Keywords = %v", doc.Keywords)
	}
	if len(doc.FeatureTypes) != 1 {
		t.Fatalf("FeatureTypes = %d, want 1", len(doc.FeatureTypes))
	}
	ft := doc.FeatureTypes[0]
	if ft.Identifier != "app:roads" || ft.DefaultCRS != "EPSG:4326" {
		t.Errorf("FeatureType = %+v", ft)
	}
	if len(ft.OutputFormats) != 2 || ft.OutputFormats[0] != "GML2" {
		t.Errorf("OutputFormats = %v", ft.OutputFormats)
	}
	if len(ft.MetadataURLs) != 1 {
		t.Errorf("MetadataURLs = %v", ft.MetadataURLs)
	}
	if doc.OperationURL("GetFeature") != "https://wfs.example.org/wfs?" {
		t.Errorf("GetFeature URL = %q", doc.OperationURL("GetFeature"))
	}
}

func TestParseCapabilities_WFS200(t *testing.T) {
	doc, err := ParseCapabilities(readFixture(t, "wfs_2.0.0.xml"))
	if err != nil {
		t.Fatalf("ParseCapabilities returned error: %v", err)
	}
	if doc.Title != "Schutzgebiete" {
		t.Errorf("Title = %q, want first language %q", doc.Title, "Schutzgebiete")
	}
	if doc.Provider.Name != "Nature Agency" || doc.Provider.Site != "https://nature.example.org" || doc.Provider.Phone != "+49 555" {
		t.Errorf("Provider = %+v", doc.Provider)
	}

	var getFeature *Operation
	for i := range doc.Operations {
		if doc.Operations[i].Name == "GetFeature" {
			getFeature = &doc.Operations[i]
		}
	}
	if getFeature == nil || len(getFeature.Formats) != 2 {
		t.Fatalf("GetFeature = %+v", getFeature)
	}

	ft := doc.FeatureTypes[0]
	if ft.DefaultCRS != "urn:ogc:def:crs:EPSG::25832" || len(ft.ReferenceSystems) != 2 {
		t.Errorf("CRS = %q / %v", ft.DefaultCRS, ft.ReferenceSystems)
	}
	if ft.BBox == nil || ft.BBox.Min[0] != 5.9 || ft.BBox.Min[1] != 47.3 {
		t.Errorf("BBox = %+v, want lon/lat corners", ft.BBox)
	}
	if len(ft.MetadataURLs) != 1 || ft.MetadataURLs[0] != "https://csw.example.org/csw?REQUEST=GetRecordById&ID=ps" {
		t.Errorf("MetadataURLs = %v", ft.MetadataURLs)
	}
}

// TestParseCapabilities_WFS110 はOWS 1.0.0系のWFS 1.1.0でDefaultSRSとテキストのMetadataURLを読むことを検証する。
func TestParseCapabilities_WFS110(t *testing.T) {
	doc, err := ParseCapabilities(readFixture(t, "wfs_1.1.0.xml"))
	if err != nil {
		t.Fatalf("ParseCapabilities returned error: %v", err)
	}
	if doc.Type != model.ServiceTypeWFS || doc.Version != "1.1.0" {
		t.Errorf("Type/Version = %s/%s", doc.Type, doc.Version)
	}
	if doc.Title != "Bodenrichtwerte" || doc.AccessConstraints != "Registered users only" {
		t.Errorf("Title = %q, AccessConstraints = %q", doc.Title, doc.AccessConstraints)
	}
	if len(doc.Keywords) != 2 {
		t.Errorf("Keywords = %v, want blank keyword dropped", doc.Keywords)
	}
	if doc.Provider.Name != "Valuation Board" || doc.Provider.ContactPerson != "Erika Muster" || doc.Provider.Email != "brw@example.org" {
		t.Errorf("Provider = %+v", doc.Provider)
	}
	if len(doc.Operations) != 4 {
		t.Errorf("Operations = %d, want 4", len(doc.Operations))
	}
	if got := doc.OperationURL("GetFeature"); got != "https://brw.example.org/wfs/features?" {
		t.Errorf("GetFeature URL = %q", got)
	}
	for _, op := range doc.Operations {
		if op.Name == "GetFeature" && len(op.Formats) != 2 {
			t.Errorf("GetFeature Formats = %v, want plain ows:Value entries", op.Formats)
		}
	}

	if len(doc.FeatureTypes) != 2 {
		t.Fatalf("FeatureTypes = %d, want 2", len(doc.FeatureTypes))
	}
	zone := doc.FeatureTypes[0]
	if zone.Identifier != "brw:Zone" || zone.Title != "Richtwertzonen" || len(zone.Keywords) != 1 {
		t.Errorf("zone = %+v", zone)
	}
	if zone.DefaultCRS != "urn:ogc:def:crs:EPSG::25832" {
		t.Errorf("DefaultCRS = %q, want DefaultSRS value", zone.DefaultCRS)
	}
	if len(zone.ReferenceSystems) != 3 || zone.ReferenceSystems[0] != zone.DefaultCRS {
		t.Errorf("ReferenceSystems = %v, want default first then OtherSRS", zone.ReferenceSystems)
	}
	if zone.BBox == nil {
		t.Fatal("BBox = nil, want WGS84BoundingBox")
	}
	// ows:WGS84BoundingBoxの角は経度・緯度の順
	if zone.BBox.Min[0] != 7.77 || zone.BBox.Min[1] != 49.39 || zone.BBox.Max[0] != 10.24 || zone.BBox.Max[1] != 51.66 {
		t.Errorf("BBox = %+v", zone.BBox)
	}
	if len(zone.MetadataURLs) != 1 || zone.MetadataURLs[0] != "https://csw.example.org/csw?REQUEST=GetRecordById&ID=brw-zone" {
		t.Errorf("MetadataURLs = %q, want trimmed element text", zone.MetadataURLs)
	}

	parcel := doc.FeatureTypes[1]
	if parcel.DefaultCRS != "" || len(parcel.ReferenceSystems) != 0 || parcel.BBox != nil {
		t.Errorf("parcel = %+v, want no CRS and no bbox", parcel)
	}
}

func TestParseCapabilities_CSW202(t *testing.T) {
	doc, err := ParseCapabilities(readFixture(t, "csw_2.0.2.xml"))
	if err != nil {
		t.Fatalf("ParseCapabilities returned error: %v", err)
	}
	if doc.Type != model.ServiceTypeCSW || doc.Title != "Metadata catalogue" {
		t.Errorf("doc = %s %q", doc.Type, doc.Title)
	}
	if len(doc.Operations) != 3 {
		t.Errorf("Operations = %d, want 3", len(doc.Operations))
	}
}

func TestParseCapabilities_Atom(t *testing.T) {
	doc, err := ParseCapabilities(readFixture(t, "atom.xml"))
	if err != nil {
		t.Fatalf("ParseCapabilities returned error: %v", err)
	}
	if doc.Type != model.ServiceTypeATOM {
		t.Errorf("Type = %q", doc.Type)
	}
	if doc.Provider.Name != "Survey Office" || doc.AccessConstraints != "cc-by 4.0" {
		t.Errorf("doc = %+v", doc)
	}
	if doc.OperationURL("GetCapabilities") != "https://dl.example.org/atom/service.xml" {
		t.Errorf("self link not mapped: %+v", doc.Operations)
	}
	if len(doc.MetadataURLs) != 1 {
		t.Errorf("MetadataURLs = %v", doc.MetadataURLs)
	}
	if len(doc.Layers) != 2 {
		t.Fatalf("Layers = %d, want 2", len(doc.Layers))
	}

	first := doc.Layers[0]
	if first.Identifier != "https://registry.example.org/dop2023" {
		t.Errorf("Identifier = %q", first.Identifier)
	}
	if first.BBox == nil || first.BBox.Min[0] != 6.0 || first.BBox.Max[1] != 55.0 {
		t.Errorf("polygon BBox = %+v", first.BBox)
	}
	if len(first.MetadataURLs) != 1 || len(first.ReferenceSystems) != 1 {
		t.Errorf("first layer = %+v", first)
	}

	second := doc.Layers[1]
	if second.Identifier != "https://dl.example.org/atom/dop2020.xml" {
		t.Errorf("Identifier = %q, want atom:id fallback", second.Identifier)
	}
	if second.BBox == nil || second.BBox.Min[0] != 6.5 || second.BBox.Min[1] != 47.5 {
		t.Errorf("box BBox = %+v", second.BBox)
	}
}

func TestParseCapabilities_Exception(t *testing.T) {
	tests := []struct {
		fixture  string
		wantCode string
	}{
		{"wms_exception.xml", "InvalidParameterValue"},
		{"ows_exception.xml", "OperationNotSupported"},
	}
	for _, tt := range tests {
		t.Run(tt.fixture, func(t *testing.T) {
			_, err := ParseCapabilities(readFixture(t, tt.fixture))
			var exc *ExceptionError
			if !errors.As(err, &exc) {
				t.Fatalf("expected *ExceptionError, got %v", err)
			}
			if exc.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", exc.Code, tt.wantCode)
			}
			if exc.Text == "" {
				t.Error("expected exception text")
			}
		})
	}
}

func TestParseCapabilities_UnsupportedVersion(t *testing.T) {
	_, err := ParseCapabilities([]byte(`<WMS_Capabilities version="1.0.0"/>`))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestParseCapabilities_NotCapabilities(t *testing.T) {
	_, err := ParseCapabilities(readFixture(t, "iso19139.xml"))
	if !errors.Is(err, ErrUnsupportedDocument) {
		t.Errorf("expected ErrUnsupportedDocument, got %v", err)
	}
}

func TestParseMetadata_Bare(t *testing.T) {
	rec, err := ParseMetadata(readFixture(t, "iso19139.xml"))
	if err != nil {
		t.Fatalf("ParseMetadata returned error: %v", err)
	}
	if rec.FileIdentifier != "9a1b-states" {
		t.Errorf("FileIdentifier = %q", rec.FileIdentifier)
	}
	if rec.Language != "ger" || rec.HierarchyLevel != "dataset" {
		t.Errorf("Language/HierarchyLevel = %q/%q", rec.Language, rec.HierarchyLevel)
	}
	if rec.Title != "States dataset" {
		t.Errorf("Title = %q", rec.Title)
	}
	if len(rec.Keywords) != 3 {
		t.Errorf("Keywords = %v, want 3 (CharacterString and Anchor)", rec.Keywords)
	}
	if rec.DateStamp == nil || rec.DateStamp.Year() != 2023 {
		t.Errorf("DateStamp = %v", rec.DateStamp)
	}
	if rec.BBox == nil || rec.BBox.Min[0] != 5.87 || rec.BBox.Max[1] != 55.06 {
		t.Errorf("BBox = %+v", rec.BBox)
	}
}

func TestParseMetadata_GetRecordByIdResponse(t *testing.T) {
	rec, err := ParseMetadata(readFixture(t, "csw_getrecordbyid.xml"))
	if err != nil {
		t.Fatalf("ParseMetadata returned error: %v", err)
	}
	if rec.FileIdentifier != "svc-0001" || rec.Title != "View service" {
		t.Errorf("rec = %+v", rec)
	}
	if rec.Language != "eng" || rec.HierarchyLevel != "service" {
		t.Errorf("Language/HierarchyLevel = %q/%q", rec.Language, rec.HierarchyLevel)
	}
	if rec.DateStamp == nil || rec.DateStamp.Hour() != 10 {
		t.Errorf("DateStamp = %v", rec.DateStamp)
	}
}

func TestParseMetadata_NoRecord(t *testing.T) {
	_, err := ParseMetadata([]byte(`<csw:GetRecordByIdResponse xmlns:csw="http://www.opengis.net/cat/csw/2.0.2"/>`))
	if !errors.Is(err, ErrUnsupportedDocument) {
		t.Errorf("expected ErrUnsupportedDocument, got %v", err)
	}
}

func TestWalk_DocumentOrderWithDepth(t *testing.T) {
	doc, err := ParseCapabilities(readFixture(t, "wms_1.3.0.xml"))
	if err != nil {
		t.Fatalf("ParseCapabilities returned error: %v", err)
	}

	var titles []string
	var depths []int
	Walk(doc.Layers, func(l *Layer, parent *Layer, depth int) {
		titles = append(titles, l.Title)
		depths = append(depths, depth)
	})

	wantTitles := []string{"Root", "States", "State labels", "Districts"}
	wantDepths := []int{0, 1, 2, 1}
	for i := range wantTitles {
		if titles[i] != wantTitles[i] || depths[i] != wantDepths[i] {
			t.Errorf("walk[%d] = %q@%d, want %q@%d", i, titles[i], depths[i], wantTitles[i], wantDepths[i])
		}
	}
}

func TestSupportedVersions(t *testing.T) {
	got := SupportedVersions(model.ServiceTypeWFS)
	want := []string{"1.0.0", "1.1.0", "2.0.0", "2.0.2"}
	if len(got) != len(want) {
		t.Fatalf("SupportedVersions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("SupportedVersions[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if !IsSupported(model.ServiceTypeATOM, "") {
		t.Error("ATOM should be supported without version")
	}
	if IsSupported(model.ServiceTypeWMS, "1.0.0") {
		t.Error("WMS 1.0.0 should not be supported")
	}
}
