package xmlmapper

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"golang.org/x/net/html/charset"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

const (
	nsCSW202 = "http://www.opengis.net/cat/csw/2.0.2"
	nsAtom   = "http://www.w3.org/2005/Atom"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// newDecoder はISO-8859-1などUTF-8以外の宣言にも対応したデコーダを返す。
func newDecoder(body []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(bytes.TrimPrefix(body, utf8BOM)))
	dec.CharsetReader = charset.NewReaderLabel
	dec.Strict = false
	return dec
}

// decode はbodyを構造体vにデコードする。
func decode(body []byte, v any) error {
	if err := newDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("decode xml: %w", err)
	}
	return nil
}

// Detect はルート要素だけを読み、文書の種別とバージョンを判定する。
func Detect(body []byte) (Header, error) {
	dec := newDecoder(body)
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Header{Kind: KindUnknown}, ErrUnsupportedDocument
			}
			return Header{Kind: KindUnknown}, fmt.Errorf("%w: %v", ErrUnsupportedDocument, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		return classify(se), nil
	}
}

func classify(se xml.StartElement) Header {
	h := Header{
		Root:      se.Name.Local,
		Namespace: se.Name.Space,
		Version:   attr(se, "version"),
		Kind:      KindUnknown,
	}

	switch se.Name.Local {
	case "WMT_MS_Capabilities", "WMS_Capabilities":
		h.Type = model.ServiceTypeWMS
		h.Kind = KindCapabilities
	case "WFS_Capabilities":
		h.Type = model.ServiceTypeWFS
		h.Kind = KindCapabilities
	case "Capabilities":
		if se.Name.Space == nsCSW202 {
			h.Type = model.ServiceTypeCSW
			h.Kind = KindCapabilities
		}
	case "feed":
		if se.Name.Space == nsAtom {
			h.Type = model.ServiceTypeATOM
			h.Kind = KindCapabilities
		}
	case "MD_Metadata", "GetRecordByIdResponse":
		h.Kind = KindMetadata
	case "ServiceExceptionReport", "ExceptionReport":
		h.Kind = KindException
	}
	return h
}

func attr(se xml.StartElement, local string) string {
	for _, a := range se.Attr {
		if a.Name.Local == local {
			return text(a.Value)
		}
	}
	return ""
}
