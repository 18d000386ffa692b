package xmlmapper

import "github.com/mrmap-community/mrmap-sub007/internal/model"

type cswCapabilities struct {
	owsCommon
}

func mapCSW202(body []byte) (*Document, error) {
	var c cswCapabilities
	if err := decode(body, &c); err != nil {
		return nil, err
	}
	doc := &Document{Type: model.ServiceTypeCSW}
	c.fill(doc)
	return doc, nil
}
