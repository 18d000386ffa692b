package xmlmapper

// OWS Common（ows:ServiceIdentification / ServiceProvider / OperationsMetadata）を
// 使う WFS 1.1.0, WFS 2.0.0, CSW 2.0.2 で共有するマッピング。

type owsServiceIdentification struct {
	Titles            []string `xml:"Title"`
	Abstracts         []string `xml:"Abstract"`
	Keywords          []string `xml:"Keywords>Keyword"`
	Fees              string   `xml:"Fees"`
	AccessConstraints []string `xml:"AccessConstraints"`
}

type owsServiceProvider struct {
	ProviderName   string         `xml:"ProviderName"`
	ProviderSite   onlineResource `xml:"ProviderSite"`
	IndividualName string         `xml:"ServiceContact>IndividualName"`
	Voice          []string       `xml:"ServiceContact>ContactInfo>Phone>Voice"`
	Email          []string       `xml:"ServiceContact>ContactInfo>Address>ElectronicMailAddress"`
}

type owsOperation struct {
	Name       string           `xml:"name,attr"`
	Get        []onlineResource `xml:"DCP>HTTP>Get"`
	Post       []onlineResource `xml:"DCP>HTTP>Post"`
	Parameters []owsParameter   `xml:"Parameter"`
}

type owsParameter struct {
	Name          string   `xml:"name,attr"`
	Values        []string `xml:"Value"`
	AllowedValues []string `xml:"AllowedValues>Value"`
}

type owsCommon struct {
	Version    string                   `xml:"version,attr"`
	Ident      owsServiceIdentification `xml:"ServiceIdentification"`
	Provider   owsServiceProvider       `xml:"ServiceProvider"`
	Operations []owsOperation           `xml:"OperationsMetadata>Operation"`
}

func (c *owsCommon) fill(doc *Document) {
	doc.Version = text(c.Version)
	doc.Title = first(c.Ident.Titles)
	doc.Abstract = first(c.Ident.Abstracts)
	doc.Keywords = keywords(c.Ident.Keywords)
	doc.Fees = text(c.Ident.Fees)
	doc.AccessConstraints = first(c.Ident.AccessConstraints)
	doc.Provider = Provider{
		Name:          text(c.Provider.ProviderName),
		Site:          text(c.Provider.ProviderSite.Href),
		ContactPerson: text(c.Provider.IndividualName),
		Email:         first(c.Provider.Email),
		Phone:         first(c.Provider.Voice),
	}
	for _, op := range c.Operations {
		doc.Operations = append(doc.Operations, op.operations()...)
	}
}

func (o owsOperation) operations() []Operation {
	var formats []string
	for _, p := range o.Parameters {
		switch p.Name {
		case "outputFormat", "Format", "AcceptFormats":
			formats = append(formats, keywords(p.Values)...)
			formats = append(formats, keywords(p.AllowedValues)...)
		}
	}

	var out []Operation
	for _, g := range o.Get {
		if u := text(g.Href); u != "" {
			out = append(out, Operation{Name: text(o.Name), Method: "GET", URL: u, Formats: formats})
		}
	}
	for _, p := range o.Post {
		if u := text(p.Href); u != "" {
			out = append(out, Operation{Name: text(o.Name), Method: "POST", URL: u, Formats: formats})
		}
	}
	return out
}

// first は最初の空でない値を返す。多言語で複数要素を持つ場合は先頭を採用する。
func first(values []string) string {
	for _, v := range values {
		if v = text(v); v != "" {
			return v
		}
	}
	return ""
}
