package proxy

import (
	"encoding/xml"
	"net/http"
)

// OGC例外コード
const (
	codeMissingParameter = "MissingParameterValue"
	codeInvalidParameter = "InvalidParameterValue"
	codeAccessDenied     = "AccessDenied"
	codeNoApplicable     = "NoApplicableCode"
)

type serviceExceptionReport struct {
	XMLName   xml.Name         `xml:"ServiceExceptionReport"`
	Version   string           `xml:"version,attr"`
	Xmlns     string           `xml:"xmlns,attr"`
	Exception serviceException `xml:"ServiceException"`
}

type serviceException struct {
	Code string `xml:"code,attr,omitempty"`
	Text string `xml:",chardata"`
}

// writeException はOGCのServiceExceptionReportを書き込み、書き込んだバイト数を返す。
func writeException(w http.ResponseWriter, status int, code, message string) int64 {
	body, err := xml.MarshalIndent(serviceExceptionReport{
		Version:   "1.3.0",
		Xmlns:     "http://www.opengis.net/ogc",
		Exception: serviceException{Code: code, Text: message},
	}, "", "  ")
	if err != nil {
		http.Error(w, message, status)
		return 0
	}
	body = append([]byte(xml.Header), body...)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="MrMap"`)
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	n, _ := w.Write(body)
	return int64(n)
}
