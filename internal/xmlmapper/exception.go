package xmlmapper

import (
	"fmt"
	"strings"
)

type exceptionReport struct {
	// WMS ServiceExceptionReport
	ServiceExceptions []serviceException `xml:"ServiceException"`
	// OWS ExceptionReport
	Exceptions []owsException `xml:"Exception"`
}

type serviceException struct {
	Code string `xml:"code,attr"`
	Text string `xml:",chardata"`
}

type owsException struct {
	Code    string   `xml:"exceptionCode,attr"`
	Locator string   `xml:"locator,attr"`
	Texts   []string `xml:"ExceptionText"`
}

// ParseException はOGC例外レポートを*ExceptionErrorに変換する。
// 例外レポートとして解釈できない場合もエラーを返す。
func ParseException(body []byte) error {
	var r exceptionReport
	if err := decode(body, &r); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedDocument, err)
	}
	if len(r.ServiceExceptions) > 0 {
		e := r.ServiceExceptions[0]
		return &ExceptionError{Code: text(e.Code), Text: text(e.Text)}
	}
	if len(r.Exceptions) > 0 {
		e := r.Exceptions[0]
		msg := strings.TrimSpace(strings.Join(keywords(e.Texts), "; "))
		if e.Locator != "" {
			msg = fmt.Sprintf("%s (locator=%s)", msg, text(e.Locator))
		}
		return &ExceptionError{Code: text(e.Code), Text: msg}
	}
	return &ExceptionError{Text: "empty exception report"}
}
