// Package ows はOGC Web Serviceリクエストの解析とURL操作を提供する。
package ows

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

var (
	// ErrInvalidBBox はBBOXパラメータが解釈できない場合のエラー。
	ErrInvalidBBox = errors.New("invalid bbox")
	// ErrDuplicateParameter は同じキーが大文字小文字違いを含めて複数回指定された場合のエラー。
	ErrDuplicateParameter = errors.New("duplicate parameter")
)

// Request はOWSリクエストのうちアクセス判定に必要な部分。
type Request struct {
	Service string
	Request string
	Version string
	Layers  []string
	BBox    *orb.Bound
	CRS     string
	// Unscoped は対象のフィーチャタイプを特定できないID指定やストアドクエリを含むことを示す。
	Unscoped bool
}

// layerParams はレイヤ（フィーチャタイプ）名を運ぶパラメータ。
var layerParams = []string{"LAYERS", "QUERY_LAYERS", "LAYER", "TYPENAME", "TYPENAMES"}

// featureIDParams は "type.fid" 形式でフィーチャを直接指定するパラメータ。
var featureIDParams = []string{"RESOURCEID", "FEATUREID", "GMLOBJECTID"}

// ParseRequest はクエリパラメータをキーの大文字小文字を区別せずに解析する。
// 判定と中継で異なる値を見ないよう、同じキーの重複はErrDuplicateParameterとする。
// BBOXが不正な場合はBBoxをnilのままエラーを返す。
func ParseRequest(q url.Values) (Request, error) {
	get := func(key string) string {
		return strings.TrimSpace(Param(q, key))
	}

	r := Request{
		Service: get("SERVICE"),
		Request: get("REQUEST"),
		Version: get("VERSION"),
		CRS:     get("CRS"),
	}
	if r.CRS == "" {
		r.CRS = get("SRS")
	}
	if r.Version == "" {
		// WFS 2.0ではACCEPTVERSIONSのみが指定されることがある
		r.Version = strings.Split(get("ACCEPTVERSIONS"), ",")[0]
	}
	if key := duplicateKey(q); key != "" {
		return r, fmt.Errorf("%w: %s", ErrDuplicateParameter, key)
	}

	seen := make(map[string]bool)
	addLayer := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		r.Layers = append(r.Layers, name)
	}
	for _, p := range layerParams {
		for _, name := range strings.Split(get(p), ",") {
			addLayer(strings.TrimSpace(name))
		}
	}
	for _, p := range featureIDParams {
		for _, id := range strings.Split(get(p), ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			i := strings.LastIndex(id, ".")
			if i <= 0 {
				r.Unscoped = true
				continue
			}
			addLayer(id[:i])
		}
	}
	if get("STOREDQUERY_ID") != "" {
		r.Unscoped = true
	}

	raw := get("BBOX")
	if raw == "" {
		return r, nil
	}
	b, crs, err := ParseBBox(raw)
	if err != nil {
		return r, err
	}
	if crs != "" {
		r.CRS = crs
	}
	if swapsAxes(r) {
		b = orb.Bound{Min: orb.Point{b.Min[1], b.Min[0]}, Max: orb.Point{b.Max[1], b.Max[0]}}
	}
	r.BBox = &b
	return r, nil
}

// duplicateKey は大文字小文字を区別せずに複数回現れるキーを返す。なければ空文字。
func duplicateKey(q url.Values) string {
	seen := make(map[string]bool, len(q))
	for k, v := range q {
		key := strings.ToUpper(k)
		if len(v) > 1 || seen[key] {
			return key
		}
		seen[key] = true
	}
	return ""
}

// swapsAxes はWMS 1.3.0（およびWFS 1.1以降のURN表記）でEPSG:4326が緯度・経度順になるかを返す。
func swapsAxes(r Request) bool {
	if !IsGeographicCRS(r.CRS) || strings.EqualFold(r.CRS, "CRS:84") {
		return false
	}
	if strings.HasPrefix(strings.ToLower(r.CRS), "urn:ogc:def:crs:epsg:") {
		return true
	}
	return strings.EqualFold(r.Service, "WMS") && r.Version == "1.3.0"
}

// IsGeographicCRS はWGS84経緯度として扱えるCRS表記かを返す。
func IsGeographicCRS(crs string) bool {
	switch strings.ToUpper(strings.TrimSpace(crs)) {
	case "EPSG:4326", "CRS:84", "URN:OGC:DEF:CRS:EPSG::4326", "URN:OGC:DEF:CRS:OGC:1.3:CRS84",
		"HTTP://WWW.OPENGIS.NET/DEF/CRS/EPSG/0/4326", "HTTP://WWW.OPENGIS.NET/DEF/CRS/OGC/1.3/CRS84":
		return true
	default:
		return false
	}
}

// ParseBBox は "minx,miny,maxx,maxy[,crs]" を解析する。minがmaxを超える場合はエラー。
func ParseBBox(s string) (orb.Bound, string, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 && len(parts) != 5 {
		return orb.Bound{}, "", fmt.Errorf("%w: expected 4 or 5 values, got %d", ErrInvalidBBox, len(parts))
	}
	var v [4]float64
	for i := 0; i < 4; i++ {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return orb.Bound{}, "", fmt.Errorf("%w: %q is not a number", ErrInvalidBBox, parts[i])
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return orb.Bound{}, "", fmt.Errorf("%w: min exceeds max", ErrInvalidBBox)
	}
	var crs string
	if len(parts) == 5 {
		crs = strings.TrimSpace(parts[4])
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, crs, nil
}

// CapabilitiesURL は登録URLを正規化し、SERVICEとREQUEST=GetCapabilities（指定時はVERSION）を保証する。
// 既存のOWSパラメータは大文字小文字を問わず置き換える。ATOMフィードはそのまま返す。
func CapabilitiesURL(raw string, serviceType model.ServiceType, version string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("missing host")
	}
	u.Fragment = ""
	if serviceType == model.ServiceTypeATOM {
		return u.String(), nil
	}

	params := url.Values{
		"SERVICE": {string(serviceType)},
		"REQUEST": {"GetCapabilities"},
	}
	if version != "" {
		params.Set("VERSION", version)
	}
	return MergeQuery(u.String(), params)
}

// MergeQuery はbaseのクエリにparamsを上書きする。キーの比較は大文字小文字を区別しない。
func MergeQuery(base string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for k := range params {
		for existing := range q {
			if strings.EqualFold(existing, k) {
				q.Del(existing)
			}
		}
	}
	for k, v := range params {
		for _, vv := range v {
			q.Add(k, vv)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Param はクエリパラメータをキーの大文字小文字を区別せずに取得する。
func Param(q url.Values, key string) string {
	for k, v := range q {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
