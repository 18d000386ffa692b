package accesscontrol

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/planar"
)

// worldBound はEPSG:4326で有効な座標範囲。
var worldBound = orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}

// ParseArea はWKTのPOLYGONまたはMULTIPOLYGONを解析してMultiPolygonとして返す。
func ParseArea(s string) (orb.MultiPolygon, error) {
	g, err := wkt.Unmarshal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("WKTを解析できません: %w", err)
	}

	var mp orb.MultiPolygon
	switch geom := g.(type) {
	case orb.Polygon:
		mp = orb.MultiPolygon{geom}
	case orb.MultiPolygon:
		mp = geom
	default:
		return nil, fmt.Errorf("%s は使用できません（POLYGON または MULTIPOLYGON）", g.GeoJSONType())
	}

	for _, poly := range mp {
		if len(poly) == 0 || len(poly[0]) < 4 {
			return nil, fmt.Errorf("ポリゴンの外周は4点以上必要です")
		}
		for _, ring := range poly {
			if !ring.Closed() {
				return nil, fmt.Errorf("リングが閉じていません")
			}
		}
		b := poly.Bound()
		if !worldBound.Contains(b.Min) || !worldBound.Contains(b.Max) {
			return nil, fmt.Errorf("座標がEPSG:4326の範囲外です")
		}
	}
	return mp, nil
}

// Intersects は領域と矩形が交差（接触を含む）するかを返す。
func Intersects(area orb.MultiPolygon, b orb.Bound) bool {
	if !area.Bound().Intersects(b) {
		return false
	}

	rect := b.ToRing()
	for _, p := range rect {
		if planar.MultiPolygonContains(area, p) {
			return true
		}
	}

	for _, poly := range area {
		for _, ring := range poly {
			for i := 0; i < len(ring); i++ {
				if b.Contains(ring[i]) {
					return true
				}
				if i == 0 {
					continue
				}
				for j := 1; j < len(rect); j++ {
					if segmentsIntersect(ring[i-1], ring[i], rect[j-1], rect[j]) {
						return true
					}
				}
			}
		}
	}
	return false
}

func orientation(p, q, r orb.Point) float64 {
	return (q[0]-p[0])*(r[1]-p[1]) - (q[1]-p[1])*(r[0]-p[0])
}

func onSegment(p, q, r orb.Point) bool {
	return min(p[0], q[0]) <= r[0] && r[0] <= max(p[0], q[0]) &&
		min(p[1], q[1]) <= r[1] && r[1] <= max(p[1], q[1])
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := orientation(q1, q2, p1)
	d2 := orientation(q1, q2, p2)
	d3 := orientation(p1, p2, q1)
	d4 := orientation(p1, p2, q2)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) && ((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	switch {
	case d1 == 0 && onSegment(q1, q2, p1):
		return true
	case d2 == 0 && onSegment(q1, q2, p2):
		return true
	case d3 == 0 && onSegment(p1, p2, q1):
		return true
	case d4 == 0 && onSegment(p1, p2, q2):
		return true
	}
	return false
}
