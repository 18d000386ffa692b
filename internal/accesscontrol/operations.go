package accesscontrol

import (
	"strings"

	"github.com/mrmap-community/mrmap-sub007/internal/model"
)

// operationNames はサービス種別ごとに許可設定へ指定できるオペレーション名。
var operationNames = map[model.ServiceType][]string{
	model.ServiceTypeWMS: {
		"GetCapabilities", "GetMap", "GetFeatureInfo", "DescribeLayer", "GetLegendGraphic", "GetStyles",
	},
	model.ServiceTypeWFS: {
		"GetCapabilities", "DescribeFeatureType", "GetFeature", "GetPropertyValue", "GetGmlObject",
		"ListStoredQueries", "DescribeStoredQueries", "LockFeature", "Transaction",
	},
	model.ServiceTypeCSW: {
		"GetCapabilities", "DescribeRecord", "GetRecords", "GetRecordById", "GetDomain", "Harvest", "Transaction",
	},
	model.ServiceTypeATOM: {
		"GetCapabilities",
	},
}

// OperationNames はサービス種別で使えるオペレーション名を返す。
func OperationNames(t model.ServiceType) []string {
	return operationNames[t]
}

// canonicalOperation は大文字小文字を無視してオペレーション名を正規化する。
func canonicalOperation(t model.ServiceType, name string) (string, bool) {
	name = strings.TrimSpace(name)
	for _, op := range OperationNames(t) {
		if strings.EqualFold(op, name) {
			return op, true
		}
	}
	return "", false
}

// normalizeOperations は重複を除き正規化したオペレーション名を返す。
// 未知の名前があればINVALID_OPERATIONを返す。
func normalizeOperations(t model.ServiceType, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, model.NewValidationError("operations は1件以上指定してください")
	}
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		op, ok := canonicalOperation(t, n)
		if !ok {
			return nil, model.NewInvalidOperationError(n, t)
		}
		if seen[op] {
			continue
		}
		seen[op] = true
		out = append(out, op)
	}
	return out, nil
}
