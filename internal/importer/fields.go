package importer

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"

	"cloudledger/internal/model"
)

// Provider records arrive as loosely typed JSON maps; numeric fields may be
// strings or numbers depending on the API and on prior merges.

func fieldString(m model.JSONMap, key string) string {
	switch v := m[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func fieldFloat(m model.JSONMap, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

func fieldDecimal(m model.JSONMap, key string) decimal.Decimal {
	switch v := m[key].(type) {
	case float64:
		return decimal.NewFromFloat(v)
	case int:
		return decimal.NewFromInt(int64(v))
	case int64:
		return decimal.NewFromInt(v)
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}

func cloneFields(m model.JSONMap) model.JSONMap {
	out := make(model.JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
