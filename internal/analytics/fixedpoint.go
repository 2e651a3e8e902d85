package analytics

import (
	"math"
	"math/big"
	"strings"
)

// Decimal scales used across the indexer schema. Base amounts, prices, PnL and
// funding are 18-decimal, fees 6-decimal, and the latest-snapshot PnL column on
// live positions 21-decimal.
const (
	ScaleBase        = 18
	ScaleFee         = 6
	ScalePnlSnapshot = 21
)

// NormalizeInt converts an integer-encoded fixed-point value into display units,
// dividing by 10^scale. Sign is preserved.
func NormalizeInt(raw int64, scale int) float64 {
	if raw == 0 {
		return 0
	}
	return Finite(float64(raw) / pow10(scale))
}

// NormalizeString converts a decimal string (the query layer hands back
// arbitrary-precision numerics as text) into display units at the given scale.
// Empty or malformed input yields 0 rather than an error: every aggregate field
// defaults to zero on missing input.
func NormalizeString(raw string, scale int) float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}

	value, ok := new(big.Float).SetString(raw)
	if !ok {
		return 0
	}
	if scale > 0 {
		divisor := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil))
		value.Quo(value, divisor)
	}

	out, _ := value.Float64()
	return Finite(out)
}

// Finite coerces NaN and infinities to 0 so no aggregate ever leaks a
// non-finite value to the presentation layer.
func Finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func pow10(scale int) float64 {
	return math.Pow(10, float64(scale))
}
