package embed

import (
	"fmt"
	"strconv"
	"strings"
)

// encodeVector/decodeVector serialize a []float32 to/from the string
// value type the cache.Cache interface uses. A compact comma-joined
// representation is sufficient here: embedding cache entries are
// internal and never inspected outside this package.
func encodeVector(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
	}
	return strings.Join(parts, ",")
}

func decodeVector(s string) ([]float32, error) {
	if s == "" {
		return nil, fmt.Errorf("empty cached vector")
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(f)
	}
	return out, nil
}
