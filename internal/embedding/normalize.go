package embedding

import (
	"errors"
	"math"
)

var ErrZeroVector = errors.New("embedding has zero magnitude")

// Normalize fits vec to dim entries, padding with zeros or truncating, and
// scales the result to unit L2 norm. The input is not modified.
func Normalize(vec []float32, dim int) ([]float32, error) {
	out := make([]float32, dim)
	copy(out, vec)

	var sum float64
	for _, v := range out {
		sum += float64(v) * float64(v)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, ErrZeroVector
	}

	norm := math.Sqrt(sum)
	for i, v := range out {
		out[i] = float32(float64(v) / norm)
	}
	return out, nil
}
