package vecmath

import (
	"encoding/json"
	"math"
)

// ParseEmbeddingJSON decodes a JSONB float array column into a vector.
func ParseEmbeddingJSON(raw []byte) ([]float32, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var f64 []float64
	if err := json.Unmarshal(raw, &f64); err != nil {
		return nil, err
	}
	out := make([]float32, len(f64))
	for i, v := range f64 {
		out[i] = float32(v)
	}
	return out, nil
}

func EmbeddingToJSON(vec []float32) ([]byte, error) {
	if vec == nil {
		vec = []float32{}
	}
	return json.Marshal(vec)
}

// Cosine returns the cosine similarity of a and b, 0 when either has
// zero norm or the dimensions differ.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
