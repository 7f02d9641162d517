package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrInvalidEmbedding is wrapped by every embedding decode or validation failure
var ErrInvalidEmbedding = errors.New("invalid embedding")

// DecodeEmbedding parses a stored embedding. The value must be a JSON array
// of numbers, optionally wrapped in a single outer array, with exactly dim
// finite elements. dim <= 0 skips the dimension check.
func DecodeEmbedding(raw []byte, dim int) ([]float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty value", ErrInvalidEmbedding)
	}

	var flat []float64
	if err := decodeStrict(raw, &flat); err != nil {
		var nested [][]float64
		if nestedErr := decodeStrict(raw, &nested); nestedErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEmbedding, err)
		}
		if len(nested) != 1 {
			return nil, fmt.Errorf("%w: expected a single nested vector, got %d", ErrInvalidEmbedding, len(nested))
		}
		flat = nested[0]
	}

	if err := Validate(flat, dim); err != nil {
		return nil, err
	}
	return flat, nil
}

func decodeStrict(raw []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after embedding")
	}
	return nil
}

// EncodeEmbedding serializes an embedding for storage
func EncodeEmbedding(vec []float64) ([]byte, error) {
	if err := Validate(vec, 0); err != nil {
		return nil, err
	}
	return json.Marshal(vec)
}

// Validate checks the dimension and that every element is finite
func Validate(vec []float64, dim int) error {
	if len(vec) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidEmbedding)
	}
	if dim > 0 && len(vec) != dim {
		return fmt.Errorf("%w: expected dimension %d, got %d", ErrInvalidEmbedding, dim, len(vec))
	}
	for i, x := range vec {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: non-finite value at index %d", ErrInvalidEmbedding, i)
		}
	}
	return nil
}

// Distance returns the Euclidean distance between equal-length vectors
func Distance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of vec; zero vectors are returned as is
func Normalize(vec []float64) []float64 {
	var norm float64
	for _, x := range vec {
		norm += x * x
	}
	out := make([]float64, len(vec))
	copy(out, vec)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i := range out {
		out[i] /= norm
	}
	return out
}
