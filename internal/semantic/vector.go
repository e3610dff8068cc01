package semantic

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Stored vector layout: a 4-byte little-endian dimension prefix followed by
// the raw float32 values, little-endian. The prefix lets Rebuild validate a
// row before trusting its payload length.
const (
	vectorHeaderLen = 4
	float32Size     = 4
)

// EncodeVector packs a vector into its storage blob. Empty and non-finite
// vectors are rejected so the fact log never holds an unsearchable record.
func EncodeVector(vector []float32) ([]byte, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("encode vector: empty vector")
	}
	if uint64(len(vector)) > math.MaxUint32 {
		return nil, fmt.Errorf("encode vector: dimension %d exceeds header range", len(vector))
	}
	if err := checkFinite(vector); err != nil {
		return nil, fmt.Errorf("encode vector: %w", err)
	}

	blob := make([]byte, 0, vectorHeaderLen+float32Size*len(vector))
	blob = binary.LittleEndian.AppendUint32(blob, uint32(len(vector)))
	for _, value := range vector {
		blob = binary.LittleEndian.AppendUint32(blob, math.Float32bits(value))
	}
	return blob, nil
}

// DecodeVector unpacks a storage blob produced by EncodeVector.
func DecodeVector(blob []byte) ([]float32, error) {
	if len(blob) < vectorHeaderLen {
		return nil, fmt.Errorf("decode vector: blob too short: %d bytes", len(blob))
	}

	dim := binary.LittleEndian.Uint32(blob[:vectorHeaderLen])
	payload := blob[vectorHeaderLen:]
	if dim == 0 || uint64(len(payload)) != uint64(dim)*float32Size {
		return nil, fmt.Errorf("decode vector: dimension mismatch: dim=%d payload=%d", dim, len(payload))
	}

	vector := make([]float32, dim)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[float32Size*i:]))
	}
	if err := checkFinite(vector); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	return vector, nil
}

// CosineSimilarity scores two vectors in [-1, 1]. Both inputs must share a
// dimension and have a nonzero norm.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine similarity: dimension mismatch: %d vs %d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("cosine similarity: empty vector")
	}
	if err := checkFinite(a); err != nil {
		return 0, fmt.Errorf("cosine similarity: %w", err)
	}
	if err := checkFinite(b); err != nil {
		return 0, fmt.Errorf("cosine similarity: %w", err)
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, fmt.Errorf("cosine similarity: zero vector norm")
	}

	// Floating-point rounding can push the ratio a hair outside [-1, 1].
	return math.Max(-1, math.Min(1, dot/math.Sqrt(normA*normB))), nil
}

func checkFinite(vector []float32) error {
	for i, value := range vector {
		f := float64(value)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("non-finite value at index %d", i)
		}
	}
	return nil
}
