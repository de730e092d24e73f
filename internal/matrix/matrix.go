// Package matrix implements the float32 linear algebra kernels used
// for embedding exchange: elementwise add, matrix multiply, transpose,
// dot product, row-wise L2 normalization, and cosine similarity. The
// inner loops are selected once at startup from the CPU's feature set;
// every kernel validates shapes and returns an error instead of
// panicking.
package matrix

import (
	"math"

	"github.com/cmmvio/umicp-go/pkg/types"
)

// Add computes dst = a + b elementwise. All three slices must have the
// same length.
func Add(dst, a, b []float32) error {
	if len(a) != len(b) || len(dst) != len(a) {
		return types.Errorf(types.CodeInvalidFrame,
			"add shape mismatch: dst=%d a=%d b=%d", len(dst), len(a), len(b))
	}
	addKernel(dst, a, b)
	return nil
}

// Multiply computes dst = a × b where a is m×n and b is n×p, row-major.
// dst must hold m*p elements.
func Multiply(dst, a []float32, m, n int, b []float32, p int) error {
	if m <= 0 || n <= 0 || p <= 0 {
		return types.Errorf(types.CodeInvalidFrame,
			"multiply dims must be positive: m=%d n=%d p=%d", m, n, p)
	}
	if len(a) != m*n || len(b) != n*p || len(dst) != m*p {
		return types.Errorf(types.CodeInvalidFrame,
			"multiply shape mismatch: a=%d want %d, b=%d want %d, dst=%d want %d",
			len(a), m*n, len(b), n*p, len(dst), m*p)
	}
	mulKernel(dst, a, m, n, b, p)
	return nil
}

// Transpose writes the transpose of the rows×cols matrix src into dst.
func Transpose(dst, src []float32, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return types.Errorf(types.CodeInvalidFrame,
			"transpose dims must be positive: rows=%d cols=%d", rows, cols)
	}
	if len(src) != rows*cols || len(dst) != rows*cols {
		return types.Errorf(types.CodeInvalidFrame,
			"transpose shape mismatch: src=%d dst=%d want %d", len(src), len(dst), rows*cols)
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dst[c*rows+r] = src[r*cols+c]
		}
	}
	return nil
}

// DotProduct returns the inner product of a and b.
func DotProduct(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, types.Errorf(types.CodeInvalidFrame,
			"dot shape mismatch: a=%d b=%d", len(a), len(b))
	}
	return dotKernel(a, b), nil
}

// Normalize scales each row of the rows×cols matrix m to unit L2 norm,
// in place. All-zero rows are left untouched.
func Normalize(m []float32, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return types.Errorf(types.CodeInvalidFrame,
			"normalize dims must be positive: rows=%d cols=%d", rows, cols)
	}
	if len(m) != rows*cols {
		return types.Errorf(types.CodeInvalidFrame,
			"normalize shape mismatch: len=%d want %d", len(m), rows*cols)
	}
	for r := 0; r < rows; r++ {
		row := m[r*cols : (r+1)*cols]
		norm := float32(math.Sqrt(float64(dotKernel(row, row))))
		if norm == 0 {
			continue
		}
		inv := 1 / norm
		for i := range row {
			row[i] *= inv
		}
	}
	return nil
}

// CosineSimilarity returns the cosine of the angle between a and b. A
// zero vector has no direction and is an error.
func CosineSimilarity(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, types.Errorf(types.CodeInvalidFrame,
			"cosine shape mismatch: a=%d b=%d", len(a), len(b))
	}
	if len(a) == 0 {
		return 0, types.Errorf(types.CodeInvalidFrame, "cosine of empty vectors")
	}

	dot := dotKernel(a, b)
	na := math.Sqrt(float64(dotKernel(a, a)))
	nb := math.Sqrt(float64(dotKernel(b, b)))
	if na == 0 || nb == 0 {
		return 0, types.Errorf(types.CodeInvalidFrame, "cosine of a zero vector")
	}
	return float32(float64(dot) / (na * nb)), nil
}
