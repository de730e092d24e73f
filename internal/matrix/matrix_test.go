package matrix

import (
	"math"
	"math/rand"
	"testing"
)

const tolerance = 1e-4

func closeEnough(a, b float32) bool {
	diff := math.Abs(float64(a - b))
	if diff <= tolerance {
		return true
	}
	scale := math.Max(math.Abs(float64(a)), math.Abs(float64(b)))
	return diff <= tolerance*scale
}

func randomVector(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func TestAdd(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{10, 20, 30}
	dst := make([]float32, 3)
	if err := Add(dst, a, b); err != nil {
		t.Fatal(err)
	}
	want := []float32{11, 22, 33}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestAddShapeMismatch(t *testing.T) {
	if err := Add(make([]float32, 2), make([]float32, 3), make([]float32, 3)); err == nil {
		t.Error("short dst should fail")
	}
	if err := Add(make([]float32, 3), make([]float32, 3), make([]float32, 2)); err == nil {
		t.Error("mismatched operands should fail")
	}
}

func TestAddAgainstScalar(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, n := range []int{0, 1, 7, 8, 9, 64, 1000} {
		a := randomVector(rng, n)
		b := randomVector(rng, n)
		got := make([]float32, n)
		want := make([]float32, n)
		addUnrolled(got, a, b)
		addScalar(want, a, b)
		for i := range want {
			if !closeEnough(got[i], want[i]) {
				t.Fatalf("n=%d: [%d] = %v, scalar oracle %v", n, i, got[i], want[i])
			}
		}
	}
}

func TestDotAgainstScalar(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for _, n := range []int{0, 1, 7, 8, 9, 64, 1000} {
		a := randomVector(rng, n)
		b := randomVector(rng, n)
		got := dotUnrolled(a, b)
		want := dotScalar(a, b)
		if !closeEnough(got, want) {
			t.Errorf("n=%d: dot = %v, scalar oracle %v", n, got, want)
		}
	}
}

func TestMultiply(t *testing.T) {
	// 2x3 × 3x2
	a := []float32{1, 2, 3, 4, 5, 6}
	b := []float32{7, 8, 9, 10, 11, 12}
	dst := make([]float32, 4)
	if err := Multiply(dst, a, 2, 3, b, 2); err != nil {
		t.Fatal(err)
	}
	want := []float32{58, 64, 139, 154}
	for i := range want {
		if !closeEnough(dst[i], want[i]) {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestMultiplyAgainstScalar(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	cases := []struct{ m, n, p int }{
		{1, 1, 1}, {2, 3, 4}, {8, 8, 8}, {5, 17, 9}, {16, 32, 7},
	}
	for _, tc := range cases {
		a := randomVector(rng, tc.m*tc.n)
		b := randomVector(rng, tc.n*tc.p)
		got := make([]float32, tc.m*tc.p)
		want := make([]float32, tc.m*tc.p)
		mulBlocked(got, a, tc.m, tc.n, b, tc.p)
		mulScalar(want, a, tc.m, tc.n, b, tc.p)
		for i := range want {
			if !closeEnough(got[i], want[i]) {
				t.Fatalf("%dx%dx%d: [%d] = %v, scalar oracle %v", tc.m, tc.n, tc.p, i, got[i], want[i])
			}
		}
	}
}

func TestMultiplyShapeMismatch(t *testing.T) {
	if err := Multiply(make([]float32, 4), make([]float32, 6), 2, 3, make([]float32, 5), 2); err == nil {
		t.Error("wrong b length should fail")
	}
	if err := Multiply(make([]float32, 4), make([]float32, 6), 0, 3, make([]float32, 6), 2); err == nil {
		t.Error("zero dim should fail")
	}
}

func TestTranspose(t *testing.T) {
	src := []float32{1, 2, 3, 4, 5, 6} // 2x3
	dst := make([]float32, 6)
	if err := Transpose(dst, src, 2, 3); err != nil {
		t.Fatal(err)
	}
	want := []float32{1, 4, 2, 5, 3, 6}
	for i := range want {
		if dst[i] != want[i] {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}

	// Transposing twice restores the original.
	back := make([]float32, 6)
	if err := Transpose(back, dst, 3, 2); err != nil {
		t.Fatal(err)
	}
	for i := range src {
		if back[i] != src[i] {
			t.Errorf("double transpose [%d] = %v, want %v", i, back[i], src[i])
		}
	}
}

func TestDotProduct(t *testing.T) {
	got, err := DotProduct([]float32{1, 2, 3}, []float32{4, 5, 6})
	if err != nil {
		t.Fatal(err)
	}
	if !closeEnough(got, 32) {
		t.Errorf("dot = %v, want 32", got)
	}

	if _, err := DotProduct([]float32{1}, []float32{1, 2}); err == nil {
		t.Error("length mismatch should fail")
	}
}

func TestNormalize(t *testing.T) {
	m := []float32{3, 4, 0, 0, 0, 5} // 3 rows x 2 cols
	if err := Normalize(m, 3, 2); err != nil {
		t.Fatal(err)
	}

	if !closeEnough(m[0], 0.6) || !closeEnough(m[1], 0.8) {
		t.Errorf("row 0 = %v", m[:2])
	}
	// The all-zero row stays untouched.
	if m[2] != 0 || m[3] != 0 {
		t.Errorf("zero row = %v, want untouched", m[2:4])
	}
	if !closeEnough(m[4], 0) || !closeEnough(m[5], 1) {
		t.Errorf("row 2 = %v", m[4:6])
	}

	for r := 0; r < 3; r++ {
		if r == 1 {
			continue
		}
		norm, err := DotProduct(m[r*2:(r+1)*2], m[r*2:(r+1)*2])
		if err != nil {
			t.Fatal(err)
		}
		if !closeEnough(norm, 1) {
			t.Errorf("row %d norm² = %v, want 1", r, norm)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	v := []float32{1, 2, 3}
	got, err := CosineSimilarity(v, v)
	if err != nil {
		t.Fatal(err)
	}
	if !closeEnough(got, 1) {
		t.Errorf("self similarity = %v, want 1", got)
	}

	got, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	if !closeEnough(got, 0) {
		t.Errorf("orthogonal similarity = %v, want 0", got)
	}

	if _, err := CosineSimilarity([]float32{0, 0}, []float32{1, 1}); err == nil {
		t.Error("zero vector should fail")
	}
	if _, err := CosineSimilarity(nil, nil); err == nil {
		t.Error("empty vectors should fail")
	}
}

func BenchmarkDot1024(b *testing.B) {
	rng := rand.New(rand.NewSource(4))
	x := randomVector(rng, 1024)
	y := randomVector(rng, 1024)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dotKernel(x, y)
	}
}

func BenchmarkMultiply64(b *testing.B) {
	rng := rand.New(rand.NewSource(5))
	x := randomVector(rng, 64*64)
	y := randomVector(rng, 64*64)
	dst := make([]float32, 64*64)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mulKernel(dst, x, 64, 64, y, 64)
	}
}
