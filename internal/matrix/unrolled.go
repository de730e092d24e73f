package matrix

// Eight-wide unrolled kernels. The fixed-stride inner loops vectorize
// cleanly on AVX2-class hardware.

func addUnrolled(dst, a, b []float32) {
	i := 0
	for ; i+8 <= len(a); i += 8 {
		dst[i+0] = a[i+0] + b[i+0]
		dst[i+1] = a[i+1] + b[i+1]
		dst[i+2] = a[i+2] + b[i+2]
		dst[i+3] = a[i+3] + b[i+3]
		dst[i+4] = a[i+4] + b[i+4]
		dst[i+5] = a[i+5] + b[i+5]
		dst[i+6] = a[i+6] + b[i+6]
		dst[i+7] = a[i+7] + b[i+7]
	}
	for ; i < len(a); i++ {
		dst[i] = a[i] + b[i]
	}
}

func dotUnrolled(a, b []float32) float32 {
	var s0, s1, s2, s3, s4, s5, s6, s7 float32
	i := 0
	for ; i+8 <= len(a); i += 8 {
		s0 += a[i+0] * b[i+0]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
		s4 += a[i+4] * b[i+4]
		s5 += a[i+5] * b[i+5]
		s6 += a[i+6] * b[i+6]
		s7 += a[i+7] * b[i+7]
	}
	sum := ((s0 + s4) + (s1 + s5)) + ((s2 + s6) + (s3 + s7))
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// mulBlocked is the ikj-ordered multiply: the inner loop walks both
// dst and b rows contiguously, and addUnrolled-style striding applies.
func mulBlocked(dst, a []float32, m, n int, b []float32, p int) {
	for i := range dst {
		dst[i] = 0
	}
	for r := 0; r < m; r++ {
		row := dst[r*p : (r+1)*p]
		for k := 0; k < n; k++ {
			av := a[r*n+k]
			if av == 0 {
				continue
			}
			bRow := b[k*p : (k+1)*p]
			c := 0
			for ; c+8 <= p; c += 8 {
				row[c+0] += av * bRow[c+0]
				row[c+1] += av * bRow[c+1]
				row[c+2] += av * bRow[c+2]
				row[c+3] += av * bRow[c+3]
				row[c+4] += av * bRow[c+4]
				row[c+5] += av * bRow[c+5]
				row[c+6] += av * bRow[c+6]
				row[c+7] += av * bRow[c+7]
			}
			for ; c < p; c++ {
				row[c] += av * bRow[c]
			}
		}
	}
}
