package matrix

// Scalar reference kernels. These are the oracle the unrolled paths
// are tested against.

func addScalar(dst, a, b []float32) {
	for i := range a {
		dst[i] = a[i] + b[i]
	}
}

func dotScalar(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func mulScalar(dst, a []float32, m, n int, b []float32, p int) {
	for i := range dst {
		dst[i] = 0
	}
	for r := 0; r < m; r++ {
		for k := 0; k < n; k++ {
			av := a[r*n+k]
			if av == 0 {
				continue
			}
			row := dst[r*p : (r+1)*p]
			bRow := b[k*p : (k+1)*p]
			for c := range row {
				row[c] += av * bRow[c]
			}
		}
	}
}
