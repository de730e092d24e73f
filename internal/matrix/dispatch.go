package matrix

import (
	"github.com/klauspost/cpuid/v2"

	"github.com/cmmvio/umicp-go/internal/logging"
)

// The kernel function pointers are bound once at startup. On CPUs with
// wide vector units the unrolled paths let the compiler keep eight
// lanes in flight; everywhere else the scalar paths apply.
var (
	addKernel func(dst, a, b []float32)
	dotKernel func(a, b []float32) float32
	mulKernel func(dst, a []float32, m, n int, b []float32, p int)
)

func init() {
	if cpuid.CPU.Supports(cpuid.AVX2) {
		addKernel = addUnrolled
		dotKernel = dotUnrolled
		mulKernel = mulBlocked
		logging.Debug("matrix kernels: unrolled path",
			logging.Component("matrix"), "cpu", cpuid.CPU.BrandName)
		return
	}
	addKernel = addScalar
	dotKernel = dotScalar
	mulKernel = mulScalar
}
