// Package device reports the compute context the numeric library runs on.
// All tensor work happens on the CPU; the description is logged once at the
// start of each entry point.
package device

import (
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"
)

// Info is a snapshot of the host CPU.
type Info struct {
	Brand         string
	PhysicalCores int
	LogicalCores  int
	Procs         int
	SIMD          []string
}

var simdFeatures = []struct {
	name string
	id   cpuid.FeatureID
}{
	{"sse4.2", cpuid.SSE42},
	{"avx", cpuid.AVX},
	{"avx2", cpuid.AVX2},
	{"fma3", cpuid.FMA3},
	{"avx512f", cpuid.AVX512F},
	{"asimd", cpuid.ASIMD},
}

// Describe inspects the running CPU.
func Describe() Info {
	info := Info{
		Brand:         strings.TrimSpace(cpuid.CPU.BrandName),
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		Procs:         runtime.GOMAXPROCS(0),
	}
	if info.Brand == "" {
		info.Brand = runtime.GOARCH
	}
	for _, f := range simdFeatures {
		if cpuid.CPU.Supports(f.id) {
			info.SIMD = append(info.SIMD, f.name)
		}
	}
	return info
}

// Log writes the description as a single structured entry.
func (i Info) Log(logger *zap.SugaredLogger) {
	logger.Infow("compute device",
		"cpu", i.Brand,
		"physical_cores", i.PhysicalCores,
		"logical_cores", i.LogicalCores,
		"gomaxprocs", i.Procs,
		"simd", strings.Join(i.SIMD, ","),
	)
}
