package vecmath

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// CPUFeatures reports the SIMD capabilities relevant to vek's kernels.
type CPUFeatures struct {
	Vendor         string
	Arch           string
	HasAVX2        bool
	HasFMA3        bool
	HasAVX512      bool
	HasNEON        bool
	Implementation string // "avx2" or "generic"
}

var features = detectCPU()

func detectCPU() CPUFeatures {
	f := CPUFeatures{
		Vendor:  cpuid.CPU.VendorString,
		Arch:    runtime.GOARCH,
		HasAVX2: cpuid.CPU.Supports(cpuid.AVX2),
		HasFMA3: cpuid.CPU.Supports(cpuid.FMA3),
		HasAVX512: cpuid.CPU.Supports(cpuid.AVX512F) &&
			cpuid.CPU.Supports(cpuid.AVX512DQ),
		HasNEON: cpuid.CPU.Supports(cpuid.ASIMD),
	}
	// vek only ships amd64 AVX2+FMA assembly; everything else runs the Go fallback.
	f.Implementation = "generic"
	if f.Arch == "amd64" && f.HasAVX2 && f.HasFMA3 {
		f.Implementation = "avx2"
	}
	return f
}

// DetectedCPU returns the capabilities detected at startup.
func DetectedCPU() CPUFeatures {
	return features
}
