package vecmath

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectedCPU(t *testing.T) {
	f := DetectedCPU()
	assert.Equal(t, runtime.GOARCH, f.Arch)
	assert.Contains(t, []string{"avx2", "generic"}, f.Implementation)
	if f.Implementation == "avx2" {
		assert.True(t, f.HasAVX2 && f.HasFMA3)
	}
}
