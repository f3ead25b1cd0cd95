package net

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/vae"
)

func TestExportGGUF(t *testing.T) {
	arch := vae.Architecture{ImageSize: 8, Channels: 1, LatentDim: 2, IntermediateDim: 4, Filters: 2, KernelSize: 3}
	tensors := []vae.NamedTensor{
		{Name: "a.weight", Shape: []int{2, 3}, Data: []float64{1, 2, 3, 4, 5, 6}},
		{Name: "a.bias", Shape: []int{2}, Data: []float64{0.5, -0.5}},
	}

	var f32, f16 bytes.Buffer
	require.NoError(t, ExportGGUF(&f32, arch, tensors, GGMLTypeF32))
	require.NoError(t, ExportGGUF(&f16, arch, tensors, GGMLTypeF16))

	for _, buf := range []*bytes.Buffer{&f32, &f16} {
		b := buf.Bytes()
		require.Greater(t, len(b), 24)
		assert.Equal(t, uint32(GGUFMagic), binary.LittleEndian.Uint32(b[0:]))
		assert.Equal(t, uint32(GGUFVersion), binary.LittleEndian.Uint32(b[4:]))
		assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(b[8:]), "tensor count")
		assert.Equal(t, uint64(8), binary.LittleEndian.Uint64(b[16:]), "metadata count")
		assert.Zero(t, len(b)%32, "file ends aligned")
	}

	// Each tensor occupies one 32 byte aligned slot in both encodings, so the
	// last F32 tensor (2 values) ends with 8 data bytes followed by padding.
	b := f32.Bytes()
	last := b[len(b)-32:]
	assert.Equal(t, float32(0.5), math.Float32frombits(binary.LittleEndian.Uint32(last[0:])))
	assert.Equal(t, float32(-0.5), math.Float32frombits(binary.LittleEndian.Uint32(last[4:])))

	assert.Error(t, ExportGGUF(&bytes.Buffer{}, arch, tensors, GGMLType(8)))
}

func TestFloat16Conversion(t *testing.T) {
	assert.Equal(t, uint16(0x3C00), Float32ToFloat16(1))
	assert.Equal(t, uint16(0xC000), Float32ToFloat16(-2))
	assert.Equal(t, uint16(0x7C00), Float32ToFloat16(1e6))
	assert.Equal(t, float32(0.5), Float16ToFloat32(Float32ToFloat16(0.5)))
}
