package net

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/vae"
)

// GGUF Constants
const (
	GGUFMagic   = 0x46554747 // "GGUF" in little-endian
	GGUFVersion = 3
)

// GGUF Value Types
type GGUFType uint32

const (
	GGUFTypeUint8   GGUFType = 0
	GGUFTypeInt8    GGUFType = 1
	GGUFTypeUint16  GGUFType = 2
	GGUFTypeInt16   GGUFType = 3
	GGUFTypeUint32  GGUFType = 4
	GGUFTypeInt32   GGUFType = 5
	GGUFTypeFloat32 GGUFType = 6
	GGUFTypeBool    GGUFType = 7
	GGUFTypeString  GGUFType = 8
	GGUFTypeArray   GGUFType = 9
	GGUFTypeUint64  GGUFType = 10
	GGUFTypeInt64   GGUFType = 11
	GGUFTypeFloat64 GGUFType = 12
)

// GGML Tensor Types
type GGMLType uint32

const (
	GGMLTypeF32 GGMLType = 0
	GGMLTypeF16 GGMLType = 1
)

func (t GGMLType) size() uint64 {
	if t == GGMLTypeF16 {
		return 2
	}
	return 4
}

// GGUFWriter helps writing GGUF files
type GGUFWriter struct {
	w         io.Writer
	alignment uint64
	written   uint64
}

func NewGGUFWriter(w io.Writer) *GGUFWriter {
	return &GGUFWriter{
		w:         w,
		alignment: 32, // Default alignment
	}
}

func (gw *GGUFWriter) write(v any) error {
	if err := binary.Write(gw.w, binary.LittleEndian, v); err != nil {
		return err
	}
	gw.written += uint64(binary.Size(v))
	return nil
}

func (gw *GGUFWriter) WriteHeader(kvCount, tensorCount uint64) error {
	if err := gw.write(uint32(GGUFMagic)); err != nil {
		return err
	}
	if err := gw.write(uint32(GGUFVersion)); err != nil {
		return err
	}
	if err := gw.write(tensorCount); err != nil {
		return err
	}
	return gw.write(kvCount)
}

func (gw *GGUFWriter) WriteString(s string) error {
	if err := gw.write(uint64(len(s))); err != nil {
		return err
	}
	n, err := io.WriteString(gw.w, s)
	gw.written += uint64(n)
	return err
}

func (gw *GGUFWriter) WriteKV(key string, valType GGUFType, value any) error {
	if err := gw.WriteString(key); err != nil {
		return err
	}
	if err := gw.write(uint32(valType)); err != nil {
		return err
	}

	switch valType {
	case GGUFTypeUint32:
		return gw.write(value.(uint32))
	case GGUFTypeInt32:
		return gw.write(value.(int32))
	case GGUFTypeFloat32:
		return gw.write(value.(float32))
	case GGUFTypeUint64:
		return gw.write(value.(uint64))
	case GGUFTypeFloat64:
		return gw.write(value.(float64))
	case GGUFTypeBool:
		var b uint8
		if value.(bool) {
			b = 1
		}
		return gw.write(b)
	case GGUFTypeString:
		return gw.WriteString(value.(string))
	default:
		return fmt.Errorf("unsupported GGUF type: %v", valType)
	}
}

func (gw *GGUFWriter) WriteTensorInfo(name string, shape []uint64, ggmlType GGMLType, offset uint64) error {
	if err := gw.WriteString(name); err != nil {
		return err
	}
	rank := uint32(len(shape))
	if err := gw.write(rank); err != nil {
		return err
	}
	// GGUF dimensions are in reverse order (last dimension first)
	for i := int(rank) - 1; i >= 0; i-- {
		if err := gw.write(shape[i]); err != nil {
			return err
		}
	}
	if err := gw.write(uint32(ggmlType)); err != nil {
		return err
	}
	return gw.write(offset)
}

// Pad writes zero bytes up to the next alignment boundary.
func (gw *GGUFWriter) Pad() error {
	if rem := gw.written % gw.alignment; rem != 0 {
		n, err := gw.w.Write(make([]byte, gw.alignment-rem))
		gw.written += uint64(n)
		return err
	}
	return nil
}

func (gw *GGUFWriter) align(n uint64) uint64 {
	return (n + gw.alignment - 1) / gw.alignment * gw.alignment
}

// ExportGGUF writes tensors to w as a GGUF v3 file with the architecture as
// metadata. ggmlType selects F32 or F16 storage.
func ExportGGUF(w io.Writer, arch vae.Architecture, tensors []vae.NamedTensor, ggmlType GGMLType) error {
	if ggmlType != GGMLTypeF32 && ggmlType != GGMLTypeF16 {
		return errors.Errorf("unsupported tensor type %d, want F32 or F16", ggmlType)
	}
	gw := NewGGUFWriter(w)
	kvs := []struct {
		key   string
		value uint32
	}{
		{"phenovae.image_size", uint32(arch.ImageSize)},
		{"phenovae.channels", uint32(arch.Channels)},
		{"phenovae.latent_dim", uint32(arch.LatentDim)},
		{"phenovae.intermediate_dim", uint32(arch.IntermediateDim)},
		{"phenovae.filters", uint32(arch.Filters)},
		{"phenovae.kernel_size", uint32(arch.KernelSize)},
	}
	if err := gw.WriteHeader(uint64(len(kvs)+2), uint64(len(tensors))); err != nil {
		return errors.Wrap(err, "writing GGUF header")
	}
	if err := gw.WriteKV("general.architecture", GGUFTypeString, "phenovae"); err != nil {
		return errors.Wrap(err, "writing GGUF metadata")
	}
	if err := gw.WriteKV("general.alignment", GGUFTypeUint32, uint32(gw.alignment)); err != nil {
		return errors.Wrap(err, "writing GGUF metadata")
	}
	for _, kv := range kvs {
		if err := gw.WriteKV(kv.key, GGUFTypeUint32, kv.value); err != nil {
			return errors.Wrap(err, "writing GGUF metadata")
		}
	}

	var offset uint64
	for _, t := range tensors {
		shape := make([]uint64, len(t.Shape))
		for i, d := range t.Shape {
			shape[i] = uint64(d)
		}
		if err := gw.WriteTensorInfo(t.Name, shape, ggmlType, offset); err != nil {
			return errors.Wrapf(err, "writing tensor info %q", t.Name)
		}
		offset = gw.align(offset + uint64(len(t.Data))*ggmlType.size())
	}
	if err := gw.Pad(); err != nil {
		return errors.Wrap(err, "writing GGUF padding")
	}

	for _, t := range tensors {
		var err error
		if ggmlType == GGMLTypeF16 {
			buf := make([]uint16, len(t.Data))
			for i, v := range t.Data {
				buf[i] = float16.Fromfloat32(float32(v)).Bits()
			}
			err = gw.write(buf)
		} else {
			buf := make([]float32, len(t.Data))
			for i, v := range t.Data {
				buf[i] = float32(v)
			}
			err = gw.write(buf)
		}
		if err != nil {
			return errors.Wrapf(err, "writing tensor %q", t.Name)
		}
		if err := gw.Pad(); err != nil {
			return errors.Wrap(err, "writing GGUF padding")
		}
	}
	return nil
}

// Float32ToFloat16 converts a float32 to IEEE half precision bits, rounding
// to nearest even.
func Float32ToFloat16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// Float16ToFloat32 converts half precision bits back to float32.
func Float16ToFloat32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}
