package data

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	reDescr   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	reFortran = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	reShape   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// array is a decoded .npy file in row-major order.
type array struct {
	shape []int
	data  []float64
}

// readNpy decodes a little-endian, C-ordered .npy file of unsigned, signed
// or floating point values.
func readNpy(r io.Reader) (*array, error) {
	magic := make([]byte, 8)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, errors.Wrap(err, "failed to read magic string")
	}
	if string(magic[:6]) != "\x93NUMPY" {
		return nil, errors.New("invalid .npy file format: magic string mismatch")
	}
	var headerLen int
	switch major := magic[6]; {
	case major == 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, errors.Wrap(err, "failed to read header length")
		}
		headerLen = int(n)
	case major >= 2:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, errors.Wrap(err, "failed to read header length")
		}
		headerLen = int(n)
	default:
		return nil, errors.Errorf("unsupported .npy version %d.%d", magic[6], magic[7])
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "failed to read header")
	}

	dtype, shape, err := parseHeader(string(header))
	if err != nil {
		return nil, err
	}
	read, width, err := elementReader(dtype)
	if err != nil {
		return nil, err
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	raw := make([]byte, n*width)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrapf(err, "failed to read array data (expected %d bytes)", len(raw))
	}
	a := &array{shape: shape, data: make([]float64, n)}
	for i := range a.data {
		a.data[i] = read(raw[i*width:])
	}
	return a, nil
}

func parseHeader(header string) (dtype string, shape []int, err error) {
	m := reDescr.FindStringSubmatch(header)
	if m == nil {
		return "", nil, errors.Errorf("could not find 'descr' in header: %q", header)
	}
	dtype = m[1]
	m = reFortran.FindStringSubmatch(header)
	if m == nil {
		return "", nil, errors.Errorf("could not find 'fortran_order' in header: %q", header)
	}
	if m[1] == "True" {
		return "", nil, errors.New("fortran-ordered .npy arrays are not supported")
	}
	m = reShape.FindStringSubmatch(header)
	if m == nil {
		return "", nil, errors.Errorf("could not find 'shape' in header: %q", header)
	}
	for _, p := range strings.Split(m[1], ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := strconv.Atoi(p)
		if err != nil {
			return "", nil, errors.Wrapf(err, "invalid shape value %q in header", p)
		}
		shape = append(shape, d)
	}
	return dtype, shape, nil
}

// elementReader returns a decoder for one element of dtype and its width.
func elementReader(dtype string) (func([]byte) float64, int, error) {
	le := binary.LittleEndian
	switch strings.TrimLeft(dtype, "<=|") {
	case "u1", "b1":
		return func(b []byte) float64 { return float64(b[0]) }, 1, nil
	case "i1":
		return func(b []byte) float64 { return float64(int8(b[0])) }, 1, nil
	case "u2":
		return func(b []byte) float64 { return float64(le.Uint16(b)) }, 2, nil
	case "i2":
		return func(b []byte) float64 { return float64(int16(le.Uint16(b))) }, 2, nil
	case "u4":
		return func(b []byte) float64 { return float64(le.Uint32(b)) }, 4, nil
	case "i4":
		return func(b []byte) float64 { return float64(int32(le.Uint32(b))) }, 4, nil
	case "i8":
		return func(b []byte) float64 { return float64(int64(le.Uint64(b))) }, 8, nil
	case "f4":
		return func(b []byte) float64 { return float64(math.Float32frombits(le.Uint32(b))) }, 4, nil
	case "f8":
		return func(b []byte) float64 { return math.Float64frombits(le.Uint64(b)) }, 8, nil
	}
	return nil, 0, errors.Errorf("unsupported .npy dtype %q", dtype)
}

// loadArray reads an (H, W, C) array, or (H, W) when channels is 1, and
// returns it as a normalized CHW vector.
func loadArray(path string, size, channels int, normalizer float64) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open .npy file %q", path)
	}
	defer func() { _ = f.Close() }()
	a, err := readNpy(bufio.NewReader(f))
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}

	shape := a.shape
	if len(shape) == 2 && channels == 1 {
		shape = append(shape, 1)
	}
	if len(shape) != 3 || shape[0] != size || shape[1] != size || shape[2] != channels {
		return nil, errors.Errorf("array %q has shape %v, want (%d, %d, %d)", path, a.shape, size, size, channels)
	}

	plane := size * size
	out := make([]float64, channels*plane)
	for p := 0; p < plane; p++ {
		for c := 0; c < channels; c++ {
			out[c*plane+p] = a.data[p*channels+c] / normalizer
		}
	}
	return out, nil
}
