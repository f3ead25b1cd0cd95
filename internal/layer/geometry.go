package layer

import "github.com/FlavioCFOliveira/PhenoVAE/internal/activations"

// Padding selects how convolution borders are handled.
type Padding int

const (
	// Valid applies the kernel only where it fits entirely inside the input.
	Valid Padding = iota
	// Same zero-pads so that output size is ceil(input / stride). When the
	// total padding is odd the extra row/column goes to the bottom/right.
	Same
)

func (p Padding) String() string {
	if p == Same {
		return "same"
	}
	return "valid"
}

// convOutput returns the output length and leading padding of a convolution
// over an axis of length in.
func convOutput(in, kernel, stride int, padding Padding) (out, padBefore int) {
	if padding == Same {
		out = (in + stride - 1) / stride
		total := max((out-1)*stride+kernel-in, 0)
		return out, total / 2
	}
	return (in-kernel)/stride + 1, 0
}

// transposeOutput returns the output length and leading padding of a
// transposed convolution over an axis of length in.
func transposeOutput(in, kernel, stride int, padding Padding) (out, padBefore int) {
	if padding == Same {
		out = in * stride
		total := max((in-1)*stride+kernel-out, 0)
		return out, total / 2
	}
	return (in-1)*stride + kernel, 0
}

// convGeometry relates an image [channels, height, width] to the grid of
// kernel placements [gridH, gridW]. Placement (gh, gw) covers image rows
// gh*stride + kh - padTop and columns gw*stride + kw - padLeft.
type convGeometry struct {
	channels, height, width int
	kernel, stride          int
	padTop, padLeft         int
	gridH, gridW            int
}

func (g convGeometry) imageSize() int { return g.channels * g.height * g.width }
func (g convGeometry) colRows() int   { return g.channels * g.kernel * g.kernel }
func (g convGeometry) colCols() int   { return g.gridH * g.gridW }

// im2col unfolds img into cols [channels*kernel*kernel, gridH*gridW].
// Out-of-image taps read as zero.
func (g convGeometry) im2col(img, cols []float64) {
	k := g.kernel
	n := g.colCols()
	for c := 0; c < g.channels; c++ {
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := cols[((c*k+kh)*k+kw)*n:][:n]
				for gh := 0; gh < g.gridH; gh++ {
					dst := row[gh*g.gridW:][:g.gridW]
					ih := gh*g.stride + kh - g.padTop
					if ih < 0 || ih >= g.height {
						clear(dst)
						continue
					}
					src := img[(c*g.height+ih)*g.width:][:g.width]
					for gw := range dst {
						iw := gw*g.stride + kw - g.padLeft
						if iw < 0 || iw >= g.width {
							dst[gw] = 0
						} else {
							dst[gw] = src[iw]
						}
					}
				}
			}
		}
	}
}

// col2im is the adjoint of im2col: it sums cols back into img, overwriting img.
func (g convGeometry) col2im(cols, img []float64) {
	clear(img[:g.imageSize()])
	k := g.kernel
	n := g.colCols()
	for c := 0; c < g.channels; c++ {
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := cols[((c*k+kh)*k+kw)*n:][:n]
				for gh := 0; gh < g.gridH; gh++ {
					ih := gh*g.stride + kh - g.padTop
					if ih < 0 || ih >= g.height {
						continue
					}
					src := row[gh*g.gridW:][:g.gridW]
					dst := img[(c*g.height+ih)*g.width:][:g.width]
					for gw, v := range src {
						iw := gw*g.stride + kw - g.padLeft
						if iw >= 0 && iw < g.width {
							dst[iw] += v
						}
					}
				}
			}
		}
	}
}

// addBiasActivate adds a per-channel bias to pre [channels, n] and writes
// act(pre) into out.
func addBiasActivate(pre, out, biases []float64, n int, act activations.Activation) {
	for c, b := range biases {
		p := pre[c*n:][:n]
		o := out[c*n:][:n]
		for i := range p {
			p[i] += b
			o[i] = act.Activate(p[i])
		}
	}
}
