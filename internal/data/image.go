package data

import (
	"image"
	"image/color"
	"math"
	"os"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"  // register decoder
	_ "golang.org/x/image/tiff" // register decoder
	_ "golang.org/x/image/webp" // register decoder
)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

// loadImage decodes an image file into a CHW vector of side size. Raw sample
// values are divided by normalizer; above 8 bits they are read at 16-bit
// depth.
func loadImage(path string, size, channels int, normalizer float64, flipH, flipV bool) ([]float64, error) {
	if normalizer > math.MaxUint8 {
		return loadDeepImage(path, size, channels, normalizer, flipH, flipV)
	}
	src, err := imaging.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding image %q", path)
	}
	img := imaging.Resize(src, size, size, imaging.NearestNeighbor)
	if channels == 1 {
		img = imaging.Grayscale(img)
	}
	if flipH {
		img = imaging.FlipH(img)
	}
	if flipV {
		img = imaging.FlipV(img)
	}

	plane := size * size
	out := make([]float64, channels*plane)
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < size; x++ {
			for c := 0; c < channels; c++ {
				out[c*plane+y*size+x] = float64(row[x*4+c]) / normalizer
			}
		}
	}
	return out, nil
}

// loadDeepImage is loadImage for 16-bit sources. imaging quantizes to 8-bit
// NRGBA, so resizing (nearest neighbor) and mirroring are done by sampling
// the decoded image directly.
func loadDeepImage(path string, size, channels int, normalizer float64, flipH, flipV bool) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening image %q", path)
	}
	defer func() { _ = f.Close() }()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding image %q", path)
	}

	b := src.Bounds()
	plane := size * size
	out := make([]float64, channels*plane)
	for y := 0; y < size; y++ {
		ry := y
		if flipV {
			ry = size - 1 - y
		}
		sy := b.Min.Y + (2*ry+1)*b.Dy()/(2*size)
		for x := 0; x < size; x++ {
			rx := x
			if flipH {
				rx = size - 1 - x
			}
			sx := b.Min.X + (2*rx+1)*b.Dx()/(2*size)
			px := src.At(sx, sy)
			i := y*size + x
			if channels == 1 {
				out[i] = float64(color.Gray16Model.Convert(px).(color.Gray16).Y) / normalizer
				continue
			}
			c := color.NRGBA64Model.Convert(px).(color.NRGBA64)
			rgb := [3]uint16{c.R, c.G, c.B}
			for ch := 0; ch < channels; ch++ {
				out[ch*plane+i] = float64(rgb[ch]) / normalizer
			}
		}
	}
	return out, nil
}

// ToImage renders a CHW vector with values in [0, 1] as an image. Greyscale
// and RGB data map directly; other channel counts use the 1 or 3 channels
// listed in show.
func ToImage(chw []float64, size, channels int, show []int) (*image.NRGBA, error) {
	if len(chw) != channels*size*size {
		return nil, errors.Errorf("sample has %d values, want %d", len(chw), channels*size*size)
	}
	var picks []int
	switch {
	case channels == 1:
		picks = []int{0}
	case channels == 3:
		picks = []int{0, 1, 2}
	case len(show) == 1 || len(show) == 3:
		picks = show
	default:
		return nil, errors.Errorf("need 1 or 3 display channels for %d-channel data, got %v", channels, show)
	}
	for _, c := range picks {
		if c < 0 || c >= channels {
			return nil, errors.Errorf("display channel %d out of range [0, %d)", c, channels)
		}
	}

	plane := size * size
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			var rgb [3]uint8
			for i := range rgb {
				rgb[i] = toByte(chw[picks[i%len(picks)]*plane+y*size+x])
			}
			img.SetNRGBA(x, y, color.NRGBA{R: rgb[0], G: rgb[1], B: rgb[2], A: 255})
		}
	}
	return img, nil
}

func toByte(v float64) uint8 {
	return uint8(min(max(v, 0), 1)*255 + 0.5)
}

// SaveGrid lays samples out left to right, top to bottom, cols per row, and
// writes the result to path. The format follows the file extension.
func SaveGrid(path string, samples [][]float64, cols, size, channels int, show []int) error {
	if len(samples) == 0 {
		return errors.New("no samples to save")
	}
	cols = max(1, min(cols, len(samples)))
	rows := (len(samples) + cols - 1) / cols
	grid := imaging.New(cols*size, rows*size, color.Black)
	for i, s := range samples {
		tile, err := ToImage(s, size, channels, show)
		if err != nil {
			return err
		}
		grid = imaging.Paste(grid, tile, image.Pt((i%cols)*size, (i/cols)*size))
	}
	if err := imaging.Save(grid, path); err != nil {
		return errors.Wrapf(err, "saving %q", path)
	}
	return nil
}
