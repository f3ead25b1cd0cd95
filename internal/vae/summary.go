package vae

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/layer"
)

// Summary writes a table of the model's layers, their output shapes, kernels,
// activations and parameter counts to w.
func (m *Model) Summary(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Layer", "Type", "Output", "Kernel", "Activation", "Params"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.Append([]string{"input", "Input", shapeString([]int{m.arch.Channels, m.arch.ImageSize, m.arch.ImageSize}), "", "", "0"})
	for _, l := range m.layers {
		var shape []int
		if s, ok := l.layer.(layer.Shaper); ok {
			shape = s.OutputShape()
		} else {
			shape = []int{l.layer.OutSize()}
		}
		table.Append([]string{l.name, l.kind, shapeString(shape), l.kernel(), l.activation(),
			humanize.Comma(int64(len(l.layer.Params())))})
	}
	table.Render()
	_, _ = fmt.Fprintf(w, "Total params: %s\n", humanize.Comma(int64(m.ParamCount())))
}

func shapeString(shape []int) string {
	s := "("
	for i, d := range shape {
		if i > 0 {
			s += ", "
		}
		s += strconv.Itoa(d)
	}
	return s + ")"
}
