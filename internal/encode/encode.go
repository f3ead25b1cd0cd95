// Package encode writes the latent means of a dataset to disk.
package encode

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/data"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/vae"
)

// Output file names inside the save directory.
const (
	FilenamesFile = "filenames.csv"
	EncodingsFile = "encodings.csv"
)

// Source is a fixed-order batch sequence. *data.Source from
// data.NewInferenceSource implements it.
type Source interface {
	Next(ctx context.Context) (data.Batch, error)
	Reset()
	Len() int
	IDs() []string
}

// Run encodes every sample of source with encoder, in source order, and
// writes <saveDir>/filenames.csv (one row of identifiers) and
// <saveDir>/encodings.csv (one row of latent means per sample). Running it
// twice on the same weights and data produces identical files.
func Run(ctx context.Context, saveDir string, encoder vae.Predictor, source Source) error {
	source.Reset()
	ids := source.IDs()

	rows := make([][]string, 0, len(ids))
	var encoded []string
	for len(encoded) < len(ids) {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "encoding interrupted")
		}
		batch, err := source.Next(ctx)
		if err != nil {
			return errors.WithMessage(err, "loading sample to encode")
		}
		for i, x := range batch.Inputs {
			mean := encoder.Predict(x)
			row := make([]string, len(mean))
			for j, v := range mean {
				row[j] = strconv.FormatFloat(v, 'g', -1, 64)
			}
			rows = append(rows, row)
			encoded = append(encoded, batch.IDs[i])
		}
	}
	// Sources wrap around; a batch can run past the end of the dataset.
	rows, encoded = rows[:len(ids)], encoded[:len(ids)]
	for i := range ids {
		if encoded[i] != ids[i] {
			return errors.Errorf("sample %d encoded as %q, expected %q: source order is not fixed", i, encoded[i], ids[i])
		}
	}

	if err := writeCSV(filepath.Join(saveDir, FilenamesFile), [][]string{ids}); err != nil {
		return err
	}
	if err := writeCSV(filepath.Join(saveDir, EncodingsFile), rows); err != nil {
		return err
	}
	klog.Infof("Wrote %d encodings to %s", len(rows), saveDir)
	return nil
}

func writeCSV(path string, rows [][]string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "closing %q", path)
		}
	}()
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		return errors.Wrapf(err, "writing %q", path)
	}
	return nil
}
