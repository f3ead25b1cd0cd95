package encode

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/data"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/vae"
)

type listSource struct {
	ids    []string
	values []float64
	bs     int
	pos    int
}

func (s *listSource) Next(ctx context.Context) (data.Batch, error) {
	var b data.Batch
	for range s.bs {
		b.IDs = append(b.IDs, s.ids[s.pos])
		b.Inputs = append(b.Inputs, []float64{s.values[s.pos]})
		s.pos = (s.pos + 1) % len(s.ids)
	}
	b.Targets = b.Inputs
	return b, nil
}

func (s *listSource) Reset()        { s.pos = 0 }
func (s *listSource) Len() int      { return len(s.ids) }
func (s *listSource) IDs() []string { return s.ids }

var double = vae.PredictorFunc(func(x []float64) []float64 {
	return []float64{2 * x[0], 0.1}
})

func TestRunWritesAlignedFiles(t *testing.T) {
	dir := t.TempDir()
	src := &listSource{ids: []string{"a/1.png", "a/2.png", "b/3.png"}, values: []float64{1, 2.5, -3}, bs: 1}
	require.NoError(t, Run(context.Background(), dir, double, src))

	names := readCSV(t, filepath.Join(dir, FilenamesFile))
	require.Len(t, names, 1)
	assert.Equal(t, src.ids, names[0])

	rows := readCSV(t, filepath.Join(dir, EncodingsFile))
	assert.Equal(t, [][]string{{"2", "0.1"}, {"5", "0.1"}, {"-6", "0.1"}}, rows)
}

func TestRunTrimsWrappedBatches(t *testing.T) {
	dir := t.TempDir()
	src := &listSource{ids: []string{"x", "y", "z"}, values: []float64{1, 2, 3}, bs: 2}
	require.NoError(t, Run(context.Background(), dir, double, src))
	assert.Len(t, readCSV(t, filepath.Join(dir, EncodingsFile)), 3)
}

func TestRunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	src := &listSource{ids: []string{"a", "b"}, values: []float64{0.3, 0.7}, bs: 1}
	require.NoError(t, Run(context.Background(), dir, double, src))
	first, err := os.ReadFile(filepath.Join(dir, EncodingsFile))
	require.NoError(t, err)

	require.NoError(t, Run(context.Background(), dir, double, src))
	second, err := os.ReadFile(filepath.Join(dir, EncodingsFile))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRunFailsOnMissingDirectory(t *testing.T) {
	src := &listSource{ids: []string{"a"}, values: []float64{1}, bs: 1}
	err := Run(context.Background(), filepath.Join(t.TempDir(), "missing"), double, src)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), FilenamesFile))
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}
