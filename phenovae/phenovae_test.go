package phenovae

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/encode"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/net"
	"github.com/FlavioCFOliveira/PhenoVAE/internal/vae"
)

func smallConfig(t *testing.T) Config {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "data", "train", "plate1")
	must.M(os.MkdirAll(dir, 0o755))
	for i := range 4 {
		img := imaging.New(8, 8, color.NRGBA{A: 255})
		for y := range 8 {
			for x := range 8 {
				v := uint8((x*32 + y*8 + i*40) % 256)
				img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
			}
		}
		must.M(imaging.Save(img, filepath.Join(dir, fmt.Sprintf("cell_%d.png", i))))
	}

	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(root, "data")
	cfg.SaveDir = filepath.Join(root, "save")
	cfg.ImageSize = 8
	cfg.Channels = 1
	cfg.LatentDim = 2
	cfg.IntermediateDim = 8
	cfg.Filters = 4
	cfg.KernelSize = 3
	cfg.BatchSize = 2
	cfg.Epochs = 1
	cfg.CLRStepSize = 4
	cfg.LatentSamples = 3
	cfg.NumSave = 2
	cfg.Seed = 7
	cfg.Verbose = 0
	return cfg
}

func readRows(t *testing.T, path string, sep rune) [][]string {
	t.Helper()
	f := must.M1(os.Open(path))
	defer f.Close()
	r := csv.NewReader(f)
	r.Comma = sep
	r.FieldsPerRecord = -1
	return must.M1(r.ReadAll())
}

func TestRunEndToEnd(t *testing.T) {
	cfg := smallConfig(t)
	res, err := Run(context.Background(), cfg)
	require.NoError(t, err)
	require.NotEmpty(t, res.RunID)
	require.Len(t, res.History.Epochs, 1)
	assert.Equal(t, 2, res.History.Steps)

	log := readRows(t, filepath.Join(cfg.SaveDir, TrainingLog), '\t')
	require.Len(t, log, 2)
	assert.Equal(t, "epoch", log[0][0])
	assert.Contains(t, log[0], "val_loss")

	names := readRows(t, filepath.Join(cfg.SaveDir, encode.FilenamesFile), ',')
	codes := readRows(t, filepath.Join(cfg.SaveDir, encode.EncodingsFile), ',')
	require.Len(t, names, 1)
	require.Len(t, names[0], 4)
	require.Len(t, codes, 4)
	for i, id := range names[0] {
		assert.Equal(t, fmt.Sprintf("plate1/cell_%d.png", i), id)
		assert.Len(t, codes[i], cfg.LatentDim)
	}

	assert.FileExists(t, filepath.Join(cfg.SaveDir, CheckpointFile))
	assert.FileExists(t, filepath.Join(cfg.SaveDir, SamplesDir, "epoch_001_latent.png"))
	assert.FileExists(t, filepath.Join(cfg.SaveDir, SamplesDir, "epoch_001_reconstruction.png"))
}

func TestRunLoadPhase(t *testing.T) {
	cfg := smallConfig(t)
	cfg.UsePeriodicHook = false
	_, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	cfg.Phase = "load"
	cfg.Checkpoint = filepath.Join(cfg.SaveDir, CheckpointFile)
	cfg.Epochs = 0
	first := readRows(t, filepath.Join(cfg.SaveDir, encode.EncodingsFile), ',')
	_, err = Run(context.Background(), cfg)
	require.NoError(t, err)
	second := readRows(t, filepath.Join(cfg.SaveDir, encode.EncodingsFile), ',')
	assert.Equal(t, first, second)
}

func TestRunRejectsBeforeWriting(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Phase = "load"
	_, err := Run(context.Background(), cfg)
	require.ErrorIs(t, err, ErrMissingCheckpoint)
	assert.NoDirExists(t, cfg.SaveDir)

	cfg = smallConfig(t)
	cfg.DataDir = filepath.Join(t.TempDir(), "empty")
	_, err = Run(context.Background(), cfg)
	require.Error(t, err)
}

func TestRunCancelled(t *testing.T) {
	cfg := smallConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, cfg)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDefaultCallbacks(t *testing.T) {
	cfg := smallConfig(t)
	res, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	cbs := DefaultCallbacks(cfg, res.Model, true, func(int) error { return nil })
	require.Len(t, cbs, 7)
	assert.IsType(t, net.TerminateOnNaN{}, cbs[0])
	assert.IsType(t, &net.CSVLogger{}, cbs[1])
	assert.IsType(t, &net.ModelCheckpoint{}, cbs[2])
	assert.IsType(t, net.Logger{}, cbs[6])

	cfg.EarlyStop, cfg.UseCyclicLR, cfg.Verbose = false, false, 1
	cbs = DefaultCallbacks(cfg, res.Model, false, nil)
	require.Len(t, cbs, 4)
	assert.IsType(t, &net.ProgressBar{}, cbs[3])
}

func TestSampleHookLeavesSamplerAlone(t *testing.T) {
	cfg := smallConfig(t)
	o := vae.Options{EpsilonStd: 1, Seed: 3}
	hooked := must.M1(vae.New(vae.ArchitectureOf(cfg), o))
	plain := must.M1(vae.New(vae.ArchitectureOf(cfg), o))

	require.NoError(t, SampleHook(cfg, hooked)(0))
	assert.FileExists(t, filepath.Join(cfg.SaveDir, SamplesDir, "epoch_001_reconstruction.png"))

	x := make([]float64, vae.ArchitectureOf(cfg).InputSize())
	assert.Equal(t, plain.Forward(x).Noise, hooked.Forward(x).Noise)
}

func TestExport(t *testing.T) {
	cfg := smallConfig(t)
	cfg.UsePeriodicHook = false
	_, err := Run(context.Background(), cfg)
	require.NoError(t, err)

	for _, f16 := range []bool{false, true} {
		out := filepath.Join(t.TempDir(), "vae.gguf")
		require.NoError(t, Export(filepath.Join(cfg.SaveDir, CheckpointFile), out, f16))
		f := must.M1(os.Open(out))
		magic := make([]byte, 4)
		_, err := bufio.NewReader(f).Read(magic)
		require.NoError(t, err)
		f.Close()
		assert.Equal(t, "GGUF", string(magic))
	}

	err = Export(filepath.Join(t.TempDir(), "missing.gob"), filepath.Join(t.TempDir(), "x.gguf"), false)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "missing.gob"))
}
