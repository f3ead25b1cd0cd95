package vae

import (
	"encoding/gob"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/FlavioCFOliveira/PhenoVAE/internal/activations"
)

const checkpointVersion = 1

// CheckpointInfo describes when a checkpoint was taken.
type CheckpointInfo struct {
	RunID   string
	Epoch   int
	Loss    float64
	SavedAt time.Time
}

// checkpoint is the gob payload of a weights file.
type checkpoint struct {
	Version      int
	Architecture Architecture
	Info         CheckpointInfo
	Layers       []layerWeights
}

type layerWeights struct {
	Name       string
	Activation string
	Params     []float64
}

// Encode writes the weights and info to w using gob encoding.
// The optimizer state is not saved.
func (m *Model) Encode(w io.Writer, info CheckpointInfo) error {
	ckpt := checkpoint{Version: checkpointVersion, Architecture: m.arch, Info: info}
	for _, l := range m.layers {
		if params := l.layer.Params(); len(params) > 0 {
			ckpt.Layers = append(ckpt.Layers, layerWeights{Name: l.name, Activation: l.activation(), Params: params})
		}
	}
	return errors.Wrap(gob.NewEncoder(w).Encode(&ckpt), "encoding checkpoint")
}

// Save writes a checkpoint to path. The file is replaced atomically, so a
// reader never sees a partial checkpoint.
func (m *Model) Save(path string, info CheckpointInfo) error {
	if info.SavedAt.IsZero() {
		info.SavedAt = time.Now()
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating checkpoint directory %q", dir)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := m.Encode(tmp, info); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "writing %q", tmp.Name())
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "replacing %q", path)
}

func readCheckpoint(path string) (*checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint")
	}
	defer func() { _ = f.Close() }()
	var ckpt checkpoint
	if err := gob.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, errors.Wrapf(err, "decoding checkpoint %q", path)
	}
	if ckpt.Version != checkpointVersion {
		return nil, errors.Errorf("checkpoint %q has version %d, want %d", path, ckpt.Version, checkpointVersion)
	}
	return &ckpt, nil
}

// LoadWeights replaces the model weights with those stored at path. The
// stored architecture must equal the model's.
func (m *Model) LoadWeights(path string) (CheckpointInfo, error) {
	ckpt, err := readCheckpoint(path)
	if err != nil {
		return CheckpointInfo{}, err
	}
	if ckpt.Architecture != m.arch {
		return CheckpointInfo{}, errors.Errorf("checkpoint %q was saved for architecture %+v, model has %+v",
			path, ckpt.Architecture, m.arch)
	}
	stored := make(map[string]layerWeights, len(ckpt.Layers))
	for _, l := range ckpt.Layers {
		stored[l.Name] = l
	}
	// Validate everything before touching any weight.
	for _, l := range m.layers {
		want := len(l.layer.Params())
		if want == 0 {
			continue
		}
		got, ok := stored[l.name]
		if !ok {
			return CheckpointInfo{}, errors.Errorf("checkpoint %q has no weights for layer %q", path, l.name)
		}
		if len(got.Params) != want {
			return CheckpointInfo{}, errors.Errorf("checkpoint %q has %d parameters for layer %q, want %d",
				path, len(got.Params), l.name, want)
		}
		act, err := activations.ByName(got.Activation)
		if err != nil {
			return CheckpointInfo{}, errors.WithMessagef(err, "checkpoint %q, layer %q", path, l.name)
		}
		if act.Name() != l.activation() {
			return CheckpointInfo{}, errors.Errorf("checkpoint %q stores activation %q for layer %q, model uses %q",
				path, act.Name(), l.name, l.activation())
		}
	}
	for _, l := range m.layers {
		if w, ok := stored[l.name]; ok {
			l.layer.SetParams(w.Params)
		}
	}
	return ckpt.Info, nil
}

// Load builds a model with the architecture stored at path and loads its
// weights.
func Load(path string, o Options) (*Model, CheckpointInfo, error) {
	ckpt, err := readCheckpoint(path)
	if err != nil {
		return nil, CheckpointInfo{}, err
	}
	m, err := New(ckpt.Architecture, o)
	if err != nil {
		return nil, CheckpointInfo{}, err
	}
	info, err := m.LoadWeights(path)
	if err != nil {
		return nil, CheckpointInfo{}, err
	}
	return m, info, nil
}
