package net

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
)

// CSVLogger logs one row of metrics per epoch to a delimited file.
// The default separator is a tab.
type CSVLogger struct {
	BaseCallback
	Filename  string
	Separator rune
	Append    bool

	file   *os.File
	writer *csv.Writer
}

// NewCSVLogger creates a new CSVLogger writing tab separated rows.
func NewCSVLogger(filename string, append bool) *CSVLogger {
	return &CSVLogger{
		Filename:  filename,
		Separator: '\t',
		Append:    append,
	}
}

func (c *CSVLogger) OnTrainBegin(t *Trainer) error {
	mode := os.O_CREATE | os.O_WRONLY
	if c.Append {
		mode |= os.O_APPEND
	} else {
		mode |= os.O_TRUNC
	}

	if err := os.MkdirAll(filepath.Dir(c.Filename), 0o755); err != nil {
		return errors.Wrapf(err, "CSVLogger: creating directory for %q", c.Filename)
	}
	file, err := os.OpenFile(c.Filename, mode, 0o644)
	if err != nil {
		return errors.Wrapf(err, "CSVLogger: failed to open file %q", c.Filename)
	}
	c.file = file
	c.writer = csv.NewWriter(file)
	c.writer.Comma = c.Separator

	// Write header if not appending or if file is empty
	info, err := file.Stat()
	if err == nil && (info.Size() == 0 || !c.Append) {
		header := []string{"epoch", "loss", "reconstruction_loss", "divergence_loss", "lr"}
		if t.Validation != nil {
			header = append(header, "val_loss")
		}
		if err := c.writer.Write(header); err != nil {
			return errors.Wrap(err, "CSVLogger: failed to write header")
		}
		c.writer.Flush()
		return errors.Wrap(c.writer.Error(), "CSVLogger: failed to write header")
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func (c *CSVLogger) OnEpochEnd(epoch int, logs *Logs, t *Trainer) error {
	if c.writer == nil {
		return nil
	}
	record := []string{
		strconv.Itoa(epoch),
		formatFloat(logs.Loss),
		formatFloat(logs.Reconstruction),
		formatFloat(logs.Divergence),
		formatFloat(logs.LearningRate),
	}
	if logs.HasValidation {
		record = append(record, formatFloat(logs.ValLoss))
	}
	if err := c.writer.Write(record); err != nil {
		return errors.Wrap(err, "CSVLogger: failed to write record")
	}
	c.writer.Flush()
	return errors.Wrap(c.writer.Error(), "CSVLogger: failed to write record")
}

func (c *CSVLogger) OnTrainEnd(t *Trainer) error {
	if c.file == nil {
		return nil
	}
	c.writer.Flush()
	err := c.writer.Error()
	if closeErr := c.file.Close(); err == nil {
		err = closeErr
	}
	c.file = nil
	c.writer = nil
	return errors.Wrapf(err, "CSVLogger: closing %q", c.Filename)
}
