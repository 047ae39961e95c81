package checkpoints

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// CompressedSuffix marks checkpoint files wrapped in an xz stream
const CompressedSuffix = ".xz"

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format returns the format used for saving
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes the checkpoint atomically: the data goes to a
// temporary file in the target directory which is renamed over path once
// complete. Paths ending in .xz are compressed.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	checkpoint.fillMetadata()

	var payload []byte
	var err error
	switch cs.format {
	case FormatJSON:
		payload, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatBinary:
		payload, err = marshalBinary(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writePayload(tmp, payload, strings.HasSuffix(path, CompressedSuffix)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

func writePayload(w io.Writer, payload []byte, compress bool) error {
	if !compress {
		_, err := w.Write(payload)
		return err
	}
	xw, err := xz.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := xw.Write(payload); err != nil {
		return err
	}
	return xw.Close()
}

// LoadCheckpoint reads a checkpoint in any supported format
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	return Load(path)
}

// Load reads a checkpoint, detecting xz compression and the JSON or binary
// encoding from the file contents.
func Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()
	return Decode(file)
}

var xzMagic = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}

// Decode reads a checkpoint from r
func Decode(r io.Reader) (*Checkpoint, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(xzMagic))
	var src io.Reader = br
	if bytes.Equal(head, xzMagic) {
		xr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open xz stream: %w", err)
		}
		src = xr
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	if bytes.HasPrefix(data, binaryMagic) {
		return unmarshalBinary(data)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &checkpoint, nil
}
