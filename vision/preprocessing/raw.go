package preprocessing

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"

	"github.com/brainage/brainage/parallel"
)

// VolumeReader decodes raw little-endian float32 volumes. Files ending in
// ".xz" are decompressed transparently.
type VolumeReader struct {
	grid      Grid
	normalize bool
}

// NewVolumeReader creates a reader for the given grid. When normalize is set,
// each decoded volume is z-scored.
func NewVolumeReader(grid Grid, normalize bool) *VolumeReader {
	return &VolumeReader{grid: grid, normalize: normalize}
}

// Decode reads exactly one volume from r
func (p *VolumeReader) Decode(r io.Reader) (*Volume, error) {
	n := p.grid.Voxels()
	buf := make([]byte, 4*n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading %d voxels: %v", ErrShapeMismatch, n, err)
	}
	// Trailing bytes mean the file was written for a different grid
	var probe [1]byte
	if k, _ := r.Read(probe[:]); k > 0 {
		return nil, fmt.Errorf("%w: more than %d voxels in input", ErrShapeMismatch, n)
	}

	data := make([]float32, n)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	v := &Volume{Grid: p.grid, Data: data}
	if p.normalize {
		ZScore(v)
	}
	return v, nil
}

// ReadFile loads a volume from path
func (p *VolumeReader) ReadFile(path string) (*Volume, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open volume: %w", err)
	}
	defer file.Close()

	var r io.Reader = bufio.NewReader(file)
	if strings.EqualFold(filepath.Ext(path), ".xz") {
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to open xz stream %s: %w", path, err)
		}
		r = xr
	}
	v, err := p.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return v, nil
}

// ReadFiles loads volumes concurrently, preserving input order
func (p *VolumeReader) ReadFiles(paths []string, maxWorkers int) ([]*Volume, error) {
	results := make([]*Volume, len(paths))
	errs := make([]error, len(paths))

	parallel.ForEach(len(paths), maxWorkers, func(i int) {
		results[i], errs[i] = p.ReadFile(paths[i])
	})

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("failed to load volume %d: %w", i, err)
		}
	}
	return results, nil
}

// WriteVolume encodes v as raw little-endian float32
func WriteVolume(w io.Writer, v *Volume) error {
	buf := make([]byte, 4*len(v.Data))
	for i, x := range v.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	_, err := w.Write(buf)
	return err
}

// WriteVolumeFile stores v at path, xz-compressing when the path ends in ".xz"
func WriteVolumeFile(path string, v *Volume) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create volume file: %w", err)
	}
	defer file.Close()

	bw := bufio.NewWriter(file)
	if strings.EqualFold(filepath.Ext(path), ".xz") {
		xw, err := xz.NewWriter(bw)
		if err != nil {
			return fmt.Errorf("failed to start xz stream: %w", err)
		}
		if err := WriteVolume(xw, v); err != nil {
			return err
		}
		if err := xw.Close(); err != nil {
			return fmt.Errorf("failed to finish xz stream: %w", err)
		}
	} else if err := WriteVolume(bw, v); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return file.Close()
}
