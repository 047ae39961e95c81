package dataloader

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/brainage/brainage/tensor"
	"github.com/brainage/brainage/vision/preprocessing"
)

// Dataset is the contract the loader needs: indexed access to a volume, its
// standardized features and its normalized age.
type Dataset interface {
	Len() int
	Get(index int) (*preprocessing.Volume, []float32, float32, error)
	Grid() preprocessing.Grid
}

// Batch is one mini-batch of model inputs
type Batch struct {
	Volumes  *tensor.Tensor // [N, 1, D, H, W]
	Features *tensor.Tensor // [N, F]
	Ages     *tensor.Tensor // [N]
	Indices  []int          // dataset indices of the rows
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Indices)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
}

// DefaultConfig returns batch size 8 without shuffling
func DefaultConfig() Config {
	return Config{BatchSize: 8}
}

// DataLoader assembles dataset items into batches. The last partial batch is
// kept. Shuffling happens on every Reset with the loader's own seeded source.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	indices   []int
	position  int
	mu        sync.Mutex
}

// NewDataLoader creates a new data loader positioned at the first batch
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if dataset == nil || dataset.Len() == 0 {
		return nil, fmt.Errorf("data loader needs a non-empty dataset")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:   dataset,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		rng:       rand.New(rand.NewSource(config.Seed)),
		indices:   indices,
	}
	dl.Reset()
	return dl, nil
}

// Len returns the number of batches per epoch
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// Samples returns the number of samples per epoch
func (dl *DataLoader) Samples() int {
	return len(dl.indices)
}

// BatchSize returns the configured batch size
func (dl *DataLoader) BatchSize() int {
	return dl.batchSize
}

// Reset rewinds to the first batch, reshuffling when enabled
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// HasNext reports whether another batch remains in this epoch
func (dl *DataLoader) HasNext() bool {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position < len(dl.indices)
}

// Next returns the next batch, or nil at the end of the epoch. A failing
// item aborts the batch; items are never silently skipped.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}
	end := min(dl.position+dl.batchSize, len(dl.indices))
	indices := append([]int(nil), dl.indices[dl.position:end]...)
	dl.position = end

	batch, err := dl.loadBatch(indices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	grid := dl.dataset.Grid()
	voxels := grid.Voxels()
	n := len(indices)

	volumes := tensor.Zeros(n, 1, grid.Depth, grid.Height, grid.Width)
	ages := tensor.Zeros(n)
	var feats *tensor.Tensor

	for row, idx := range indices {
		vol, f, age, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", idx, err)
		}
		if err := vol.Validate(grid); err != nil {
			return nil, fmt.Errorf("sample %d: %w", idx, err)
		}
		if feats == nil {
			feats = tensor.Zeros(n, len(f))
		}
		width := feats.Shape[1]
		if len(f) != width {
			return nil, fmt.Errorf("sample %d has %d features, expected %d", idx, len(f), width)
		}
		copy(volumes.Data[row*voxels:(row+1)*voxels], vol.Data)
		copy(feats.Data[row*width:(row+1)*width], f)
		ages.Data[row] = age
	}

	return &Batch{
		Volumes:  volumes,
		Features: feats,
		Ages:     ages,
		Indices:  indices,
	}, nil
}

// Progress returns the current position through the epoch
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}
