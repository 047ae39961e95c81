// Package memory pools the float32 scratch buffers that convolution workers
// unfold receptive fields into.
package memory

import (
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"sync"
)

// PoolStats tracks statistics for one buffer size class
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// BufferPool hands out float32 slices from size classes rounded up to a
// power of two. Returned buffers are not zeroed.
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
	stats map[int]*PoolStats
}

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// Scratch is the process-wide pool used by the layers package
var Scratch = NewBufferPool()

func sizeClass(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// Get returns a buffer of length size with unspecified contents
func (bp *BufferPool) Get(size int) []float32 {
	if size <= 0 {
		return nil
	}
	class := sizeClass(size)

	bp.mu.Lock()
	pool, ok := bp.pools[class]
	if !ok {
		pool = &sync.Pool{}
		bp.pools[class] = pool
		bp.stats[class] = &PoolStats{}
	}
	stats := bp.stats[class]
	stats.Gets++
	stats.InUse++
	stats.MaxInUse = max(stats.MaxInUse, stats.InUse)
	bp.mu.Unlock()

	if p, ok := pool.Get().(*[]float32); ok {
		return (*p)[:size]
	}
	bp.mu.Lock()
	stats.Misses++
	bp.mu.Unlock()
	return make([]float32, size, class)
}

// Put returns a buffer obtained from Get. Buffers of foreign capacity are
// dropped.
func (bp *BufferPool) Put(buf []float32) {
	if cap(buf) == 0 || sizeClass(cap(buf)) != cap(buf) {
		return
	}
	bp.mu.Lock()
	pool, ok := bp.pools[cap(buf)]
	if ok {
		stats := bp.stats[cap(buf)]
		stats.Puts++
		stats.InUse--
	}
	bp.mu.Unlock()
	if ok {
		buf = buf[:cap(buf)]
		pool.Put(&buf)
	}
}

// Stats returns a copy of the statistics keyed by size class
func (bp *BufferPool) Stats() map[int]PoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	out := make(map[int]PoolStats, len(bp.stats))
	for class, s := range bp.stats {
		out[class] = *s
	}
	return out
}

func (bp *BufferPool) String() string {
	stats := bp.Stats()
	classes := make([]int, 0, len(stats))
	for c := range stats {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	var b strings.Builder
	b.WriteString("BufferPool Statistics:\n")
	for _, c := range classes {
		s := stats[c]
		hitRate := 0.0
		if s.Gets > 0 {
			hitRate = float64(s.Gets-s.Misses) / float64(s.Gets) * 100
		}
		fmt.Fprintf(&b, "  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			c, s.Gets, s.Puts, s.InUse, s.MaxInUse, hitRate)
	}
	return b.String()
}
