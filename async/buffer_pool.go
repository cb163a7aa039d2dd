package async

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BufferPool recycles the float32 backing arrays of batches. Buffers are
// bucketed by capacity rounded up to a power of two.
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
	stats map[int]*PoolStats
}

// PoolStats tracks statistics for one bucket of the pool
type PoolStats struct {
	Gets     int64
	Puts     int64
	Misses   int64
	InUse    int64
	MaxInUse int64
}

// NewBufferPool creates a new buffer pool
func NewBufferPool() *BufferPool {
	return &BufferPool{
		pools: make(map[int]*sync.Pool),
		stats: make(map[int]*PoolStats),
	}
}

// GetFloat32Buffer returns a zeroed buffer of exactly size elements
func (bp *BufferPool) GetFloat32Buffer(size int) []float32 {
	poolSize := roundUpToPowerOf2(size)

	bp.mu.Lock()
	pool, exists := bp.pools[poolSize]
	if !exists {
		pool = &sync.Pool{}
		bp.pools[poolSize] = pool
		bp.stats[poolSize] = &PoolStats{}
	}
	stats := bp.stats[poolSize]
	stats.Gets++
	stats.InUse++
	if stats.InUse > stats.MaxInUse {
		stats.MaxInUse = stats.InUse
	}

	v := pool.Get()
	if v == nil {
		stats.Misses++
	}
	bp.mu.Unlock()

	if v == nil {
		return make([]float32, size, poolSize)
	}
	buf := *(v.(*[]float32))
	return buf[:size]
}

// PutFloat32Buffer returns a buffer obtained from GetFloat32Buffer
func (bp *BufferPool) PutFloat32Buffer(buf []float32) {
	if cap(buf) == 0 {
		return
	}
	poolSize := roundUpToPowerOf2(cap(buf))

	bp.mu.Lock()
	pool, exists := bp.pools[poolSize]
	if !exists || poolSize != cap(buf) {
		bp.mu.Unlock()
		return
	}
	stats := bp.stats[poolSize]
	stats.Puts++
	stats.InUse--
	bp.mu.Unlock()

	buf = buf[:cap(buf)]
	clear(buf)
	pool.Put(&buf)
}

// Stats returns a copy of the statistics for all buckets
func (bp *BufferPool) Stats() map[int]PoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()

	statsCopy := make(map[int]PoolStats, len(bp.stats))
	for size, stats := range bp.stats {
		statsCopy[size] = *stats
	}
	return statsCopy
}

// String returns a string representation of pool statistics
func (bp *BufferPool) String() string {
	stats := bp.Stats()
	sizes := make([]int, 0, len(stats))
	for size := range stats {
		sizes = append(sizes, size)
	}
	sort.Ints(sizes)

	var sb strings.Builder
	sb.WriteString("BufferPool Statistics:\n")
	for _, size := range sizes {
		stat := stats[size]
		hitRate := float64(0)
		if stat.Gets > 0 {
			hitRate = float64(stat.Gets-stat.Misses) / float64(stat.Gets) * 100
		}
		fmt.Fprintf(&sb, "  Size %d: Gets=%d, Puts=%d, InUse=%d, MaxInUse=%d, HitRate=%.1f%%\n",
			size, stat.Gets, stat.Puts, stat.InUse, stat.MaxInUse, hitRate)
	}
	return sb.String()
}

// roundUpToPowerOf2 rounds a number up to the nearest power of 2
func roundUpToPowerOf2(n int) int {
	if n <= 0 {
		return 1
	}
	power := 1
	for power < n {
		power <<= 1
	}
	return power
}
