// Package pool provides size-classed byte buffer pools for the wire path.
package pool

import (
	"sync"
)

const (
	minClassBits = 5  // 32B
	maxClassBits = 20 // 1MiB
)

var classes [maxClassBits - minClassBits + 1]sync.Pool

func init() {
	for i := range classes {
		size := 1 << (minClassBits + i)
		classes[i].New = func() any {
			return make([]byte, 0, size)
		}
	}
}

// Get returns a zero length buffer with capacity of at least size.
// Buffers above the largest size class are allocated directly.
func Get(size int) []byte {
	if size > 1<<maxClassBits {
		return make([]byte, 0, size)
	}
	return classes[classIdx(size)].Get().([]byte)
}

// Put returns a buffer to its size class. Buffers that do not match
// a class capacity exactly are dropped.
func Put(b []byte) {
	c := cap(b)
	if c < 1<<minClassBits || c > 1<<maxClassBits || c&(c-1) != 0 {
		return
	}
	classes[classIdx(c)].Put(b[:0]) //nolint:staticcheck
}

func classIdx(size int) int {
	idx := 0
	for s := 1 << minClassBits; s < size; s <<= 1 {
		idx++
	}
	return idx
}

var bufsPool = sync.Pool{
	New: func() any {
		return [][]byte{}
	},
}

// GetBufs returns a pooled slice of buffers for vectored writes.
func GetBufs() [][]byte {
	return bufsPool.Get().([][]byte)
}

// PutBufs returns a buffer slice to the pool, dropping element references.
func PutBufs(bufs [][]byte) {
	for i := range bufs {
		bufs[i] = nil
	}
	bufsPool.Put(bufs[:0]) //nolint:staticcheck
}
