// Package buffers provides reusable stream buffers for the download path.
// Every worker reads bodies in constants.StreamChunkSize chunks; pooling
// them keeps a long run with many short attempts from churning the heap.
package buffers

import (
	"sync"
	"sync/atomic"

	"github.com/rescale/tarfetch/internal/constants"
)

// Pool monitoring counters
var (
	streamAllocations int64 // New buffers created by the pool
	streamGets        int64 // Total GetStreamBuffer calls
)

var streamPool = &sync.Pool{
	New: func() interface{} {
		atomic.AddInt64(&streamAllocations, 1)
		buf := make([]byte, constants.StreamChunkSize)
		return &buf
	},
}

// GetStreamBuffer retrieves a StreamChunkSize buffer from the pool.
//
// Usage:
//
//	buf := buffers.GetStreamBuffer()
//	defer buffers.PutStreamBuffer(buf)
//	n, err := body.Read(*buf)
func GetStreamBuffer() *[]byte {
	atomic.AddInt64(&streamGets, 1)
	return streamPool.Get().(*[]byte)
}

// PutStreamBuffer returns a buffer to the pool. Buffers of any other size
// are dropped.
func PutStreamBuffer(buf *[]byte) {
	if buf != nil && len(*buf) == constants.StreamChunkSize {
		streamPool.Put(buf)
	}
}

// Stats reports pool usage.
type Stats struct {
	BufferSize  int
	Allocations int64
	Gets        int64
}

// GetStats returns current buffer pool statistics.
func GetStats() Stats {
	return Stats{
		BufferSize:  constants.StreamChunkSize,
		Allocations: atomic.LoadInt64(&streamAllocations),
		Gets:        atomic.LoadInt64(&streamGets),
	}
}
