package buffers

import (
	"sync"
	"testing"

	"github.com/rescale/tarfetch/internal/constants"
)

// TestStreamBufferPool verifies that buffers can be retrieved and returned
func TestStreamBufferPool(t *testing.T) {
	buf := GetStreamBuffer()
	if buf == nil {
		t.Fatal("GetStreamBuffer returned nil")
	}
	if len(*buf) != constants.StreamChunkSize {
		t.Errorf("Buffer size = %d, want %d", len(*buf), constants.StreamChunkSize)
	}
	PutStreamBuffer(buf)

	buf2 := GetStreamBuffer()
	if buf2 == nil {
		t.Fatal("GetStreamBuffer returned nil on second call")
	}
	PutStreamBuffer(buf2)
}

// TestPutStreamBufferWithWrongSize verifies wrong-sized buffers are not pooled
func TestPutStreamBufferWithWrongSize(t *testing.T) {
	wrong := make([]byte, 1024)
	PutStreamBuffer(&wrong)
	PutStreamBuffer(nil)
}

// TestConcurrentAccess tests concurrent buffer get/put operations
func TestConcurrentAccess(t *testing.T) {
	const goroutines = 10
	const iterations = 100

	before := GetStats().Gets
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				buf := GetStreamBuffer()
				(*buf)[0] = byte(j)
				PutStreamBuffer(buf)
			}
		}()
	}
	wg.Wait()

	stats := GetStats()
	if got := stats.Gets - before; got != goroutines*iterations {
		t.Errorf("Gets = %d, want %d", got, goroutines*iterations)
	}
	if stats.Allocations < 1 || stats.BufferSize != constants.StreamChunkSize {
		t.Errorf("stats = %+v", stats)
	}
}

// BenchmarkStreamBufferWithPool benchmarks buffer allocation with pooling
func BenchmarkStreamBufferWithPool(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetStreamBuffer()
		_ = (*buf)[0]
		PutStreamBuffer(buf)
	}
}
