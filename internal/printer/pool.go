package printer

import (
	"sort"
	"sync"
)

// Default pool size classes cover the usual BLE chunk sizes (20 bytes for
// the legacy 23-byte MTU up through 512 for extended MTUs).
var defaultPoolSizes = []int{20, 64, 128, 256, 512}

// DefaultPoolBucketCap is the number of buffers retained per size class.
const DefaultPoolBucketCap = 8

// BufferPool keeps fixed-size byte buffers grouped by size class so the
// chunked write path does not allocate per chunk. Buffers above the
// largest class are heap-allocated and never pooled.
type BufferPool struct {
	mu        sync.Mutex
	sizes     []int // ascending
	buckets   map[int][][]byte
	bucketCap int

	acquires uint64
	hits     uint64
}

// NewBufferPool creates a pool with the given size classes, or the
// defaults when sizes is empty. bucketCap bounds how many buffers each
// class retains; releases beyond it are dropped.
func NewBufferPool(sizes []int, bucketCap int) *BufferPool {
	if len(sizes) == 0 {
		sizes = defaultPoolSizes
	}
	if bucketCap <= 0 {
		bucketCap = DefaultPoolBucketCap
	}
	sorted := make([]int, len(sizes))
	copy(sorted, sizes)
	sort.Ints(sorted)

	buckets := make(map[int][][]byte, len(sorted))
	for _, s := range sorted {
		bucket := make([][]byte, 0, bucketCap)
		for i := 0; i < bucketCap; i++ {
			bucket = append(bucket, make([]byte, 0, s))
		}
		buckets[s] = bucket
	}
	return &BufferPool{
		sizes:     sorted,
		buckets:   buckets,
		bucketCap: bucketCap,
	}
}

// MaxPooledSize returns the largest pooled size class.
func (p *BufferPool) MaxPooledSize() int {
	return p.sizes[len(p.sizes)-1]
}

// Acquire returns a buffer with capacity of the smallest size class that
// fits size, or a fresh heap allocation when no class fits. The returned
// slice has length size.
func (p *BufferPool) Acquire(size int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.acquires++
	for _, class := range p.sizes {
		if class < size {
			continue
		}
		bucket := p.buckets[class]
		if n := len(bucket); n > 0 {
			buf := bucket[n-1]
			p.buckets[class] = bucket[:n-1]
			p.hits++
			return buf[:size]
		}
		return make([]byte, size, class)
	}
	return make([]byte, size)
}

// Release returns a buffer to its size-class bucket. Buffers whose
// capacity matches no class, and releases into a full bucket, are
// silently dropped.
func (p *BufferPool) Release(buf []byte) {
	if buf == nil {
		return
	}
	c := cap(buf)
	p.mu.Lock()
	defer p.mu.Unlock()

	bucket, ok := p.buckets[c]
	if !ok || len(bucket) >= p.bucketCap {
		return
	}
	p.buckets[c] = append(bucket, buf[:0])
}

// Trim discards buffers beyond keep per bucket. The resource governor
// calls this on its sweep.
func (p *BufferPool) Trim(keep int) {
	if keep < 0 {
		keep = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for class, bucket := range p.buckets {
		if len(bucket) > keep {
			p.buckets[class] = bucket[:keep]
		}
	}
}

// DropAll releases every pooled buffer. Used when the link has been idle
// long enough that holding memory is not worth it.
func (p *BufferPool) DropAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for class := range p.buckets {
		p.buckets[class] = p.buckets[class][:0]
	}
}

// Len reports the number of buffers currently held in the bucket for the
// given size class.
func (p *BufferPool) Len(class int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buckets[class])
}

// HitRate reports the fraction of acquires served from a bucket.
func (p *BufferPool) HitRate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquires == 0 {
		return 0
	}
	return float64(p.hits) / float64(p.acquires)
}
