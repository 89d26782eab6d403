package printer

import "testing"

func TestBufferPoolAcquireSmallestFittingClass(t *testing.T) {
	p := NewBufferPool(nil, 4)

	buf := p.Acquire(45)
	if len(buf) != 45 {
		t.Fatalf("len = %d, want 45", len(buf))
	}
	if cap(buf) != 64 {
		t.Fatalf("cap = %d, want 64", cap(buf))
	}
}

func TestBufferPoolReleaseRestoresBucket(t *testing.T) {
	p := NewBufferPool(nil, 4)

	if got := p.Len(128); got != 4 {
		t.Fatalf("initial bucket len = %d, want 4", got)
	}
	buf := p.Acquire(100)
	if got := p.Len(128); got != 3 {
		t.Fatalf("bucket len after acquire = %d, want 3", got)
	}
	p.Release(buf)
	if got := p.Len(128); got != 4 {
		t.Fatalf("bucket len after release = %d, want 4", got)
	}
}

func TestBufferPoolOversizeNotPooled(t *testing.T) {
	p := NewBufferPool(nil, 2)

	buf := p.Acquire(1000)
	if len(buf) != 1000 {
		t.Fatalf("len = %d, want 1000", len(buf))
	}
	p.Release(buf)
	for _, class := range []int{20, 64, 128, 256, 512} {
		if got := p.Len(class); got > 2 {
			t.Fatalf("class %d grew past cap: %d", class, got)
		}
	}
}

func TestBufferPoolReleaseFullBucketDropped(t *testing.T) {
	p := NewBufferPool([]int{64}, 2)

	extra := make([]byte, 0, 64)
	p.Release(extra)
	if got := p.Len(64); got != 2 {
		t.Fatalf("bucket len = %d, want 2 (release past cap dropped)", got)
	}
}

func TestBufferPoolTrimAndDropAll(t *testing.T) {
	p := NewBufferPool([]int{64, 128}, 4)

	p.Trim(1)
	if got := p.Len(64); got != 1 {
		t.Fatalf("after trim: len(64) = %d, want 1", got)
	}
	if got := p.Len(128); got != 1 {
		t.Fatalf("after trim: len(128) = %d, want 1", got)
	}

	p.DropAll()
	if got := p.Len(64); got != 0 {
		t.Fatalf("after drop: len(64) = %d, want 0", got)
	}
}

func BenchmarkBufferPoolAcquireRelease(b *testing.B) {
	p := NewBufferPool(nil, DefaultPoolBucketCap)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		buf := p.Acquire(128)
		p.Release(buf)
	}
}

func TestBufferPoolHitRate(t *testing.T) {
	p := NewBufferPool([]int{64}, 1)

	if got := p.HitRate(); got != 0 {
		t.Fatalf("hit rate before use = %v, want 0", got)
	}

	b1 := p.Acquire(64) // hit: bucket pre-populated
	_ = p.Acquire(64)   // miss: bucket empty
	p.Release(b1)

	if got := p.HitRate(); got != 0.5 {
		t.Fatalf("hit rate = %v, want 0.5", got)
	}
}
