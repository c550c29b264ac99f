package s3

import (
	"sync"
)

// PartPool pools fixed-size multipart part buffers so concurrent relays reuse
// memory instead of allocating a part per upload. Buffers are zeroized before
// returning to the pool since they hold decrypted media.
type PartPool struct {
	size int
	pool sync.Pool

	hits, misses int64
	mu           sync.RWMutex // Protects metrics
}

// NewPartPool creates a pool of size-byte buffers.
func NewPartPool(size int) *PartPool {
	return &PartPool{size: size}
}

// Size returns the buffer size handed out by the pool.
func (p *PartPool) Size() int {
	return p.size
}

// Get returns a part buffer of len Size.
func (p *PartPool) Get() []byte {
	if buf := p.pool.Get(); buf != nil {
		p.mu.Lock()
		p.hits++
		p.mu.Unlock()
		return buf.([]byte)[:p.size]
	}
	p.mu.Lock()
	p.misses++
	p.mu.Unlock()
	return make([]byte, p.size)
}

// Put zeroizes buf and returns it to the pool.
func (p *PartPool) Put(buf []byte) {
	if cap(buf) != p.size {
		return // Don't pool incorrectly sized buffers
	}
	buf = buf[:cap(buf)]
	clear(buf)
	p.pool.Put(buf)
}

// Metrics returns current pool metrics.
func (p *PartPool) Metrics() PartPoolMetrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PartPoolMetrics{Hits: p.hits, Misses: p.misses}
}

// PartPoolMetrics contains pool performance metrics.
type PartPoolMetrics struct {
	Hits, Misses int64
}

// HitRate returns the fraction of Get calls served from the pool.
func (m PartPoolMetrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}
