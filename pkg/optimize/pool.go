package optimize

import (
	"bytes"
	"sync"
)

// BufferPool recycles bytes.Buffers used while encoding frames
type BufferPool struct {
	pool    sync.Pool
	maxSize int
}

// NewBufferPool creates a pool that drops buffers grown beyond maxSize
func NewBufferPool(initialSize, maxSize int) *BufferPool {
	return &BufferPool{
		maxSize: maxSize,
		pool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, initialSize))
			},
		},
	}
}

// Get gets an empty buffer from the pool
func (p *BufferPool) Get() *bytes.Buffer {
	buf := p.pool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	// Oversized buffers would pin memory after a single large frame
	if p.maxSize > 0 && buf.Cap() > p.maxSize {
		return
	}
	p.pool.Put(buf)
}

// BytePool is a pool of byte slices to reduce allocations
type BytePool struct {
	pool sync.Pool
	size int
}

// NewBytePool creates a new byte pool with specified size
func NewBytePool(size int) *BytePool {
	return &BytePool{
		size: size,
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Get gets a byte slice of at least n bytes
func (p *BytePool) Get(n int) []byte {
	if n > p.size {
		return make([]byte, n)
	}
	b := p.pool.Get().(*[]byte)
	return (*b)[:n]
}

// Put returns a byte slice to the pool
func (p *BytePool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
