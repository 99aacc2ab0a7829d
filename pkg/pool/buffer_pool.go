package pool

import "sync"

// BufferPool hands out byte slices of one fixed size. Connection buffers
// have a hard capacity, so every buffer out of a pool has len == Size.
type BufferPool struct {
	sync.Pool

	size   int
	secure bool // if set, buffers are zeroed when put back
}

func NewBufferPool(size int, secure bool) *BufferPool {
	newF := func() any {
		return make([]byte, size)
	}
	return &BufferPool{
		Pool: sync.Pool{
			New: newF,
		},
		size:   size,
		secure: secure,
	}
}

func (b *BufferPool) Size() int { return b.size }

func (b *BufferPool) PutBuffer(p []byte) {
	if cap(p) != b.size {
		return // not ours
	}
	p = p[:b.size]
	if b.secure {
		clear(p)
	}
	b.Put(p)
}

func (b *BufferPool) GetBuffer() []byte {
	return b.Get().([]byte)
}
