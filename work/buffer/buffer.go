package buffer

import "sync"

// Pool hands out fixed-size byte buffers for media relay copies. Relays
// run for hours and churn through reads constantly, so buffers are
// recycled instead of allocated per read loop.
type Pool struct {
	size int64
	pool sync.Pool
}

// NewPool creates a buffer pool producing buffers of the given size in
// bytes. Sizes below 4 KB are raised to 4 KB; tiny buffers make the
// relay loop syscall-bound.
func NewPool(size int64) *Pool {
	if size < 4*1024 {
		size = 4 * 1024
	}
	p := &Pool{size: size}
	p.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return p
}

// Get returns a buffer from the pool.
func (p *Pool) Get() []byte {
	return *(p.pool.Get().(*[]byte))
}

// Put returns a buffer to the pool. Buffers of the wrong size (from an
// old pool after a config reload) are dropped.
func (p *Pool) Put(b []byte) {
	if int64(len(b)) != p.size {
		return
	}
	p.pool.Put(&b)
}

// Size reports the buffer size this pool produces.
func (p *Pool) Size() int64 {
	return p.size
}
