package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolGetPut(t *testing.T) {
	p := NewPool(64 * 1024)

	buf := p.Get()
	assert.Len(t, buf, 64*1024)
	p.Put(buf)

	again := p.Get()
	assert.Len(t, again, 64*1024)
}

func TestPoolEnforcesMinimum(t *testing.T) {
	p := NewPool(1)
	assert.GreaterOrEqual(t, int(p.Size()), 4*1024)
	assert.Len(t, p.Get(), int(p.Size()))
}

func TestPoolDropsWrongSize(t *testing.T) {
	p := NewPool(8 * 1024)

	// a foreign slice must not poison the pool
	p.Put(make([]byte, 16))

	assert.Len(t, p.Get(), 8*1024)
}
