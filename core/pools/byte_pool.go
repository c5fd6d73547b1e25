package pools

import (
	"slices"
	"sync"
)

// BytePool hands out fixed-size byte slices grouped into size classes. The
// reactor uses it for per-connection read and write buffers, which are
// released when the connection closes.
type BytePool struct {
	classes []byteClass
}

type byteClass struct {
	size int
	pool sync.Pool
}

// Buffer sizes that cover the default connection buffers plus headroom for
// operators who raise them.
var defaultSizes = []int{
	1024,
	2048,
	8192,
	32768,
}

// NewBytePool creates a pool with the default size classes plus any extra
// sizes given.
func NewBytePool(extra ...int) *BytePool {
	sizes := append(slices.Clone(defaultSizes), extra...)
	slices.Sort(sizes)
	sizes = slices.Compact(sizes)

	bp := &BytePool{classes: make([]byteClass, 0, len(sizes))}
	for _, size := range sizes {
		if size <= 0 {
			continue
		}
		bp.classes = append(bp.classes, byteClass{size: size})
	}
	for i := range bp.classes {
		c := &bp.classes[i]
		c.pool.New = func() any {
			buf := make([]byte, c.size)
			return &buf
		}
	}
	return bp
}

// Get returns a slice with len == size. Sizes larger
// than every class are allocated directly.
func (bp *BytePool) Get(size int) []byte {
	for i := range bp.classes {
		c := &bp.classes[i]
		if size <= c.size {
			buf := *(c.pool.Get().(*[]byte))
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to its class. Slices whose capacity matches no class are
// left to the GC.
func (bp *BytePool) Put(buf []byte) {
	if buf == nil {
		return
	}
	capacity := cap(buf)
	for i := range bp.classes {
		c := &bp.classes[i]
		if capacity == c.size {
			buf = buf[:capacity]
			c.pool.Put(&buf)
			return
		}
	}
}

// Sizes returns the configured size classes, ascending.
func (bp *BytePool) Sizes() []int {
	out := make([]int, len(bp.classes))
	for i := range bp.classes {
		out[i] = bp.classes[i].size
	}
	return out
}
