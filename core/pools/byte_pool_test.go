package pools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytePool_GetRoundsUpToClass(t *testing.T) {
	bp := NewBytePool()

	buf := bp.Get(1500)
	assert.Len(t, buf, 1500)
	assert.Equal(t, 2048, cap(buf))
	bp.Put(buf)

	buf = bp.Get(1024)
	assert.Equal(t, 1024, cap(buf))
}

func TestBytePool_OversizedAllocatesDirectly(t *testing.T) {
	bp := NewBytePool()
	buf := bp.Get(100_000)
	assert.Len(t, buf, 100_000)
	bp.Put(buf)
}

func TestBytePool_ExtraSizes(t *testing.T) {
	bp := NewBytePool(4096, 2048, -1)
	assert.Equal(t, []int{1024, 2048, 4096, 8192, 32768}, bp.Sizes())

	buf := bp.Get(3000)
	assert.Equal(t, 4096, cap(buf))
}

func TestBytePool_PutForeignSliceIgnored(t *testing.T) {
	bp := NewBytePool()
	bp.Put(make([]byte, 10))
	bp.Put(nil)
	assert.Equal(t, 1024, cap(bp.Get(10)))
}

func BenchmarkBytePool_GetPut(b *testing.B) {
	bp := NewBytePool()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			buf := bp.Get(2048)
			bp.Put(buf)
		}
	})
}
