package optimize

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPool(t *testing.T) {
	pool := NewBufferPool(64, 1024)

	buf := pool.Get()
	assert.Equal(t, 0, buf.Len())
	buf.WriteString("frame")
	pool.Put(buf)

	buf2 := pool.Get()
	assert.Equal(t, 0, buf2.Len(), "buffers come back reset")

	big := bytes.NewBuffer(make([]byte, 0, 4096))
	pool.Put(big)
	pool.Put(nil)
}

func TestBytePool(t *testing.T) {
	pool := NewBytePool(1024)

	buf := pool.Get(100)
	assert.Len(t, buf, 100)
	assert.GreaterOrEqual(t, cap(buf), 1024)
	pool.Put(buf)

	large := pool.Get(4096)
	assert.Len(t, large, 4096)

	pool.Put(make([]byte, 10))
	assert.Len(t, pool.Get(1024), 1024)
}

func TestSlicePool(t *testing.T) {
	pool := NewSlicePool[string](8)

	s := pool.Get()
	assert.Empty(t, s)
	s = append(s, "c1", "c2")
	pool.Put(s)

	s2 := pool.Get()
	assert.Empty(t, s2)
	assert.GreaterOrEqual(t, cap(s2), 8)

	pool.Put(make([]string, 0, 100))
}

func BenchmarkBufferPool(b *testing.B) {
	pool := NewBufferPool(4096, 1<<20)
	payload := bytes.Repeat([]byte{1}, 2048)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf := pool.Get()
		buf.Write(payload)
		pool.Put(buf)
	}
}
