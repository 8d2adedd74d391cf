package idgenerator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdGenerator(t *testing.T) {
	t.Run("returns non-nil generator", func(t *testing.T) {
		require.NotNil(t, NewIdGenerator(0))
	})

	t.Run("first Next returns startValue+1", func(t *testing.T) {
		assert.Equal(t, uint64(1), NewIdGenerator(0).Next())
		assert.Equal(t, uint64(101), NewIdGenerator(100).Next())
	})

	t.Run("Last reports start value before any Next", func(t *testing.T) {
		assert.Equal(t, uint64(5), NewIdGenerator(5).Last())
	})
}

func TestIdGenerator_Next_sequential(t *testing.T) {
	gen := NewIdGenerator(0)
	for want := uint64(1); want <= 10; want++ {
		assert.Equal(t, want, gen.Next())
	}
	assert.Equal(t, uint64(10), gen.Last())
}

func TestIdGenerator_Next_concurrent(t *testing.T) {
	gen := NewIdGenerator(0)
	const n = 500
	ids := make([]uint64, n)

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(idx int) {
			defer wg.Done()
			ids[idx] = gen.Next()
		}(i)
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		assert.GreaterOrEqual(t, id, uint64(1))
		assert.LessOrEqual(t, id, uint64(n))
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestIdGenerator_Tag(t *testing.T) {
	gen := NewIdGenerator(0)
	assert.Equal(t, "conn-1", gen.Tag("conn"))
	assert.Equal(t, "conn-2", gen.Tag("conn"))
	assert.Equal(t, "upload-3", gen.Tag("upload"))
}

func TestIdGenerator_multiple_generators_independent(t *testing.T) {
	gen1 := NewIdGenerator(0)
	gen2 := NewIdGenerator(0)

	assert.Equal(t, uint64(1), gen1.Next())
	assert.Equal(t, uint64(1), gen2.Next())
	assert.Equal(t, uint64(2), gen1.Next())
}
