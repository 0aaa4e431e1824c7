package monitoring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterBasics(t *testing.T) {
	c := NewCounter("test_counter")

	c.Set(10)
	assert.Equal(t, int64(10), c.Get())

	c.Add(5)
	assert.Equal(t, int64(15), c.Get())

	c.Add(-5)
	assert.Equal(t, int64(10), c.Get())

	assert.Equal(t, "10", c.String())
}

func TestCounterParallelAdd(t *testing.T) {
	var c Counter
	const n = 1000

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			c.Add(1)
			wg.Done()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), c.Get())
}

func TestCounterDuplicatePublish(t *testing.T) {
	assert.Panics(t, func() {
		_ = NewCounter("counter")
		_ = NewCounter("counter")
	})
	assert.NotPanics(t, func() {
		_ = NewCounter("counter1")
		_ = NewCounter("counter2")
	})
}
