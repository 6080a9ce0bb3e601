package metrics

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollector_Collect(t *testing.T) {
	var a, b int
	c := NewCollector(func() { a++ }, nil, func() { b += 2 })

	c.Collect()
	c.Collect()

	assert.Equal(t, 2, a)
	assert.Equal(t, 4, b)
}

func TestCollector_Run(t *testing.T) {
	var calls atomic.Int32
	c := NewCollector(func() { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
	stopped := calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, calls.Load())
}
