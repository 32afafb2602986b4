package refcnt

import (
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCounter() *Counter {
	c := &Counter{}
	c.Init(1)
	return c
}

func TestLifecycle(t *testing.T) {
	c := newCounter()
	require.NoError(t, c.Retain(1))
	require.Equal(t, 2, c.Load())

	last, err := c.Release(1)
	require.NoError(t, err)
	require.False(t, last)

	last, err = c.Release(1)
	require.NoError(t, err)
	require.True(t, last)
	require.False(t, c.Live())

	_, err = c.Release(1)
	require.ErrorIs(t, err, ErrIllegalRefCount)

	err = c.Retain(1)
	require.ErrorIs(t, err, ErrIllegalRefCount, "a dead counter must never be revived")
	require.Zero(t, c.Load())

	require.ErrorIs(t, c.Check(), ErrIllegalRefCount)
}

func TestRetainOverflow(t *testing.T) {
	c := newCounter()
	err := c.Retain(math.MaxInt32)
	var rerr *IllegalRefCountError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, 1, rerr.RefCnt)
	assert.Equal(t, math.MaxInt32, rerr.Delta)
	assert.Equal(t, 1, c.Load(), "failed retain must leave the count unchanged")

	require.NoError(t, c.Retain(math.MaxInt32-1))
	require.Equal(t, math.MaxInt32, c.Load())
	require.ErrorIs(t, c.Retain(1), ErrIllegalRefCount)
}

func TestOverRelease(t *testing.T) {
	c := newCounter()
	require.NoError(t, c.Retain(2))
	_, err := c.Release(4)
	require.ErrorIs(t, err, ErrIllegalRefCount)
	require.Equal(t, 3, c.Load())

	last, err := c.Release(3)
	require.NoError(t, err)
	require.True(t, last)
}

func TestInvalidDelta(t *testing.T) {
	c := newCounter()
	require.ErrorIs(t, c.Retain(0), ErrInvalidDelta)
	_, err := c.Release(-1)
	require.ErrorIs(t, err, ErrInvalidDelta)
	require.Equal(t, 1, c.Load())
}

func TestErrorMessage(t *testing.T) {
	err := &IllegalRefCountError{RefCnt: 0, Delta: -1}
	require.Equal(t, "refcnt: illegal reference count: 0, decrement: 1", err.Error())
	err = &IllegalRefCountError{RefCnt: 1, Delta: 5}
	require.Equal(t, "refcnt: illegal reference count: 1, increment: 5", err.Error())
}

func TestConcurrentRetainRelease(t *testing.T) {
	const workers = 16
	const rounds = 1000

	c := newCounter()
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range rounds {
				if err := c.Retain(1); err != nil {
					t.Error(err)
					return
				}
				if _, err := c.Release(1); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, c.Load())

	// Fan-out: N extra holders released concurrently, exactly one observes zero.
	require.NoError(t, c.Retain(workers-1))
	var zeros atomic.Int32
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last, err := c.Release(1)
			if err != nil {
				t.Error(err)
			}
			if last {
				zeros.Add(1)
			}
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, zeros.Load())
}
