package wheel

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAfterFuncFires(t *testing.T) {
	w := New(5*time.Millisecond, 8)
	w.Start()
	defer w.Stop()

	start := time.Now()
	fired := make(chan time.Duration, 1)
	w.AfterFunc(30*time.Millisecond, func() { fired <- time.Since(start) })

	select {
	case elapsed := <-fired:
		assert.GreaterOrEqual(t, elapsed, 25*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire")
	}
	assert.Equal(t, 0, w.Len())
}

// Delays longer than one revolution need several rounds.
func TestAfterFuncMultipleRounds(t *testing.T) {
	w := New(2*time.Millisecond, 4)
	w.Start()
	defer w.Stop()

	start := time.Now()
	fired := make(chan time.Duration, 1)
	w.AfterFunc(40*time.Millisecond, func() { fired <- time.Since(start) })

	select {
	case elapsed := <-fired:
		assert.GreaterOrEqual(t, elapsed, 35*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timeout did not fire")
	}
}

func TestCancel(t *testing.T) {
	w := New(5*time.Millisecond, 8)
	w.Start()
	defer w.Stop()

	var fired atomic.Bool
	timeout := w.AfterFunc(20*time.Millisecond, func() { fired.Store(true) })
	assert.Equal(t, 1, w.Len())

	assert.True(t, timeout.Cancel())
	assert.False(t, timeout.Cancel())
	assert.Equal(t, 0, w.Len())

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestCancelAfterFire(t *testing.T) {
	w := New(2*time.Millisecond, 8)
	w.Start()
	defer w.Stop()

	done := make(chan struct{})
	timeout := w.AfterFunc(0, func() { close(done) })
	<-done

	assert.False(t, timeout.Cancel())
}

func TestManyTimeouts(t *testing.T) {
	w := New(time.Millisecond, 16)
	w.Start()
	defer w.Stop()

	const count = 200
	var wg sync.WaitGroup
	var fired atomic.Int32
	wg.Add(count)
	for i := 0; i < count; i++ {
		delay := time.Duration(i%50) * time.Millisecond
		w.AfterFunc(delay, func() {
			fired.Add(1)
			wg.Done()
		})
	}

	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		require.Fail(t, "not every timeout fired", "fired %d", fired.Load())
	}
	assert.Equal(t, int32(count), fired.Load())
}

func TestStopWithoutStart(t *testing.T) {
	w := New(time.Millisecond, 4)
	w.AfterFunc(time.Millisecond, func() {})
	w.Stop()
	w.Stop()
	assert.Equal(t, 1, w.Len())
}
