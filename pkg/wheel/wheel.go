package wheel

import (
	"container/list"
	"sync"
	"time"
)

// Wheel is a hashed timing wheel. A single goroutine advances the cursor one
// slot per tick and runs the callbacks whose rounds reached zero.
type Wheel struct {
	tick    time.Duration
	buckets []*list.List

	mu      sync.Mutex
	cursor  int
	pending int

	started  time.Time
	ticks    int64
	stopCh   chan struct{}
	doneCh   chan struct{}
	runOnce  sync.Once
	stopOnce sync.Once
}

// Timeout is a callback armed on the wheel
type Timeout struct {
	wheel  *Wheel
	fn     func()
	bucket int
	rounds int
	elem   *list.Element
}

// New creates a wheel with the given tick duration and number of slots
func New(tick time.Duration, slots int) *Wheel {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	if slots <= 0 {
		slots = 512
	}
	buckets := make([]*list.List, slots)
	for i := range buckets {
		buckets[i] = list.New()
	}
	return &Wheel{
		tick:    tick,
		buckets: buckets,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the tick goroutine
func (w *Wheel) Start() {
	w.runOnce.Do(func() {
		w.started = time.Now()
		go w.run()
	})
}

// Stop halts the tick goroutine. Pending timeouts never fire.
func (w *Wheel) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	w.runOnce.Do(func() { close(w.doneCh) })
	<-w.doneCh
}

// Len returns the number of pending timeouts
func (w *Wheel) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// AfterFunc arms fn to run on the tick goroutine once delay has elapsed.
// The delay is rounded up to whole ticks, with a minimum of one tick.
func (w *Wheel) AfterFunc(delay time.Duration, fn func()) *Timeout {
	ticks := int((delay + w.tick - 1) / w.tick)
	if ticks < 1 {
		ticks = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.buckets)
	t := &Timeout{
		wheel:  w,
		fn:     fn,
		bucket: (w.cursor + ticks) % n,
		rounds: (ticks - 1) / n,
	}
	t.elem = w.buckets[t.bucket].PushBack(t)
	w.pending++
	return t
}

// Cancel removes the timeout. It returns false if the timeout already fired
// or was cancelled.
func (t *Timeout) Cancel() bool {
	w := t.wheel
	w.mu.Lock()
	defer w.mu.Unlock()

	if t.elem == nil {
		return false
	}
	w.buckets[t.bucket].Remove(t.elem)
	t.elem = nil
	w.pending--
	return true
}

func (w *Wheel) run() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Catch up on ticks the ticker dropped while callbacks ran.
			target := int64(time.Since(w.started) / w.tick)
			for w.ticks < target {
				w.ticks++
				for _, fn := range w.advance() {
					fn()
				}
			}
		case <-w.stopCh:
			return
		}
	}
}

// advance moves the cursor one slot and detaches the expired callbacks
func (w *Wheel) advance() []func() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cursor = (w.cursor + 1) % len(w.buckets)
	bucket := w.buckets[w.cursor]

	var expired []func()
	for e := bucket.Front(); e != nil; {
		next := e.Next()
		t := e.Value.(*Timeout)
		if t.rounds > 0 {
			t.rounds--
		} else {
			bucket.Remove(e)
			t.elem = nil
			w.pending--
			expired = append(expired, t.fn)
		}
		e = next
	}
	return expired
}
