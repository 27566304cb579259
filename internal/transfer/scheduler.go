package transfer

import (
	"sync"
	"time"
)

// Task is a scheduled callback.
type Task interface {
	// Cancel stops the task if it has not started. It reports whether the
	// call prevented the run.
	Cancel() bool
}

// Scheduler runs callbacks one at a time on the host's cooperative loop.
type Scheduler interface {
	Run(fn func())
	After(d time.Duration, fn func()) Task
}

// Loop is a Scheduler backed by a single goroutine. Its inbox is unbounded
// so callbacks running on the loop can queue more work without blocking.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewLoop starts a loop whose inbox initially holds size callbacks.
func NewLoop(size int) *Loop {
	if size <= 0 {
		size = 256
	}
	l := &Loop{
		queue: make([]func(), 0, size),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stop:
			return
		case <-l.wake:
		}
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			select {
			case <-l.stop:
				return
			default:
			}
			fn()
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

// Run queues fn without blocking. Calls after Close are dropped.
func (l *Loop) Run(fn func()) {
	select {
	case <-l.stop:
		return
	default:
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending reports how many callbacks are queued.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Do queues fn and waits for it to finish.
func (l *Loop) Do(fn func()) {
	done := make(chan struct{})
	l.Run(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-l.stop:
	}
}

func (l *Loop) After(d time.Duration, fn func()) Task {
	t := &loopTask{}
	t.timer = time.AfterFunc(d, func() {
		l.Run(func() {
			if t.claim() {
				fn()
			}
		})
	})
	return t
}

func (l *Loop) Close() {
	l.once.Do(func() {
		close(l.stop)
	})
	l.wg.Wait()
}

type loopTask struct {
	mu    sync.Mutex
	done  bool
	timer *time.Timer
}

func (t *loopTask) claim() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

func (t *loopTask) Cancel() bool {
	t.timer.Stop()
	return t.claim()
}
