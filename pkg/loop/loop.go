// Package loop provides the serialized execution context all radio callbacks,
// timers and state machine transitions are delivered on
package loop

import (
	"bytes"
	"context"
	"runtime"
	"runtime/debug"
	"runtime/pprof"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fako1024/btmonitor/pkg/tracker"
)

// Scheduler denotes anything capable of running a function after a delay
type Scheduler interface {

	// AfterFunc runs fn after d has elapsed. Calling stop prevents fn from
	// running and returns true if it did so
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// Loop runs tasks one at a time, in the order they were posted, on a single
// goroutine
type Loop struct {
	name string

	queue  []func()
	closed bool
	cond   *sync.Cond
	mu     sync.Mutex

	gid  atomic.Uint64
	done chan struct{}

	logger tracker.Logger
}

// New instantiates and starts a new event loop, executing functional options, if any
func New(options ...func(*Loop)) *Loop {
	l := &Loop{
		name:   "event-loop",
		done:   make(chan struct{}),
		logger: &tracker.NullLogger{},
	}
	l.cond = sync.NewCond(&l.mu)

	for _, option := range options {
		option(l)
	}

	started := make(chan struct{})
	go pprof.Do(context.Background(), pprof.Labels("goroutine_name", l.name), func(context.Context) {
		l.gid.Store(currentGID())
		close(started)
		l.run()
	})
	<-started

	return l
}

// WithName sets the name of the loop goroutine (used as pprof label)
func WithName(name string) func(*Loop) {
	return func(l *Loop) {
		l.name = name
	}
}

// WithLogger sets a logger
func WithLogger(logger tracker.Logger) func(*Loop) {
	return func(l *Loop) {
		l.logger = logger
	}
}

// Post enqueues fn for execution on the loop and returns immediately. It
// returns false if the loop has been closed
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}

	l.queue = append(l.queue, fn)
	l.cond.Signal()

	return true
}

// Do runs fn on the loop and waits for it to complete. If called from the
// loop itself, fn is run inline. It returns false if the loop has been closed
func (l *Loop) Do(fn func()) bool {
	if l.OnLoop() {
		fn()
		return true
	}

	doneChan := make(chan struct{})
	if !l.Post(func() {
		defer close(doneChan)
		fn()
	}) {
		return false
	}

	select {
	case <-doneChan:
		return true
	case <-l.done:
		select {
		case <-doneChan:
			return true
		default:
			return false
		}
	}
}

// AfterFunc runs fn on the loop once d has elapsed
func (l *Loop) AfterFunc(d time.Duration, fn func()) (stop func() bool) {
	var fired atomic.Bool

	timer := time.AfterFunc(d, func() {
		l.Post(func() {
			if fired.CompareAndSwap(false, true) {
				fn()
			}
		})
	})

	return func() bool {
		timer.Stop()
		return fired.CompareAndSwap(false, true)
	}
}

// Drain waits until all tasks enqueued so far, and all tasks they enqueue in
// turn, have been executed
func (l *Loop) Drain() {
	for {
		var pending int
		if !l.Do(func() {
			l.mu.Lock()
			pending = len(l.queue)
			l.mu.Unlock()
		}) {
			return
		}
		if pending == 0 {
			return
		}
	}
}

// OnLoop returns if the caller is running on the loop goroutine
func (l *Loop) OnLoop() bool {
	return currentGID() == l.gid.Load()
}

// Close stops the loop once all pending tasks have been executed
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.cond.Signal()
	l.mu.Unlock()

	if !l.OnLoop() {
		<-l.done
	}
}

////////////////////////////////////////////////////////////////////////////////

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.exec(fn)
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorf("recovered from panic in %s: %v\n%s", l.name, r, debug.Stack())
		}
	}()

	fn()
}

func currentGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return 0
	}
	gid, _ := strconv.ParseUint(string(b[:i]), 10, 64)
	return gid
}
