// Package pool implements the connection attempt pool: pending connection
// attempts are deduplicated by peripheral, bounded in number and resolved
// exactly once, either by the radio or by a timeout
package pool

import (
	"time"

	"github.com/fako1024/btmonitor/pkg/loop"
	"github.com/fako1024/btmonitor/pkg/metrics"
	"github.com/fako1024/btmonitor/pkg/tracker"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultCapacity = 10
)

// Attempt results, as reported to the connection attempt metric
const (
	ResultSuccess   = "success"
	ResultTimeout   = "timeout"
	ResultRejected  = "rejected"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

type attempt struct {
	id        string
	onSuccess func()
	onError   func(error)
	stop      func() bool
}

// Pool denotes a connection attempt pool. It is not safe for concurrent use,
// all methods (and the scheduler's timer callbacks) must run on the same
// serialized execution context
type Pool struct {
	scheduler loop.Scheduler
	attempts  []*attempt

	timeout  time.Duration
	capacity int

	logger tracker.Logger
}

// New instantiates a new connection attempt pool, executing functional options, if any
func New(scheduler loop.Scheduler, options ...func(*Pool)) *Pool {
	p := &Pool{
		scheduler: scheduler,
		timeout:   defaultTimeout,
		capacity:  defaultCapacity,
		logger:    &tracker.NullLogger{},
	}

	for _, option := range options {
		option(p)
	}

	return p
}

// WithTimeout sets the time after which a pending attempt fails
func WithTimeout(timeout time.Duration) func(*Pool) {
	return func(p *Pool) {
		p.timeout = timeout
	}
}

// WithCapacity sets the maximum number of concurrently pending attempts
func WithCapacity(capacity int) func(*Pool) {
	return func(p *Pool) {
		p.capacity = capacity
	}
}

// WithLogger sets a logger
func WithLogger(logger tracker.Logger) func(*Pool) {
	return func(p *Pool) {
		p.logger = logger
	}
}

// CreateAttempt registers a connection attempt for a peripheral and invokes
// performConnect to issue the actual connection request. If an attempt for
// the same peripheral is already pending, the call has no effect and the
// pending attempt's callbacks govern the outcome. If the pool is full,
// onError is called immediately and performConnect is never invoked
func (p *Pool) CreateAttempt(id string, onSuccess func(), onError func(error), performConnect func()) {
	if p.Pending(id) {
		p.logger.Debugf("connection attempt for `%s` already pending", id)
		return
	}

	if len(p.attempts) >= p.capacity {
		p.logger.Warnf("rejecting connection attempt for `%s`: %d attempts pending", id, len(p.attempts))
		metrics.ConnectionAttempts.WithLabelValues(ResultRejected).Inc()
		if onError != nil {
			onError(tracker.ErrTooManyAttempts)
		}
		return
	}

	a := &attempt{
		id:        id,
		onSuccess: onSuccess,
		onError:   onError,
	}
	a.stop = p.scheduler.AfterFunc(p.timeout, func() {
		p.expire(a)
	})
	p.attempts = append(p.attempts, a)

	p.logger.Debugf("connection attempt for `%s` registered", id)
	performConnect()
}

// RegisterSuccessfulConnection resolves all attempts for a peripheral
// successfully. It returns false if no attempt was pending
func (p *Pool) RegisterSuccessfulConnection(id string) bool {
	resolved := p.remove(id)
	for _, a := range resolved {
		metrics.ConnectionAttempts.WithLabelValues(ResultSuccess).Inc()
		if a.onSuccess != nil {
			a.onSuccess()
		}
	}
	return len(resolved) > 0
}

// RegisterFailedConnection resolves all attempts for a peripheral with the
// error reported by the radio. It returns false if no attempt was pending
func (p *Pool) RegisterFailedConnection(id string, err error) bool {
	return p.fail(id, tracker.NewConnectFailedError(err), ResultFailed)
}

// Cancel resolves all attempts for a peripheral as cancelled. It returns false
// if no attempt was pending
func (p *Pool) Cancel(id string) bool {
	return p.fail(id, tracker.ErrAttemptCancelled, ResultCancelled)
}

// CancelAll resolves all pending attempts with the provided error
func (p *Pool) CancelAll(err error) {
	if err == nil {
		err = tracker.ErrAttemptCancelled
	}

	ids := make([]string, 0, len(p.attempts))
	for _, a := range p.attempts {
		ids = append(ids, a.id)
	}
	for _, id := range ids {
		p.fail(id, err, ResultCancelled)
	}
}

// Pending returns if an attempt for a peripheral is pending
func (p *Pool) Pending(id string) bool {
	for _, a := range p.attempts {
		if a.id == id {
			return true
		}
	}
	return false
}

// Len returns the number of pending attempts
func (p *Pool) Len() int {
	return len(p.attempts)
}

////////////////////////////////////////////////////////////////////////////////

func (p *Pool) fail(id string, err error, result string) bool {
	resolved := p.remove(id)
	for _, a := range resolved {
		p.logger.Debugf("connection attempt for `%s` failed: %s", id, err)
		metrics.ConnectionAttempts.WithLabelValues(result).Inc()
		if a.onError != nil {
			a.onError(err)
		}
	}
	return len(resolved) > 0
}

func (p *Pool) remove(id string) (removed []*attempt) {
	kept := p.attempts[:0]
	for _, a := range p.attempts {
		if a.id == id {
			a.stop()
			removed = append(removed, a)
			continue
		}
		kept = append(kept, a)
	}
	for i := len(kept); i < len(p.attempts); i++ {
		p.attempts[i] = nil
	}
	p.attempts = kept

	return
}

func (p *Pool) expire(a *attempt) {
	for i, pending := range p.attempts {
		if pending != a {
			continue
		}

		p.attempts = append(p.attempts[:i], p.attempts[i+1:]...)

		p.logger.Warnf("connection attempt for `%s` timed out after %v", a.id, p.timeout)
		metrics.ConnectionAttempts.WithLabelValues(ResultTimeout).Inc()
		if a.onError != nil {
			a.onError(tracker.ErrConnectionTimeout)
		}
		return
	}
}
