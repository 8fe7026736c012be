// Package eventloop provides single-goroutine task loops and a fixed-size pool
// that hands loops out round-robin. Every session is bound to one loop, and all
// of its I/O completions run as tasks on that loop's goroutine.
package eventloop

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cyberinferno/fznet/logger"
	"github.com/eapache/queue"
)

var (
	// ErrLoopRunning is returned by Start when the loop is already running.
	ErrLoopRunning = errors.New("eventloop: loop is already running")

	// ErrLoopNotRunning is returned by Stop when the loop was never started.
	ErrLoopNotRunning = errors.New("eventloop: loop is not running")

	// ErrLoopStopped is returned when starting or posting to a stopped loop.
	ErrLoopStopped = errors.New("eventloop: loop has been stopped")

	// ErrNilTask is returned by PostTask for a nil task.
	ErrNilTask = errors.New("eventloop: nil task")
)

// Task is a unit of work executed on a loop goroutine.
type Task func()

// LoopConfig holds settings shared by a Loop or by every loop of a Pool.
type LoopConfig struct {
	// Name identifies the loop in logs. Pools suffix it with the loop index.
	Name string
	// Logger receives task panics and lifecycle events; nil disables logging.
	Logger logger.Logger
}

// DefaultLoopConfig returns a LoopConfig named "loop" with logging disabled.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{Name: "loop"}
}

// Loop runs posted tasks one at a time, in submission order, on a single
// goroutine. Tasks may be posted from any goroutine, including from tasks
// running on the loop itself. The task queue is unbounded.
type Loop struct {
	name   string
	logger logger.Logger

	mu      sync.Mutex
	tasks   *queue.Queue
	wake    chan struct{}
	started bool
	stopped bool
	done    chan struct{}
}

// NewLoop creates a loop that is not yet running. Tasks posted before Start
// run once the loop starts.
//
// Parameters:
//   - cfg: Loop name and logger
//
// Returns:
//   - A new *Loop
func NewLoop(cfg LoopConfig) *Loop {
	name := cfg.Name
	if name == "" {
		name = "loop"
	}

	return &Loop{
		name:   name,
		logger: logger.OrNop(cfg.Logger).With(logger.Field{Key: "loop", Value: name}),
		tasks:  queue.New(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Name returns the loop name.
func (l *Loop) Name() string {
	return l.name
}

// Start spawns the loop goroutine.
//
// Returns:
//   - ErrLoopRunning if already started, ErrLoopStopped if already stopped
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return ErrLoopStopped
	}

	if l.started {
		return ErrLoopRunning
	}

	l.started = true
	go l.run()

	l.logger.Debug("loop started")
	return nil
}

// Stop rejects further tasks, lets the loop finish the tasks already queued,
// and waits for its goroutine to exit. It must not be called from a task
// running on this loop. Calling Stop again after a successful Stop is a no-op.
//
// Returns:
//   - ErrLoopNotRunning if the loop was never started
func (l *Loop) Stop() error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return ErrLoopNotRunning
	}

	alreadyStopped := l.stopped
	l.stopped = true
	l.mu.Unlock()

	if !alreadyStopped {
		l.signal()
	}

	<-l.done

	if !alreadyStopped {
		l.logger.Debug("loop stopped")
	}

	return nil
}

// Running reports whether the loop has been started and not stopped.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started && !l.stopped
}

// Pending returns the number of queued tasks that have not started yet.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tasks.Length()
}

// PostTask schedules fn to run on the loop goroutine. Tasks posted by one
// goroutine run in the order they were posted.
//
// Parameters:
//   - fn: The task to run
//
// Returns:
//   - ErrNilTask for a nil task, ErrLoopStopped once the loop is stopped
func (l *Loop) PostTask(fn Task) error {
	if fn == nil {
		return ErrNilTask
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrLoopStopped
	}

	l.tasks.Add(fn)
	l.mu.Unlock()

	l.signal()
	return nil
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest task. The second result is false when the queue is
// empty; the third reports whether the loop has been asked to stop.
func (l *Loop) next() (Task, bool, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tasks.Length() == 0 {
		return nil, false, l.stopped
	}

	return l.tasks.Remove().(Task), true, l.stopped
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		task, ok, stopping := l.next()
		if ok {
			l.execute(task)
			continue
		}

		if stopping {
			return
		}

		<-l.wake
	}
}

func (l *Loop) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", logger.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()

	task()
}
