package tagnet

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// schedulerQueueSize bounds a scheduler's run queue.
const schedulerQueueSize = 1024

// waitCompletionsPeriod is the bounded timeout a thread-driven progress
// binding blocks on before re-checking its control channel.
const waitCompletionsPeriod = time.Second

// Scheduler is a single-threaded cooperative run queue. Submitted functions
// execute sequentially on one goroutine; pending operations are always
// resolved here, never from a drain goroutine directly.
type Scheduler struct {
	runq chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewScheduler creates a scheduler and starts its run goroutine.
func NewScheduler() *Scheduler {
	s := &Scheduler{
		runq: make(chan func(), schedulerQueueSize),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()

	return s
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			// Run what is already queued so no resolution is lost.
			for {
				select {
				case fn := <-s.runq:
					fn()
				default:
					return
				}
			}
		case fn := <-s.runq:
			fn()
		}
	}
}

// Submit enqueues fn for execution on the scheduler goroutine. Submissions
// after Close are dropped.
func (s *Scheduler) Submit(fn func()) {
	select {
	case <-s.quit:
	case s.runq <- fn:
	}
}

// Close stops the scheduler after draining already-queued work.
func (s *Scheduler) Close() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}

// ProgressMode selects how a worker's completion queue is drained.
type ProgressMode string

const (
	// ProgressThread drains with a dedicated goroutine blocking on the
	// worker's wait primitive with a bounded timeout.
	ProgressThread ProgressMode = "thread"
	// ProgressThreadPolling drains with a dedicated goroutine busy-polling,
	// trading idle CPU for lower latency.
	ProgressThreadPolling ProgressMode = "thread-polling"
	// ProgressPolling drains from a task cooperatively scheduled alongside
	// user code; no background goroutine.
	ProgressPolling ProgressMode = "polling"
)

// progressBinding bridges one worker's completion queue into resolutions on
// one scheduler. Each scheduler gets at most one binding per context.
type progressBinding struct {
	mode   ProgressMode
	worker Worker
	sched  *Scheduler
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

func newProgressBinding(mode ProgressMode, worker Worker, sched *Scheduler, log zerolog.Logger) *progressBinding {
	b := &progressBinding{
		mode:   mode,
		worker: worker,
		sched:  sched,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		log:    log,
	}

	switch mode {
	case ProgressThread:
		go b.threadLoop()
	case ProgressThreadPolling:
		go b.threadPollingLoop()
	case ProgressPolling:
		b.sched.Submit(b.pollStep)
	}

	return b
}

// threadLoop blocks on the worker's wait primitive, re-checking the control
// channel every tick and exiting promptly on shutdown.
func (b *progressBinding) threadLoop() {
	defer close(b.done)
	for {
		state := b.worker.WaitCompletions(waitCompletionsPeriod)

		select {
		case <-b.quit:
			b.flush()

			return
		default:
		}

		if state == WaitShutdown {
			b.log.Debug().Msg("progress thread shutting down")

			return
		}

		// A wakeup may carry delayed submissions rather than finished
		// completions; a progress tick flushes both.
		b.worker.Progress()
		b.flush()
	}
}

// threadPollingLoop busy-polls the worker from a dedicated goroutine.
func (b *progressBinding) threadPollingLoop() {
	defer close(b.done)
	for {
		select {
		case <-b.quit:
			b.flush()

			return
		default:
		}

		b.worker.Progress()
		b.flush()
		runtime.Gosched()
	}
}

// pollStep drains once from the owning scheduler, then yields by
// resubmitting itself behind any queued user work.
func (b *progressBinding) pollStep() {
	select {
	case <-b.quit:
		b.resolveInline()
		close(b.done)

		return
	default:
	}

	b.worker.Progress()
	b.resolveInline()
	b.sched.Submit(b.pollStep)
}

// flush marshals drained completions onto the owning scheduler.
func (b *progressBinding) flush() {
	for _, c := range b.worker.Drain() {
		c := c
		b.sched.Submit(func() { c.Op.complete(c.N, c.Data, c.Err) })
	}
}

// resolveInline resolves drained completions directly; it only ever runs on
// the scheduler goroutine.
func (b *progressBinding) resolveInline() {
	for _, c := range b.worker.Drain() {
		c.Op.complete(c.N, c.Data, c.Err)
	}
}

// stop shuts the binding down and waits for its loop to exit.
func (b *progressBinding) stop() {
	b.once.Do(func() { close(b.quit) })

	select {
	case <-b.done:
	case <-time.After(2 * waitCompletionsPeriod):
		b.log.Warn().Msg("timeout waiting for progress binding to stop")
	}
}
