package printer

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Scheduler defaults.
const (
	DefaultQueueBound    = 100
	DefaultMaxRetries    = 2
	DefaultRetryDelay    = 500 * time.Millisecond
	DefaultDrainInterval = 20 * time.Millisecond

	// schedulerIdlePoll bounds how long the drain loop sleeps before
	// re-checking conditions when it was not explicitly woken.
	schedulerIdlePoll = 500 * time.Millisecond
)

// QueueOptions configure a queued command.
type QueueOptions struct {
	Priority    int
	MaxRetries  int
	UseChunking bool
	Description string
}

// PendingCommand is a command held by the queue until delivery resolves.
// Callers block on Wait for the terminal outcome.
type PendingCommand struct {
	ID          string
	Payload     []byte
	Priority    int
	EnqueuedAt  time.Time
	Attempts    int
	MaxRetries  int
	UseChunking bool
	Description string

	seq  uint64
	once sync.Once
	done chan struct{}
	err  error
}

// Wait blocks until the command resolves or ctx is done.
func (c *PendingCommand) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done exposes the resolution channel for select-based callers.
func (c *PendingCommand) Done() <-chan struct{} { return c.done }

// Err returns the terminal error once Done is closed.
func (c *PendingCommand) Err() error { return c.err }

func (c *PendingCommand) resolve(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// commandHeap orders by (priority desc, seq asc). seq is assigned on
// enqueue and reassigned on requeue, which moves a retried command to
// the tail of its priority class.
type commandHeap []*PendingCommand

func (h commandHeap) Len() int { return len(h) }
func (h commandHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}
func (h commandHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *commandHeap) Push(x interface{}) { *h = append(*h, x.(*PendingCommand)) }
func (h *commandHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// commandQueue is the bounded, priority-aware pending command store.
type commandQueue struct {
	mu      sync.Mutex
	heap    commandHeap
	bound   int
	nextSeq uint64
}

func newCommandQueue(bound int) *commandQueue {
	if bound <= 0 {
		bound = DefaultQueueBound
	}
	q := &commandQueue{bound: bound}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a command, failing fast with ErrQueueFull at the bound.
func (q *commandQueue) Enqueue(cmd *PendingCommand) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) >= q.bound {
		return ErrQueueFull
	}
	cmd.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.heap, cmd)
	return nil
}

// RequeueTail puts a retried command back behind everything currently
// queued at its priority. The bound is not enforced here: the command
// held a slot when it was dequeued and gets it back.
func (q *commandQueue) RequeueTail(cmd *PendingCommand) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.heap, cmd)
}

// Dequeue removes and returns the head command, or nil when empty.
func (q *commandQueue) Dequeue() *PendingCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*PendingCommand)
}

func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Clear removes every pending command. When reject is true each removed
// command resolves with ErrQueueCleared.
func (q *commandQueue) Clear(reject bool) int {
	q.mu.Lock()
	removed := q.heap
	q.heap = nil
	heap.Init(&q.heap)
	q.mu.Unlock()

	if reject {
		for _, cmd := range removed {
			cmd.resolve(ErrQueueCleared)
		}
	}
	return len(removed)
}

// scheduler drains the command queue one command at a time through the
// transmission pipeline. A single drain goroutine is the whole
// concurrency story: the BLE link has no multiplexing, so out-of-order
// writes would corrupt the printer byte stream.
type scheduler struct {
	q       *commandQueue
	send    func(ctx context.Context, cmd *PendingCommand) error
	ready   func() bool
	events  *eventBus
	logger  *zap.Logger
	limiter *rate.Limiter

	retryDelay time.Duration

	mu     sync.Mutex
	paused bool

	retryMu     sync.Mutex
	retryTimers map[*PendingCommand]*time.Timer

	kick        chan struct{}
	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func newScheduler(q *commandQueue, send func(context.Context, *PendingCommand) error, ready func() bool, events *eventBus, logger *zap.Logger, drainInterval, retryDelay time.Duration) *scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if drainInterval <= 0 {
		drainInterval = DefaultDrainInterval
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &scheduler{
		q:           q,
		send:        send,
		ready:       ready,
		events:      events,
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Every(drainInterval), 1),
		retryDelay:  retryDelay,
		retryTimers: make(map[*PendingCommand]*time.Timer),
		kick:        make(chan struct{}, 1),
		closeSignal: make(chan struct{}),
	}
}

func (s *scheduler) start() {
	s.wg.Add(1)
	go s.drainLoop()
}

func (s *scheduler) stop() {
	s.closeOnce.Do(func() { close(s.closeSignal) })
	s.wg.Wait()
	s.flushRetries()
}

// scheduleRetry arms a timer that moves cmd back to the queue tail
// after the retry delay. The drain loop keeps serving other commands in
// the meantime.
func (s *scheduler) scheduleRetry(cmd *PendingCommand) {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	s.retryTimers[cmd] = time.AfterFunc(s.retryDelay, func() {
		s.retryMu.Lock()
		if _, armed := s.retryTimers[cmd]; !armed {
			s.retryMu.Unlock()
			return
		}
		delete(s.retryTimers, cmd)
		s.retryMu.Unlock()
		s.q.RequeueTail(cmd)
		s.Kick()
	})
}

// flushRetries cancels armed retry timers and returns their commands to
// the queue immediately, so a stopped scheduler leaves every unresolved
// command queued.
func (s *scheduler) flushRetries() {
	s.retryMu.Lock()
	defer s.retryMu.Unlock()
	for cmd, t := range s.retryTimers {
		t.Stop()
		delete(s.retryTimers, cmd)
		s.q.RequeueTail(cmd)
	}
}

// Kick wakes the drain loop. Called on enqueue, resume, and connection
// state changes.
func (s *scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Pause halts future dequeues; an in-flight send completes.
func (s *scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.Kick()
}

func (s *scheduler) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *scheduler) drainLoop() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.closeSignal
		cancel()
	}()

	idle := time.NewTimer(schedulerIdlePoll)
	defer idle.Stop()

	for {
		// Wait until there is something to do: not paused, link ready,
		// queue non-empty. The idle timer is a safety net for wakeups
		// lost to races; the kick channel is the fast path.
		for s.isPaused() || !s.ready() || s.q.Len() == 0 {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(schedulerIdlePoll)
			select {
			case <-s.closeSignal:
				return
			case <-s.kick:
			case <-idle.C:
			}
		}

		// Inter-iteration pacing so the drain loop cannot saturate the
		// link.
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		cmd := s.q.Dequeue()
		if cmd == nil {
			continue
		}

		err := s.send(ctx, cmd)
		if err == nil {
			cmd.resolve(nil)
			continue
		}
		if ctx.Err() != nil {
			// shutting down; put the command back untouched
			s.q.RequeueTail(cmd)
			return
		}

		cmd.Attempts++
		if cmd.Attempts <= cmd.MaxRetries {
			s.logger.Warn("command delivery failed, requeueing",
				zap.String("command_id", cmd.ID),
				zap.Int("attempt", cmd.Attempts),
				zap.Int("max_retries", cmd.MaxRetries),
				zap.Error(err),
			)
			// Fixed delay before the command rejoins the tail keeps a
			// flaky command from head-of-line blocking the queue. The
			// delay runs on a timer so the loop stays free to drain.
			s.scheduleRetry(cmd)
			continue
		}

		terminal := &CommandError{CommandID: cmd.ID, Attempts: cmd.Attempts, Err: err}
		cmd.resolve(terminal)
		s.events.publish(Event{
			Type:   EventCommandFailed,
			Detail: cmd.Description,
			Err:    terminal,
		})
		s.logger.Error("command failed terminally",
			zap.String("command_id", cmd.ID),
			zap.Int("attempts", cmd.Attempts),
			zap.Error(err),
		)
	}
}

// newPendingCommand builds a PendingCommand with defaults applied.
func newPendingCommand(payload []byte, opts QueueOptions) *PendingCommand {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return &PendingCommand{
		ID:          uuid.NewString(),
		Payload:     payload,
		Priority:    opts.Priority,
		EnqueuedAt:  time.Now(),
		MaxRetries:  opts.MaxRetries,
		UseChunking: opts.UseChunking,
		Description: opts.Description,
		done:        make(chan struct{}),
	}
}
