package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Func is the body of a task.
type Func func(ctx context.Context) error

type task struct {
	name     string
	due      time.Time
	interval time.Duration
	fn       Func
	index    int
}

type queue []*task

func (q queue) Len() int           { return len(q) }
func (q queue) Less(i, j int) bool { return q[i].due.Before(q[j].due) }
func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}
func (q *queue) Push(x any) {
	t := x.(*task)
	t.index = len(*q)
	*q = append(*q, t)
}
func (q *queue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	clock  clock.Clock
	logger *zap.Logger
	tick   time.Duration

	mu    sync.Mutex
	queue queue
	byKey map[string]*task
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for task failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l.Named("scheduler") }
}

// WithTick sets how often Run checks for due tasks.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// New returns a scheduler driven by clk.
func New(clk clock.Clock, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  clk,
		logger: zap.NewNop(),
		tick:   time.Second,
		byKey:  make(map[string]*task),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Clock returns the injected clock.
func (s *Scheduler) Clock() clock.Clock { return s.clock }

// At schedules fn once at t, replacing any task with the same name.
func (s *Scheduler) At(name string, t time.Time, fn Func) {
	s.add(&task{name: name, due: t, fn: fn})
}

// Every schedules fn every d starting one interval from now.
func (s *Scheduler) Every(name string, d time.Duration, fn Func) {
	s.add(&task{name: name, due: s.clock.Now().Add(d), interval: d, fn: fn})
}

// EveryFrom schedules fn every d with the first run at first. A first time
// already past runs on the next pass.
func (s *Scheduler) EveryFrom(name string, first time.Time, d time.Duration, fn Func) {
	s.add(&task{name: name, due: first, interval: d, fn: fn})
}

// Cancel removes the named task. It reports whether one was queued.
func (s *Scheduler) Cancel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byKey[name]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, t.index)
	delete(s.byKey, name)
	return true
}

// Pending returns the number of queued tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// NextDue returns the due time of the named task.
func (s *Scheduler) NextDue(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byKey[name]
	if !ok {
		return time.Time{}, false
	}
	return t.due, true
}

func (s *Scheduler) add(t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byKey[t.name]; ok {
		heap.Remove(&s.queue, old.index)
	}
	heap.Push(&s.queue, t)
	s.byKey[t.name] = t
}

// RunDue runs every task due at the current clock time, in due order, and
// returns how many ran. Task errors are logged, not returned.
func (s *Scheduler) RunDue(ctx context.Context) int {
	ran := 0
	for {
		if ctx.Err() != nil {
			return ran
		}
		t := s.popDue(s.clock.Now())
		if t == nil {
			return ran
		}
		if err := t.fn(ctx); err != nil {
			s.logger.Warn("task failed", zap.String("task", t.name), zap.Error(err))
		}
		ran++
	}
}

// popDue dequeues the earliest task if it is due. Repeating tasks are
// re-queued before they run.
func (s *Scheduler) popDue(now time.Time) *task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.queue[0].due.After(now) {
		return nil
	}
	t := heap.Pop(&s.queue).(*task)
	delete(s.byKey, t.name)
	if t.interval > 0 {
		next := &task{name: t.name, due: t.due.Add(t.interval), interval: t.interval, fn: t.fn}
		for !next.due.After(now) {
			next.due = next.due.Add(t.interval)
		}
		heap.Push(&s.queue, next)
		s.byKey[next.name] = next
	}
	return t
}

// Run checks for due tasks on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := s.clock.Ticker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				s.RunDue(ctx)
			}
		}
	})
	return g.Wait()
}
