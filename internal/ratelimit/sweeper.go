package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// DefaultSweepSchedule runs the sweep every few minutes.
const DefaultSweepSchedule = "@every 5m"

// Sweeper reclaims memory held by expired entries on a cron schedule. Read
// paths check expiry themselves, so a missed sweep only costs memory.
type Sweeper struct {
	mu       sync.Mutex
	stores   map[string]Sweepable
	cron     *cron.Cron
	schedule string
	now      func() time.Time
	log      logrus.FieldLogger
	observe  func(store string, n int)
	size     func(store string, attempts, lockouts int)
}

// Sizer is implemented by stores that can report how many entries they hold.
type Sizer interface {
	Len() (attempts, lockouts int)
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSchedule overrides the cron schedule expression.
func WithSchedule(expr string) SweeperOption {
	return func(s *Sweeper) {
		if expr != "" {
			s.schedule = expr
		}
	}
}

// WithSweepClock overrides the time passed to Sweep.
func WithSweepClock(fn func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithSweepLogger sets the logger for sweep results.
func WithSweepLogger(log logrus.FieldLogger) SweeperOption {
	return func(s *Sweeper) {
		if log != nil {
			s.log = log
		}
	}
}

// WithSweepObserver receives the number of entries removed per store.
func WithSweepObserver(fn func(store string, n int)) SweeperOption {
	return func(s *Sweeper) {
		s.observe = fn
	}
}

// WithSizeObserver receives the entry counts of every Sizer store after it is
// swept.
func WithSizeObserver(fn func(store string, attempts, lockouts int)) SweeperOption {
	return func(s *Sweeper) {
		s.size = fn
	}
}

// NewSweeper builds an idle sweeper.
func NewSweeper(opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		stores:   make(map[string]Sweepable),
		cron:     cron.New(),
		schedule: DefaultSweepSchedule,
		now:      time.Now,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a store under name. Registering the same name twice replaces
// the earlier store.
func (s *Sweeper) Register(name string, store Sweepable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[name] = store
}

// RunOnce sweeps every registered store and returns the total removed.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	s.mu.Lock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	stores := make(map[string]Sweepable, len(s.stores))
	for k, v := range s.stores {
		stores[k] = v
	}
	s.mu.Unlock()
	sort.Strings(names)

	total := 0
	now := s.now()
	for _, name := range names {
		n, err := stores[name].Sweep(ctx, now)
		if err != nil {
			s.log.WithError(err).WithField("store", name).Warn("sweep_failed")
			continue
		}
		if s.observe != nil {
			s.observe(name, n)
		}
		if sz, ok := stores[name].(Sizer); ok && s.size != nil {
			attempts, lockouts := sz.Len()
			s.size(name, attempts, lockouts)
		}
		if n > 0 {
			s.log.WithFields(logrus.Fields{"store": name, "removed": n}).Debug("sweep_complete")
		}
		total += n
	}
	return total
}

// Start schedules RunOnce and starts the cron scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.RunOnce(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.schedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish or ctx to
// expire.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
