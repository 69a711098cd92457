package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/artisync/pkg/engine"
)

// ErrUnknownGroup is returned when no engine is registered for a group.
var ErrUnknownGroup = errors.New("unknown group")

// Syncer runs synchronization cycles for one group. *engine.Engine
// implements it.
type Syncer interface {
	Group() engine.Group
	Synchronize(ctx context.Context) (*engine.Report, error)
}

// Result is the outcome of one forced cycle.
type Result struct {
	Group  string
	Report *engine.Report
	Err    error
}

// Coordinator triggers the cycles of every registered group, on their
// schedule and on demand. Groups run independently of each other.
type Coordinator struct {
	// mu protects syncers, order, cancel and running.
	mu sync.RWMutex

	// syncers maps a group name to its engine.
	syncers map[string]Syncer

	// order lists group names in registration order.
	order []string

	// maxParallel bounds the cycles ForceAll runs at once.
	maxParallel int

	// onReport, if set, receives every report of a scheduled cycle.
	onReport func(*engine.Report)

	logger  zerolog.Logger
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

// New creates a coordinator. maxParallel bounds ForceAll; zero means one
// cycle per group.
func New(logger zerolog.Logger, maxParallel int) *Coordinator {
	return &Coordinator{
		syncers:     make(map[string]Syncer),
		maxParallel: maxParallel,
		logger:      logger.With().Str("component", "coordinator").Logger(),
	}
}

// OnReport sets a callback receiving the report of every scheduled cycle.
func (c *Coordinator) OnReport(fn func(*engine.Report)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReport = fn
}

// Register adds the engine of a group. Groups cannot be added while the
// coordinator is running.
func (c *Coordinator) Register(s Syncer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := s.Group().Name
	if c.running {
		return fmt.Errorf("cannot register group %s while running", name)
	}
	if _, exists := c.syncers[name]; exists {
		return fmt.Errorf("group %s already registered", name)
	}

	c.syncers[name] = s
	c.order = append(c.order, name)
	return nil
}

// Groups returns the registered group names in registration order.
func (c *Coordinator) Groups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Start launches one loop per group with a positive interval. Each loop
// runs a cycle right away and then once per interval until Stop is called
// or ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("coordinator already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true

	scheduled := 0
	for _, name := range c.order {
		s := c.syncers[name]
		interval := s.Group().Interval
		if interval <= 0 {
			c.logger.Info().Str("group", name).Msg("Group has no schedule, forced cycles only")
			continue
		}

		scheduled++
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.loop(ctx, s, interval)
		}()
	}

	c.logger.Info().Int("groups", len(c.order)).Int("scheduled", scheduled).Msg("Coordinator started")
	return nil
}

// Stop ends the loops and waits for running cycles to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.running = false
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info().Msg("Coordinator stopped")
}

func (c *Coordinator) loop(ctx context.Context, s Syncer, interval time.Duration) {
	name := s.Group().Name
	c.logger.Info().Str("group", name).Dur("interval", interval).Msg("Group schedule started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.runScheduled(ctx, s)

		select {
		case <-ctx.Done():
			c.logger.Debug().Str("group", name).Msg("Group schedule stopped")
			return
		case <-ticker.C:
		}
	}
}

func (c *Coordinator) runScheduled(ctx context.Context, s Syncer) {
	report, err := s.Synchronize(ctx)
	if err != nil {
		c.logger.Error().Err(err).Str("group", s.Group().Name).Msg("Scheduled cycle aborted")
	}

	c.mu.RLock()
	onReport := c.onReport
	c.mu.RUnlock()
	if onReport != nil && report != nil {
		onReport(report)
	}
}

// Force runs a cycle of one group now and waits for it. A cycle of the
// group already in progress finishes first.
func (c *Coordinator) Force(ctx context.Context, group string) (*engine.Report, error) {
	c.mu.RLock()
	s, ok := c.syncers[group]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}

	c.logger.Info().Str("group", group).Msg("Forced cycle")
	return s.Synchronize(ctx)
}

// ForceAll runs a cycle of every group now, several groups at once, and
// returns the results in registration order.
func (c *Coordinator) ForceAll(ctx context.Context) []Result {
	c.mu.RLock()
	syncers := make([]Syncer, 0, len(c.order))
	for _, name := range c.order {
		syncers = append(syncers, c.syncers[name])
	}
	c.mu.RUnlock()

	results := make([]Result, len(syncers))
	if len(syncers) == 0 {
		return results
	}

	workerCount := c.maxParallel
	if workerCount <= 0 || workerCount > len(syncers) {
		workerCount = len(syncers)
	}

	work := make(chan int, len(syncers))
	for i := range syncers {
		work <- i
	}
	close(work)

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				s := syncers[i]
				report, err := s.Synchronize(ctx)
				results[i] = Result{Group: s.Group().Name, Report: report, Err: err}
			}
		}()
	}
	wg.Wait()

	return results
}
