// Package scheduler fires agent runs on their cron schedules and on demand.
//
// The installed set of definitions and triggers is an epoch. Apply builds a
// complete new epoch, validating every schedule first, and publishes it with
// a single pointer swap, so a bad document never replaces a working one.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/soyeahso/agentcron/internal/domain"
	"github.com/soyeahso/agentcron/internal/engine"
	"github.com/soyeahso/agentcron/internal/hooks"
	"github.com/soyeahso/agentcron/internal/logging"
)

var (
	// ErrUnknownAgent is returned for agents missing from the current epoch.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrAgentDisabled is returned when triggering a disabled agent.
	ErrAgentDisabled = errors.New("agent disabled")
	// ErrAgentBusy is returned when a single-flight agent already has an
	// active run.
	ErrAgentBusy = errors.New("agent busy")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("scheduler stopped")
)

// Runner executes one run to completion.
type Runner interface {
	Execute(ctx context.Context, def domain.AgentDefinition, opts engine.ExecuteOptions) *domain.Run
}

// trigger calls fire at every matching instant until stopped.
type trigger struct {
	name     string
	schedule cron.Schedule
	fire     func()
	stop     chan struct{}
	once     sync.Once
}

func (t *trigger) halt() {
	t.once.Do(func() { close(t.stop) })
}

// epoch is one immutable generation of agent definitions.
type epoch struct {
	seq      uint64
	defs     map[string]domain.AgentDefinition
	triggers []*trigger
}

// Scheduler owns the trigger loops and tracks in-flight runs.
type Scheduler struct {
	runner Runner
	clock  clockwork.Clock
	hooks  *hooks.Manager
	log    *logging.Logger
	parser cron.Parser

	current atomic.Pointer[epoch]
	applyMu sync.Mutex

	mu      sync.Mutex
	active  map[string]int
	system  []*trigger
	started bool
	stopped bool

	runCtx     context.Context
	cancelRuns context.CancelFunc
	runs       sync.WaitGroup
	loops      sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the real clock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithHooks sets the manager that receives schedule_applied events.
func WithHooks(h *hooks.Manager) Option {
	return func(s *Scheduler) { s.hooks = h }
}

// New creates a stopped scheduler with an empty epoch.
func New(runner Runner, log *logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner: runner,
		clock:  clockwork.NewRealClock(),
		log:    log.Sub("scheduler"),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		active: make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	s.runCtx, s.cancelRuns = context.WithCancel(context.Background())
	s.current.Store(&epoch{defs: map[string]domain.AgentDefinition{}})
	return s
}

// Apply replaces the installed definitions. Every schedule is parsed before
// anything changes; on error the previous epoch stays in force.
func (s *Scheduler) Apply(defs []domain.AgentDefinition) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	prev := s.current.Load()
	next := &epoch{
		seq:  prev.seq + 1,
		defs: make(map[string]domain.AgentDefinition, len(defs)),
	}
	for _, def := range defs {
		if _, dup := next.defs[def.Name]; dup {
			return fmt.Errorf("duplicate agent %q", def.Name)
		}
		next.defs[def.Name] = def
		if !def.Enabled || def.IsManual() {
			continue
		}
		sched, err := s.parser.Parse(def.Schedule)
		if err != nil {
			return fmt.Errorf("agent %s: invalid schedule %q: %w", def.Name, def.Schedule, err)
		}
		name := def.Name
		next.triggers = append(next.triggers, &trigger{
			name:     name,
			schedule: sched,
			fire:     func() { s.fire(next, name) },
			stop:     make(chan struct{}),
		})
	}

	s.current.Store(next)
	for _, t := range prev.triggers {
		t.halt()
	}

	s.mu.Lock()
	if s.started && !s.stopped {
		for _, t := range next.triggers {
			s.startLoop(t)
		}
	}
	s.mu.Unlock()

	s.log.Info().
		Uint64("epoch", next.seq).
		Int("agents", len(next.defs)).
		Int("scheduled", len(next.triggers)).
		Msg("schedule applied")
	if s.hooks != nil {
		s.hooks.Emit(context.Background(), hooks.EventScheduleApplied, map[string]any{
			"epoch":     next.seq,
			"agents":    len(next.defs),
			"scheduled": len(next.triggers),
		})
	}
	return nil
}

// AddSystemJob installs a trigger that is not tied to an agent and survives
// Apply. fn runs on the trigger goroutine.
func (s *Scheduler) AddSystemJob(name, expr string, fn func()) error {
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("system job %s: invalid schedule %q: %w", name, expr, err)
	}
	t := &trigger{
		name:     name,
		schedule: sched,
		fire: func() {
			s.log.Debug().Str("job", name).Msg("system job firing")
			fn()
		},
		stop: make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.system = append(s.system, t)
	if s.started {
		s.startLoop(t)
	}
	return nil
}

// Start begins firing triggers of the current epoch and system jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	for _, t := range s.system {
		s.startLoop(t)
	}
	for _, t := range s.current.Load().triggers {
		s.startLoop(t)
	}
	s.log.Info().Int("scheduled", len(s.current.Load().triggers)).Int("system_jobs", len(s.system)).Msg("scheduler started")
}

// Stop halts every trigger and waits for in-flight runs. If ctx ends first
// the remaining runs are canceled, awaited, and ctx's error is returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for _, t := range s.system {
		t.halt()
	}
	s.mu.Unlock()

	s.applyMu.Lock()
	for _, t := range s.current.Load().triggers {
		t.halt()
	}
	s.applyMu.Unlock()
	s.loops.Wait()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancelRuns()
		s.log.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn().Msg("canceling in-flight runs")
		s.cancelRuns()
		<-done
		return ctx.Err()
	}
}

// startLoop must be called with s.mu held.
func (s *Scheduler) startLoop(t *trigger) {
	s.loops.Add(1)
	go s.loop(t)
}

func (s *Scheduler) loop(t *trigger) {
	defer s.loops.Done()
	for {
		now := s.clock.Now().UTC()
		next := t.schedule.Next(now)
		if next.IsZero() {
			s.log.Warn().Str("trigger", t.name).Msg("schedule has no future instants")
			return
		}
		timer := s.clock.NewTimer(next.Sub(now))
		select {
		case <-timer.Chan():
			t.fire()
		case <-t.stop:
			timer.Stop()
			return
		}
	}
}

// fire starts a scheduled run unless the trigger's epoch has been replaced.
func (s *Scheduler) fire(ep *epoch, name string) {
	if s.current.Load() != ep {
		return
	}
	def, ok := ep.defs[name]
	if !ok {
		return
	}
	if _, err := s.launch(def, domain.TriggerSchedule); err != nil {
		s.log.Info().Err(err).Str("agent", name).Msg("scheduled run skipped")
	}
}

// TriggerManually starts a run of name now and returns its id. The run
// executes asynchronously.
func (s *Scheduler) TriggerManually(name string) (string, error) {
	def, ok := s.current.Load().defs[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, name)
	}
	if !def.Enabled {
		return "", fmt.Errorf("%w: %s", ErrAgentDisabled, name)
	}
	return s.launch(def, domain.TriggerManual)
}

func (s *Scheduler) launch(def domain.AgentDefinition, trig domain.Trigger) (string, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrStopped
	}
	if !def.AllowsOverlap() && s.active[def.Name] > 0 {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAgentBusy, def.Name)
	}
	s.active[def.Name]++
	s.runs.Add(1)
	s.mu.Unlock()

	runID := uuid.NewString()
	s.log.Debug().Str("agent", def.Name).Str("run", runID).Str("trigger", string(trig)).Msg("launching run")
	go func() {
		defer s.runs.Done()
		defer s.release(def.Name)
		s.runner.Execute(s.runCtx, def, engine.ExecuteOptions{RunID: runID, Trigger: trig})
	}()
	return runID, nil
}

func (s *Scheduler) release(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[name]--
	if s.active[name] <= 0 {
		delete(s.active, name)
	}
}

// Definitions returns the current epoch's agents sorted by name.
func (s *Scheduler) Definitions() []domain.AgentDefinition {
	ep := s.current.Load()
	defs := make([]domain.AgentDefinition, 0, len(ep.defs))
	for _, d := range ep.defs {
		defs = append(defs, d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Definition looks up one agent in the current epoch.
func (s *Scheduler) Definition(name string) (domain.AgentDefinition, bool) {
	def, ok := s.current.Load().defs[name]
	return def, ok
}

// Scheduled returns the number of installed agent triggers.
func (s *Scheduler) Scheduled() int {
	return len(s.current.Load().triggers)
}

// Epoch returns the sequence number of the installed epoch.
func (s *Scheduler) Epoch() uint64 {
	return s.current.Load().seq
}

// Active returns the number of in-flight runs of name.
func (s *Scheduler) Active(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[name]
}

// NextRun returns the next instant name will fire, if it is scheduled.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	for _, t := range s.current.Load().triggers {
		if t.name == name {
			return t.schedule.Next(s.clock.Now().UTC()), true
		}
	}
	return time.Time{}, false
}
