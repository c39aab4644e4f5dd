// Package engine drives one agent run end to end: admission, turn
// sequencing, the per-turn step loop, tool dispatch through the pool and
// persistence of every event to the run store.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/soyeahso/agentcron/internal/budget"
	"github.com/soyeahso/agentcron/internal/config"
	"github.com/soyeahso/agentcron/internal/domain"
	"github.com/soyeahso/agentcron/internal/hooks"
	"github.com/soyeahso/agentcron/internal/llm"
	"github.com/soyeahso/agentcron/internal/logging"
	"github.com/soyeahso/agentcron/internal/store"
	"github.com/soyeahso/agentcron/internal/toolpool"
)

// RunStore is the subset of the run store the engine writes to.
type RunStore interface {
	InsertRun(ctx context.Context, r *domain.Run) error
	UpdateRun(ctx context.Context, id string, u store.RunUpdate) error
	InsertTurn(ctx context.Context, t *domain.Turn) error
	FinishTurn(ctx context.Context, t *domain.Turn) error
	InsertMessage(ctx context.Context, runID string, turn int, role, content string, inputTokens, outputTokens int) error
	InsertToolCall(ctx context.Context, c domain.ToolCallRecord) error
	InsertToolResult(ctx context.Context, r domain.ToolResultRecord) error
	InsertCost(ctx context.Context, c *domain.CostEntry) error
	RecordOutcome(ctx context.Context, r *domain.Run) error
	MonthToDateCost(ctx context.Context, month string) (float64, error)
}

// Tools lists and invokes tools on named tool servers.
type Tools interface {
	ListTools(ctx context.Context, server string) ([]toolpool.Descriptor, error)
	Invoke(ctx context.Context, server, tool string, args json.RawMessage, timeout time.Duration) (string, error)
}

// Models maps a model identifier to a completion client.
type Models interface {
	Resolve(model string) (llm.Client, error)
}

// Options bound a single run.
type Options struct {
	MaxSteps                   int
	MaxConsecutiveToolFailures int
	ToolTimeout                time.Duration
	ModelTimeout               time.Duration
	DefaultRunTimeout          time.Duration
	DefaultTurnEstimate        int
	MonthlyCostCap             float64
}

// OptionsFromConfig reads the engine and budget sections of cfg.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		MaxSteps:                   cfg.Engine.MaxSteps,
		MaxConsecutiveToolFailures: cfg.Engine.MaxConsecutiveToolFailures,
		ToolTimeout:                cfg.Engine.ToolTimeout,
		ModelTimeout:               cfg.Engine.ModelTimeout,
		DefaultRunTimeout:          cfg.Engine.DefaultRunTimeout,
		DefaultTurnEstimate:        cfg.Budget.DefaultTurnEstimate,
		MonthlyCostCap:             cfg.Budget.MonthlyCostUSD,
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	d := config.Defaults()
	if o.MaxSteps <= 0 {
		o.MaxSteps = d.Engine.MaxSteps
	}
	if o.MaxConsecutiveToolFailures <= 0 {
		o.MaxConsecutiveToolFailures = d.Engine.MaxConsecutiveToolFailures
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = d.Engine.ToolTimeout
	}
	if o.ModelTimeout <= 0 {
		o.ModelTimeout = d.Engine.ModelTimeout
	}
	if o.DefaultRunTimeout <= 0 {
		o.DefaultRunTimeout = d.Engine.DefaultRunTimeout
	}
	if o.DefaultTurnEstimate <= 0 {
		o.DefaultTurnEstimate = d.Budget.DefaultTurnEstimate
	}
	return o
}

// Deps are the collaborators an Engine is built from. Hooks and Clock are
// optional.
type Deps struct {
	Store  RunStore
	Tools  Tools
	Models Models
	Ledger *budget.Ledger
	Hooks  *hooks.Manager
	Clock  clockwork.Clock
}

// Engine executes agent runs. It is safe for concurrent use; each Execute
// call owns its run.
type Engine struct {
	store  RunStore
	tools  Tools
	models Models
	ledger *budget.Ledger
	hooks  *hooks.Manager
	clock  clockwork.Clock
	opts   Options
	log    *logging.Logger
}

// New creates an Engine.
func New(deps Deps, opts Options, log *logging.Logger) *Engine {
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		store:  deps.Store,
		tools:  deps.Tools,
		models: deps.Models,
		ledger: deps.Ledger,
		hooks:  deps.Hooks,
		clock:  clock,
		opts:   opts.withDefaults(),
		log:    log.Sub("engine"),
	}
}

// ExecuteOptions identify a run. An empty RunID is generated.
type ExecuteOptions struct {
	RunID   string
	Trigger domain.Trigger
}

// abort ends a run early with a terminal status.
type abort struct {
	status domain.RunStatus
	reason string
}

func (a *abort) Error() string { return a.reason }

func failed(format string, args ...any) *abort {
	return &abort{status: domain.RunFailed, reason: fmt.Sprintf(format, args...)}
}

// Execute runs def to a terminal status and returns the final run record.
// It blocks until the run finishes. Canceling ctx fails the run; only the
// agent and turn timeouts produce timed_out.
func (e *Engine) Execute(ctx context.Context, def domain.AgentDefinition, xo ExecuteOptions) *domain.Run {
	run := &domain.Run{
		ID:         xo.RunID,
		Agent:      def.Name,
		Trigger:    xo.Trigger,
		Status:     domain.RunPending,
		CreatedAt:  e.now(),
		TurnsTotal: len(def.Turns),
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Trigger == "" {
		run.Trigger = domain.TriggerSchedule
	}
	log := e.log.With("run", run.ID).With("agent", def.Name)

	e.write(ctx, log, run.ID, "insert run", e.store.InsertRun(persist(ctx), run))

	if reason := e.admit(ctx, def, log); reason != "" {
		return e.finish(ctx, run, domain.RunBudgetRejected, reason, log)
	}

	started := e.now()
	run.Status = domain.RunRunning
	run.StartedAt = &started
	e.write(ctx, log, run.ID, "update run", e.store.UpdateRun(persist(ctx), run.ID, store.RunUpdate{
		Status:    &run.Status,
		StartedAt: &started,
	}))
	e.emit(ctx, hooks.EventRunStarted, map[string]any{
		"runId":   run.ID,
		"agent":   run.Agent,
		"trigger": string(run.Trigger),
	})
	log.Info().Str("trigger", string(run.Trigger)).Int("turns", run.TurnsTotal).Msg("run started")

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.opts.DefaultRunTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, reason := domain.RunCompleted, ""
	carry := ""
	for i, turn := range def.Turns {
		turn.Ordinal = i + 1
		res, err := e.runTurn(ctx, runCtx, run, def, turn, carry, log)

		run.InputTokens += res.usage.InputTokens
		run.OutputTokens += res.usage.OutputTokens
		run.CostUSD += res.cost
		if err == nil {
			run.TurnsCompleted++
			carry = res.final
		}
		e.write(ctx, log, run.ID, "update run", e.store.UpdateRun(persist(ctx), run.ID, counters(run)))

		if err != nil {
			status, reason = err.status, err.reason
			break
		}
	}

	return e.finish(ctx, run, status, reason, log)
}

// admit returns a rejection reason, or "" when the run may start.
func (e *Engine) admit(ctx context.Context, def domain.AgentDefinition, log *logging.Logger) string {
	estimate := def.EstimatedTokens(e.opts.DefaultTurnEstimate)
	if !e.ledger.Admit(def.Name, def.DailyTokens, estimate) {
		return fmt.Sprintf("daily token budget exhausted (estimate %d)", estimate)
	}
	if e.opts.MonthlyCostCap <= 0 {
		return ""
	}
	spent, err := e.store.MonthToDateCost(persist(ctx), domain.MonthKey(e.now()))
	if err != nil {
		log.Warn().Err(err).Msg("reading month-to-date cost, admitting run")
		return ""
	}
	if spent >= e.opts.MonthlyCostCap {
		return fmt.Sprintf("monthly cost cap reached ($%.2f of $%.2f)", spent, e.opts.MonthlyCostCap)
	}
	return ""
}

func (e *Engine) finish(ctx context.Context, run *domain.Run, status domain.RunStatus, reason string, log *logging.Logger) *domain.Run {
	finished := e.now()
	run.Status = status
	run.FinishedAt = &finished
	run.Error = reason

	u := counters(run)
	u.Status = &run.Status
	u.FinishedAt = &finished
	if reason != "" {
		u.Error = &reason
	}
	e.write(ctx, log, run.ID, "update run", e.store.UpdateRun(persist(ctx), run.ID, u))
	e.write(ctx, log, run.ID, "record outcome", e.store.RecordOutcome(persist(ctx), run))

	data := map[string]any{
		"runId":          run.ID,
		"agent":          run.Agent,
		"status":         string(run.Status),
		"inputTokens":    run.InputTokens,
		"outputTokens":   run.OutputTokens,
		"costUsd":        run.CostUSD,
		"turnsCompleted": run.TurnsCompleted,
		"turnsTotal":     run.TurnsTotal,
	}
	if reason != "" {
		data["error"] = reason
	}
	if status == domain.RunBudgetRejected {
		e.emit(ctx, hooks.EventBudgetRejected, data)
	}
	e.emit(ctx, hooks.EventRunFinished, data)

	ev := log.Info()
	if status != domain.RunCompleted {
		ev = log.Warn().Str("error", reason)
	}
	ev.Str("status", string(status)).
		Int("input_tokens", run.InputTokens).
		Int("output_tokens", run.OutputTokens).
		Float64("cost_usd", run.CostUSD).
		Int("turns_completed", run.TurnsCompleted).
		Msg("run finished")
	return run
}

func counters(run *domain.Run) store.RunUpdate {
	in, out, cost, turns := run.InputTokens, run.OutputTokens, run.CostUSD, run.TurnsCompleted
	return store.RunUpdate{
		InputTokens:    &in,
		OutputTokens:   &out,
		CostUSD:        &cost,
		TurnsCompleted: &turns,
	}
}

// write logs a failed ledger write and reports it as a store_error event.
// The run outcome is unaffected.
func (e *Engine) write(ctx context.Context, log *logging.Logger, runID, op string, err error) {
	if err == nil {
		return
	}
	log.Error().Err(err).Str("op", op).Msg("run store write failed")
	e.emit(ctx, hooks.EventStoreError, map[string]any{
		"runId": runID,
		"op":    op,
		"error": err.Error(),
	})
}

func (e *Engine) emit(ctx context.Context, event string, data map[string]any) {
	if e.hooks == nil {
		return
	}
	e.hooks.Emit(persist(ctx), event, data)
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

// persist detaches ledger writes from run cancellation so a timed-out or
// canceled run still records its final state.
func persist(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
