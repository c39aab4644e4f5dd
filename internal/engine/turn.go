package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/soyeahso/agentcron/internal/domain"
	"github.com/soyeahso/agentcron/internal/llm"
	"github.com/soyeahso/agentcron/internal/logging"
	"github.com/soyeahso/agentcron/internal/toolpool"
)

// turnResult is the accounting of one turn, valid even when the turn aborted.
type turnResult struct {
	usage llm.Usage
	cost  float64
	steps int
	final string
}

// runTurn executes one turn and settles its accounting: the turn record is
// closed, tokens are recorded on the ledger and a cost entry is written.
func (e *Engine) runTurn(parent, runCtx context.Context, run *domain.Run, def domain.AgentDefinition, turn domain.TurnDefinition, carry string, log *logging.Logger) (turnResult, *abort) {
	ctx := runCtx
	if turn.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(runCtx, turn.Timeout)
		defer cancel()
	}
	log = log.With("turn", turn.Name)
	model := turn.ModelFor(def)

	rec := &domain.Turn{
		RunID:     run.ID,
		Ordinal:   turn.Ordinal,
		Name:      turn.Name,
		Model:     model,
		Status:    string(domain.RunRunning),
		StartedAt: e.now(),
	}
	e.write(parent, log, run.ID, "insert turn", e.store.InsertTurn(persist(parent), rec))

	var res turnResult
	err := e.stepLoop(parent, ctx, run.ID, def, turn, model, carry, &res, log)

	finished := e.now()
	rec.FinishedAt = &finished
	rec.InputTokens = res.usage.InputTokens
	rec.OutputTokens = res.usage.OutputTokens
	rec.Steps = res.steps
	rec.Status = string(domain.RunCompleted)
	if err != nil {
		rec.Status = string(err.status)
	}
	e.write(parent, log, run.ID, "finish turn", e.store.FinishTurn(persist(parent), rec))

	if total := res.usage.Total(); total > 0 {
		e.ledger.Record(def.Name, total)
		res.cost = e.ledger.Price(model, res.usage.InputTokens, res.usage.OutputTokens)
		e.write(parent, log, run.ID, "insert cost", e.store.InsertCost(persist(parent), &domain.CostEntry{
			RunID:        run.ID,
			Agent:        def.Name,
			Model:        model,
			InputTokens:  res.usage.InputTokens,
			OutputTokens: res.usage.OutputTokens,
			CostUSD:      res.cost,
			CreatedAt:    finished,
		}))
	}

	log.Debug().
		Str("status", rec.Status).
		Int("steps", res.steps).
		Int("tokens", res.usage.Total()).
		Msg("turn finished")
	return res, err
}

func (e *Engine) stepLoop(parent, ctx context.Context, runID string, def domain.AgentDefinition, turn domain.TurnDefinition, model, carry string, res *turnResult, log *logging.Logger) *abort {
	providerModel := e.ledger.ResolveModel(model)
	client, err := e.models.Resolve(providerModel)
	if err != nil {
		return failed("model %s: %v", model, err)
	}

	catalog, err := e.resolveTools(ctx, turn.Tools)
	if err != nil {
		return interrupted(parent, ctx, fmt.Errorf("resolving tools: %w", err))
	}

	system := BuildSystemPrompt(PromptConfig{
		Agent: def.Name,
		Turn:  turn.Name,
		Tools: catalog.descriptors,
		Now:   e.now(),
	})
	prompt := turn.Prompt
	if carry != "" {
		prompt += "\n\nResult of the previous turn:\n" + carry
	}
	history := []llm.Message{{Role: llm.RoleUser, Content: prompt}}
	e.write(parent, log, runID, "insert message", e.store.InsertMessage(persist(parent), runID, turn.Ordinal, llm.RoleUser, prompt, 0, 0))

	failures := 0
	for step := 1; step <= e.opts.MaxSteps; step++ {
		if ctx.Err() != nil {
			return interrupted(parent, ctx, ctx.Err())
		}
		maxTokens := 0
		if turn.MaxTokens > 0 {
			maxTokens = turn.MaxTokens - res.usage.Total()
			if maxTokens <= 0 {
				log.Info().Int("ceiling", turn.MaxTokens).Msg("turn token ceiling reached")
				return nil
			}
		}

		resp, err := e.complete(ctx, client, llm.CompletionRequest{
			Model:     providerModel,
			System:    system,
			Messages:  history,
			Tools:     catalog.definitions,
			MaxTokens: maxTokens,
		})
		res.steps = step
		if err != nil {
			return e.modelFailed(parent, ctx, err)
		}
		res.usage.InputTokens += resp.Usage.InputTokens
		res.usage.OutputTokens += resp.Usage.OutputTokens
		e.write(parent, log, runID, "insert message", e.store.InsertMessage(persist(parent), runID, turn.Ordinal,
			llm.RoleAssistant, resp.Content, resp.Usage.InputTokens, resp.Usage.OutputTokens))

		calls, native := resp.ToolCalls, true
		if len(calls) == 0 {
			calls, native = parseTextCalls(resp.Content, turn.Ordinal, step), false
		}
		if len(calls) == 0 {
			res.final = resp.Content
			return nil
		}

		assistant := llm.Message{Role: llm.RoleAssistant, Content: resp.Content}
		if native {
			assistant.ToolCalls = calls
		}
		history = append(history, assistant)

		results := make([]callResult, 0, len(calls))
		for _, call := range calls {
			r := e.dispatch(parent, ctx, runID, turn.Ordinal, catalog, call, log)
			results = append(results, r)
			if r.err == nil {
				failures = 0
				continue
			}
			if ctx.Err() != nil {
				return interrupted(parent, ctx, r.err)
			}
			if toolpool.KindOf(r.err) == toolpool.KindConnection {
				return failed("%v", r.err)
			}
			failures++
			if failures >= e.opts.MaxConsecutiveToolFailures {
				return failed("%d consecutive tool failures in turn %s, last: %v", failures, turn.Name, r.err)
			}
		}

		if native {
			history = append(history, llm.Message{Role: llm.RoleUser, ToolResults: nativeResults(results)})
		} else {
			history = append(history, llm.Message{Role: llm.RoleUser, Content: formatToolResults(results)})
		}
	}

	log.Warn().Int("max_steps", e.opts.MaxSteps).Msg("step bound reached without a final answer")
	return nil
}

func (e *Engine) complete(ctx context.Context, client llm.Client, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.ModelTimeout)
	defer cancel()

	resp, err := client.Complete(callCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("model call exceeded %s", e.opts.ModelTimeout)
	}
	return resp, err
}

func (e *Engine) modelFailed(parent, ctx context.Context, err error) *abort {
	if ctx.Err() != nil {
		return interrupted(parent, ctx, err)
	}
	return failed("model: %v", err)
}

// interrupted maps a cancellation to a run status: the caller canceling is a
// failure, an elapsed run or turn deadline is a timeout. Any other cause
// fails the run.
func interrupted(parent, ctx context.Context, cause error) *abort {
	switch {
	case parent.Err() != nil:
		return failed("canceled: %v", parent.Err())
	case ctx.Err() != nil:
		return &abort{status: domain.RunTimedOut, reason: "timeout exceeded"}
	default:
		return failed("%v", cause)
	}
}

// callResult is the outcome of one dispatched tool call.
type callResult struct {
	call   llm.ToolCall
	output string
	err    error
}

func (e *Engine) dispatch(parent, ctx context.Context, runID string, turn int, catalog *toolCatalog, call llm.ToolCall, log *logging.Logger) callResult {
	args := call.Input
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	e.write(parent, log, runID, "insert tool call", e.store.InsertToolCall(persist(parent), domain.ToolCallRecord{
		RunID:  runID,
		Turn:   turn,
		CallID: call.ID,
		Tool:   call.Name,
		Args:   string(args),
	}))

	var out string
	var err error
	if b, ok := catalog.bindings[call.Name]; ok {
		out, err = e.tools.Invoke(ctx, b.server, b.tool, args, e.opts.ToolTimeout)
	} else {
		err = fmt.Errorf("unknown tool %q", call.Name)
	}

	rec := domain.ToolResultRecord{
		RunID:  runID,
		Turn:   turn,
		CallID: call.ID,
		Tool:   call.Name,
		Output: out,
	}
	if err != nil {
		rec.Output = err.Error()
		rec.IsError = true
		rec.ErrorKind = errorKind(err)
		log.Warn().Err(err).Str("tool", call.Name).Str("kind", rec.ErrorKind).Msg("tool call failed")
	}
	e.write(parent, log, runID, "insert tool result", e.store.InsertToolResult(persist(parent), rec))

	return callResult{call: call, output: out, err: err}
}

// errorKind labels err for the ledger. Errors raised before reaching a tool
// server, such as unknown tool names, count as protocol errors.
func errorKind(err error) string {
	if k := toolpool.KindOf(err); k != "" {
		return string(k)
	}
	return string(toolpool.KindProtocol)
}

func nativeResults(results []callResult) []llm.ToolResult {
	out := make([]llm.ToolResult, 0, len(results))
	for _, r := range results {
		tr := llm.ToolResult{CallID: r.call.ID, Content: r.output}
		if r.err != nil {
			tr.Content = "Error: " + r.err.Error()
			tr.IsError = true
		}
		out = append(out, tr)
	}
	return out
}

type toolBinding struct {
	server string
	tool   string
}

// toolCatalog is the tool set of one turn.
type toolCatalog struct {
	bindings    map[string]toolBinding
	descriptors []toolpool.Descriptor
	definitions []llm.ToolDefinition
}

// resolveTools fetches descriptors from every named server. Tool names that
// appear on more than one server are exposed as "server__tool".
func (e *Engine) resolveTools(ctx context.Context, servers []string) (*toolCatalog, error) {
	var all []toolpool.Descriptor
	seen := make(map[string]int)
	for _, server := range servers {
		descs, err := e.tools.ListTools(ctx, server)
		if err != nil {
			return nil, err
		}
		for _, d := range descs {
			seen[d.Name]++
		}
		all = append(all, descs...)
	}

	cat := &toolCatalog{bindings: make(map[string]toolBinding, len(all))}
	for _, d := range all {
		name := d.Name
		if seen[name] > 1 {
			name = d.Server + "__" + d.Name
		}
		cat.bindings[name] = toolBinding{server: d.Server, tool: d.Name}

		exposed := d
		exposed.Name = name
		cat.descriptors = append(cat.descriptors, exposed)
		cat.definitions = append(cat.definitions, llm.ToolDefinition{
			Name:        name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	sort.Slice(cat.descriptors, func(i, j int) bool { return cat.descriptors[i].Name < cat.descriptors[j].Name })
	sort.Slice(cat.definitions, func(i, j int) bool { return cat.definitions[i].Name < cat.definitions[j].Name })
	return cat, nil
}
