package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/agentcron/internal/toolpool"
)

// PromptConfig controls system prompt generation.
type PromptConfig struct {
	Agent string
	Turn  string
	Tools []toolpool.Descriptor
	Now   time.Time
}

// BuildSystemPrompt constructs the system prompt for one turn. Tools are
// described both natively in the request and as fenced tool_call blocks for
// models without native tool support.
func BuildSystemPrompt(cfg PromptConfig) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Current date: %s\n", cfg.Now.Format("2006-01-02"))
	fmt.Fprintf(&b, "Agent: %s\n", cfg.Agent)
	if cfg.Turn != "" {
		fmt.Fprintf(&b, "Turn: %s\n", cfg.Turn)
	}

	b.WriteString("\nGuidelines:\n")
	b.WriteString("- You are running unattended. Nobody will answer questions.\n")
	b.WriteString("- Finish with a final answer that contains no tool calls.\n")

	if len(cfg.Tools) > 0 {
		b.WriteString("\n## Available Tools\n\n")
		b.WriteString("If you cannot call tools natively, output a fenced code block with the language tag `tool_call`:\n\n")
		b.WriteString("```tool_call\n{\"tool\": \"tool_name\", \"input\": {\"param\": \"value\"}}\n```\n\n")
		b.WriteString("After a tool is executed, the result will be provided. You may call multiple tools before giving your final answer.\n\n")
		for _, t := range cfg.Tools {
			fmt.Fprintf(&b, "### %s\n%s\n", t.Name, t.Description)
			if len(t.InputSchema) > 0 {
				fmt.Fprintf(&b, "Input schema: %s\n", t.InputSchema)
			}
			b.WriteString("\n")
		}
	}

	return b.String()
}
