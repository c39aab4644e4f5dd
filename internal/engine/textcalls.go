package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/soyeahso/agentcron/internal/llm"
)

// textCall is a tool call written by the model as a fenced block.
type textCall struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// toolCallRe matches ```tool_call\n{...}\n``` blocks in model output.
var toolCallRe = regexp.MustCompile("(?s)```tool_call\\s*\n(\\{.*?\\})\n\\s*```")

// parseTextCalls extracts fenced tool calls. Blocks that are not valid JSON
// or name no tool are ignored. Call ids are derived from the position so
// transcripts stay stable.
func parseTextCalls(text string, turn, step int) []llm.ToolCall {
	matches := toolCallRe.FindAllStringSubmatch(text, -1)
	var calls []llm.ToolCall
	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		var tc textCall
		if err := json.Unmarshal([]byte(match[1]), &tc); err != nil {
			continue
		}
		if tc.Tool == "" {
			continue
		}
		calls = append(calls, llm.ToolCall{
			ID:    fmt.Sprintf("t%d-s%d-%d", turn, step, len(calls)+1),
			Name:  tc.Tool,
			Input: tc.Input,
		})
	}
	return calls
}

// formatToolResults renders results for a model that called tools in text.
func formatToolResults(results []callResult) string {
	var b strings.Builder
	b.WriteString("Tool execution results:\n\n")
	for _, r := range results {
		fmt.Fprintf(&b, "### %s\n", r.call.Name)
		if r.err != nil {
			fmt.Fprintf(&b, "Error: %s\n", r.err)
		} else {
			b.WriteString(r.output)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}
