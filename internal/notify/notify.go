// Package notify posts operational alerts for failed runs, rejected reloads
// and ledger write failures.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/soyeahso/agentcron/internal/domain"
	"github.com/soyeahso/agentcron/internal/hooks"
	"github.com/soyeahso/agentcron/internal/logging"
)

const handlerName = "notify"

// Sender delivers one alert message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Notifier turns hook events into alert messages.
type Notifier struct {
	sender Sender
	log    *logging.Logger
}

// New creates a Notifier that delivers through sender.
func New(sender Sender, log *logging.Logger) *Notifier {
	return &Notifier{sender: sender, log: log.Sub("notify")}
}

// Attach registers the notifier on the events it alerts on.
func (n *Notifier) Attach(hm *hooks.Manager) {
	for _, ev := range []string{hooks.EventRunFinished, hooks.EventReloadFailed, hooks.EventStoreError} {
		hm.On(ev, handlerName, n.handle)
	}
}

// Detach removes the notifier's handlers.
func (n *Notifier) Detach(hm *hooks.Manager) {
	for _, ev := range []string{hooks.EventRunFinished, hooks.EventReloadFailed, hooks.EventStoreError} {
		hm.Off(ev, handlerName)
	}
}

func (n *Notifier) handle(ctx context.Context, p hooks.Payload) error {
	text, ok := Format(p)
	if !ok {
		return nil
	}
	if err := n.sender.Send(ctx, text); err != nil {
		n.log.Warn().Err(err).Str("event", p.Event).Msg("alert not delivered")
		return err
	}
	return nil
}

// Format renders an alert for p. The second result is false for events
// that do not warrant one, such as completed runs.
func Format(p hooks.Payload) (string, bool) {
	switch p.Event {
	case hooks.EventRunFinished:
		status := str(p.Data, "status")
		if status != string(domain.RunFailed) && status != string(domain.RunTimedOut) {
			return "", false
		}
		var b strings.Builder
		fmt.Fprintf(&b, "[agentcron] run %s %s", str(p.Data, "agent"), strings.ReplaceAll(status, "_", " "))
		if id := str(p.Data, "runId"); id != "" {
			fmt.Fprintf(&b, " (%s)", id)
		}
		if done, total := p.Data["turnsCompleted"], p.Data["turnsTotal"]; done != nil && total != nil {
			fmt.Fprintf(&b, " after %v/%v turns", done, total)
		}
		if e := str(p.Data, "error"); e != "" {
			b.WriteString(": ")
			b.WriteString(e)
		}
		return b.String(), true
	case hooks.EventReloadFailed:
		return "[agentcron] reload rejected, previous schedule kept: " + str(p.Data, "error"), true
	case hooks.EventStoreError:
		return fmt.Sprintf("[agentcron] ledger write %q failed for run %s: %s",
			str(p.Data, "op"), str(p.Data, "runId"), str(p.Data, "error")), true
	}
	return "", false
}

func str(data map[string]any, key string) string {
	if v, ok := data[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}
