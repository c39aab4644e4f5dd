// Package budget tracks daily token consumption and prices model usage.
//
// Counters are process-lifetime only: a restart begins a fresh budget epoch.
// Admit and Record are not combined atomically, so runs admitted in the same
// instant may jointly overshoot a cap. The budget is an advisory control.
package budget

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/soyeahso/agentcron/internal/config"
	"github.com/soyeahso/agentcron/internal/logging"
)

// Ledger holds the shared per-agent and global daily token counters.
type Ledger struct {
	mu       sync.RWMutex
	dailyCap int
	perAgent map[string]int
	total    int
	epoch    time.Time
	prices   config.ModelsDocument

	clock clockwork.Clock
	log   *logging.Logger
}

// Snapshot is a point-in-time copy of the ledger counters.
type Snapshot struct {
	Epoch    time.Time      `json:"epoch"`
	DailyCap int            `json:"dailyCap"`
	Total    int            `json:"total"`
	Agents   map[string]int `json:"agents"`
}

// New creates a ledger with a global daily token cap. A cap of zero disables
// the global limit.
func New(dailyCap int, clock clockwork.Clock, log *logging.Logger) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{
		dailyCap: dailyCap,
		perAgent: make(map[string]int),
		epoch:    clock.Now(),
		prices: config.ModelsDocument{
			Default: config.ModelPrice{Input: config.FallbackInputPrice, Output: config.FallbackOutputPrice},
			Models:  map[string]config.ModelSpec{},
		},
		clock: clock,
		log:   log.Sub("budget"),
	}
}

// Admit reports whether a run estimated at the given token count fits both
// the agent's daily cap (when agentCap > 0) and the global daily cap (when
// configured). It reserves nothing.
func (l *Ledger) Admit(agent string, agentCap, estimated int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if estimated < 0 {
		estimated = 0
	}
	if agentCap > 0 && l.perAgent[agent]+estimated > agentCap {
		l.log.Info().
			Str("agent", agent).
			Int("used", l.perAgent[agent]).
			Int("estimated", estimated).
			Int("cap", agentCap).
			Msg("agent daily budget exhausted")
		return false
	}
	if l.dailyCap > 0 && l.total+estimated > l.dailyCap {
		l.log.Info().
			Str("agent", agent).
			Int("used", l.total).
			Int("estimated", estimated).
			Int("cap", l.dailyCap).
			Msg("global daily budget exhausted")
		return false
	}
	return true
}

// Record adds consumed tokens to the agent and global counters. Non-positive
// values are ignored.
func (l *Ledger) Record(agent string, tokens int) {
	if tokens <= 0 {
		return
	}
	l.mu.Lock()
	l.perAgent[agent] += tokens
	l.total += tokens
	l.mu.Unlock()
}

// ResetDaily zeroes every counter and starts a new epoch.
func (l *Ledger) ResetDaily() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.log.Info().Int("total", l.total).Int("agents", len(l.perAgent)).Msg("daily budget reset")
	l.perAgent = make(map[string]int)
	l.total = 0
	l.epoch = l.clock.Now()
}

// SetDailyCap replaces the global daily cap.
func (l *Ledger) SetDailyCap(n int) {
	l.mu.Lock()
	l.dailyCap = n
	l.mu.Unlock()
}

// Usage returns the agent's consumption in the current epoch.
func (l *Ledger) Usage(agent string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.perAgent[agent]
}

// Total returns the global consumption in the current epoch.
func (l *Ledger) Total() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Snapshot copies the current counters.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	agents := make(map[string]int, len(l.perAgent))
	for k, v := range l.perAgent {
		agents[k] = v
	}
	return Snapshot{
		Epoch:    l.epoch,
		DailyCap: l.dailyCap,
		Total:    l.total,
		Agents:   agents,
	}
}

// AgentNames returns the names with recorded usage, sorted.
func (s Snapshot) AgentNames() []string {
	names := make([]string, 0, len(s.Agents))
	for n := range s.Agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
