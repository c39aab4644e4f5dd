// Package fleet ties the reloadable documents to the running components:
// the scheduler's epoch, the tool pool's server table and the price table.
package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/soyeahso/agentcron/internal/config"
	"github.com/soyeahso/agentcron/internal/domain"
	"github.com/soyeahso/agentcron/internal/logging"
)

// Schedule is the scheduler surface the fleet drives.
type Schedule interface {
	Apply(defs []domain.AgentDefinition) error
	AddSystemJob(name, expr string, fn func()) error
}

// Prices receives the model price table.
type Prices interface {
	SetPrices(doc config.ModelsDocument)
	ResetDaily()
}

// Servers receives tool-server launch parameters.
type Servers interface {
	UpdateServers(specs map[string]config.ToolServerSpec)
}

// Status describes the last reload.
type Status struct {
	LoadedAt  time.Time `json:"loadedAt"`
	Agents    int       `json:"agents"`
	Servers   int       `json:"servers"`
	Models    int       `json:"models"`
	LastError string    `json:"lastError,omitempty"`
}

// Fleet reloads documents and applies them as one unit.
type Fleet struct {
	paths    config.Paths
	schedule Schedule
	prices   Prices
	servers  Servers
	log      *logging.Logger

	mu     sync.Mutex
	status Status
	loaded bool
}

// New creates a Fleet over the documents in paths.
func New(paths config.Paths, schedule Schedule, prices Prices, servers Servers, log *logging.Logger) *Fleet {
	return &Fleet{
		paths:    paths,
		schedule: schedule,
		prices:   prices,
		servers:  servers,
		log:      log.Sub("fleet"),
	}
}

// InstallSystemJobs registers the midnight (UTC) budget reset.
func (f *Fleet) InstallSystemJobs() error {
	return f.schedule.AddSystemJob("budget-reset", "@daily", f.prices.ResetDaily)
}

// Reload reads and validates all three documents and applies them. On any
// error nothing changes and the previous schedule stays authoritative. Only
// the first load may find no agents; afterwards an empty or missing agents
// document is rejected.
func (f *Fleet) Reload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := config.LoadBundle(f.paths)
	if err != nil {
		return f.failed(err)
	}
	return f.apply(ctx, b)
}

// apply must be called with f.mu held. The schedule goes first because it is
// the only step that can still reject the bundle.
func (f *Fleet) apply(_ context.Context, b *config.Bundle) error {
	if f.loaded {
		if err := config.RequireAgents(b); err != nil {
			return f.failed(err)
		}
	}
	if err := f.schedule.Apply(b.Agents); err != nil {
		return f.failed(err)
	}
	f.prices.SetPrices(b.Models)
	f.servers.UpdateServers(b.Tools)
	f.loaded = true

	f.status = Status{
		LoadedAt: time.Now().UTC(),
		Agents:   len(b.Agents),
		Servers:  len(b.Tools),
		Models:   len(b.Models.Models),
	}
	f.log.Info().
		Int("agents", f.status.Agents).
		Int("servers", f.status.Servers).
		Int("models", f.status.Models).
		Msg("documents applied")
	return nil
}

func (f *Fleet) failed(err error) error {
	f.status.LastError = err.Error()
	f.log.Warn().Err(err).Msg("reload rejected")
	return err
}

// Status returns the outcome of the last reload.
func (f *Fleet) Status() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *Fleet) path(doc string) (string, error) {
	switch doc {
	case config.DocAgents:
		return f.paths.Agents, nil
	case config.DocTools:
		return f.paths.Tools, nil
	case config.DocModels:
		return f.paths.Models, nil
	default:
		return "", fmt.Errorf("unknown document %q", doc)
	}
}

// Document returns the raw contents of a document. A missing file is empty.
func (f *Fleet) Document(doc string) ([]byte, error) {
	p, err := f.path(doc)
	if err != nil {
		return nil, err
	}
	return config.ReadDocument(p)
}

// ReplaceDocument validates data together with the other two documents on
// disk, writes it atomically and applies the resulting bundle. Invalid data
// is rejected without touching the file.
func (f *Fleet) ReplaceDocument(ctx context.Context, doc string, data []byte) error {
	target, err := f.path(doc)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	docs := map[string][]byte{}
	for _, name := range []string{config.DocAgents, config.DocTools, config.DocModels} {
		if name == doc {
			docs[name] = data
			continue
		}
		p, _ := f.path(name)
		raw, err := config.ReadDocument(p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		docs[name] = raw
	}

	b, err := config.BuildBundle(docs[config.DocAgents], docs[config.DocTools], docs[config.DocModels])
	if err != nil {
		return err
	}
	if f.loaded {
		if err := config.RequireAgents(b); err != nil {
			return err
		}
	}
	if err := config.WriteFileAtomic(target, data); err != nil {
		return fmt.Errorf("writing %s: %w", doc, err)
	}
	f.log.Info().Str("document", doc).Int("bytes", len(data)).Msg("document replaced")
	return f.apply(ctx, b)
}
