// Package toolpool manages long-lived connections to MCP tool servers.
//
// Connections are created lazily on first use, shared by every run, and
// serialized per connection up to the server's maxConcurrent bound.
package toolpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/singleflight"

	"github.com/soyeahso/agentcron/internal/config"
	"github.com/soyeahso/agentcron/internal/logging"
	"github.com/soyeahso/agentcron/internal/secrets"
	"github.com/soyeahso/agentcron/internal/version"
)

const (
	defaultCallTimeout = 30 * time.Second
	connectTimeout     = 30 * time.Second
	pingTimeout        = 2 * time.Second
)

// Descriptor is a tool advertised by a server.
type Descriptor struct {
	Server      string          `json:"server"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Dialer builds the transport for a server. env holds the decrypted launch
// environment.
type Dialer func(name string, spec config.ToolServerSpec, env map[string]string) (mcp.Transport, error)

// Option configures a Pool.
type Option func(*Pool)

// WithDialer replaces the default subprocess / HTTP dialer.
func WithDialer(d Dialer) Option {
	return func(p *Pool) { p.dial = d }
}

// WithKeyring sets the identity used to decrypt "age:" env values.
func WithKeyring(k *secrets.Keyring) Option {
	return func(p *Pool) { p.keyring = k }
}

// WithDefaultTimeout sets the per-call timeout used when neither the caller
// nor the server spec gives one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.defaultTimeout = d
		}
	}
}

// Connection is a live session with one tool server. Only the pool creates
// connections.
type Connection struct {
	name    string
	spec    config.ToolServerSpec
	session *mcp.ClientSession
	sem     chan struct{}
	created time.Time

	toolsMu sync.Mutex
	tools   []Descriptor
}

// Name returns the server name.
func (c *Connection) Name() string { return c.name }

// Created returns when the handshake completed.
func (c *Connection) Created() time.Time { return c.created }

func (c *Connection) close() error {
	return c.session.Close()
}

// Pool caches one connection per tool server.
type Pool struct {
	mu     sync.RWMutex
	specs  map[string]config.ToolServerSpec
	conns  map[string]*Connection
	closed bool

	group          singleflight.Group
	dial           Dialer
	keyring        *secrets.Keyring
	defaultTimeout time.Duration
	log            *logging.Logger
}

// New creates a pool for the given server specs.
func New(specs map[string]config.ToolServerSpec, log *logging.Logger, opts ...Option) *Pool {
	p := &Pool{
		specs:          copySpecs(specs),
		conns:          make(map[string]*Connection),
		defaultTimeout: defaultCallTimeout,
		log:            log.Sub("toolpool"),
	}
	p.dial = p.defaultDial
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Servers returns the configured server names, sorted.
func (p *Pool) Servers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.specs))
	for n := range p.specs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Connected returns the names of servers with a live cached connection.
func (p *Pool) Connected() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.conns))
	for n := range p.conns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GetConnection returns the cached connection for name, creating it on first
// use. Concurrent first callers share a single creation.
func (p *Pool) GetConnection(ctx context.Context, name string) (*Connection, error) {
	p.mu.RLock()
	c := p.conns[name]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, &ToolError{Server: name, Kind: KindConnection, Err: ErrPoolClosed}
	}
	if c != nil {
		return c, nil
	}

	ch := p.group.DoChan(name, func() (any, error) {
		return p.create(ctx, name)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connection), nil
	case <-ctx.Done():
		return nil, &ToolError{Server: name, Kind: KindTimeout, Err: ctx.Err()}
	}
}

func (p *Pool) create(ctx context.Context, name string) (*Connection, error) {
	p.mu.RLock()
	if c := p.conns[name]; c != nil {
		p.mu.RUnlock()
		return c, nil
	}
	spec, ok := p.specs[name]
	p.mu.RUnlock()
	if !ok {
		return nil, &ToolError{Server: name, Kind: KindConnection, Err: ErrUnknownServer}
	}

	// The handshake must not fail because the first caller gave up.
	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), connectTimeout)
	defer cancel()

	c, err := p.connect(dialCtx, name, spec)
	if err != nil {
		p.log.Warn().Err(err).Str("server", name).Msg("tool server connect failed")
		return nil, &ToolError{Server: name, Kind: KindConnection, Err: err}
	}

	p.mu.Lock()
	current, stillConfigured := p.specs[name]
	if p.closed || !stillConfigured || !current.Equal(spec) {
		p.mu.Unlock()
		c.close()
		return nil, &ToolError{Server: name, Kind: KindConnection, Err: errors.New("server configuration changed during connect")}
	}
	p.conns[name] = c
	p.mu.Unlock()

	p.log.Info().Str("server", name).Int("max_concurrent", cap(c.sem)).Msg("tool server connected")
	return c, nil
}

func (p *Pool) connect(ctx context.Context, name string, spec config.ToolServerSpec) (*Connection, error) {
	env, err := p.keyring.OpenEnv(spec.Env)
	if err != nil {
		return nil, fmt.Errorf("decrypting env: %w", err)
	}
	transport, err := p.dial(name, spec, env)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "agentcron", Version: version.Version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}

	limit := spec.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	return &Connection{
		name:    name,
		spec:    spec,
		session: session,
		sem:     make(chan struct{}, limit),
		created: time.Now(),
	}, nil
}

func (p *Pool) defaultDial(name string, spec config.ToolServerSpec, env map[string]string) (mcp.Transport, error) {
	if spec.URL != "" {
		return &mcp.StreamableClientTransport{Endpoint: spec.URL}, nil
	}
	if spec.Command == "" {
		return nil, errors.New("no command or url configured")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = &stderrLogger{log: p.log, server: name}
	return &mcp.CommandTransport{Command: cmd}, nil
}

// ListTools returns the tools advertised by a server, discovering them once
// per connection.
func (p *Pool) ListTools(ctx context.Context, name string) ([]Descriptor, error) {
	c, err := p.GetConnection(ctx, name)
	if err != nil {
		return nil, err
	}

	c.toolsMu.Lock()
	defer c.toolsMu.Unlock()
	if c.tools != nil {
		return c.tools, nil
	}

	var tools []Descriptor
	cursor := ""
	for {
		res, err := c.session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			if ctx.Err() != nil {
				return nil, &ToolError{Server: name, Kind: KindTimeout, Err: ctx.Err()}
			}
			err = p.classify(ctx, c, "", err)
			if isTransportFailure(err) {
				p.evict(name, c)
				return nil, &ToolError{Server: name, Kind: KindConnection, Err: errors.Unwrap(err)}
			}
			return nil, err
		}
		for _, t := range res.Tools {
			d := Descriptor{Server: name, Name: t.Name, Description: t.Description}
			if t.InputSchema != nil {
				if raw, err := json.Marshal(t.InputSchema); err == nil {
					d.InputSchema = raw
				}
			}
			tools = append(tools, d)
		}
		if res.NextCursor == "" {
			break
		}
		cursor = res.NextCursor
	}
	if tools == nil {
		tools = []Descriptor{}
	}
	c.tools = tools
	p.log.Debug().Str("server", name).Int("tools", len(tools)).Msg("tools discovered")
	return tools, nil
}

// Invoke calls a tool and returns its text output. A timeout of zero uses the
// server's configured timeout, then the pool default. A transport failure
// triggers one reconnect and retry.
func (p *Pool) Invoke(ctx context.Context, server, tool string, args json.RawMessage, timeout time.Duration) (string, error) {
	c, err := p.GetConnection(ctx, server)
	if err != nil {
		return "", err
	}

	out, err := p.invokeOnce(ctx, c, tool, args, timeout)
	if !isTransportFailure(err) {
		return out, err
	}

	p.log.Warn().Err(err).Str("server", server).Str("tool", tool).Msg("tool server connection lost, reconnecting")
	p.evict(server, c)

	c, err = p.GetConnection(ctx, server)
	if err != nil {
		return "", &ToolError{Server: server, Tool: tool, Kind: KindConnection, Err: err}
	}
	out, err = p.invokeOnce(ctx, c, tool, args, timeout)
	if isTransportFailure(err) {
		p.evict(server, c)
		return "", &ToolError{Server: server, Tool: tool, Kind: KindConnection, Err: errors.Unwrap(err)}
	}
	return out, err
}

// transportError marks a dead session internally; callers never see it.
type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isTransportFailure(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}

func (p *Pool) invokeOnce(ctx context.Context, c *Connection, tool string, args json.RawMessage, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = c.spec.Timeout
	}
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case c.sem <- struct{}{}:
	case <-callCtx.Done():
		return "", &ToolError{Server: c.name, Tool: tool, Kind: KindTimeout, Err: callCtx.Err()}
	}
	defer func() { <-c.sem }()

	var arguments any = map[string]any{}
	if len(args) > 0 && string(args) != "null" {
		arguments = args
	}

	start := time.Now()
	res, err := c.session.CallTool(callCtx, &mcp.CallToolParams{Name: tool, Arguments: arguments})
	if err != nil {
		return "", p.classifyCall(ctx, callCtx, c, tool, err)
	}

	text := contentText(res.Content)
	p.log.Debug().
		Str("server", c.name).
		Str("tool", tool).
		Bool("is_error", res.IsError).
		Dur("duration", time.Since(start)).
		Msg("tool invoked")

	if res.IsError {
		return "", &ToolError{Server: c.name, Tool: tool, Kind: KindBackend, Err: errors.New(text)}
	}
	return text, nil
}

func (p *Pool) classifyCall(ctx, callCtx context.Context, c *Connection, tool string, err error) error {
	if callCtx.Err() != nil {
		cause := callCtx.Err()
		if ctx.Err() != nil {
			cause = ctx.Err()
		}
		return &ToolError{Server: c.name, Tool: tool, Kind: KindTimeout, Err: cause}
	}
	return p.classify(ctx, c, tool, err)
}

// classify distinguishes a dead session from a request the server rejected.
func (p *Pool) classify(ctx context.Context, c *Connection, tool string, err error) error {
	if looksDisconnected(err) {
		return &transportError{err: err}
	}
	pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pingTimeout)
	defer cancel()
	if perr := c.session.Ping(pingCtx, nil); perr != nil {
		return &transportError{err: err}
	}
	return &ToolError{Server: c.name, Tool: tool, Kind: KindProtocol, Err: err}
}

func looksDisconnected(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "client is closing") ||
		strings.Contains(msg, "broken pipe")
}

// evict drops c from the cache if it is still the current connection.
func (p *Pool) evict(name string, c *Connection) {
	p.mu.Lock()
	if p.conns[name] == c {
		delete(p.conns, name)
	}
	p.mu.Unlock()
	c.close()
}

// UpdateServers swaps launch parameters. Connections whose parameters changed
// or that were removed are closed; they are re-created lazily.
func (p *Pool) UpdateServers(specs map[string]config.ToolServerSpec) {
	var stale []*Connection

	p.mu.Lock()
	for name, c := range p.conns {
		next, ok := specs[name]
		if !ok || !next.Equal(c.spec) {
			stale = append(stale, c)
			delete(p.conns, name)
		}
	}
	p.specs = copySpecs(specs)
	p.mu.Unlock()

	for _, c := range stale {
		p.log.Info().Str("server", c.name).Msg("tool server changed, closing connection")
		c.close()
	}
}

// CloseAll tears down every cached connection. The pool rejects further use.
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*Connection)
	p.closed = true
	p.mu.Unlock()

	var errs []error
	for name, c := range conns {
		if err := c.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	p.log.Info().Int("connections", len(conns)).Msg("tool pool closed")
	return errors.Join(errs...)
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if raw, err := json.Marshal(v); err == nil {
				parts = append(parts, string(raw))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func copySpecs(in map[string]config.ToolServerSpec) map[string]config.ToolServerSpec {
	out := make(map[string]config.ToolServerSpec, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// stderrLogger forwards a tool server's stderr to the log, one line per event.
type stderrLogger struct {
	log    *logging.Logger
	server string
	mu     sync.Mutex
	buf    []byte
}

func (w *stderrLogger) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, b...)
	for {
		i := strings.IndexByte(string(w.buf), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
		if line != "" {
			w.log.Debug().Str("server", w.server).Msg(line)
		}
	}
	return len(b), nil
}
