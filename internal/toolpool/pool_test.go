package toolpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soyeahso/agentcron/internal/config"
	"github.com/soyeahso/agentcron/internal/logging"
	"github.com/soyeahso/agentcron/internal/secrets"
)

type echoIn struct {
	Text string `json:"text"`
}

type sleepIn struct {
	Millis int `json:"millis"`
}

// fakeServers builds in-memory MCP servers on demand and records dials.
type fakeServers struct {
	mu       sync.Mutex
	dials    atomic.Int32
	sessions []*mcp.ServerSession
	envs     []map[string]string
	failDial func(n int32) error
	delay    time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func text(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}
}

func (f *fakeServers) newServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "fake", Version: "v0.0.1"}, nil)

	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "echo text back"},
		func(_ context.Context, _ *mcp.CallToolRequest, in echoIn) (*mcp.CallToolResult, any, error) {
			return text(in.Text), nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: "fail", Description: "always fails"},
		func(_ context.Context, _ *mcp.CallToolRequest, _ echoIn) (*mcp.CallToolResult, any, error) {
			return nil, nil, errors.New("disk on fire")
		})
	mcp.AddTool(server, &mcp.Tool{Name: "sleep", Description: "sleeps"},
		func(ctx context.Context, _ *mcp.CallToolRequest, in sleepIn) (*mcp.CallToolResult, any, error) {
			n := f.active.Add(1)
			defer f.active.Add(-1)
			for {
				m := f.maxActive.Load()
				if n <= m || f.maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			select {
			case <-time.After(time.Duration(in.Millis) * time.Millisecond):
				return text("slept"), nil, nil
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			}
		})
	return server
}

func (f *fakeServers) dial(_ string, _ config.ToolServerSpec, env map[string]string) (mcp.Transport, error) {
	n := f.dials.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failDial != nil {
		if err := f.failDial(n); err != nil {
			return nil, err
		}
	}
	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := f.newServer().Connect(context.Background(), serverT, nil)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.sessions = append(f.sessions, ss)
	f.envs = append(f.envs, env)
	f.mu.Unlock()
	return clientT, nil
}

func (f *fakeServers) killLatest() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[len(f.sessions)-1].Close()
}

func testPool(t *testing.T, f *fakeServers, specs map[string]config.ToolServerSpec, opts ...Option) *Pool {
	t.Helper()
	if specs == nil {
		specs = map[string]config.ToolServerSpec{"fs": {Command: "fake-fs"}}
	}
	opts = append([]Option{WithDialer(f.dial)}, opts...)
	p := New(specs, logging.New(nil, "silent"), opts...)
	t.Cleanup(func() { p.CloseAll() })
	return p
}

func TestGetConnection_Cached(t *testing.T) {
	f := &fakeServers{}
	p := testPool(t, f, nil)
	ctx := context.Background()

	c1, err := p.GetConnection(ctx, "fs")
	require.NoError(t, err)
	c2, err := p.GetConnection(ctx, "fs")
	require.NoError(t, err)

	assert.Same(t, c1, c2)
	assert.Equal(t, "fs", c1.Name())
	assert.False(t, c1.Created().IsZero())
	assert.Equal(t, int32(1), f.dials.Load())
	assert.Equal(t, []string{"fs"}, p.Connected())
}

func TestGetConnection_ConcurrentFirstUseCreatesOne(t *testing.T) {
	f := &fakeServers{delay: 50 * time.Millisecond}
	p := testPool(t, f, nil)

	var wg sync.WaitGroup
	conns := make([]*Connection, 10)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.GetConnection(context.Background(), "fs")
			assert.NoError(t, err)
			conns[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), f.dials.Load())
	for _, c := range conns {
		assert.Same(t, conns[0], c)
	}
}

func TestGetConnection_UnknownServer(t *testing.T) {
	p := testPool(t, &fakeServers{}, nil)
	_, err := p.GetConnection(context.Background(), "nope")

	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindConnection, te.Kind)
	assert.ErrorIs(t, err, ErrUnknownServer)
	assert.False(t, te.Recoverable())
}

func TestListTools(t *testing.T) {
	p := testPool(t, &fakeServers{}, nil)
	ctx := context.Background()

	tools, err := p.ListTools(ctx, "fs")
	require.NoError(t, err)

	byName := map[string]Descriptor{}
	for _, d := range tools {
		byName[d.Name] = d
	}
	require.Contains(t, byName, "echo")
	assert.Equal(t, "fs", byName["echo"].Server)
	assert.Equal(t, "echo text back", byName["echo"].Description)
	assert.Contains(t, string(byName["echo"].InputSchema), "text")

	again, err := p.ListTools(ctx, "fs")
	require.NoError(t, err)
	assert.Equal(t, tools, again)
}

func TestInvoke_Success(t *testing.T) {
	p := testPool(t, &fakeServers{}, nil)
	out, err := p.Invoke(context.Background(), "fs", "echo", json.RawMessage(`{"text":"hello"}`), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestInvoke_BackendError(t *testing.T) {
	p := testPool(t, &fakeServers{}, nil)
	_, err := p.Invoke(context.Background(), "fs", "fail", nil, time.Second)

	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindBackend, te.Kind)
	assert.Contains(t, te.Error(), "disk on fire")
	assert.True(t, IsRecoverable(err))
}

func TestInvoke_UnknownToolIsProtocolError(t *testing.T) {
	f := &fakeServers{}
	p := testPool(t, f, nil)
	_, err := p.Invoke(context.Background(), "fs", "no_such_tool", nil, time.Second)

	assert.Equal(t, KindProtocol, KindOf(err))
	assert.True(t, IsRecoverable(err))
	assert.Equal(t, int32(1), f.dials.Load(), "protocol errors keep the connection")
}

func TestInvoke_TimeoutKeepsConnection(t *testing.T) {
	f := &fakeServers{}
	p := testPool(t, f, nil)
	ctx := context.Background()

	_, err := p.Invoke(ctx, "fs", "sleep", json.RawMessage(`{"millis":5000}`), 50*time.Millisecond)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	out, err := p.Invoke(ctx, "fs", "echo", json.RawMessage(`{"text":"still here"}`), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "still here", out)
	assert.Equal(t, int32(1), f.dials.Load())
}

func TestInvoke_ReconnectsOnce(t *testing.T) {
	f := &fakeServers{}
	p := testPool(t, f, nil)
	ctx := context.Background()

	_, err := p.Invoke(ctx, "fs", "echo", json.RawMessage(`{"text":"a"}`), time.Second)
	require.NoError(t, err)

	f.killLatest()

	out, err := p.Invoke(ctx, "fs", "echo", json.RawMessage(`{"text":"b"}`), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", out)
	assert.Equal(t, int32(2), f.dials.Load())
}

func TestInvoke_ReconnectFailureIsUnrecoverable(t *testing.T) {
	f := &fakeServers{failDial: func(n int32) error {
		if n > 1 {
			return errors.New("binary vanished")
		}
		return nil
	}}
	p := testPool(t, f, nil)
	ctx := context.Background()

	_, err := p.Invoke(ctx, "fs", "echo", json.RawMessage(`{"text":"a"}`), time.Second)
	require.NoError(t, err)

	f.killLatest()

	_, err = p.Invoke(ctx, "fs", "echo", json.RawMessage(`{"text":"b"}`), time.Second)
	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, KindConnection, te.Kind)
	assert.False(t, IsRecoverable(err))
}

func TestInvoke_SerializedByDefault(t *testing.T) {
	f := &fakeServers{}
	p := testPool(t, f, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Invoke(context.Background(), "fs", "sleep", json.RawMessage(`{"millis":20}`), 5*time.Second)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), f.maxActive.Load())
}

func TestInvoke_MaxConcurrentBound(t *testing.T) {
	f := &fakeServers{}
	p := testPool(t, f, map[string]config.ToolServerSpec{"fs": {Command: "x", MaxConcurrent: 2}})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Invoke(context.Background(), "fs", "sleep", json.RawMessage(`{"millis":30}`), 5*time.Second)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, f.maxActive.Load(), int32(2))
	assert.GreaterOrEqual(t, f.maxActive.Load(), int32(1))
}

func TestUpdateServers(t *testing.T) {
	f := &fakeServers{}
	p := testPool(t, f, map[string]config.ToolServerSpec{
		"fs":  {Command: "fs"},
		"git": {Command: "git"},
	})
	ctx := context.Background()

	_, err := p.GetConnection(ctx, "fs")
	require.NoError(t, err)
	_, err = p.GetConnection(ctx, "git")
	require.NoError(t, err)
	require.Equal(t, []string{"fs", "git"}, p.Connected())

	p.UpdateServers(map[string]config.ToolServerSpec{
		"fs":  {Command: "fs"},
		"git": {Command: "git", Args: []string{"--verbose"}},
		"web": {URL: "http://localhost:9000/mcp"},
	})

	assert.Equal(t, []string{"fs"}, p.Connected(), "changed server is closed")
	assert.Equal(t, []string{"fs", "git", "web"}, p.Servers())

	_, err = p.GetConnection(ctx, "git")
	require.NoError(t, err)
	assert.Equal(t, int32(3), f.dials.Load())

	p.UpdateServers(map[string]config.ToolServerSpec{"git": {Command: "git", Args: []string{"--verbose"}}})
	assert.Equal(t, []string{"git"}, p.Connected(), "removed server is closed")
}

func TestCloseAll(t *testing.T) {
	f := &fakeServers{}
	p := testPool(t, f, nil)
	ctx := context.Background()

	_, err := p.GetConnection(ctx, "fs")
	require.NoError(t, err)
	require.NoError(t, p.CloseAll())

	assert.Empty(t, p.Connected())
	_, err = p.GetConnection(ctx, "fs")
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestConnect_DecryptsEnv(t *testing.T) {
	k, err := secrets.GenerateIdentity(filepath.Join(t.TempDir(), "id"))
	require.NoError(t, err)
	sealed, err := secrets.Seal("tok-123", k.Recipient())
	require.NoError(t, err)

	f := &fakeServers{}
	p := testPool(t, f, map[string]config.ToolServerSpec{
		"gh": {Command: "gh", Env: map[string]string{"GH_TOKEN": sealed, "MODE": "ro"}},
	}, WithKeyring(k))

	_, err = p.GetConnection(context.Background(), "gh")
	require.NoError(t, err)
	require.Len(t, f.envs, 1)
	assert.Equal(t, map[string]string{"GH_TOKEN": "tok-123", "MODE": "ro"}, f.envs[0])
}

func TestConnect_EncryptedEnvWithoutIdentity(t *testing.T) {
	f := &fakeServers{}
	p := testPool(t, f, map[string]config.ToolServerSpec{
		"gh": {Command: "gh", Env: map[string]string{"GH_TOKEN": "age:AAAA"}},
	})

	_, err := p.GetConnection(context.Background(), "gh")
	assert.Equal(t, KindConnection, KindOf(err))
	assert.ErrorIs(t, err, secrets.ErrNoIdentity)
	assert.Zero(t, f.dials.Load())
}

func TestToolError_Format(t *testing.T) {
	err := &ToolError{Server: "fs", Tool: "read", Kind: KindTimeout, Err: context.DeadlineExceeded}
	assert.Equal(t, "tool fs/read: timeout: context deadline exceeded", err.Error())

	err = &ToolError{Server: "fs", Kind: KindConnection, Err: fmt.Errorf("refused")}
	assert.Equal(t, "tool server fs: connection: refused", err.Error())
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestStderrLogger_SplitsLines(t *testing.T) {
	w := &stderrLogger{log: logging.New(nil, "silent"), server: "fs"}
	n, err := w.Write([]byte("one\ntw"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "tw", string(w.buf))
	_, _ = w.Write([]byte("o\n"))
	assert.Empty(t, w.buf)
}
