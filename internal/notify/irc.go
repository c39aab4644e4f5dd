package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"

	"github.com/lrstanley/girc"
	"github.com/soyeahso/agentcron/internal/config"
	"github.com/soyeahso/agentcron/internal/logging"
	"github.com/soyeahso/agentcron/internal/version"
)

// maxLineLen keeps PRIVMSG lines well under the 512 byte protocol limit.
const maxLineLen = 400

// IRC posts alerts to one or more IRC channels.
type IRC struct {
	cfg    config.IRCConfig
	client *girc.Client
	log    *logging.Logger

	mu      sync.RWMutex
	running bool
	lastErr string
}

// NewIRC creates an IRC sender from configuration. Call Start to connect.
func NewIRC(cfg config.IRCConfig, log *logging.Logger) *IRC {
	return &IRC{
		cfg: cfg,
		log: log.Sub("notify.irc"),
	}
}

func (c *IRC) gircConfig() girc.Config {
	port := c.cfg.Port
	if port == 0 {
		if c.cfg.UseTLS {
			port = 6697
		} else {
			port = 6667
		}
	}

	gc := girc.Config{
		Server:  c.cfg.Server,
		Port:    port,
		Nick:    c.cfg.Nick,
		User:    c.cfg.Nick,
		Name:    "agentcron alerts",
		SSL:     c.cfg.UseTLS,
		Version: "agentcron/" + version.Version,
	}
	if c.cfg.UseTLS {
		gc.TLSConfig = &tls.Config{ServerName: c.cfg.Server}
	}
	if c.cfg.SASL && c.cfg.Password != "" {
		gc.SASL = &girc.SASLPlain{User: c.cfg.Nick, Pass: c.cfg.Password}
	} else if c.cfg.Password != "" {
		gc.ServerPass = c.cfg.Password
	}
	return gc
}

// Start connects and blocks until ctx is done or the connection drops.
func (c *IRC) Start(ctx context.Context) error {
	gc := c.gircConfig()
	client := girc.New(gc)
	client.Handlers.Add(girc.CONNECTED, func(cl *girc.Client, _ girc.Event) {
		c.log.Info().Str("nick", cl.GetNick()).Msg("connected to IRC")
		for _, ch := range c.cfg.Channels {
			cl.Cmd.Join(ch)
		}
	})
	client.Handlers.Add(girc.DISCONNECTED, func(*girc.Client, girc.Event) {
		c.log.Warn().Msg("disconnected from IRC")
	})

	c.mu.Lock()
	c.client = client
	c.running = true
	c.lastErr = ""
	c.mu.Unlock()

	c.log.Info().
		Str("server", gc.Server).
		Int("port", gc.Port).
		Strs("channels", c.cfg.Channels).
		Bool("tls", gc.SSL).
		Msg("connecting to IRC")

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Connect()
	}()

	select {
	case err := <-errCh:
		c.mu.Lock()
		c.running = false
		if err != nil {
			c.lastErr = err.Error()
		}
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("irc connect: %w", err)
		}
		return nil
	case <-ctx.Done():
		client.Close()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Stop quits the server if connected.
func (c *IRC) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil && c.client.IsConnected() {
		c.client.Quit("agentcron shutting down")
	}
	c.running = false
}

// Connected reports whether the client is registered with the server.
func (c *IRC) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil && c.client.IsConnected()
}

// LastError returns the most recent connection error.
func (c *IRC) LastError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Send posts text to every configured channel.
func (c *IRC) Send(_ context.Context, text string) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil || !client.IsConnected() {
		return fmt.Errorf("irc: not connected")
	}
	if len(c.cfg.Channels) == 0 {
		return fmt.Errorf("irc: no channels configured")
	}

	lines := splitMessage(text, maxLineLen)
	for _, ch := range c.cfg.Channels {
		for _, line := range lines {
			client.Cmd.Message(ch, line)
		}
	}
	c.log.Debug().Int("channels", len(c.cfg.Channels)).Int("lines", len(lines)).Msg("alert sent")
	return nil
}

// splitMessage breaks text into IRC-sized lines. Blank lines are dropped
// since PRIVMSG cannot carry an empty body.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for _, line := range strings.Split(text, "\n") {
		for len(line) > maxLen {
			chunks = append(chunks, line[:maxLen])
			line = line[maxLen:]
		}
		if strings.TrimSpace(line) != "" {
			chunks = append(chunks, line)
		}
	}
	return chunks
}
