package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/nextlevelbuilder/attache/internal/bus"
	"github.com/nextlevelbuilder/attache/internal/sessions"
)

// CLIAdapter bridges stdin/stdout into the session main:cli:main. Used
// when the gateway runs in the foreground.
type CLIAdapter struct {
	bus     Publisher
	in      io.Reader
	out     io.Writer
	running atomic.Bool
}

// NewCLIAdapter creates the terminal adapter.
func NewCLIAdapter(pub Publisher) *CLIAdapter {
	return &CLIAdapter{bus: pub, in: os.Stdin, out: os.Stdout}
}

func (c *CLIAdapter) Name() string { return "cli" }

// Start begins reading lines from stdin. Each non-empty line becomes an
// inbound message.
func (c *CLIAdapter) Start(ctx context.Context) error {
	c.running.Store(true)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			if ctx.Err() != nil {
				return
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			c.bus.PublishInbound(bus.InboundMessage{
				SessionKey: sessions.BuildKey("cli", "main"),
				Content:    line,
			})
		}
		if err := scanner.Err(); err != nil {
			slog.Debug("cli adapter: stdin closed", "error", err)
		}
		c.running.Store(false)
	}()
	return nil
}

func (c *CLIAdapter) Stop() error {
	c.running.Store(false)
	return nil
}

// Send writes the response to stdout. The target is ignored; there is
// only one terminal.
func (c *CLIAdapter) Send(_ string, msg Message) error {
	_, err := fmt.Fprintln(c.out, msg.Text)
	return err
}

func (c *CLIAdapter) Health() Health {
	return Health{Connected: c.running.Load()}
}
