// Package console implements a line-based admin console for a running
// server, reading commands from an io.Reader and reporting through a logger.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/stratum-world/stratum/server"
)

// Console reads admin commands from an io.Reader (os.Stdin by default) and
// runs them against the server it is bound to.
type Console struct {
	srv    *server.Server
	log    *slog.Logger
	reader io.Reader
}

// New returns a Console bound to the server passed. The console reads from
// os.Stdin and reports command output through the logger passed.
func New(srv *server.Server, log *slog.Logger) *Console {
	if log == nil {
		log = slog.Default()
	}
	return &Console{srv: srv, log: log, reader: os.Stdin}
}

// WithReader sets a custom reader for the console input. It enables testing
// the console without relying on os.Stdin.
func (c *Console) WithReader(r io.Reader) *Console {
	if r != nil {
		c.reader = r
	}
	return c
}

// Run consumes commands until the context is cancelled, the reader reaches
// EOF or a stop command is read. It reports whether a stop command requested
// shutdown, so that a server running without an attached terminal is not
// stopped by an immediate EOF.
func (c *Console) Run(ctx context.Context) bool {
	scanner := bufio.NewScanner(c.reader)
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				c.log.Error("console input error", "error", err)
			}
			return false
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if c.execute(line) {
			return true
		}
	}
}

// execute runs a single command line, reporting whether it requested a stop.
func (c *Console) execute(line string) bool {
	cmd, _, _ := strings.Cut(line, " ")
	switch cmd {
	case "help":
		c.log.Info("Commands: help, status, save, stop.")
	case "status":
		w := c.srv.World()
		m := w.Metrics()
		c.log.Info("Server status.",
			"tick", w.CurrentTick(),
			"tps", fmt.Sprintf("%.1f", w.TPS()),
			"chunks", w.LoadedChunkCount(),
			"entities", w.EntityCount(),
			"observers", c.srv.ObserverCount(),
			"degraded", w.Degraded(),
			"save_failures", m.SaveFailures,
		)
	case "save":
		c.srv.World().Save()
		c.log.Info("Queued a save of all unsaved chunks.")
	case "stop":
		return true
	default:
		c.log.Error("Unknown command.", "command", cmd)
	}
	return false
}
