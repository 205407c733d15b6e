package console

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stratum-world/stratum/server"
)

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	conf := server.Config{Log: slog.New(slog.DiscardHandler)}
	srv := conf.New()
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Errorf("failed closing server: %v", err)
		}
	})
	return srv
}

func TestConsoleStopCommand(t *testing.T) {
	srv := newTestServer(t)
	input := strings.NewReader("help\nstatus\nsave\n\nbogus\nstop\n")
	c := New(srv, slog.New(slog.DiscardHandler)).WithReader(input)
	if !c.Run(context.Background()) {
		t.Fatalf("stop command did not request shutdown")
	}
}

func TestConsoleEOF(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv, slog.New(slog.DiscardHandler)).WithReader(strings.NewReader("status\n"))
	if c.Run(context.Background()) {
		t.Fatalf("input without a stop command requested shutdown")
	}
}

func TestConsoleContextCancelled(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(srv, slog.New(slog.DiscardHandler)).WithReader(strings.NewReader("stop\n"))
	if c.Run(ctx) {
		t.Fatalf("cancelled context still processed the stop command")
	}
}
