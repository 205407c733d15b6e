package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pelletier/go-toml"
	"github.com/stratum-world/stratum/server"
	"github.com/stratum-world/stratum/server/console"
)

func main() {
	log := slog.Default()

	uc, err := readConfig()
	if err != nil {
		log.Error("read config: " + err.Error())
		os.Exit(1)
	}
	conf, err := uc.Config(log)
	if err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}

	srv := conf.New()
	if err := srv.Listen(); err != nil {
		log.Error(err.Error())
		_ = srv.Close()
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopped := make(chan struct{}, 1)
	go func() {
		if console.New(srv, log).Run(ctx) {
			stopped <- struct{}{}
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	select {
	case <-c:
	case <-stopped:
	}

	log.Info("Shutting down...")
	if err := srv.Close(); err != nil {
		log.Error("close server: " + err.Error())
	}
}

// readConfig reads the configuration from the config.toml file, or creates
// the file with default values if it does not yet exist.
func readConfig() (server.UserConfig, error) {
	c := server.DefaultConfig()
	if _, err := os.Stat("config.toml"); os.IsNotExist(err) {
		data, err := toml.Marshal(c)
		if err != nil {
			return c, fmt.Errorf("encode default config: %w", err)
		}
		if err := os.WriteFile("config.toml", data, 0644); err != nil {
			return c, fmt.Errorf("create default config: %w", err)
		}
		return c, nil
	}
	data, err := os.ReadFile("config.toml")
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}
