/*
This is an example of application that will use the
engine package to stream resources to the GPU
*/
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/spaghettifunk/anima-streamer/engine"
	"github.com/spaghettifunk/anima-streamer/engine/config"
	"github.com/spaghettifunk/anima-streamer/engine/core"
	_ "github.com/spaghettifunk/anima-streamer/engine/renderer/vulkan"
	"github.com/spaghettifunk/anima-streamer/testbed"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to a TOML or YAML configuration file")
	backend := flag.String("backend", "", "renderer backend, overrides the configuration (software, vulkan)")
	debug := flag.Bool("debug", false, "enable backend validation and debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) || isFlagSet("config") {
			core.LogFatal("failed to load configuration: %s", err)
		}
		core.LogWarn("%s not found, using the default configuration", *configPath)
		cfg = config.Default()
	}
	if *backend != "" {
		cfg.Renderer.Backend = *backend
	}
	if *debug {
		cfg.Renderer.Debug = true
		cfg.LogLevel = "debug"
	}

	tb, err := testbed.NewTestGame(cfg)
	if err != nil {
		core.LogFatal(err.Error())
	}

	e, err := engine.New(tb.Game)
	if err != nil {
		core.LogFatal(err.Error())
	}

	if err := e.Initialize(); err != nil {
		_ = e.Shutdown()
		core.LogFatal("failed to initialize the engine: %s", err)
	}

	// cancelled on SIGTERM, SIGINT and SIGQUIT
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	runErr := e.Run(ctx)
	if err := e.Shutdown(); err != nil {
		core.LogError("shutdown: %s", err)
	}
	if runErr != nil {
		core.LogFatal(runErr.Error())
	}
}

func isFlagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}
