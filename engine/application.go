package engine

import (
	"github.com/spaghettifunk/anima-streamer/engine/config"
	"github.com/spaghettifunk/anima-streamer/engine/core"
)

type ApplicationConfig struct {
	// The application name passed to the renderer backends.
	Name     string
	LogLevel core.LogLevel
	// Target update rate of the main loop. 0 means 60.
	UpdateRate uint32
	// Engine configuration. Nil uses config.Default.
	Config *config.Config
}
