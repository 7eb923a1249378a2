package engine

import (
	"github.com/spaghettifunk/anima-streamer/engine/assets"
	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/resourceloader"
	"github.com/spaghettifunk/anima-streamer/engine/systems"
)

type Game struct {
	ApplicationConfig *ApplicationConfig
	// Set by the engine before FnInitialize runs.
	Loader       *resourceloader.ResourceLoader
	AssetManager *assets.AssetManager
	JobSystem    *systems.JobSystem
	Events       *core.EventSystem
	State        interface{}
	FnInitialize Initialize
	FnUpdate     Update
	FnShutdown   Shutdown
}

type Initialize func() error
type Update func(deltaTime float64) error
type Shutdown func() error
