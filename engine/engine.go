package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spaghettifunk/anima-streamer/engine/assets"
	"github.com/spaghettifunk/anima-streamer/engine/config"
	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
	_ "github.com/spaghettifunk/anima-streamer/engine/renderer/software"
	"github.com/spaghettifunk/anima-streamer/engine/resourceloader"
	"github.com/spaghettifunk/anima-streamer/engine/systems"
)

var ErrNotInitialized = errors.New("engine is not initialized")

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently booting up
	EngineStageBooting
	// Engine completed boot process and is ready to be initialized
	EngineStageBootComplete
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

type Engine struct {
	currentStage Stage
	gameInstance *Game
	config       *config.Config
	clock        *core.Clock

	events       *core.EventSystem
	renderers    []renderer.RendererBackend
	loader       *resourceloader.ResourceLoader
	jobSystem    *systems.JobSystem
	assetManager *assets.AssetManager

	quit         chan struct{}
	quitOnce     sync.Once
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(g *Game) (*Engine, error) {
	if g == nil || g.ApplicationConfig == nil {
		return nil, fmt.Errorf("engine: missing application config: %w", core.ErrInvalidDesc)
	}
	cfg := g.ApplicationConfig.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		core.LogError("invalid engine configuration: %s", err)
		return nil, err
	}
	if g.ApplicationConfig.Name == "" {
		g.ApplicationConfig.Name = cfg.ApplicationName
	}

	if g.ApplicationConfig.Config != nil {
		core.SetLogLevel(cfg.Level())
	} else {
		core.SetLogLevel(g.ApplicationConfig.LogLevel)
	}

	return &Engine{
		currentStage: EngineStageUninitialized,
		gameInstance: g,
		config:       cfg,
		clock:        core.NewClock(),
		events:       core.NewEventSystem(),
		quit:         make(chan struct{}),
	}, nil
}

func (e *Engine) Stage() Stage {
	return e.currentStage
}

func (e *Engine) Loader() *resourceloader.ResourceLoader {
	return e.loader
}

func (e *Engine) Events() *core.EventSystem {
	return e.events
}

/**
 * @brief Creates the renderers, the resource loader, the job system and the
 * asset manager, then initializes the game.
 */
func (e *Engine) Initialize() error {
	e.currentStage = EngineStageBooting
	name := e.gameInstance.ApplicationConfig.Name

	rendererType, err := e.config.RendererType()
	if err != nil {
		return err
	}
	backendConfig, err := e.config.BackendConfig()
	if err != nil {
		return err
	}
	if e.config.Renderer.Count > 1 {
		e.renderers, err = renderer.NewUnlinked(rendererType, name, e.config.Renderer.Count, backendConfig)
	} else {
		var r renderer.RendererBackend
		r, err = renderer.New(rendererType, name, backendConfig)
		e.renderers = []renderer.RendererBackend{r}
	}
	if err != nil {
		e.renderers = nil
		return err
	}
	e.currentStage = EngineStageBootComplete

	e.currentStage = EngineStageInitializing
	e.events.Register(core.EVENT_CODE_APPLICATION_QUIT, e, e.onEvent)
	e.events.Register(core.EVENT_CODE_RESOURCE_LOADED, e, e.onEvent)
	e.events.Register(core.EVENT_CODE_RESOURCE_FAILED, e, e.onEvent)
	e.events.Register(core.EVENT_CODE_ASSET_CHANGED, e, e.onEvent)

	desc, err := e.config.LoaderDesc()
	if err != nil {
		return err
	}
	if len(e.renderers) == 1 {
		e.loader, err = resourceloader.Init(e.renderers[0], &desc, e.events)
	} else {
		e.loader, err = resourceloader.InitUnlinked(e.renderers, &desc, e.events)
	}
	if err != nil {
		return err
	}

	e.jobSystem, err = systems.NewJobSystem(e.config.Jobs.Workers, e.config.Jobs.QueueSize)
	if err != nil {
		return err
	}

	if err := e.initializeAssets(); err != nil {
		return err
	}

	g := e.gameInstance
	g.Loader = e.loader
	g.AssetManager = e.assetManager
	g.JobSystem = e.jobSystem
	g.Events = e.events
	if g.FnInitialize != nil {
		if err := g.FnInitialize(); err != nil {
			core.LogError("game initialization failed: %s", err)
			return err
		}
	}

	e.currentStage = EngineStageInitialized
	return nil
}

func (e *Engine) initializeAssets() error {
	dir := e.config.Assets.Dir
	if dir == "" {
		return nil
	}
	if s, err := os.Stat(dir); err != nil || !s.IsDir() {
		core.LogWarn("asset directory %q not found, asset manager disabled", dir)
		return nil
	}

	am, err := assets.NewAssetManager(e.loader, e.jobSystem, e.events)
	if err != nil {
		return err
	}
	if err := am.Initialize(dir, e.config.Assets.Watch); err != nil {
		_ = am.Shutdown()
		return err
	}
	e.assetManager = am

	if e.config.Assets.StreamOnStart {
		e.jobSystem.AddWorkNonBlocking(metadata.JobTask{
			JobType: metadata.JOB_TYPE_RESOURCE_LOAD,
			Name:    "stream assets",
			OnStart: func(ctx context.Context) error {
				return am.StreamAll(ctx, e.config.Jobs.Workers, metadata.ResourceTypeTexture, metadata.ResourceTypeGeometry)
			},
			OnComplete: func() {
				core.LogInfo("startup assets streamed")
			},
		})
	}
	return nil
}

/**
 * @brief Runs the update loop until ctx is done, EVENT_CODE_APPLICATION_QUIT
 * is fired or the game update fails.
 */
func (e *Engine) Run(ctx context.Context) error {
	if e.currentStage != EngineStageInitialized {
		return fmt.Errorf("engine run in stage %d: %w", e.currentStage, ErrNotInitialized)
	}
	e.currentStage = EngineStageRunning

	rate := e.gameInstance.ApplicationConfig.UpdateRate
	if rate == 0 {
		rate = 60
	}
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	e.clock.Start()
	lastTime := e.clock.Elapsed()
	lastReport := lastTime
	var frameCount uint64

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.quit:
			return nil
		case <-ticker.C:
		}

		e.clock.Update()
		currentTime := e.clock.Elapsed()
		delta := (currentTime - lastTime).Seconds()
		lastTime = currentTime

		e.loader.Update()

		if e.gameInstance.FnUpdate != nil {
			if err := e.gameInstance.FnUpdate(delta); err != nil {
				core.LogError("Game update failed, shutting down: %s", err)
				return err
			}
		}
		frameCount++

		if currentTime-lastReport >= time.Second {
			m := e.loader.Metrics()
			batches, bytes := m.Totals()
			core.LogDebug("frame %d: %d batches, %d bytes uploaded, %.2f ms avg batch, %.0f B/s, last token %d",
				frameCount, batches, bytes, m.BatchLatency(), m.Throughput(), e.loader.GetLastTokenCompleted())
			lastReport = currentTime
		}
	}
}

// Quit stops Run. Safe to call from any goroutine, more than once.
func (e *Engine) Quit() {
	e.quitOnce.Do(func() { close(e.quit) })
}

/**
 * @brief Shuts the game and every subsystem down, in reverse creation order.
 */
func (e *Engine) Shutdown() error {
	e.shutdownOnce.Do(func() {
		e.currentStage = EngineStageShuttingDown
		e.Quit()

		var errs []error
		if e.gameInstance.FnShutdown != nil {
			errs = append(errs, e.gameInstance.FnShutdown())
		}
		if e.assetManager != nil {
			errs = append(errs, e.assetManager.Shutdown())
		}
		if e.jobSystem != nil {
			errs = append(errs, e.jobSystem.Shutdown())
		}
		if e.loader != nil {
			if err := e.loader.WaitForAllResourceLoads(); err != nil {
				core.LogWarn("pending resource loads at shutdown: %s", err)
			}
			errs = append(errs, e.loader.Exit())
		}
		for _, r := range e.renderers {
			errs = append(errs, r.Shutdown())
		}
		e.events.Shutdown()
		e.shutdownErr = errors.Join(errs...)
	})
	return e.shutdownErr
}

func (e *Engine) onEvent(code core.SystemEventCode, sender, listenerInst interface{}, context core.EventContext) bool {
	switch code {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
		e.Quit()
		return true
	case core.EVENT_CODE_RESOURCE_LOADED:
		core.LogDebug("%s %q loaded (token %d)", metadata.ResourceType(context.Data.U32[0]), context.Data.C[0], context.Data.U64[0])
	case core.EVENT_CODE_RESOURCE_FAILED:
		core.LogWarn("resource %q failed to load (token %d): %s", context.Data.C[0], context.Data.U64[0], context.Data.C[1])
	case core.EVENT_CODE_ASSET_CHANGED:
		core.LogInfo("%s asset %q changed on disk", metadata.ResourceType(context.Data.U32[0]), context.Data.C[0])
	}
	return false
}
