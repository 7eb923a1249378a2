package renderer

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spaghettifunk/anima-streamer/engine/core"
)

type RendererType uint8

const (
	Software RendererType = iota
	Vulkan
)

func (rt RendererType) String() string {
	switch rt {
	case Software:
		return "software"
	case Vulkan:
		return "vulkan"
	}
	return fmt.Sprintf("RendererType(%d)", rt)
}

func ParseRendererType(s string) (RendererType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "software", "":
		return Software, nil
	case "vulkan":
		return Vulkan, nil
	}
	return Software, fmt.Errorf("unknown renderer type %q", s)
}

/**
 * @brief Settings handed to a backend constructor.
 */
type BackendConfig struct {
	/** @brief Index of the device in an unlinked setup. */
	NodeIndex uint32
	/** @brief Enables validation layers and extra checks. */
	Debug bool
	/** @brief Simulated copy latency, software backend only. */
	CopyLatency time.Duration
	/** @brief Overrides of the upload alignments, software backend only. Zero keeps the default. */
	UploadBufferTextureAlignment    uint32
	UploadBufferTextureRowAlignment uint32
}

// BackendConstructor builds an uninitialized backend.
type BackendConstructor func(config BackendConfig) RendererBackend

var (
	registryMutex sync.RWMutex
	registry      = map[RendererType]BackendConstructor{}
)

// Register makes a backend available to New. Backends call it from init.
func Register(rendererType RendererType, constructor BackendConstructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	registry[rendererType] = constructor
}

// New creates and initializes one backend.
func New(rendererType RendererType, appName string, config BackendConfig) (RendererBackend, error) {
	registryMutex.RLock()
	constructor, ok := registry[rendererType]
	registryMutex.RUnlock()
	if !ok {
		err := fmt.Errorf("renderer backend %s is not registered", rendererType)
		core.LogError(err.Error())
		return nil, err
	}

	backend := constructor(config)
	if err := backend.Initialize(appName); err != nil {
		core.LogError("failed to initialize %s backend: %s", rendererType, err)
		return nil, err
	}
	return backend, nil
}

// NewUnlinked creates count backends of the same type, one per device.
func NewUnlinked(rendererType RendererType, appName string, count uint32, config BackendConfig) ([]RendererBackend, error) {
	if count == 0 {
		count = 1
	}
	backends := make([]RendererBackend, 0, count)
	for i := uint32(0); i < count; i++ {
		cfg := config
		cfg.NodeIndex = i
		b, err := New(rendererType, appName, cfg)
		if err != nil {
			for _, created := range backends {
				_ = created.Shutdown()
			}
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, nil
}
