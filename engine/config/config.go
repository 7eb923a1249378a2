package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer"
	"github.com/spaghettifunk/anima-streamer/engine/resourceloader"
)

var ErrUnknownFormat = errors.New("unknown configuration format")

type Format int

const (
	FormatTOML Format = iota
	FormatYAML
)

/**
 * @brief Engine configuration, read from a TOML or YAML file.
 */
type Config struct {
	ApplicationName string         `toml:"application_name" yaml:"application_name"`
	LogLevel        string         `toml:"log_level" yaml:"log_level"`
	Assets          AssetsConfig   `toml:"assets" yaml:"assets"`
	Renderer        RendererConfig `toml:"renderer" yaml:"renderer"`
	Loader          LoaderConfig   `toml:"loader" yaml:"loader"`
	Jobs            JobsConfig     `toml:"jobs" yaml:"jobs"`
}

type AssetsConfig struct {
	/** @brief Directory indexed by the asset manager. Empty disables it. */
	Dir string `toml:"dir" yaml:"dir"`
	/** @brief Keep the directory watched and reload changed assets. */
	Watch bool `toml:"watch" yaml:"watch"`
	/** @brief Stream every texture and geometry found at startup. */
	StreamOnStart bool `toml:"stream_on_start" yaml:"stream_on_start"`
}

type RendererConfig struct {
	/** @brief "software" or "vulkan". */
	Backend string `toml:"backend" yaml:"backend"`
	/** @brief Number of unlinked devices. 1 runs a single linked renderer. */
	Count uint32 `toml:"count" yaml:"count"`
	Debug bool   `toml:"debug" yaml:"debug"`
	/** @brief Simulated copy latency of the software backend, e.g. "2ms". */
	CopyLatency string `toml:"copy_latency" yaml:"copy_latency"`
	/** @brief Upload alignment overrides of the software backend. */
	TextureAlignment    uint32 `toml:"texture_alignment" yaml:"texture_alignment"`
	TextureRowAlignment uint32 `toml:"texture_row_alignment" yaml:"texture_row_alignment"`
}

type LoaderConfig struct {
	/** @brief Staging buffer size, e.g. "8MiB". */
	BufferSize     string `toml:"buffer_size" yaml:"buffer_size"`
	BufferCount    uint32 `toml:"buffer_count" yaml:"buffer_count"`
	SingleThreaded bool   `toml:"single_threaded" yaml:"single_threaded"`
}

type JobsConfig struct {
	Workers   int `toml:"workers" yaml:"workers"`
	QueueSize int `toml:"queue_size" yaml:"queue_size"`
}

// Default returns the configuration used for missing values.
func Default() *Config {
	return &Config{
		ApplicationName: "Anima Streamer",
		LogLevel:        "info",
		Assets: AssetsConfig{
			Dir: "assets",
		},
		Renderer: RendererConfig{
			Backend: renderer.Software.String(),
			Count:   1,
		},
		Loader: LoaderConfig{
			BufferSize:  "8MiB",
			BufferCount: resourceloader.DefaultResourceLoaderDesc.BufferCount,
		},
		Jobs: JobsConfig{
			Workers:   runtime.NumCPU(),
			QueueSize: 64,
		},
	}
}

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return FormatTOML, fmt.Errorf("%q: %w", path, ErrUnknownFormat)
}

/**
 * @brief Reads the configuration file at path on top of the defaults.
 */
func Load(path string) (*Config, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, err := Decode(f, format)
	if err != nil {
		core.LogError("failed to load configuration %q: %s", path, err)
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Decode reads a configuration in the given format on top of the defaults.
// Unknown keys are rejected.
func Decode(r io.Reader, format Format) (*Config, error) {
	cfg := Default()
	switch format {
	case FormatTOML:
		if err := toml.NewDecoder(r).DisallowUnknownFields().Decode(cfg); err != nil {
			return nil, err
		}
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	default:
		return nil, ErrUnknownFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that are parsed lazily.
func (c *Config) Validate() error {
	if _, err := core.ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := c.RendererType(); err != nil {
		return err
	}
	if _, err := c.BackendConfig(); err != nil {
		return err
	}
	if _, err := c.LoaderDesc(); err != nil {
		return err
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("jobs.workers must be positive, got %d", c.Jobs.Workers)
	}
	return nil
}

func (c *Config) RendererType() (renderer.RendererType, error) {
	return renderer.ParseRendererType(c.Renderer.Backend)
}

// BackendConfig is the configuration handed to every renderer backend.
func (c *Config) BackendConfig() (renderer.BackendConfig, error) {
	bc := renderer.BackendConfig{
		Debug:                           c.Renderer.Debug,
		UploadBufferTextureAlignment:    c.Renderer.TextureAlignment,
		UploadBufferTextureRowAlignment: c.Renderer.TextureRowAlignment,
	}
	if c.Renderer.CopyLatency != "" {
		d, err := time.ParseDuration(c.Renderer.CopyLatency)
		if err != nil {
			return bc, fmt.Errorf("renderer.copy_latency: %w", err)
		}
		bc.CopyLatency = d
	}
	return bc, nil
}

// LoaderDesc converts the loader section into a ResourceLoaderDesc.
func (c *Config) LoaderDesc() (resourceloader.ResourceLoaderDesc, error) {
	desc := resourceloader.ResourceLoaderDesc{
		BufferCount:    c.Loader.BufferCount,
		SingleThreaded: c.Loader.SingleThreaded,
	}
	if c.Loader.BufferSize != "" {
		size, err := resourceloader.ParseSize(c.Loader.BufferSize)
		if err != nil {
			return desc, fmt.Errorf("loader.buffer_size: %w", err)
		}
		desc.BufferSize = size
	}
	return desc, nil
}

// Level is the parsed log level.
func (c *Config) Level() core.LogLevel {
	level, err := core.ParseLogLevel(c.LogLevel)
	if err != nil {
		return core.InfoLevel
	}
	return level
}
