package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer"
)

const tomlConfig = `
application_name = "streamer"
log_level = "debug"

[renderer]
backend = "software"
count = 2
copy_latency = "3ms"
texture_row_alignment = 128

[loader]
buffer_size = "512KiB"
buffer_count = 3
single_threaded = true

[jobs]
workers = 2
`

const yamlConfig = `
application_name: streamer
log_level: debug
renderer:
  backend: software
  count: 2
  copy_latency: 3ms
  texture_row_alignment: 128
loader:
  buffer_size: 512KiB
  buffer_count: 3
  single_threaded: true
jobs:
  workers: 2
`

func TestDecodeFormats(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		format Format
	}{
		{"toml", tomlConfig, FormatTOML},
		{"yaml", yamlConfig, FormatYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Decode(strings.NewReader(tt.input), tt.format)
			require.NoError(t, err)

			assert.Equal(t, "streamer", cfg.ApplicationName)
			assert.Equal(t, core.DebugLevel, cfg.Level())
			assert.Equal(t, uint32(2), cfg.Renderer.Count)
			// Untouched sections keep their defaults.
			assert.Equal(t, "assets", cfg.Assets.Dir)
			assert.Equal(t, 64, cfg.Jobs.QueueSize)
			assert.Equal(t, 2, cfg.Jobs.Workers)

			rt, err := cfg.RendererType()
			require.NoError(t, err)
			assert.Equal(t, renderer.Software, rt)

			bc, err := cfg.BackendConfig()
			require.NoError(t, err)
			assert.Equal(t, 3*time.Millisecond, bc.CopyLatency)
			assert.Equal(t, uint32(128), bc.UploadBufferTextureRowAlignment)
			assert.Zero(t, bc.UploadBufferTextureAlignment)

			desc, err := cfg.LoaderDesc()
			require.NoError(t, err)
			assert.Equal(t, uint64(512<<10), desc.BufferSize)
			assert.Equal(t, uint32(3), desc.BufferCount)
			assert.True(t, desc.SingleThreaded)
		})
	}
}

func TestDecodeRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		format Format
	}{
		{"unknown key", "colour = \"red\"\n", FormatTOML},
		{"unknown yaml key", "colour: red\n", FormatYAML},
		{"log level", "log_level = \"loud\"\n", FormatTOML},
		{"backend", "[renderer]\nbackend = \"metal\"\n", FormatTOML},
		{"latency", "[renderer]\ncopy_latency = \"soon\"\n", FormatTOML},
		{"buffer size", "loader:\n  buffer_size: lots\n", FormatYAML},
		{"workers", "[jobs]\nworkers = 0\n", FormatTOML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.input), tt.format)
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "engine.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "streamer", cfg.ApplicationName)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	cfg, err = Load(empty)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(dir, "engine.ini"))
	assert.ErrorIs(t, err, ErrUnknownFormat)
	_, err = Load(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
