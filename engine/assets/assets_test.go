package assets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/software"
	"github.com/spaghettifunk/anima-streamer/engine/resourceloader"
	"github.com/spaghettifunk/anima-streamer/engine/systems"
)

type fixture struct {
	dir     string
	backend *software.Backend
	events  *core.EventSystem
	manager *AssetManager
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir(), events: core.NewEventSystem()}
	f.backend = software.New(renderer.BackendConfig{})
	require.NoError(t, f.backend.Initialize("assets test"))

	rl, err := resourceloader.Init(f.backend, &resourceloader.ResourceLoaderDesc{BufferSize: 4096, BufferCount: 2}, f.events)
	require.NoError(t, err)
	jobs, err := systems.NewJobSystem(1, 8)
	require.NoError(t, err)
	f.manager, err = NewAssetManager(rl, jobs, f.events)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, f.manager.Shutdown())
		assert.NoError(t, jobs.Shutdown())
		assert.NoError(t, rl.Exit())
		assert.NoError(t, f.backend.Shutdown())
	})
	return f
}

func TestDetermineAssetType(t *testing.T) {
	tests := []struct {
		path string
		want metadata.ResourceType
	}{
		{"textures/rock.dds", metadata.ResourceTypeTexture},
		{"textures/ui.PNG", metadata.ResourceTypeTexture},
		{"textures/sky.webp", metadata.ResourceTypeTexture},
		{"meshes/quad.gtf", metadata.ResourceTypeGeometry},
		{"meshes/box.glb", metadata.ResourceTypeGeometry},
		{"data/lut.bin", metadata.ResourceTypeBinary},
		{"shaders/basic.shadercfg", metadata.ResourceTypeNone},
		{"README", metadata.ResourceTypeNone},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, determineAssetType(tt.path))
		})
	}
}

func TestInitializeIndexesAssets(t *testing.T) {
	f := newFixture(t)
	writeFile(t, filepath.Join(f.dir, "a.png"), []byte("not decoded yet"))
	writeFile(t, filepath.Join(f.dir, "sub", "b.dds"), []byte("dds"))
	writeFile(t, filepath.Join(f.dir, "sub", "deeper", "c.gtf"), []byte("gtf"))
	writeFile(t, filepath.Join(f.dir, "d.bin"), []byte{1, 2, 3})
	writeFile(t, filepath.Join(f.dir, "notes.txt"), []byte("ignored"))

	require.NoError(t, f.manager.Initialize(f.dir, false))
	assert.Equal(t, 4, f.manager.AssetCount())
	assert.Len(t, f.manager.Assets(metadata.ResourceTypeTexture), 2)
	assert.Len(t, f.manager.Assets(metadata.ResourceTypeGeometry), 1)

	info, ok := f.manager.Asset(filepath.Join(f.dir, "sub", "b.dds"))
	require.True(t, ok)
	assert.Equal(t, metadata.ResourceTypeTexture, info.Type)
	assert.True(t, info.LastLoaded.IsZero())

	res, err := f.manager.LoadAsset(filepath.Join(f.dir, "d.bin"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, res.Data)
	info, _ = f.manager.Asset(filepath.Join(f.dir, "d.bin"))
	assert.False(t, info.LastLoaded.IsZero())
	require.NoError(t, f.manager.UnloadAsset(res))
	assert.Nil(t, res.Data)

	_, err = f.manager.LoadAsset(filepath.Join(f.dir, "notes.txt"), nil)
	assert.Error(t, err)
}

func TestStreamBinaryAsset(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "lut.bin")
	data := make([]byte, 10_000)
	for i := range data {
		data[i] = byte(i * 13)
	}
	writeFile(t, path, data)
	require.NoError(t, f.manager.Initialize(f.dir, false))

	sa, err := f.manager.Stream(context.Background(), path)
	require.NoError(t, err)
	require.NotNil(t, sa.Buffer)
	assert.Equal(t, data, f.backend.ReadBuffer(sa.Buffer))
	assert.Zero(t, sa.Version)

	again, err := f.manager.Stream(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), again.Version)
	got, ok := f.manager.Streamed(path)
	require.True(t, ok)
	assert.Same(t, again, got)

	_, err = f.manager.Stream(context.Background(), filepath.Join(f.dir, "missing.bin"))
	assert.Error(t, err)
}

func TestStreamAll(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		writeFile(t, filepath.Join(f.dir, name), []byte(name))
	}
	require.NoError(t, f.manager.Initialize(f.dir, false))

	require.NoError(t, f.manager.StreamAll(context.Background(), 2, metadata.ResourceTypeBinary))
	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		sa, ok := f.manager.Streamed(filepath.Join(f.dir, name))
		require.True(t, ok, name)
		assert.Equal(t, []byte(name), f.backend.ReadBuffer(sa.Buffer))
	}
}

func TestWatcherReloadsChangedAssets(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(f.dir, "table.bin")
	writeFile(t, path, []byte("first version"))
	require.NoError(t, f.manager.Initialize(f.dir, true))

	changed := make(chan string, 16)
	f.events.Register(core.EVENT_CODE_ASSET_CHANGED, t, func(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
		select {
		case changed <- data.Data.C[0]:
		default:
		}
		return false
	})

	_, err := f.manager.Stream(context.Background(), path)
	require.NoError(t, err)

	writeFile(t, path, []byte("second version"))
	select {
	case p := <-changed:
		assert.Equal(t, path, p)
	case <-time.After(5 * time.Second):
		t.Fatal("no asset changed event")
	}

	assert.Eventually(t, func() bool {
		var reloaded bool
		f.manager.View(path, func(sa *StreamedAsset) {
			reloaded = sa.Version > 0 && string(f.backend.ReadBuffer(sa.Buffer)) == "second version"
		})
		return reloaded
	}, 5*time.Second, 10*time.Millisecond)

	added := filepath.Join(f.dir, "new", "mesh.gtf")
	writeFile(t, added, []byte("gtf"))
	assert.Eventually(t, func() bool {
		_, ok := f.manager.Asset(added)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}
