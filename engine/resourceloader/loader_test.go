package resourceloader

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-streamer/engine/assets/loaders"
	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/software"
)

type testRig struct {
	loader   *ResourceLoader
	backends []*software.Backend
	events   *core.EventSystem
}

func newRig(t *testing.T, desc ResourceLoaderDesc, nodes int) *testRig {
	t.Helper()
	rig := &testRig{events: core.NewEventSystem()}
	var renderers []renderer.RendererBackend
	for i := 0; i < nodes; i++ {
		b := software.New(renderer.BackendConfig{NodeIndex: uint32(i), CopyLatency: time.Millisecond})
		require.NoError(t, b.Initialize("test"))
		rig.backends = append(rig.backends, b)
		renderers = append(renderers, b)
	}

	var err error
	if nodes == 1 {
		rig.loader, err = Init(renderers[0], &desc, rig.events)
	} else {
		rig.loader, err = InitUnlinked(renderers, &desc, rig.events)
	}
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, rig.loader.Exit())
		for _, b := range rig.backends {
			_ = b.Shutdown()
		}
	})
	return rig
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i)*31 + seed
	}
	return out
}

func gpuBufferDesc(size uint64) metadata.BufferDesc {
	return metadata.BufferDesc{Size: size, MemoryUsage: metadata.ResourceMemoryUsageGPUOnly}
}

func TestAddBufferSplitsLargePayloads(t *testing.T) {
	for _, single := range []bool{false, true} {
		t.Run(map[bool]string{false: "worker", true: "single threaded"}[single], func(t *testing.T) {
			rig := newRig(t, ResourceLoaderDesc{BufferSize: 1024, BufferCount: 2, SingleThreaded: single}, 1)
			data := pattern(10_000, 3)

			buffer, token, err := rig.loader.AddBuffer(&BufferLoadDesc{Desc: gpuBufferDesc(uint64(len(data))), Data: data})
			require.NoError(t, err)
			require.NoError(t, rig.loader.WaitForToken(token))
			assert.True(t, rig.loader.IsTokenCompleted(token))
			assert.True(t, rig.loader.AllResourceLoadsCompleted())

			assert.Equal(t, sha256.Sum256(data), sha256.Sum256(rig.backends[0].ReadBuffer(buffer)))
			batches, bytes := rig.loader.Metrics().Totals()
			assert.Greater(t, batches, uint64(1))
			assert.Equal(t, uint64(len(data)), bytes)
			assert.NotNil(t, rig.loader.GetLastSemaphoreCompleted(0))
		})
	}
}

func TestAddBufferHostVisibleAndReset(t *testing.T) {
	rig := newRig(t, DefaultResourceLoaderDesc, 1)

	buffer, token, err := rig.loader.AddBuffer(&BufferLoadDesc{
		Desc: metadata.BufferDesc{Size: 16, MemoryUsage: metadata.ResourceMemoryUsageCPUToGPU},
		Data: pattern(16, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, pattern(16, 1), buffer.CPUMappedAddress)
	require.NoError(t, rig.loader.WaitForToken(token))

	buffer, token, err = rig.loader.AddBuffer(&BufferLoadDesc{Desc: gpuBufferDesc(64), ForceReset: true})
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForToken(token))
	assert.Equal(t, make([]byte, 64), rig.backends[0].ReadBuffer(buffer))

	_, _, err = rig.loader.AddBuffer(&BufferLoadDesc{Desc: gpuBufferDesc(4), Data: pattern(8, 0)})
	assert.ErrorIs(t, err, core.ErrDestinationTooSmall)
	_, _, err = rig.loader.AddBuffer(nil)
	assert.ErrorIs(t, err, core.ErrInvalidDesc)
}

func TestBufferUpdate(t *testing.T) {
	rig := newRig(t, DefaultResourceLoaderDesc, 1)
	buffer, token, err := rig.loader.AddBuffer(&BufferLoadDesc{Desc: gpuBufferDesc(256), Data: pattern(256, 0)})
	require.NoError(t, err)

	update := &BufferUpdateDesc{Buffer: buffer, DstOffset: 64, Size: 32}
	require.NoError(t, rig.loader.BeginUpdateBuffer(update))
	require.Len(t, update.MappedData, 32)
	copy(update.MappedData, pattern(32, 99))
	next, err := rig.loader.EndUpdateBuffer(update)
	require.NoError(t, err)
	assert.Greater(t, next, token)
	assert.Nil(t, update.MappedData)

	require.NoError(t, rig.loader.WaitForToken(next))
	got := rig.backends[0].ReadBuffer(buffer)
	assert.Equal(t, pattern(256, 0)[:64], got[:64])
	assert.Equal(t, pattern(32, 99), got[64:96])
	assert.Equal(t, pattern(256, 0)[96:], got[96:])

	_, err = rig.loader.EndUpdateBuffer(update)
	assert.ErrorIs(t, err, core.ErrUpdateNotStarted)
	assert.ErrorIs(t, rig.loader.BeginUpdateBuffer(&BufferUpdateDesc{Buffer: buffer, DstOffset: 250, Size: 16}), core.ErrDestinationTooSmall)
}

func TestAddBufferWhileUpdateHoldsRing(t *testing.T) {
	rig := newRig(t, ResourceLoaderDesc{BufferSize: 256, BufferCount: 2}, 1)
	target, _, err := rig.loader.AddBuffer(&BufferLoadDesc{Desc: gpuBufferDesc(256)})
	require.NoError(t, err)

	update := &BufferUpdateDesc{Buffer: target, Size: 256}
	require.NoError(t, rig.loader.BeginUpdateBuffer(update))
	copy(update.MappedData, pattern(256, 5))

	type added struct {
		buffer *metadata.Buffer
		token  SyncToken
		err    error
	}
	done := make(chan added, 1)
	data := pattern(1024, 11)
	go func() {
		buffer, token, err := rig.loader.AddBuffer(&BufferLoadDesc{Desc: gpuBufferDesc(1024), Data: data})
		done <- added{buffer, token, err}
	}()

	var big added
	select {
	case big = <-done:
		require.NoError(t, big.err)
	case <-time.After(5 * time.Second):
		t.Fatal("AddBuffer blocked behind an open update")
	}
	assert.False(t, rig.loader.IsTokenCompleted(big.token))

	token, err := rig.loader.EndUpdateBuffer(update)
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForToken(max(token, big.token)))
	assert.Equal(t, pattern(256, 5), rig.backends[0].ReadBuffer(target))
	assert.Equal(t, data, rig.backends[0].ReadBuffer(big.buffer))
}

func TestTokensAreMonotonic(t *testing.T) {
	rig := newRig(t, ResourceLoaderDesc{BufferSize: 4096, BufferCount: 3}, 1)

	stop := make(chan struct{})
	observed := make(chan error, 1)
	go func() {
		var lastSubmitted, lastCompleted SyncToken
		for {
			completed := rig.loader.GetLastTokenCompleted()
			submitted := rig.loader.GetLastTokenSubmitted()
			if completed > submitted || submitted < lastSubmitted || completed < lastCompleted {
				observed <- assert.AnError
				return
			}
			lastSubmitted, lastCompleted = submitted, completed
			select {
			case <-stop:
				observed <- nil
				return
			default:
			}
		}
	}()

	var wg sync.WaitGroup
	tokens := make([][]SyncToken, 4)
	for p := range tokens {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				_, token, err := rig.loader.AddBuffer(&BufferLoadDesc{Desc: gpuBufferDesc(700), Data: pattern(700, byte(i))})
				if assert.NoError(t, err) {
					tokens[p] = append(tokens[p], token)
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, rig.loader.WaitForAllResourceLoads())
	close(stop)
	assert.NoError(t, <-observed)

	for _, ts := range tokens {
		for i := 1; i < len(ts); i++ {
			assert.Greater(t, ts[i], ts[i-1])
		}
		for _, token := range ts {
			assert.True(t, rig.loader.IsTokenCompleted(token))
		}
	}
	assert.Equal(t, SyncToken(80), rig.loader.GetLastTokenCompleted())
}

func texturePattern(desc metadata.TextureDesc) *metadata.TextureData {
	desc = desc.Normalized()
	data := &metadata.TextureData{Desc: desc}
	seed := byte(1)
	for layer := uint32(0); layer < desc.ArraySize; layer++ {
		for mip := uint32(0); mip < desc.MipLevels; mip++ {
			layout, _ := metadata.SubresourceLayoutOf(desc.Format, desc.Width, desc.Height, desc.Depth, mip)
			data.Subresources = append(data.Subresources, pattern(int(layout.Size()), seed))
			seed += 17
		}
	}
	return data
}

func TestAddTextureFromData(t *testing.T) {
	rig := newRig(t, ResourceLoaderDesc{BufferSize: 4096, BufferCount: 2}, 1)
	data := texturePattern(metadata.TextureDesc{
		Name: "checker", Width: 16, Height: 8, MipLevels: 3, ArraySize: 2, Format: metadata.TextureFormatRGBA8Unorm,
	})

	texture, token, err := rig.loader.AddTexture(&TextureLoadDesc{Data: data})
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForToken(token))

	for layer := uint32(0); layer < 2; layer++ {
		for mip := uint32(0); mip < 3; mip++ {
			assert.Equal(t, data.Subresource(mip, layer), rig.backends[0].ReadSubresource(texture, mip, layer), "mip %d layer %d", mip, layer)
		}
	}
}

func TestTextureUpdateAndReadback(t *testing.T) {
	rig := newRig(t, DefaultResourceLoaderDesc, 1)
	texture, token, err := rig.loader.AddTexture(&TextureLoadDesc{Desc: &metadata.TextureDesc{
		Width: 48, Height: 4, Format: metadata.TextureFormatRGBA8Unorm, Flags: metadata.TextureCreationFlagReadback,
	}})
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForToken(token))

	texels := pattern(48*4*4, 5)
	update := &TextureUpdateDesc{Texture: texture}
	require.NoError(t, rig.loader.BeginUpdateTexture(update))
	assert.Equal(t, uint32(192), update.SrcRowStride)
	assert.Equal(t, uint32(256), update.DstRowStride)
	require.NoError(t, update.WriteRows(texels))
	token, err = rig.loader.EndUpdateTexture(update)
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForToken(token))
	assert.Equal(t, texels, rig.backends[0].ReadSubresource(texture, 0, 0))

	readback, token, err := rig.loader.AddBuffer(&BufferLoadDesc{Desc: metadata.BufferDesc{
		Size: 1024, MemoryUsage: metadata.ResourceMemoryUsageGPUToCPU,
	}})
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForToken(token))

	token, err = rig.loader.CopyTexture(&TextureCopyDesc{Texture: texture, Buffer: readback, BufferOffset: 16})
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForToken(token))
	assert.Equal(t, texels, rig.backends[0].ReadBuffer(readback)[16:16+len(texels)])

	_, err = rig.loader.CopyTexture(&TextureCopyDesc{Texture: texture, Buffer: readback, BufferOffset: 512})
	assert.ErrorIs(t, err, core.ErrDestinationTooSmall)
	_, err = rig.loader.EndUpdateTexture(&TextureUpdateDesc{Texture: texture})
	assert.ErrorIs(t, err, core.ErrUpdateNotStarted)
}

func TestAddTextureFromFile(t *testing.T) {
	rig := newRig(t, ResourceLoaderDesc{BufferSize: 2048, BufferCount: 2}, 1)
	data := texturePattern(metadata.TextureDesc{Width: 32, Height: 32, MipLevels: 4, Format: metadata.TextureFormatBC7Unorm})
	path := filepath.Join(t.TempDir(), "rock.dds")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, loaders.EncodeDDS(f, data))
	require.NoError(t, f.Close())

	loaded := make(chan core.EventContext, 4)
	rig.events.Register(core.EVENT_CODE_RESOURCE_LOADED, t, func(code core.SystemEventCode, sender, listener interface{}, ctx core.EventContext) bool {
		loaded <- ctx
		return true
	})
	failed := make(chan core.EventContext, 4)
	rig.events.Register(core.EVENT_CODE_RESOURCE_FAILED, t, func(code core.SystemEventCode, sender, listener interface{}, ctx core.EventContext) bool {
		failed <- ctx
		return true
	})

	texture, token, err := rig.loader.AddTexture(&TextureLoadDesc{FileName: path})
	require.NoError(t, err)
	missing, missingToken, err := rig.loader.AddTexture(&TextureLoadDesc{FileName: filepath.Join(t.TempDir(), "missing.dds")})
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForToken(missingToken))

	assert.Equal(t, metadata.TextureFormatBC7Unorm, texture.Format)
	assert.Equal(t, uint32(4), texture.MipLevels)
	for mip := uint32(0); mip < 4; mip++ {
		assert.Equal(t, data.Subresource(mip, 0), rig.backends[0].ReadSubresource(texture, mip, 0), "mip %d", mip)
	}
	assert.Nil(t, missing.InternalData)

	select {
	case ctx := <-loaded:
		assert.Equal(t, uint64(token), ctx.Data.U64[0])
		assert.Equal(t, path, ctx.Data.C[0])
		assert.Same(t, texture, ctx.Payload)
	case <-time.After(5 * time.Second):
		t.Fatal("no loaded event")
	}
	select {
	case ctx := <-failed:
		assert.Equal(t, uint64(missingToken), ctx.Data.U64[0])
		assert.NotEmpty(t, ctx.Data.C[1])
	case <-time.After(5 * time.Second):
		t.Fatal("no failed event")
	}
}

func TestUnlinkedNodes(t *testing.T) {
	rig := newRig(t, ResourceLoaderDesc{BufferSize: 1024, BufferCount: 2}, 2)
	assert.Equal(t, uint32(2), rig.loader.NodeCount())

	desc := gpuBufferDesc(3000)
	desc.NodeIndex = 1
	buffer, token, err := rig.loader.AddBuffer(&BufferLoadDesc{Desc: desc, Data: pattern(3000, 4)})
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForToken(token))

	assert.Equal(t, pattern(3000, 4), rig.backends[1].ReadBuffer(buffer))
	assert.NotNil(t, rig.loader.GetLastSemaphoreCompleted(1))
	assert.Nil(t, rig.loader.GetLastSemaphoreCompleted(0))

	r, err := rig.loader.Renderer(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), r.NodeIndex())

	desc.NodeIndex = 2
	_, _, err = rig.loader.AddBuffer(&BufferLoadDesc{Desc: desc, Data: pattern(8, 0)})
	assert.ErrorIs(t, err, core.ErrNodeIndexOutOfRange)
}

func TestWaitForTokenSubmittedSingleThreaded(t *testing.T) {
	rig := newRig(t, ResourceLoaderDesc{BufferSize: 512, BufferCount: 2, SingleThreaded: true}, 1)
	assert.True(t, rig.loader.IsSingleThreaded())

	_, token, err := rig.loader.AddBuffer(&BufferLoadDesc{Desc: gpuBufferDesc(128), Data: pattern(128, 0)})
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForTokenSubmitted(token))
	assert.True(t, rig.loader.IsTokenSubmitted(token))
	require.NoError(t, rig.loader.WaitForAllResourceLoads())
	assert.True(t, rig.loader.IsTokenCompleted(token))
}

func TestWaitForTokenContextWithoutContext(t *testing.T) {
	for _, singleThreaded := range []bool{true, false} {
		rig := newRig(t, ResourceLoaderDesc{BufferSize: 512, BufferCount: 2, SingleThreaded: singleThreaded}, 1)
		_, token, err := rig.loader.AddBuffer(&BufferLoadDesc{Desc: gpuBufferDesc(1024), Data: pattern(1024, 3)})
		require.NoError(t, err)

		var ctx context.Context
		require.NoError(t, rig.loader.WaitForTokenContext(ctx, token), "single threaded %v", singleThreaded)
		assert.True(t, rig.loader.IsTokenCompleted(token))
	}
}

func TestUpdatePollsSingleThreadedLoader(t *testing.T) {
	rig := newRig(t, ResourceLoaderDesc{BufferSize: 512, BufferCount: 2, SingleThreaded: true}, 1)
	data := pattern(2048, 9)

	// Larger than one staging buffer: needs several iterations.
	buffer, token, err := rig.loader.AddBuffer(&BufferLoadDesc{Desc: gpuBufferDesc(uint64(len(data))), Data: data})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		rig.loader.Update()
		return rig.loader.IsTokenCompleted(token)
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, data, rig.backends[0].ReadBuffer(buffer))
}

func TestSingleThreadedUnfinishedUpdatesExhaustRing(t *testing.T) {
	rig := newRig(t, ResourceLoaderDesc{BufferSize: 256, BufferCount: 2, SingleThreaded: true}, 1)
	buffer, _, err := rig.loader.AddBuffer(&BufferLoadDesc{Desc: gpuBufferDesc(1024)})
	require.NoError(t, err)

	a := &BufferUpdateDesc{Buffer: buffer, Size: 256}
	b := &BufferUpdateDesc{Buffer: buffer, DstOffset: 256, Size: 256}
	require.NoError(t, rig.loader.BeginUpdateBuffer(a))
	require.NoError(t, rig.loader.BeginUpdateBuffer(b))

	err = rig.loader.BeginUpdateBuffer(&BufferUpdateDesc{Buffer: buffer, DstOffset: 512, Size: 256})
	assert.ErrorIs(t, err, core.ErrQueueFull)

	_, err = rig.loader.EndUpdateBuffer(a)
	require.NoError(t, err)
	_, err = rig.loader.EndUpdateBuffer(b)
	require.NoError(t, err)
	require.NoError(t, rig.loader.WaitForAllResourceLoads())
}

func TestDeviceLostFailsWaiters(t *testing.T) {
	rig := newRig(t, DefaultResourceLoaderDesc, 1)
	rig.backends[0].MarkDeviceLost()

	_, token, err := rig.loader.AddBuffer(&BufferLoadDesc{Desc: gpuBufferDesc(64), Data: pattern(64, 0)})
	require.NoError(t, err)
	assert.ErrorIs(t, rig.loader.WaitForToken(token), core.ErrDeviceLost)

	_, _, err = rig.loader.AddBuffer(&BufferLoadDesc{Desc: gpuBufferDesc(64), Data: pattern(64, 0)})
	assert.ErrorIs(t, err, core.ErrDeviceLost)
}

func TestExitRejectsNewWork(t *testing.T) {
	b := software.New(renderer.BackendConfig{})
	require.NoError(t, b.Initialize("test"))
	defer b.Shutdown()

	l, err := Init(b, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultResourceLoaderDesc, l.Desc())

	_, token, err := l.AddBuffer(&BufferLoadDesc{Desc: gpuBufferDesc(64), Data: pattern(64, 0)})
	require.NoError(t, err)
	require.NoError(t, l.Exit())
	assert.True(t, l.IsTokenCompleted(token))

	_, _, err = l.AddBuffer(&BufferLoadDesc{Desc: gpuBufferDesc(64), Data: pattern(64, 0)})
	assert.ErrorIs(t, err, core.ErrLoaderShutdown)
	assert.NoError(t, l.Exit())
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want uint64
	}{
		{"4096", 4096},
		{"8MiB", 8 << 20},
		{"512 KiB", 512 << 10},
		{"64KB", 64000},
		{"1GiB", 1 << 30},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseSize("lots")
	assert.Error(t, err)
}
