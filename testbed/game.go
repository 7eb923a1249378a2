package testbed

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/spaghettifunk/anima-streamer/engine"
	"github.com/spaghettifunk/anima-streamer/engine/config"
	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-streamer/engine/resourceloader"
)

const (
	maxLiveGeometries = 24
	maxLiveTextures   = 8
	constantsSize     = 256
)

type TestGame struct {
	*engine.Game
}

type liveGeometry struct {
	geometry *resourceloader.Geometry
	token    resourceloader.SyncToken
}

type liveTexture struct {
	texture *metadata.Texture
	token   resourceloader.SyncToken
}

type gameState struct {
	frame       uint64
	elapsed     float64
	idleReports uint64

	geometryBuffer *resourceloader.GeometryBuffer
	geometries     []liveGeometry
	textures       []liveTexture
	constants      *metadata.Buffer

	geometriesAdded uint64
	texturesAdded   uint64
	evictions       uint64
}

func NewTestGame(cfg *config.Config) (*TestGame, error) {
	tg := &TestGame{
		Game: &engine.Game{
			ApplicationConfig: &engine.ApplicationConfig{
				Name:     "Anima Streamer Testbed",
				LogLevel: core.DebugLevel,
				Config:   cfg,
			},
			State: &gameState{},
		},
	}

	tg.FnInitialize = tg.Initialize
	tg.FnUpdate = tg.Update
	tg.FnShutdown = tg.Shutdown

	return tg, nil
}

func (g *TestGame) state() *gameState {
	return g.State.(*gameState)
}

func (g *TestGame) Initialize() error {
	core.LogDebug("TestGame Initialize fn....")

	if g.Loader == nil {
		return fmt.Errorf("the engine is not yet initialized with a resource loader")
	}
	state := g.state()

	desc := &resourceloader.GeometryBufferLoadDesc{
		Name:        "testbed geometry",
		IndicesSize: 256 << 10,
	}
	desc.VerticesSizes[0] = 512 << 10
	desc.VerticesSizes[1] = 512 << 10
	desc.VerticesSizes[2] = 256 << 10
	gb, err := g.Loader.AddGeometryBuffer(desc)
	if err != nil {
		return err
	}
	state.geometryBuffer = gb

	state.constants, _, err = g.Loader.AddBuffer(&resourceloader.BufferLoadDesc{
		Desc: metadata.BufferDesc{
			Name:        "testbed constants",
			Size:        constantsSize,
			MemoryUsage: metadata.ResourceMemoryUsageGPUOnly,
			Usage:       metadata.BufferUsageUniform,
			StartState:  metadata.ResourceStateConstantBuffer,
		},
		ForceReset: true,
	})
	if err != nil {
		return err
	}

	g.Events.Register(core.EVENT_CODE_LOADER_IDLE, g, func(code core.SystemEventCode, sender, listenerInst interface{}, data core.EventContext) bool {
		state.idleReports++
		return false
	})
	return nil
}

func (g *TestGame) Update(deltaTime float64) error {
	state := g.state()
	state.frame++
	state.elapsed += deltaTime

	if err := g.updateConstants(state); err != nil {
		return err
	}
	if state.frame%10 == 1 {
		if err := g.streamGeometry(state); err != nil {
			return err
		}
	}
	if state.frame%30 == 1 {
		if err := g.streamTexture(state); err != nil {
			return err
		}
	}
	if state.frame%120 == 0 {
		g.report(state)
	}
	return nil
}

// updateConstants streams the per frame constants through the staging ring.
func (g *TestGame) updateConstants(state *gameState) error {
	update := &resourceloader.BufferUpdateDesc{Buffer: state.constants}
	if err := g.Loader.BeginUpdateBuffer(update); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(update.MappedData[0:], state.frame)
	binary.LittleEndian.PutUint32(update.MappedData[8:], math.Float32bits(float32(state.elapsed)))
	binary.LittleEndian.PutUint32(update.MappedData[12:], math.Float32bits(float32(math.Sin(state.elapsed))))
	_, err := g.Loader.EndUpdateBuffer(update)
	return err
}

func (g *TestGame) streamGeometry(state *gameState) error {
	n := 4 + int(state.geometriesAdded%28)
	data := gridGeometry(fmt.Sprintf("grid %d", state.geometriesAdded), n, float32(n)/4)

	for {
		geometry, token, err := g.Loader.AddGeometry(&resourceloader.GeometryLoadDesc{
			Data:           data,
			GeometryBuffer: state.geometryBuffer,
		})
		if err == nil {
			state.geometries = append(state.geometries, liveGeometry{geometry: geometry, token: token})
			state.geometriesAdded++
			break
		}
		if !errors.Is(err, core.ErrGeometryBufferFull) {
			return err
		}
		// Full: evict the oldest resident grid and try again.
		if !g.evictGeometry(state) {
			core.LogDebug("geometry buffer full, %q deferred", data.Name)
			return nil
		}
	}
	if len(state.geometries) > maxLiveGeometries {
		g.evictGeometry(state)
	}
	return nil
}

func (g *TestGame) evictGeometry(state *gameState) bool {
	if len(state.geometries) == 0 || !g.Loader.IsTokenCompleted(state.geometries[0].token) {
		return false
	}
	if err := g.Loader.RemoveGeometry(state.geometries[0].geometry); err != nil {
		core.LogWarn("failed to remove geometry: %s", err)
	}
	state.geometries = state.geometries[1:]
	state.evictions++
	return true
}

func (g *TestGame) streamTexture(state *gameState) error {
	size := uint32(32) << (state.texturesAdded % 4)
	data := checkerTexture(fmt.Sprintf("checker %d", state.texturesAdded), size, 8, byte(state.texturesAdded))
	texture, token, err := g.Loader.AddTexture(&resourceloader.TextureLoadDesc{Data: data})
	if err != nil {
		return err
	}
	state.textures = append(state.textures, liveTexture{texture: texture, token: token})
	state.texturesAdded++

	if len(state.textures) > maxLiveTextures && g.Loader.IsTokenCompleted(state.textures[0].token) {
		if err := g.Loader.RemoveTexture(state.textures[0].texture); err != nil {
			core.LogWarn("failed to remove texture: %s", err)
		}
		state.textures = state.textures[1:]
	}
	return nil
}

func (g *TestGame) report(state *gameState) {
	stats := state.geometryBuffer.IndexBuffer.Stats()
	m := g.Loader.Metrics()
	core.LogInfo("frame %d: %d grids (%d evicted), %d textures, index buffer %d/%d bytes free in %d fragments, %.2f ms per batch, %.0f B/s",
		state.frame, len(state.geometries), state.evictions, len(state.textures),
		stats.FreeBytes, stats.Size, stats.FreeFragments, m.BatchLatency(), m.Throughput())
}

func (g *TestGame) Shutdown() error {
	state := g.state()
	if g.Loader == nil {
		return nil
	}
	if err := g.Loader.WaitForAllResourceLoads(); err != nil {
		core.LogWarn("testbed shutdown with pending loads: %s", err)
	}
	var errs []error
	for _, lg := range state.geometries {
		errs = append(errs, g.Loader.RemoveGeometry(lg.geometry))
	}
	for _, lt := range state.textures {
		errs = append(errs, g.Loader.RemoveTexture(lt.texture))
	}
	state.geometries, state.textures = nil, nil
	errs = append(errs, g.Loader.RemoveBuffer(state.constants))
	errs = append(errs, g.Loader.RemoveGeometryBuffer(state.geometryBuffer))
	core.LogInfo("testbed done: %d frames, %d grids, %d textures streamed, %d idle reports",
		state.frame, state.geometriesAdded, state.texturesAdded, state.idleReports)
	return errors.Join(errs...)
}

// gridGeometry builds an n x n quad grid on the XZ plane with positions,
// normals and texture coordinates in separate streams.
func gridGeometry(name string, n int, extent float32) *metadata.GeometryData {
	side := n + 1
	vertexCount := side * side
	positions := make([]byte, 0, vertexCount*12)
	normals := make([]byte, 0, vertexCount*12)
	uvs := make([]byte, 0, vertexCount*8)
	put := func(dst []byte, values ...float32) []byte {
		for _, v := range values {
			dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(v))
		}
		return dst
	}
	for z := 0; z < side; z++ {
		for x := 0; x < side; x++ {
			u := float32(x) / float32(n)
			v := float32(z) / float32(n)
			positions = put(positions, (u-0.5)*extent, 0, (v-0.5)*extent)
			normals = put(normals, 0, 1, 0)
			uvs = put(uvs, u, v)
		}
	}

	indices := make([]byte, 0, n*n*6*2)
	for z := 0; z < n; z++ {
		for x := 0; x < n; x++ {
			i0 := uint16(z*side + x)
			i1 := i0 + 1
			i2 := i0 + uint16(side)
			i3 := i2 + 1
			for _, i := range []uint16{i0, i2, i1, i1, i2, i3} {
				indices = binary.LittleEndian.AppendUint16(indices, i)
			}
		}
	}

	return &metadata.GeometryData{
		Name:        name,
		IndexType:   metadata.IndexType16,
		IndexCount:  uint32(n * n * 6),
		Indices:     indices,
		VertexCount: uint32(vertexCount),
		Streams: []metadata.VertexStream{
			{Semantic: metadata.SemanticPosition, Stride: 12, Data: positions},
			{Semantic: metadata.SemanticNormal, Stride: 12, Data: normals},
			{Semantic: metadata.SemanticTexcoord0, Stride: 8, Data: uvs},
		},
	}
}

// checkerTexture builds a square RGBA8 checkerboard with a full mip chain.
func checkerTexture(name string, size, cell uint32, seed byte) *metadata.TextureData {
	mips := uint32(1)
	for s := size; s > 1; s >>= 1 {
		mips++
	}
	data := &metadata.TextureData{Desc: metadata.TextureDesc{
		Name:      name,
		Width:     size,
		Height:    size,
		Depth:     1,
		ArraySize: 1,
		MipLevels: mips,
		Format:    metadata.TextureFormatRGBA8Unorm,
	}}
	for mip := uint32(0); mip < mips; mip++ {
		s := metadata.MipExtent(size, mip)
		c := cell >> mip
		if c == 0 {
			c = 1
		}
		texels := make([]byte, 0, s*s*4)
		for y := uint32(0); y < s; y++ {
			for x := uint32(0); x < s; x++ {
				if (x/c+y/c)%2 == 0 {
					texels = append(texels, 255, 255, 255, 255)
				} else {
					texels = append(texels, seed, 64, 255-seed, 255)
				}
			}
		}
		data.Subresources = append(data.Subresources, texels)
	}
	return data
}
