package assets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/spaghettifunk/anima-streamer/engine/assets/loaders"
	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-streamer/engine/resourceloader"
	"github.com/spaghettifunk/anima-streamer/engine/systems"
)

var ErrWatcherClosed = errors.New("asset watcher already closed")

type AssetInfo struct {
	Path       string
	Type       metadata.ResourceType
	LastLoaded time.Time
}

/**
 * @brief The GPU side of an asset streamed through the resource loader.
 * Exactly one of Texture, Geometry and Buffer is set, depending on Type.
 */
type StreamedAsset struct {
	Path     string
	Type     metadata.ResourceType
	Texture  *metadata.Texture
	Geometry *resourceloader.Geometry
	Buffer   *metadata.Buffer
	Token    resourceloader.SyncToken
	Version  uint32
}

/**
 * @brief Indexes the asset directory, keeps it watched and streams assets
 * to the GPU. Assets that were streamed are streamed again when they change
 * on disk.
 */
type AssetManager struct {
	assets   map[string]AssetInfo
	streamed map[string]*StreamedAsset
	loaders  map[metadata.ResourceType]Loader

	resourceLoader *resourceloader.ResourceLoader
	jobs           *systems.JobSystem
	events         *core.EventSystem

	mutex sync.RWMutex

	done     chan struct{}
	wg       sync.WaitGroup
	fsnotify *fsnotify.Watcher
	isClosed bool
}

func NewAssetManager(rl *resourceloader.ResourceLoader, jobs *systems.JobSystem, events *core.EventSystem) (*AssetManager, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	am := &AssetManager{
		assets:         make(map[string]AssetInfo),
		streamed:       make(map[string]*StreamedAsset),
		loaders:        make(map[metadata.ResourceType]Loader),
		resourceLoader: rl,
		jobs:           jobs,
		events:         events,
		fsnotify:       fsWatch,
		done:           make(chan struct{}),
	}

	// Register loaders
	am.registerLoader(metadata.ResourceTypeTexture, &loaders.TextureLoader{})
	am.registerLoader(metadata.ResourceTypeGeometry, &loaders.GeometryLoader{})
	am.registerLoader(metadata.ResourceTypeBinary, &loaders.BinaryLoader{})

	return am, nil
}

/**
 * @brief Indexes every asset under assetsDir. With watch set, the directory
 * tree stays watched until Shutdown.
 */
func (am *AssetManager) Initialize(assetsDir string, watch bool) error {
	if am.isClosed {
		return ErrWatcherClosed
	}
	if err := am.watchRecursive(assetsDir, !watch); err != nil {
		return err
	}
	if watch {
		am.wg.Add(1)
		go am.start()
	}
	core.LogInfo("asset manager indexed %d assets in %q", am.AssetCount(), assetsDir)
	return nil
}

// Shutdown stops watching and releases the GPU side of streamed assets.
func (am *AssetManager) Shutdown() error {
	am.mutex.Lock()
	if am.isClosed {
		am.mutex.Unlock()
		return nil
	}
	am.isClosed = true
	close(am.done)
	am.mutex.Unlock()

	am.wg.Wait()
	err := am.fsnotify.Close()

	am.mutex.Lock()
	defer am.mutex.Unlock()
	for path, sa := range am.streamed {
		am.release(sa)
		delete(am.streamed, path)
	}
	return err
}

// Register loaders for each asset type
func (am *AssetManager) registerLoader(assetType metadata.ResourceType, loader Loader) {
	am.loaders[assetType] = loader
}

// AssetCount is the number of indexed assets.
func (am *AssetManager) AssetCount() int {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	return len(am.assets)
}

// Asset returns the index entry of path.
func (am *AssetManager) Asset(path string) (AssetInfo, bool) {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	info, ok := am.assets[filepath.Clean(path)]
	return info, ok
}

// Assets returns the indexed assets of the given type.
func (am *AssetManager) Assets(assetType metadata.ResourceType) []AssetInfo {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	var out []AssetInfo
	for _, info := range am.assets {
		if info.Type == assetType {
			out = append(out, info)
		}
	}
	return out
}

// Streamed returns the GPU side of a streamed asset.
func (am *AssetManager) Streamed(path string) (*StreamedAsset, bool) {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	sa, ok := am.streamed[filepath.Clean(path)]
	return sa, ok
}

// View calls fn with the streamed asset of path. The asset is not released
// while fn runs.
func (am *AssetManager) View(path string, fn func(*StreamedAsset)) bool {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	sa, ok := am.streamed[filepath.Clean(path)]
	if ok {
		fn(sa)
	}
	return ok
}

// Load an asset from disk into CPU memory using the appropriate loader
func (am *AssetManager) LoadAsset(path string, params interface{}) (*metadata.Resource, error) {
	path = filepath.Clean(path)
	am.mutex.Lock()
	asset, exists := am.assets[path]
	if !exists {
		am.mutex.Unlock()
		return nil, fmt.Errorf("asset not found: %s", path)
	}
	// Load or reload asset from disk if necessary
	asset.LastLoaded = time.Now()
	am.assets[path] = asset // Update the loaded time
	loader, loaderExists := am.loaders[asset.Type]
	am.mutex.Unlock()

	if !loaderExists {
		return nil, fmt.Errorf("no loader registered for asset type: %s", asset.Type)
	}
	return loader.Load(path, asset.Type, params)
}

func (am *AssetManager) UnloadAsset(asset *metadata.Resource) error {
	if asset == nil {
		return nil
	}
	am.mutex.RLock()
	loader, ok := am.loaders[asset.Type]
	am.mutex.RUnlock()
	if !ok {
		return fmt.Errorf("no loader registered for asset type: %s", asset.Type)
	}
	return loader.Unload(asset)
}

/**
 * @brief Streams an indexed asset to the GPU and waits for its upload. A
 * previous version of the asset is released once the new one is resident.
 */
func (am *AssetManager) Stream(ctx context.Context, path string) (*StreamedAsset, error) {
	if am.resourceLoader == nil {
		return nil, fmt.Errorf("stream %q: %w", path, core.ErrLoaderNotInitialized)
	}
	path = filepath.Clean(path)
	info, ok := am.Asset(path)
	if !ok {
		return nil, fmt.Errorf("asset not found: %s", path)
	}

	sa := &StreamedAsset{Path: path, Type: info.Type}
	var err error
	switch info.Type {
	case metadata.ResourceTypeTexture:
		sa.Texture, sa.Token, err = am.resourceLoader.AddTexture(&resourceloader.TextureLoadDesc{FileName: path})
	case metadata.ResourceTypeGeometry:
		sa.Geometry, sa.Token, err = am.resourceLoader.AddGeometry(&resourceloader.GeometryLoadDesc{FileName: path})
	case metadata.ResourceTypeBinary:
		var res *metadata.Resource
		if res, err = am.LoadAsset(path, nil); err != nil {
			break
		}
		data := res.Data.([]byte)
		sa.Buffer, sa.Token, err = am.resourceLoader.AddBuffer(&resourceloader.BufferLoadDesc{
			Desc: metadata.BufferDesc{
				Name:        res.Name,
				Size:        uint64(len(data)),
				MemoryUsage: metadata.ResourceMemoryUsageGPUOnly,
				Usage:       metadata.BufferUsageStorage,
				StartState:  metadata.ResourceStateShaderResource,
			},
			Data: data,
		})
		_ = am.UnloadAsset(res)
	default:
		err = fmt.Errorf("asset type %s cannot be streamed: %w", info.Type, core.ErrInvalidDesc)
	}
	if err != nil {
		core.LogError("failed to stream asset %q: %s", path, err)
		return nil, err
	}

	if err := am.resourceLoader.WaitForTokenContext(ctx, sa.Token); err != nil {
		return nil, err
	}

	am.mutex.Lock()
	defer am.mutex.Unlock()
	if old, ok := am.streamed[path]; ok {
		sa.Version = old.Version + 1
		am.release(old)
	}
	am.streamed[path] = sa
	return sa, nil
}

/**
 * @brief Streams every indexed asset of the given types, a few at a time.
 */
func (am *AssetManager) StreamAll(ctx context.Context, limit int, assetTypes ...metadata.ResourceType) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, t := range assetTypes {
		for _, info := range am.Assets(t) {
			path := info.Path
			g.Go(func() error {
				_, err := am.Stream(ctx, path)
				return err
			})
		}
	}
	return g.Wait()
}

// release frees the GPU side of sa. Called with the mutex held.
func (am *AssetManager) release(sa *StreamedAsset) {
	var err error
	switch {
	case sa.Texture != nil:
		err = am.resourceLoader.RemoveTexture(sa.Texture)
	case sa.Geometry != nil:
		err = am.resourceLoader.RemoveGeometry(sa.Geometry)
	case sa.Buffer != nil:
		err = am.resourceLoader.RemoveBuffer(sa.Buffer)
	}
	if err != nil {
		core.LogWarn("failed to release asset %q: %s", sa.Path, err)
	}
}

func (am *AssetManager) start() {
	defer am.wg.Done()
	for {
		select {
		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			am.handleWatchEvent(e)

		case err, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("asset watcher: %s", err)

		case <-am.done:
			return
		}
	}
}

func (am *AssetManager) handleWatchEvent(e fsnotify.Event) {
	s, err := os.Stat(e.Name)
	if err == nil && s != nil && s.IsDir() {
		if e.Op&fsnotify.Create != 0 {
			if err := am.watchRecursive(e.Name, false); err != nil {
				core.LogWarn("failed to watch %q: %s", e.Name, err)
			}
		}
		return
	}
	// Handle create or modify events
	if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
		if info, ok := am.handleFileEvent(e.Name); ok {
			am.assetChanged(info)
		}
	}
	// Can't stat a deleted path, so it is dropped from both the index and the watch list.
	if e.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		am.removeAsset(e.Name)
		_ = am.fsnotify.Remove(e.Name)
	}
}

// assetChanged fires EVENT_CODE_ASSET_CHANGED and streams the asset again
// if it was streamed before.
func (am *AssetManager) assetChanged(info AssetInfo) {
	if am.events != nil {
		ctx := core.EventContext{}
		ctx.Data.C[0] = info.Path
		ctx.Data.U32[0] = uint32(info.Type)
		am.events.Fire(core.EVENT_CODE_ASSET_CHANGED, am, ctx)
	}

	if _, ok := am.Streamed(info.Path); !ok || am.jobs == nil {
		return
	}
	am.jobs.AddWorkNonBlocking(metadata.JobTask{
		JobType: metadata.JOB_TYPE_RESOURCE_LOAD,
		Name:    "reload " + info.Path,
		OnStart: func(ctx context.Context) error {
			_, err := am.Stream(ctx, info.Path)
			return err
		},
		OnComplete: func() {
			core.LogInfo("asset %q reloaded", info.Path)
		},
	})
}

// watchRecursive adds all directories under the given one to the watch list
// and indexes the files found. With indexOnly set nothing is watched.
func (am *AssetManager) watchRecursive(path string, indexOnly bool) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if indexOnly {
				return nil
			}
			return am.fsnotify.Add(walkPath)
		}
		am.handleFileEvent(walkPath)
		return nil
	})
}

// Handle the creation or modification of a file
func (am *AssetManager) handleFileEvent(path string) (AssetInfo, bool) {
	path = filepath.Clean(path)
	assetType := determineAssetType(path)
	if assetType == metadata.ResourceTypeNone {
		return AssetInfo{}, false
	}

	am.mutex.Lock()
	defer am.mutex.Unlock()
	info := AssetInfo{
		Path: path,
		Type: assetType,
	}
	if old, ok := am.assets[path]; ok {
		info.LastLoaded = old.LastLoaded
	}
	am.assets[path] = info
	return info, true
}

// Remove the asset from the index if it was deleted
func (am *AssetManager) removeAsset(path string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	delete(am.assets, filepath.Clean(path))
}

func determineAssetType(path string) metadata.ResourceType {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".dds", ".ktx", ".gnf", ".basis", ".svt",
		".png", ".jpg", ".jpeg", ".gif", ".bmp", ".tif", ".tiff", ".webp":
		return metadata.ResourceTypeTexture
	case ".gtf", ".gltf", ".glb":
		return metadata.ResourceTypeGeometry
	case ".bin", ".raw":
		return metadata.ResourceTypeBinary
	default:
		return metadata.ResourceTypeNone
	}
}
