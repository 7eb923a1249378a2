package loaders

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

/**
 * @brief Loads GeometryTF and glTF files into metadata.GeometryData.
 */
type GeometryLoader struct {
	gltf GLTFLoader
}

func (gl *GeometryLoader) Load(path string, assetType metadata.ResourceType, params interface{}) (*metadata.Resource, error) {
	kind, err := sniffFile(path)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case kind == typeGeometryTF:
		return gl.loadGeometryTF(path)
	case kind == typeGLB, ext == ".gltf", ext == ".glb":
		return gl.gltf.Load(path, assetType, params)
	}
	return nil, fmt.Errorf("geometry %q: unknown format: %w", path, core.ErrInvalidGeometryFile)
}

func (gl *GeometryLoader) loadGeometryTF(path string) (*metadata.Resource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	limit := uint64(0)
	if info.Size() > GeometryTFHeaderSize {
		limit = uint64(info.Size()) - GeometryTFHeaderSize
	}

	data, err := ReadGeometryTFLimited(bufio.NewReader(f), limit)
	if err != nil {
		core.LogError("failed to load geometry %q: %s", path, err)
		return nil, fmt.Errorf("geometry %q: %w", path, err)
	}
	if data.Name == "" {
		data.Name = path
	}
	return &metadata.Resource{
		Name:     data.Name,
		FullPath: path,
		Type:     metadata.ResourceTypeGeometry,
		DataSize: geometryDataSize(data),
		Data:     data,
	}, nil
}

func (gl *GeometryLoader) Unload(res *metadata.Resource) error {
	if res != nil {
		res.Data = nil
		res.DataSize = 0
	}
	return nil
}
