package loaders

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spaghettifunk/anima-streamer/engine/core"
	"github.com/spaghettifunk/anima-streamer/engine/renderer/metadata"
)

/** @brief Parameters of a texture load. */
type TextureParams struct {
	/** @brief The container of the file. TextureContainerDefault sniffs it from the contents. */
	Container metadata.TextureContainerType
	/** @brief Build a full mip chain for plain images. */
	GenerateMips bool
}

/**
 * @brief Decodes texture containers and images into metadata.TextureData.
 */
type TextureLoader struct{}

func (tl *TextureLoader) Load(path string, assetType metadata.ResourceType, params interface{}) (*metadata.Resource, error) {
	var p TextureParams
	switch typed := params.(type) {
	case TextureParams:
		p = typed
	case *TextureParams:
		p = *typed
	case nil:
	default:
		return nil, fmt.Errorf("texture loader: unexpected params %T: %w", params, core.ErrInvalidDesc)
	}

	container := p.Container
	if container == metadata.TextureContainerDefault {
		kind, err := sniffFile(path)
		if err != nil {
			return nil, err
		}
		container = ContainerOf(kind)
		if container == metadata.TextureContainerDefault {
			container = ContainerFromExtension(path)
		}
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(file)

	var data *metadata.TextureData
	switch container {
	case metadata.TextureContainerDDS:
		data, err = decodeDDS(r, path, info.Size())
	case metadata.TextureContainerImage, metadata.TextureContainerDefault:
		data, err = decodeImage(r, path, p.GenerateMips)
	default:
		err = fmt.Errorf("texture %q: container %d: %w", path, container, core.ErrUnsupportedContainer)
	}
	if err != nil {
		core.LogError("failed to load texture %q: %s", path, err)
		return nil, err
	}

	size := uint64(0)
	for _, sub := range data.Subresources {
		size += uint64(len(sub))
	}
	return &metadata.Resource{
		Name:     data.Desc.Name,
		FullPath: path,
		Type:     metadata.ResourceTypeTexture,
		DataSize: size,
		Data:     data,
	}, nil
}

func (tl *TextureLoader) Unload(res *metadata.Resource) error {
	if res != nil {
		res.Data = nil
		res.DataSize = 0
	}
	return nil
}
