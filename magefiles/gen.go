//go:build mage

package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/qmuntal/gltf"

	"github.com/spaghettifunk/anima-streamer/engine/assets/loaders"
)

type Gen mg.Namespace

const assetsDir = "assets"

// Converts every glTF mesh under assets/ into a GeometryTF file next to it.
func (Gen) Assets() error {
	if _, err := os.Stat(assetsDir); os.IsNotExist(err) {
		fmt.Printf("%s not found, nothing to convert\n", assetsDir)
		return nil
	}
	converted := 0
	err := filepath.WalkDir(assetsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".gltf" && ext != ".glb" {
			return nil
		}
		out := strings.TrimSuffix(path, filepath.Ext(path)) + ".gtf"
		if upToDate(path, out) {
			return nil
		}
		if err := convertGLTF(path, out); err != nil {
			return fmt.Errorf("convert %s: %w", path, err)
		}
		converted++
		return nil
	})
	fmt.Printf("%d meshes converted\n", converted)
	return err
}

func convertGLTF(src, dst string) error {
	doc, err := gltf.Open(src)
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	data, err := loaders.LoadFromDocument(doc, name)
	if err != nil {
		return err
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := loaders.WriteGeometryTF(f, data); err != nil {
		f.Close()
		return err
	}
	if mg.Verbose() {
		fmt.Printf("%s -> %s (%d vertices, %d indices)\n", src, dst, data.VertexCount, data.IndexCount)
	}
	return f.Close()
}

func upToDate(src, dst string) bool {
	s, err := os.Stat(src)
	if err != nil {
		return false
	}
	d, err := os.Stat(dst)
	if err != nil {
		return false
	}
	return !d.ModTime().Before(s.ModTime())
}
