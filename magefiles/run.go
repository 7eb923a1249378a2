//go:build mage

package main

import (
	"fmt"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Converts the demo assets and runs the testbed with config.toml.
func (Run) Demo() error {
	mg.Deps(Gen.Assets)
	fmt.Println("Run streamer...")
	_, err := executeCmd("go", withArgs("run", ".", "-config", "config.toml"), withStream())
	return err
}

// Runs the testbed on the Vulkan backend with validation layers.
func (Run) Vulkan() error {
	fmt.Println("Run streamer on Vulkan...")
	_, err := executeCmd("go", withArgs("run", ".", "-config", "config.toml", "-backend", "vulkan", "-debug"), withStream())
	return err
}
