//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Downloads the modules and builds the streamer binary into bin/.
func (Build) All() error {
	if _, err := executeCmd("go", withArgs("mod", "download")); err != nil {
		return err
	}
	_, err := executeCmd("go", withArgs("build", "-o", "bin/anima-streamer", "."), withStream())
	return err
}

// Vets the engine and the testbed.
func (Build) Vet() error {
	_, err := executeCmd("go", withArgs("vet", "./engine/...", "./testbed/..."), withStream())
	return err
}

type Test mg.Namespace

// Runs the unit tests.
func (Test) Unit() error {
	_, err := executeCmd("go", withArgs("test", "-count=1", "./..."), withStream())
	return err
}

// Runs the unit tests with the race detector, the loader is heavily concurrent.
func (Test) Race() error {
	mg.Deps(Test.Unit)
	_, err := executeCmd("go", withArgs("test", "-race", "-count=1", "./engine/..."), withStream())
	return err
}
