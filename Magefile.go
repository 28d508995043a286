//go:build mage
// +build mage

package main

import (
	"os"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

var Default = Build

func Build() error {
	return sh.Run(mg.GoCmd(), "build", "./...")
}

func Test() error {
	args := []string{"test"}
	if mg.Verbose() {
		args = append(args, "-v")
	}
	args = append(args, "./...")
	return sh.Run(mg.GoCmd(), args...)
}

// Demo runs one producer cycle against a filesystem store in ./demo.
func Demo() error {
	mg.Deps(Build)
	if err := os.MkdirAll("demo", 0755); err != nil {
		return err
	}
	conf := `{"namespace": "cyclic", "objects": {"type": "file", "root": "demo"}}`
	if err := os.WriteFile("demo/verso.json", []byte(conf), 0644); err != nil {
		return err
	}
	return sh.RunV(mg.GoCmd(), "run", "./cmd/verso", "-config", "demo/verso.json", "produce", "-once")
}
