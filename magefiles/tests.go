//go:build mage

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

var Gotestsum string

var LocalBin = filepath.Join(os.Getenv("PWD"), "/bin")

func makeLocalBin() error {
	if _, err := os.Stat(LocalBin); os.IsNotExist(err) {
		err = os.MkdirAll(LocalBin, os.ModePerm)
		if err != nil {
			return err
		}
	}
	return nil
}

// Gotestsum downloads gotestsum locally if necessary
func gotestsum() error {
	mg.Deps(makeLocalBin)
	Gotestsum = filepath.Join(LocalBin, "/gotestsum")

	if _, err := os.Stat(Gotestsum); os.IsNotExist(err) {
		fmt.Println(Gotestsum)
		cmd := exec.Command("go", "install", "gotest.tools/gotestsum@v1.8.2")
		cmd.Env = append(os.Environ(), "GOBIN="+LocalBin)
		return cmd.Run()
	}
	return nil
}

// Tests is a mage target that runs the tests and generates coverage reports.
func Tests() error {
	mg.Deps(gotestsum)
	return sh.RunV(Gotestsum, "--format", "short-verbose", "--junitfile", "test-reports/unit-tests.xml", "--",
		"-race", "-coverprofile=test-reports/coverage.out", "./internal/...", "./pkg/...", "./cmd/...")
}

// TestsNoRace runs the tests without the race detector, for platforms that don't support it.
func TestsNoRace() error {
	mg.Deps(gotestsum)
	return sh.RunV(Gotestsum, "--format", "short-verbose", "--", "./internal/...", "./pkg/...", "./cmd/...")
}
