//go:build mage

package main

import (
	"fmt"
	"os"
	"strings"

	semver "github.com/Masterminds/semver/v3"
	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	"github.com/pkg/errors"
)

const GO_VERSION_CONSTRAINT = ">= 1.19.0"

// Check dependent tools are present and the correct version.
func CheckDeps() error {
	checks := []struct {
		name  string
		check func() error
	}{
		{"go", goCheck},
		{"golangci-lint", golangciLintCheck},
		{"bash", bashCheck},
	}
	failures := false
	for _, check := range checks {
		fmt.Printf("Checking %s... ", check.name)
		if err := check.check(); err != nil {
			fmt.Printf("FAILED\nReason: %v\n", err)
			failures = true
		} else {
			fmt.Println("PASSED")
		}
	}
	if failures {
		return errors.New("one or more dependency checks failed")
	}
	return nil
}

// BuildAgent builds the agent binary into ./bin.
func BuildAgent() error {
	mg.Deps(goCheck, makeLocalBin)
	output := binaryWithExt(LocalBin + "/agent")
	env := map[string]string{"CGO_ENABLED": "0"}
	return sh.RunWith(env, "go", "build", "-o", output, "./cmd/agent")
}

// RunAgent builds the agent and runs it against the default configuration.
func RunAgent() error {
	mg.Deps(BuildAgent)
	args := []string{"run"}
	if config := os.Getenv("AGENT_CONFIG"); config != "" {
		args = append(args, "--config", config)
	}
	return sh.RunV(binaryWithExt(LocalBin+"/agent"), args...)
}

func goVersion() (*semver.Version, error) {
	output, err := sh.Output("go", "version")
	if err != nil {
		return nil, errors.Errorf("error running version cmd: %v", err)
	}
	fields := strings.Fields(output)
	if len(fields) < 3 {
		return nil, errors.Errorf("unexpected version cmd output: %s", output)
	}
	version, err := semver.NewVersion(strings.TrimPrefix(fields[2], "go"))
	if err != nil {
		return nil, errors.Errorf("error parsing version: %v", err)
	}
	return version, nil
}

func goCheck() error {
	version, err := goVersion()
	if err != nil {
		return errors.Errorf("error getting version: %v", err)
	}
	constraint, err := semver.NewConstraint(GO_VERSION_CONSTRAINT)
	if err != nil {
		return errors.Errorf("error parsing constraint: %v", err)
	}
	if !constraint.Check(version) {
		return errors.Errorf("found version %v but it failed constraint %v", version, constraint)
	}
	return nil
}

// Steps are run with bash, the runner tests skip without it.
func bashCheck() error {
	_, err := sh.Output("bash", "--version")
	return err
}
