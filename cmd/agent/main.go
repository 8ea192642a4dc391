package main

import (
	"os"

	"github.com/G-Research/pipeline-runner/cmd/agent/cmd"
	"github.com/G-Research/pipeline-runner/internal/common"
)

func main() {
	common.ConfigureLogging(common.LoggingConfiguration{Level: "info"})
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
