package cmd

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/pipeline-runner/internal/agent"
	"github.com/G-Research/pipeline-runner/internal/common/app"
	"github.com/G-Research/pipeline-runner/pkg/api"
)

func runJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-job",
		Short: "Runs a single job message read from a file, for local debugging",
		RunE:  runJob,
	}
	cmd.Flags().String("message", "", "Path to a JSON encoded job request message")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func runJob(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("message")
	if err != nil {
		return err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read job message %s", path)
	}
	message := &api.AgentJobRequestMessage{}
	if err := json.Unmarshal(content, message); err != nil {
		return errors.Wrapf(err, "failed to parse job message %s", path)
	}

	config, err := loadConfig()
	if err != nil {
		return err
	}
	runner, err := agent.StartUp(config)
	if err != nil {
		return err
	}
	defer runner.Close()

	ctx, cancel := app.CreateContextWithShutdown()
	defer cancel()
	event, err := runner.RunJob(ctx, message)
	log.Infof("Job %s finished with result %s", event.JobId, event.Result)
	if err != nil {
		return errors.WithMessagef(err, "failed to report completion of job %s", event.JobId)
	}
	if event.Result == api.TaskResult_Failed {
		return errors.Errorf("job %s failed", event.JobId)
	}
	return nil
}
