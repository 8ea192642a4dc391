package cmd

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/pipeline-runner/internal/agent"
	"github.com/G-Research/pipeline-runner/internal/common"
	"github.com/G-Research/pipeline-runner/internal/common/app"
	"github.com/G-Research/pipeline-runner/internal/common/health"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Polls for jobs and runs them until interrupted",
		RunE:  runAgent,
	}
	return cmd
}

func runAgent(_ *cobra.Command, _ []string) error {
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
	checker := health.NewMultiChecker(runner)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return common.ServeHttp(ctx, config.Metrics.Port, checker)
	})
	g.Go(func() error {
		return runner.Run(ctx)
	})
	return g.Wait()
}
