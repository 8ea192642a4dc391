package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/G-Research/pipeline-runner/internal/agent/configuration"
	"github.com/G-Research/pipeline-runner/internal/common"
	commonconfig "github.com/G-Research/pipeline-runner/internal/common/config"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/agent"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "agent",
		SilenceUsage: true,
		Short:        "Runs pipeline jobs and streams their telemetry back to the orchestration service",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return common.BindCommandlineArguments(cmd.Flags())
		},
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		runJobCmd(),
	)

	return cmd
}

func loadConfig() (configuration.AgentConfiguration, error) {
	config := configuration.AgentConfiguration{
		Queue:  configuration.DefaultQueueConfiguration(),
		Paging: configuration.DefaultPagingConfiguration(),
		Stream: configuration.DefaultStreamConfiguration(),
	}
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	common.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs)

	err := configuration.ValidateAgentConfiguration(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	common.ConfigureLogging(config.Logging)
	return config, nil
}
