package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/G-Research/pipeline-runner/internal/common"
)

func validConfiguration() AgentConfiguration {
	return AgentConfiguration{
		Application: ApplicationConfiguration{AgentName: "agent-1", WorkDirectory: "/tmp/work"},
		Server:      ServerConfiguration{Url: "https://pipelines.example.com", Timeout: 100 * time.Second},
		Queue:       DefaultQueueConfiguration(),
		Paging:      DefaultPagingConfiguration(),
		Stream:      DefaultStreamConfiguration(),
		Logging:     common.LoggingConfiguration{Level: "info", Format: "text"},
		Task:        TaskConfiguration{JobPollInterval: time.Second, MaxPollBackoff: time.Minute, UnhealthyAfterPoll: 5},
	}
}

func TestValidateAgentConfiguration_Valid(t *testing.T) {
	assert.NoError(t, ValidateAgentConfiguration(validConfiguration()))
}

func TestValidateAgentConfiguration_MissingServerUrl(t *testing.T) {
	config := validConfiguration()
	config.Server.Url = ""
	assert.Error(t, ValidateAgentConfiguration(config))
}

func TestValidateAgentConfiguration_BlockLargerThanPage(t *testing.T) {
	config := validConfiguration()
	config.Paging.BlockSize = resource.MustParse("16Mi")
	assert.Error(t, ValidateAgentConfiguration(config))
}

func TestValidateAgentConfiguration_ZeroPageSize(t *testing.T) {
	config := validConfiguration()
	config.Paging.PageSize = resource.Quantity{}
	assert.Error(t, ValidateAgentConfiguration(config))
}

func TestValidateAgentConfiguration_AggressiveIntervalSlowerThanRegular(t *testing.T) {
	config := validConfiguration()
	config.Queue.ConsoleLineAggressiveInterval = time.Second
	assert.Error(t, ValidateAgentConfiguration(config))
}
