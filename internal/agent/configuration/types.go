package configuration

import (
	"time"

	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/G-Research/pipeline-runner/internal/common"
)

type ApplicationConfiguration struct {
	AgentName     string `validate:"required"`
	PoolId        int
	WorkDirectory string `validate:"required"`
}

type ServerConfiguration struct {
	Url          string `validate:"required,url"`
	AccessToken  string
	Timeout      time.Duration `validate:"gt=0"`
	RetryMax     int           `validate:"gte=0"`
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// QueueConfiguration holds the cadence of the telemetry dequeue loops.
type QueueConfiguration struct {
	ConsoleLineInterval           time.Duration `validate:"gt=0"`
	ConsoleLineAggressiveInterval time.Duration `validate:"gt=0"`
	// Number of initial console cycles that use the aggressive interval.
	ConsoleLineAggressiveCycles int           `validate:"gte=0"`
	TimelineUpdateInterval      time.Duration `validate:"gt=0"`
	FileUploadInterval          time.Duration `validate:"gt=0"`
	ShutdownTimeout             time.Duration `validate:"gt=0"`
}

type PagingConfiguration struct {
	PageSize  resource.Quantity
	BlockSize resource.Quantity
	// Directory under the work directory where pages and blocks are written.
	Directory string `validate:"required"`
}

type StreamConfiguration struct {
	Enabled        bool
	ConnectTimeout time.Duration `validate:"gt=0"`
	SendTimeout    time.Duration `validate:"gt=0"`
}

type MetricsConfiguration struct {
	Port uint16
}

type TaskConfiguration struct {
	JobPollInterval    time.Duration `validate:"gt=0"`
	MaxPollBackoff     time.Duration `validate:"gt=0"`
	UnhealthyAfterPoll int           `validate:"gt=0"`
}

type AgentConfiguration struct {
	Application ApplicationConfiguration
	Server      ServerConfiguration
	Queue       QueueConfiguration
	Paging      PagingConfiguration
	Stream      StreamConfiguration
	Logging     common.LoggingConfiguration
	Metrics     MetricsConfiguration
	Task        TaskConfiguration
}

// DefaultQueueConfiguration returns the cadence used when nothing is configured.
func DefaultQueueConfiguration() QueueConfiguration {
	return QueueConfiguration{
		ConsoleLineInterval:           500 * time.Millisecond,
		ConsoleLineAggressiveInterval: 250 * time.Millisecond,
		ConsoleLineAggressiveCycles:   4 * 60,
		TimelineUpdateInterval:        500 * time.Millisecond,
		FileUploadInterval:            1000 * time.Millisecond,
		ShutdownTimeout:               5 * time.Minute,
	}
}

func DefaultStreamConfiguration() StreamConfiguration {
	return StreamConfiguration{
		Enabled:        true,
		ConnectTimeout: 30 * time.Second,
		SendTimeout:    60 * time.Second,
	}
}

func DefaultPagingConfiguration() PagingConfiguration {
	return PagingConfiguration{
		PageSize:  resource.MustParse("8Mi"),
		BlockSize: resource.MustParse("2Mi"),
		Directory: "_diag/pages",
	}
}
