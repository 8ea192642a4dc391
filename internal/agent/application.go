package agent

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/pipeline-runner/internal/agent/client"
	"github.com/G-Research/pipeline-runner/internal/agent/configuration"
	"github.com/G-Research/pipeline-runner/internal/agent/feed"
	"github.com/G-Research/pipeline-runner/internal/agent/job"
	"github.com/G-Research/pipeline-runner/internal/agent/reporter"
	"github.com/G-Research/pipeline-runner/internal/agent/service"
	"github.com/G-Research/pipeline-runner/pkg/api"
)

var (
	_ reporter.JobServer     = (*client.JobServerClient)(nil)
	_ reporter.ResultsServer = (*client.ResultsClient)(nil)
	_ reporter.LaunchServer  = (*client.LaunchClient)(nil)
	_ job.Queue              = (*reporter.JobServerQueue)(nil)
	_ service.JobSource      = (*client.JobRequestClient)(nil)
)

// Agent is a configured runner agent: it polls the orchestration service for jobs and runs them.
type Agent struct {
	requester   *service.JobRequester
	runner      *job.Runner
	jobServer   *client.JobServerClient
	jobRequests *client.JobRequestClient
}

func StartUp(config configuration.AgentConfiguration) (*Agent, error) {
	jobServer, err := client.NewJobServerClient(config.Server)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create job server client")
	}
	jobRequests, err := client.NewJobRequestClient(config.Server, config.Application.PoolId, config.Application.AgentName)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create job request client")
	}

	var dialStream feed.DialFunc
	if config.Stream.Enabled {
		dialStream = feed.WebsocketDialer(config.Stream.ConnectTimeout)
	}
	connectResults := resultsConnector(config.Server)
	connectLaunch := launchConnector(config.Server)

	newQueue := func() job.Queue {
		queue := reporter.NewJobServerQueue(jobServer, connectResults, connectLaunch, dialStream, config.Queue, config.Stream, clock.RealClock{})
		jobServer.OnThrottling(queue.ReportThrottling)
		return queue
	}
	runner := job.NewRunner(newQueue, clock.RealClock{}, config.Paging, config.Application.WorkDirectory, config.Application.AgentName)
	requester := service.NewJobRequester(jobRequests, runner, config.Task, clock.RealClock{})

	log.Infof("Agent %s started for pool %d against %s", config.Application.AgentName, config.Application.PoolId, config.Server.Url)
	return &Agent{
		requester:   requester,
		runner:      runner,
		jobServer:   jobServer,
		jobRequests: jobRequests,
	}, nil
}

// resultsConnector builds results clients that share the server's transport settings but talk to the
// endpoint and token advertised by the job.
func resultsConnector(server configuration.ServerConfiguration) reporter.ResultsConnector {
	return func(url string, token string) (reporter.ResultsServer, error) {
		server.Url = url
		server.AccessToken = token
		results, err := client.NewResultsClient(server)
		if err != nil {
			return nil, err
		}
		return results, nil
	}
}

func launchConnector(server configuration.ServerConfiguration) reporter.LaunchConnector {
	return func(url string, token string) (reporter.LaunchServer, error) {
		server.Url = url
		server.AccessToken = token
		launch, err := client.NewLaunchClient(server)
		if err != nil {
			return nil, err
		}
		return launch, nil
	}
}

// Run polls for and runs jobs until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	return a.requester.Run(ctx)
}

// RunJob runs a single job message and reports its completion.
func (a *Agent) RunJob(ctx context.Context, message *api.AgentJobRequestMessage) (api.JobCompletedEvent, error) {
	event := a.runner.Run(ctx, message)
	return event, a.jobRequests.CompleteJob(context.Background(), event)
}

// Check implements health.Checker.
func (a *Agent) Check() error {
	return a.requester.Check()
}

func (a *Agent) Close() {
	a.jobServer.OnThrottling(nil)
	_ = a.jobServer.Close()
	_ = a.jobRequests.Close()
}
