package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/pipeline-runner/internal/agent/configuration"
	"github.com/G-Research/pipeline-runner/internal/common/runnererrors"
	"github.com/G-Research/pipeline-runner/pkg/api"
)

const (
	completeJobAttempts = 5
	completeJobDelay    = 2 * time.Second
)

// JobRequestClient acquires job assignments for an agent pool and reports their completion.
type JobRequestClient struct {
	*httpClient
	poolId    int
	agentName string

	// Wait between CompleteJob attempts.
	completeDelay time.Duration
}

func NewJobRequestClient(config configuration.ServerConfiguration, poolId int, agentName string) (*JobRequestClient, error) {
	c, err := newHttpClient(config)
	if err != nil {
		return nil, err
	}
	return &JobRequestClient{httpClient: c, poolId: poolId, agentName: agentName, completeDelay: completeJobDelay}, nil
}

// AcquireJob returns the next job assigned to this agent, or nil if there is none.
func (c *JobRequestClient) AcquireJob(ctx context.Context) (*api.AgentJobRequestMessage, error) {
	pool := strconv.Itoa(c.poolId)
	message := &api.AgentJobRequestMessage{}
	hasContent, err := c.do(ctx, request{
		operation:    "acquire job",
		method:       http.MethodGet,
		url:          c.url("_apis", "distributedtask", "pools", pool, "messages"),
		query:        url.Values{"agentName": {c.agentName}},
		resourceType: "pool",
		value:        pool,
	}, message)
	if err != nil || !hasContent {
		return nil, err
	}
	return message, nil
}

// CompleteJob reports the outcome of a job. Losing a completion leaves the job hanging on the server,
// so it is retried well past the transport's own retries. Invalid requests are not retried.
func (c *JobRequestClient) CompleteJob(ctx context.Context, event api.JobCompletedEvent) error {
	pool := strconv.Itoa(c.poolId)
	requestId := strconv.FormatInt(event.RequestId, 10)
	return retry.Do(
		func() error {
			_, err := c.do(ctx, request{
				operation:    "complete job",
				method:       http.MethodPost,
				url:          c.url("_apis", "distributedtask", "pools", pool, "jobrequests", requestId, "complete"),
				body:         event,
				resourceType: "job request",
				value:        requestId,
			}, nil)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(completeJobAttempts),
		retry.Delay(c.completeDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var invalid *runnererrors.ErrInvalidArgument
			return !errors.As(err, &invalid) && !runnererrors.IsNotFound(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Failed to complete job request %s (attempt %d), retrying", requestId, n+1)
		}),
	)
}
