package service

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/pipeline-runner/internal/agent/configuration"
	"github.com/G-Research/pipeline-runner/pkg/api"
)

// Completion is reported even when the agent is shutting down, within this long.
const completeJobTimeout = 2 * time.Minute

type JobSource interface {
	AcquireJob(ctx context.Context) (*api.AgentJobRequestMessage, error)
	CompleteJob(ctx context.Context, event api.JobCompletedEvent) error
}

type JobRunner interface {
	Run(ctx context.Context, message *api.AgentJobRequestMessage) api.JobCompletedEvent
}

// JobRequester polls for jobs, runs them one at a time and reports their completion. Poll failures
// back off exponentially up to MaxPollBackoff; the requester reports itself unhealthy once
// UnhealthyAfterPoll polls in a row have failed.
type JobRequester struct {
	source JobSource
	runner JobRunner
	config configuration.TaskConfiguration
	clock  clock.Clock

	mutex               sync.Mutex
	consecutiveFailures int
	lastError           error
}

func NewJobRequester(source JobSource, runner JobRunner, config configuration.TaskConfiguration, clock clock.Clock) *JobRequester {
	return &JobRequester{
		source: source,
		runner: runner,
		config: config,
		clock:  clock,
	}
}

// Run polls until ctx is cancelled.
func (r *JobRequester) Run(ctx context.Context) error {
	pollBackoff := backoff.NewExponentialBackOff()
	pollBackoff.InitialInterval = r.config.JobPollInterval
	pollBackoff.MaxInterval = r.config.MaxPollBackoff
	pollBackoff.MaxElapsedTime = 0
	pollBackoff.Clock = r.clock
	pollBackoff.Reset()

	log.Infof("Polling for jobs every %s", r.config.JobPollInterval)
	for {
		found, err := r.RequestJob(ctx)
		wait := r.config.JobPollInterval
		switch {
		case err != nil:
			wait = pollBackoff.NextBackOff()
			log.WithError(err).Warnf("Failed to poll for jobs, retrying in %s", wait)
		case found:
			pollBackoff.Reset()
			wait = 0
		default:
			pollBackoff.Reset()
		}

		select {
		case <-ctx.Done():
			log.Info("Stopped polling for jobs")
			return nil
		case <-r.clock.After(wait):
		}
	}
}

// RequestJob polls once and, if a job was assigned, runs it and reports its completion.
func (r *JobRequester) RequestJob(ctx context.Context) (bool, error) {
	message, err := r.source.AcquireJob(ctx)
	r.recordPoll(err)
	if err != nil {
		return false, err
	}
	if message == nil {
		return false, nil
	}

	log.Infof("Received job %s (request %d)", message.JobId, message.RequestId)
	event := r.runner.Run(ctx, message)

	completeCtx, cancel := context.WithTimeout(context.Background(), completeJobTimeout)
	defer cancel()
	if err := r.source.CompleteJob(completeCtx, event); err != nil {
		log.WithError(err).Errorf("Failed to report completion of job %s", message.JobId)
	}
	return true, nil
}

func (r *JobRequester) recordPoll(err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if err == nil {
		r.consecutiveFailures = 0
		r.lastError = nil
		return
	}
	r.consecutiveFailures++
	r.lastError = err
}

// Check implements health.Checker.
func (r *JobRequester) Check() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.consecutiveFailures >= r.config.UnhealthyAfterPoll {
		return errors.Wrapf(r.lastError, "%d consecutive job polls failed", r.consecutiveFailures)
	}
	return nil
}
