package reporter

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"

	"github.com/G-Research/pipeline-runner/internal/agent/metrics"
	"github.com/G-Research/pipeline-runner/internal/common/runnererrors"
	"github.com/G-Research/pipeline-runner/internal/common/util"
	"github.com/G-Research/pipeline-runner/pkg/api"
)

// timelineUpdates holds the pending record updates of every timeline the job knows about.
type timelineUpdates struct {
	mutex  sync.Mutex
	order  []string
	known  map[string]bool
	queues map[string]*util.Queue[*api.TimelineRecord]

	// Held for a whole processing pass, guards retryBuffer.
	processMutex sync.Mutex
	retryBuffer  map[string][]*api.TimelineRecord
}

func newTimelineUpdates() *timelineUpdates {
	return &timelineUpdates{
		known:       map[string]bool{},
		queues:      map[string]*util.Queue[*api.TimelineRecord]{},
		retryBuffer: map[string][]*api.TimelineRecord{},
	}
}

// register adds a timeline to the registry, returning false if it was already known.
func (t *timelineUpdates) register(timelineId string) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.known[timelineId] {
		return false
	}
	t.known[timelineId] = true
	t.order = append(t.order, timelineId)
	return true
}

func (t *timelineUpdates) isKnown(timelineId string) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.known[timelineId]
}

func (t *timelineUpdates) timelineIds() []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return slices.Clone(t.order)
}

func (t *timelineUpdates) enqueue(timelineId string, record *api.TimelineRecord) {
	t.mutex.Lock()
	queue, ok := t.queues[timelineId]
	if !ok {
		queue = util.NewQueue[*api.TimelineRecord]()
		t.queues[timelineId] = queue
	}
	t.mutex.Unlock()
	queue.Enqueue(record)
}

func (t *timelineUpdates) dequeue(timelineId string, limit int) []*api.TimelineRecord {
	t.mutex.Lock()
	queue, ok := t.queues[timelineId]
	t.mutex.Unlock()
	if !ok {
		return nil
	}
	return queue.DequeueUpTo(limit)
}

func (t *timelineUpdates) bufferedRecordCount() int {
	count := 0
	for _, records := range t.retryBuffer {
		count += len(records)
	}
	return count
}

// processTimelineUpdates delivers pending record updates for every registered timeline. Updates that
// fail are kept and sent again, merged with newer updates, on the next pass.
//
// When draining, passes repeat for as long as new sub-timelines keep appearing. The drain then fails
// with *runnererrors.ErrOutputVariablesLost if the root timeline still has undelivered records that
// carry output variables. Every other failure is only logged.
func (q *JobServerQueue) processTimelineUpdates(drain bool) error {
	q.timelines.processMutex.Lock()
	defer q.timelines.processMutex.Unlock()

	for {
		createdSubTimeline, rootErrors := q.updateTimelines(drain)
		if !drain {
			return nil
		}
		if createdSubTimeline {
			continue
		}
		if len(rootErrors) == 0 {
			return nil
		}
		for _, record := range q.timelines.retryBuffer[q.jobTimelineId] {
			if record.HasOutputVariables() {
				return &runnererrors.ErrOutputVariablesLost{
					TimelineId: q.jobTimelineId,
					Errors:     multierror.Append(nil, rootErrors...),
				}
			}
		}
		log.WithError(multierror.Append(nil, rootErrors...)).Warnf("Giving up on %d records of timeline %s", len(q.timelines.retryBuffer[q.jobTimelineId]), q.jobTimelineId)
		return nil
	}
}

// updateTimelines runs one pass over the registry. It reports whether a sub-timeline was created and
// the errors returned while updating the root timeline.
func (q *JobServerQueue) updateTimelines(drain bool) (bool, []error) {
	limit := timelineRecordsPerCycle
	if drain {
		limit = 0
	}

	var pending []*PendingTimelineRecord
	for _, timelineId := range q.timelines.timelineIds() {
		records := q.timelines.dequeue(timelineId, limit)
		buffered := q.timelines.retryBuffer[timelineId]
		if len(records) == 0 && len(buffered) == 0 {
			continue
		}
		pending = append(pending, &PendingTimelineRecord{
			TimelineId: timelineId,
			Records:    append(slices.Clone(buffered), records...),
		})
	}

	createdSubTimeline := false
	var rootErrors []error
	for _, update := range pending {
		update.Records = MergeTimelineRecords(update.Records)
		if q.createSubTimelines(update.Records) {
			createdSubTimeline = true
		}

		err := q.sendTimelineRecords(update)
		metrics.TimelineUpdates.WithLabelValues(metrics.Outcome(err)).Inc()
		if err != nil {
			log.WithError(err).Warnf("Failed to update %d records of timeline %s, will retry", len(update.Records), update.TimelineId)
			q.timelines.retryBuffer[update.TimelineId] = update.Records
			if update.TimelineId == q.jobTimelineId {
				rootErrors = append(rootErrors, err)
			}
			continue
		}

		delete(q.timelines.retryBuffer, update.TimelineId)
		if update.TimelineId != q.jobTimelineId {
			continue
		}
		for _, record := range update.Records {
			if record.Id == q.jobRecordId && record.State != nil {
				q.signalJobRecordUpdated()
			}
		}
	}
	metrics.BufferedTimelineRecords.Set(float64(q.timelines.bufferedRecordCount()))
	return createdSubTimeline, rootErrors
}

// createSubTimelines creates the timelines referenced by record details that aren't registered yet.
// A failure is logged and the records are still sent.
func (q *JobServerQueue) createSubTimelines(records []*api.TimelineRecord) bool {
	created := false
	for _, record := range records {
		if record.Details == nil || record.Details.Id == "" || q.timelines.isKnown(record.Details.Id) {
			continue
		}
		timelineId := record.Details.Id
		if !q.resultsOnly {
			_, err := q.jobServer.CreateTimeline(context.Background(), q.plan, timelineId)
			if err != nil && !runnererrors.IsAlreadyExists(err) {
				log.WithError(err).Errorf("Failed to create timeline %s for record %s", timelineId, record.Id)
				continue
			}
			if err != nil {
				log.Infof("Timeline %s already exists", timelineId)
			}
		}
		if q.timelines.register(timelineId) {
			created = true
		}
	}
	return created
}

func (q *JobServerQueue) sendTimelineRecords(update *PendingTimelineRecord) error {
	ctx := context.Background()
	if q.resultsOnly {
		return q.results.UpdateWorkflowSteps(ctx, q.plan.PlanId, q.jobRecordId, update.Records)
	}

	_, err := q.jobServer.UpdateTimelineRecords(ctx, q.plan, update.TimelineId, update.Records)
	if q.resultsClientInitiated.Load() {
		if resultsErr := q.results.UpdateWorkflowSteps(ctx, q.plan.PlanId, q.jobRecordId, update.Records); resultsErr != nil {
			log.WithError(resultsErr).Infof("Failed to mirror timeline %s to the results service", update.TimelineId)
		}
	}
	return err
}
