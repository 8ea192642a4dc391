package reporter

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/G-Research/pipeline-runner/internal/agent/metrics"
	"github.com/G-Research/pipeline-runner/internal/common/util"
)

// processConsoleLines sends queued console lines grouped by step, in batches. Delivery is best effort:
// failed batches are not retried and, when draining, only the latest batches of each step are kept.
func (q *JobServerQueue) processConsoleLines(drain bool) {
	limit := consoleLinesPerCycle
	if drain {
		limit = 0
	}
	lines := q.consoleLines.DequeueUpTo(limit)
	if len(lines) == 0 {
		return
	}

	var stepIds []string
	linesByStep := map[string][]*ConsoleLineInfo{}
	for _, line := range lines {
		if _, seen := linesByStep[line.StepRecordId]; !seen {
			stepIds = append(stepIds, line.StepRecordId)
		}
		linesByStep[line.StepRecordId] = append(linesByStep[line.StepRecordId], line)
	}

	for _, stepId := range stepIds {
		batches := util.Batch(linesByStep[stepId], consoleLinesPerBatch)
		if drain && len(batches) > consoleBatchesOnDrain {
			skipped := 0
			for _, batch := range batches[:len(batches)-consoleBatchesOnDrain] {
				skipped += len(batch)
			}
			metrics.ConsoleLinesDropped.WithLabelValues("shutdown").Add(float64(skipped))
			log.Infof("Skipping %d console lines of step %s while draining", skipped, stepId)
			batches = util.LastN(batches, consoleBatchesOnDrain)
		}

		failed := 0
		for _, batch := range batches {
			if err := q.appendConsoleBatch(stepId, batch); err != nil {
				failed++
				log.WithError(err).Warnf("Failed to append %d console lines for step %s", len(batch), stepId)
			}
		}
		if failed > 0 {
			log.Infof("Appended %d of %d console line batches for step %s", len(batches)-failed, len(batches), stepId)
		}
	}
}

func (q *JobServerQueue) appendConsoleBatch(stepId string, batch []*ConsoleLineInfo) error {
	ctx, cancel := context.WithTimeout(context.Background(), consoleCallTimeout)
	defer cancel()

	lines := make([]string, 0, len(batch))
	for _, line := range batch {
		lines = append(lines, line.Line)
	}
	startLine := batch[0].LineNumber

	if q.resultsOnly {
		err := q.results.AppendLiveConsoleFeed(ctx, q.plan.PlanId, q.jobRecordId, q.jobTimelineId, q.jobRecordId, stepId, lines, startLine)
		metrics.FeedBatchesSent.WithLabelValues(metrics.TransportResults, metrics.Outcome(err)).Inc()
		return err
	}
	return q.feed.AppendLines(ctx, stepId, lines, startLine)
}
