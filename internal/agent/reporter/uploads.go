package reporter

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/pipeline-runner/internal/agent/metrics"
	"github.com/G-Research/pipeline-runner/internal/common/util"
	"github.com/G-Research/pipeline-runner/pkg/api"
)

const (
	destinationJobServer = "job_server"
	destinationResults   = "results"
)

// processFileUploads uploads queued files one at a time. A failed upload is logged and dropped.
// TODO: retry failed log page uploads, a dropped page currently leaves a gap in the step log.
func (q *JobServerQueue) processFileUploads(drain bool) {
	limit := filesPerCycle
	if drain {
		limit = 0
	}
	files := q.files.DequeueUpTo(limit)
	if len(files) == 0 {
		return
	}

	failed := 0
	for _, file := range files {
		if q.resultsOnly {
			log.Debugf("Skipping upload of %s, the job only reports to the results service", file.Path)
			if file.DeleteSource {
				deleteUploadedFile(file.Path)
			}
			continue
		}
		err := q.uploadFile(file)
		metrics.FileUploads.WithLabelValues(destinationJobServer, metrics.Outcome(err)).Inc()
		if err != nil {
			failed++
			log.WithError(err).Errorf("Failed to upload %s for record %s", file.Path, file.TimelineRecordId)
			continue
		}
		if file.DeleteSource {
			deleteUploadedFile(file.Path)
		}
	}
	if failed > 0 {
		log.Infof("Uploaded %d of %d files", len(files)-failed, len(files))
	}
}

func (q *JobServerQueue) uploadFile(file *UploadFileInfo) error {
	ctx := context.Background()
	content, err := os.Open(file.Path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer util.CloseResource(file.Path, content)

	if !strings.EqualFold(file.Type, api.AttachmentType_Log) {
		_, err = q.jobServer.CreateAttachment(ctx, q.plan, file.TimelineId, file.TimelineRecordId, file.Type, file.Name, content)
		return err
	}

	taskLog, err := q.jobServer.CreateLog(ctx, q.plan, fmt.Sprintf(`logs\%s`, file.TimelineRecordId))
	if err != nil {
		return err
	}
	if _, err = q.jobServer.AppendLogContent(ctx, q.plan, taskLog.Id, content); err != nil {
		return err
	}
	// Only the Log field is set, the merge keeps everything else the producer sent.
	q.QueueTimelineRecordUpdate(file.TimelineId, &api.TimelineRecord{Id: file.TimelineRecordId, Log: taskLog.Reference()})
	return nil
}

// processResultsUploads uploads queued files to the results service. The first failure disables
// the results service for the rest of the job and raises an internal telemetry issue.
func (q *JobServerQueue) processResultsUploads(drain bool) {
	limit := filesPerCycle
	if drain {
		limit = 0
	}
	files := q.resultsFiles.DequeueUpTo(limit)
	if len(files) == 0 {
		return
	}

	for _, file := range files {
		if !q.resultsClientInitiated.Load() {
			if file.DeleteSource {
				deleteUploadedFile(file.Path)
			}
			continue
		}
		err := q.uploadResultsFile(file)
		metrics.FileUploads.WithLabelValues(destinationResults, metrics.Outcome(err)).Inc()
		if err != nil {
			log.WithError(err).Errorf("Failed to upload %s to the results service, disabling results uploads", file.Path)
			q.resultsClientInitiated.Store(false)
			q.reportResultsFailure(err)
			continue
		}
		if file.DeleteSource {
			deleteUploadedFile(file.Path)
		}
	}
}

func (q *JobServerQueue) uploadResultsFile(file *ResultsUploadFileInfo) error {
	ctx := context.Background()
	switch {
	case strings.EqualFold(file.Type, api.AttachmentType_StepSummary):
		return q.results.UploadStepSummary(ctx, file.PlanId, file.JobId, file.RecordId, file.Path)
	case strings.EqualFold(file.Type, api.AttachmentType_ResultsLog) && file.RecordId == q.jobRecordId:
		return q.results.UploadJobLog(ctx, file.PlanId, file.JobId, file.Path, file.Finalize, file.FirstBlock, file.TotalLines)
	case strings.EqualFold(file.Type, api.AttachmentType_ResultsLog):
		return q.results.UploadStepLog(ctx, file.PlanId, file.JobId, file.RecordId, file.Path, file.Finalize, file.FirstBlock, file.TotalLines)
	default:
		return errors.Errorf("unsupported results upload type %q for %s", file.Type, file.Path)
	}
}

// reportResultsFailure records the failure as a warning on the telemetry record of the job timeline.
func (q *JobServerQueue) reportResultsFailure(err error) {
	issue := api.Issue{
		Type:    api.IssueType_Warning,
		Message: fmt.Sprintf("Caught exception with results. %s", err.Error()),
		Data:    map[string]string{api.IssueData_InternalTelemetry: api.Telemetry_ResultsUpload},
	}
	q.QueueTimelineRecordUpdate(q.jobTimelineId, &api.TimelineRecord{
		Id:     api.TelemetryRecordId,
		Issues: []api.Issue{issue},
	})
}
