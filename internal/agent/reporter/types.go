package reporter

import "github.com/G-Research/pipeline-runner/pkg/api"

type ConsoleLineInfo struct {
	StepRecordId string
	Line         string
	LineNumber   *int64
}

type UploadFileInfo struct {
	TimelineId       string
	TimelineRecordId string
	Type             string
	Name             string
	Path             string
	DeleteSource     bool
}

type ResultsUploadFileInfo struct {
	Name         string
	Type         string
	Path         string
	PlanId       string
	JobId        string
	RecordId     string
	DeleteSource bool
	Finalize     bool
	FirstBlock   bool
	TotalLines   int64
}

// PendingTimelineRecord is the batch of updates a single timeline will send in one cycle.
type PendingTimelineRecord struct {
	TimelineId string
	Records    []*api.TimelineRecord
}
