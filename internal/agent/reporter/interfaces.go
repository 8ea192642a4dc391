package reporter

import (
	"context"
	"io"
	"time"

	"github.com/G-Research/pipeline-runner/pkg/api"
)

// JobServer is the orchestration service that owns the job's plan, timelines and logs.
type JobServer interface {
	AppendTimelineRecordFeed(ctx context.Context, plan api.PlanReference, timelineId string, recordId string, lines *api.FeedLines) error
	UpdateTimelineRecords(ctx context.Context, plan api.PlanReference, timelineId string, records []*api.TimelineRecord) ([]*api.TimelineRecord, error)
	// CreateTimeline returns an error satisfying runnererrors.IsAlreadyExists if the timeline exists.
	CreateTimeline(ctx context.Context, plan api.PlanReference, timelineId string) (*api.Timeline, error)
	CreateLog(ctx context.Context, plan api.PlanReference, path string) (*api.TaskLog, error)
	AppendLogContent(ctx context.Context, plan api.PlanReference, logId int, content io.Reader) (*api.TaskLog, error)
	CreateAttachment(ctx context.Context, plan api.PlanReference, timelineId string, recordId string, attachmentType string, name string, content io.Reader) (*api.TaskAttachment, error)
}

// ResultsServer is the secondary telemetry consumer. Every call is scoped to one plan and job.
type ResultsServer interface {
	AppendLiveConsoleFeed(ctx context.Context, planId string, jobId string, timelineId string, recordId string, stepId string, lines []string, startLine *int64) error
	UpdateWorkflowSteps(ctx context.Context, planId string, jobId string, records []*api.TimelineRecord) error
	UploadStepSummary(ctx context.Context, planId string, jobId string, stepId string, path string) error
	UploadStepLog(ctx context.Context, planId string, jobId string, stepId string, path string, finalize bool, firstBlock bool, totalLines int64) error
	UploadJobLog(ctx context.Context, planId string, jobId string, path string, finalize bool, firstBlock bool, totalLines int64) error
	Close() error
}

// LaunchServer resolves the actions a job refers to into download locations.
type LaunchServer interface {
	ResolveActionDownloadInfo(ctx context.Context, planId string, jobId string, actions []api.ActionReference) (*api.ActionDownloadInfoCollection, error)
	Close() error
}

// ResultsConnector creates a results client for the endpoint advertised in a job message.
type ResultsConnector func(url string, token string) (ResultsServer, error)

// LaunchConnector creates a launch client for the endpoint advertised in a job message.
type LaunchConnector func(url string, token string) (LaunchServer, error)

// ThrottlingHandler is notified when a server asks the agent to slow down until expiration.
type ThrottlingHandler func(delay time.Duration, expiration time.Time)
