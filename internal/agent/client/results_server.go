package client

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/G-Research/pipeline-runner/internal/agent/configuration"
	"github.com/G-Research/pipeline-runner/internal/common/compress"
	"github.com/G-Research/pipeline-runner/internal/common/util"
	"github.com/G-Research/pipeline-runner/pkg/api"
)

const (
	receiverService   = "twirp/results.services.receiver.Receiver"
	stepUpdateService = "twirp/github.actions.results.api.v1.WorkflowStepUpdateService"

	blobTypeHeader = "x-ms-blob-type"
	appendBlob     = "AppendBlob"
	blockBlob      = "BlockBlob"
)

// Step status and conclusion values understood by the results service.
const (
	stepStatusPending    = 1
	stepStatusInProgress = 3
	stepStatusCompleted  = 6

	stepConclusionSuccess   = 2
	stepConclusionFailure   = 3
	stepConclusionCancelled = 4
	stepConclusionSkipped   = 7
)

type signedUrlRequest struct {
	WorkflowRunBackendId    string `json:"workflow_run_backend_id"`
	WorkflowJobRunBackendId string `json:"workflow_job_run_backend_id"`
	StepBackendId           string `json:"step_backend_id,omitempty"`
}

type signedUrlResponse struct {
	LogsUrl         string `json:"logs_url,omitempty"`
	SummaryUrl      string `json:"summary_url,omitempty"`
	BlobStorageType string `json:"blob_storage_type"`
}

type metadataRequest struct {
	WorkflowRunBackendId    string    `json:"workflow_run_backend_id"`
	WorkflowJobRunBackendId string    `json:"workflow_job_run_backend_id"`
	StepBackendId           string    `json:"step_backend_id,omitempty"`
	UploadedAt              time.Time `json:"uploaded_at"`
	LineCount               int64     `json:"line_count,omitempty"`
}

type liveConsoleRequest struct {
	WorkflowRunBackendId    string   `json:"workflow_run_backend_id"`
	WorkflowJobRunBackendId string   `json:"workflow_job_run_backend_id"`
	TimelineId              string   `json:"timeline_id"`
	TimelineRecordId        string   `json:"timeline_record_id"`
	StepRecordId            string   `json:"step_record_id"`
	StartLine               *int64   `json:"start_line,omitempty"`
	Lines                   []string `json:"lines"`
}

type workflowStep struct {
	ExternalId  string     `json:"external_id"`
	Number      int        `json:"number,omitempty"`
	Name        string     `json:"name,omitempty"`
	Status      int        `json:"status,omitempty"`
	Conclusion  int        `json:"conclusion,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type stepsUpdateRequest struct {
	WorkflowRunBackendId    string         `json:"workflow_run_backend_id"`
	WorkflowJobRunBackendId string         `json:"workflow_job_run_backend_id"`
	ChangeOrder             int64          `json:"change_order"`
	Steps                   []workflowStep `json:"steps"`
}

// ResultsClient uploads job telemetry to the results service. Logs arrive in blocks, the first block
// of a log creates an append blob and every block, gzipped, is appended to it.
type ResultsClient struct {
	*httpClient
	compressionLevel int

	mutex       sync.Mutex
	changeOrder int64
	logUrls     map[string]string
}

func NewResultsClient(config configuration.ServerConfiguration) (*ResultsClient, error) {
	c, err := newHttpClient(config)
	if err != nil {
		return nil, err
	}
	return &ResultsClient{
		httpClient:       c,
		compressionLevel: gzip.DefaultCompression,
		logUrls:          map[string]string{},
	}, nil
}

func (c *ResultsClient) AppendLiveConsoleFeed(ctx context.Context, planId string, jobId string, timelineId string, recordId string, stepId string, lines []string, startLine *int64) error {
	_, err := c.do(ctx, request{
		operation: "append live console feed",
		method:    http.MethodPost,
		url:       c.url(receiverService, "AppendLiveConsoleFeed"),
		body: liveConsoleRequest{
			WorkflowRunBackendId:    planId,
			WorkflowJobRunBackendId: jobId,
			TimelineId:              timelineId,
			TimelineRecordId:        recordId,
			StepRecordId:            stepId,
			StartLine:               startLine,
			Lines:                   lines,
		},
		resourceType: "step",
		value:        stepId,
	}, nil)
	return err
}

// UpdateWorkflowSteps reports the task records of a batch as workflow steps. Other records are ignored.
func (c *ResultsClient) UpdateWorkflowSteps(ctx context.Context, planId string, jobId string, records []*api.TimelineRecord) error {
	steps := make([]workflowStep, 0, len(records))
	for _, record := range records {
		if record.RecordType != "" && record.RecordType != api.RecordType_Task {
			continue
		}
		steps = append(steps, toWorkflowStep(record))
	}
	if len(steps) == 0 {
		return nil
	}

	c.mutex.Lock()
	c.changeOrder++
	changeOrder := c.changeOrder
	c.mutex.Unlock()

	_, err := c.do(ctx, request{
		operation: "update workflow steps",
		method:    http.MethodPost,
		url:       c.url(stepUpdateService, "WorkflowStepsUpdate"),
		body: stepsUpdateRequest{
			WorkflowRunBackendId:    planId,
			WorkflowJobRunBackendId: jobId,
			ChangeOrder:             changeOrder,
			Steps:                   steps,
		},
		resourceType: "job",
		value:        jobId,
	}, nil)
	return err
}

func toWorkflowStep(record *api.TimelineRecord) workflowStep {
	step := workflowStep{
		ExternalId:  record.Id,
		Name:        record.Name,
		StartedAt:   record.StartTime,
		CompletedAt: record.FinishTime,
	}
	if record.Order != nil {
		step.Number = *record.Order
	}
	if record.State != nil {
		switch *record.State {
		case api.TimelineRecordState_Pending:
			step.Status = stepStatusPending
		case api.TimelineRecordState_InProgress:
			step.Status = stepStatusInProgress
		case api.TimelineRecordState_Completed:
			step.Status = stepStatusCompleted
		}
	}
	if record.Result != nil {
		switch *record.Result {
		case api.TaskResult_Succeeded, api.TaskResult_SucceededWithIssues:
			step.Conclusion = stepConclusionSuccess
		case api.TaskResult_Failed, api.TaskResult_Abandoned:
			step.Conclusion = stepConclusionFailure
		case api.TaskResult_Canceled:
			step.Conclusion = stepConclusionCancelled
		case api.TaskResult_Skipped:
			step.Conclusion = stepConclusionSkipped
		}
	}
	return step
}

func (c *ResultsClient) UploadStepSummary(ctx context.Context, planId string, jobId string, stepId string, path string) error {
	target := signedUrlRequest{WorkflowRunBackendId: planId, WorkflowJobRunBackendId: jobId, StepBackendId: stepId}

	var content []byte
	var summaryUrl string
	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		content, err = c.compressFile(path)
		return err
	})
	g.Go(func() error {
		var response signedUrlResponse
		if _, err := c.do(groupCtx, c.receiverRequest("GetStepSummarySignedBlobURL", target), &response); err != nil {
			return err
		}
		summaryUrl = response.SummaryUrl
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := c.putBlob(ctx, summaryUrl, blockBlob, content); err != nil {
		return err
	}
	return c.createMetadata(ctx, "CreateStepSummaryMetadata", target, 0)
}

func (c *ResultsClient) UploadStepLog(ctx context.Context, planId string, jobId string, stepId string, path string, finalize bool, firstBlock bool, totalLines int64) error {
	target := signedUrlRequest{WorkflowRunBackendId: planId, WorkflowJobRunBackendId: jobId, StepBackendId: stepId}
	return c.uploadLogBlock(ctx, "GetStepLogsSignedBlobURL", "CreateStepLogsMetadata", target, path, finalize, firstBlock, totalLines)
}

func (c *ResultsClient) UploadJobLog(ctx context.Context, planId string, jobId string, path string, finalize bool, firstBlock bool, totalLines int64) error {
	target := signedUrlRequest{WorkflowRunBackendId: planId, WorkflowJobRunBackendId: jobId}
	return c.uploadLogBlock(ctx, "GetJobLogsSignedBlobURL", "CreateJobLogsMetadata", target, path, finalize, firstBlock, totalLines)
}

func (c *ResultsClient) uploadLogBlock(ctx context.Context, urlMethod string, metadataMethod string, target signedUrlRequest, path string, finalize bool, firstBlock bool, totalLines int64) error {
	key := target.WorkflowJobRunBackendId + "/" + target.StepBackendId

	var content []byte
	var logUrl string
	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		content, err = c.compressFile(path)
		return err
	})
	g.Go(func() error {
		var err error
		logUrl, err = c.logUrl(groupCtx, key, urlMethod, target, firstBlock)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if err := c.appendBlock(ctx, logUrl, content); err != nil {
		return err
	}
	if !finalize {
		return nil
	}

	c.mutex.Lock()
	delete(c.logUrls, key)
	c.mutex.Unlock()
	return c.createMetadata(ctx, metadataMethod, target, totalLines)
}

// logUrl returns the blob a log's blocks are appended to, creating it for the first block.
func (c *ResultsClient) logUrl(ctx context.Context, key string, method string, target signedUrlRequest, firstBlock bool) (string, error) {
	c.mutex.Lock()
	existing, ok := c.logUrls[key]
	c.mutex.Unlock()
	if ok && !firstBlock {
		return existing, nil
	}

	var response signedUrlResponse
	if _, err := c.do(ctx, c.receiverRequest(method, target), &response); err != nil {
		return "", err
	}
	if response.LogsUrl == "" {
		return "", errors.Errorf("%s returned no url for %s", method, key)
	}
	if err := c.putBlob(ctx, response.LogsUrl, appendBlob, nil); err != nil {
		return "", err
	}

	c.mutex.Lock()
	c.logUrls[key] = response.LogsUrl
	c.mutex.Unlock()
	return response.LogsUrl, nil
}

func (c *ResultsClient) receiverRequest(method string, body interface{}) request {
	return request{
		operation:    method,
		method:       http.MethodPost,
		url:          c.url(receiverService, method),
		body:         body,
		resourceType: "job",
	}
}

func (c *ResultsClient) createMetadata(ctx context.Context, method string, target signedUrlRequest, lineCount int64) error {
	_, err := c.do(ctx, c.receiverRequest(method, metadataRequest{
		WorkflowRunBackendId:    target.WorkflowRunBackendId,
		WorkflowJobRunBackendId: target.WorkflowJobRunBackendId,
		StepBackendId:           target.StepBackendId,
		UploadedAt:              time.Now().UTC(),
		LineCount:               lineCount,
	}), nil)
	return err
}

func (c *ResultsClient) putBlob(ctx context.Context, blobUrl string, blobType string, content []byte) error {
	r := request{
		operation: "create blob",
		method:    http.MethodPut,
		url:       blobUrl,
		headers:   map[string]string{blobTypeHeader: blobType},
		anonymous: true,
	}
	if content != nil {
		r.content = bytes.NewReader(content)
		r.headers["Content-Encoding"] = "gzip"
	}
	_, err := c.do(ctx, r, nil)
	return err
}

func (c *ResultsClient) appendBlock(ctx context.Context, blobUrl string, content []byte) error {
	_, err := c.do(ctx, request{
		operation: "append block",
		method:    http.MethodPut,
		url:       blobUrl,
		query:     map[string][]string{"comp": {"appendblock"}},
		content:   bytes.NewReader(content),
		headers:   map[string]string{"Content-Encoding": "gzip"},
		anonymous: true,
	}, nil)
	return err
}

func (c *ResultsClient) compressFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer util.CloseResource(path, file)

	compressor, err := compress.NewGzipCompressor(c.compressionLevel)
	if err != nil {
		return nil, err
	}
	return compressor.Compress(file)
}
