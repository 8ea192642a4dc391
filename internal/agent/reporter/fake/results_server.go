package fake

import (
	"context"
	"sync"

	"github.com/G-Research/pipeline-runner/pkg/api"
)

type ResultsUpload struct {
	Kind       string
	StepId     string
	Path       string
	Finalize   bool
	FirstBlock bool
	TotalLines int64
}

const (
	UploadKindStepSummary = "step-summary"
	UploadKindStepLog     = "step-log"
	UploadKindJobLog      = "job-log"
)

type ConsoleFeed struct {
	StepId    string
	Lines     []string
	StartLine *int64
}

// FakeResultsServer records every call. Errors set on it are returned by the matching calls.
type FakeResultsServer struct {
	FeedErr   error
	StepsErr  error
	UploadErr error

	mutex   sync.Mutex
	feeds   []ConsoleFeed
	steps   [][]*api.TimelineRecord
	uploads []ResultsUpload
	closed  bool
}

func NewFakeResultsServer() *FakeResultsServer {
	return &FakeResultsServer{}
}

func (f *FakeResultsServer) AppendLiveConsoleFeed(_ context.Context, _ string, _ string, _ string, _ string, stepId string, lines []string, startLine *int64) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.feeds = append(f.feeds, ConsoleFeed{StepId: stepId, Lines: append([]string(nil), lines...), StartLine: startLine})
	return f.FeedErr
}

func (f *FakeResultsServer) UpdateWorkflowSteps(_ context.Context, _ string, _ string, records []*api.TimelineRecord) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	cloned := make([]*api.TimelineRecord, 0, len(records))
	for _, record := range records {
		cloned = append(cloned, record.Clone())
	}
	f.steps = append(f.steps, cloned)
	return f.StepsErr
}

func (f *FakeResultsServer) UploadStepSummary(_ context.Context, _ string, _ string, stepId string, path string) error {
	return f.recordUpload(ResultsUpload{Kind: UploadKindStepSummary, StepId: stepId, Path: path})
}

func (f *FakeResultsServer) UploadStepLog(_ context.Context, _ string, _ string, stepId string, path string, finalize bool, firstBlock bool, totalLines int64) error {
	return f.recordUpload(ResultsUpload{Kind: UploadKindStepLog, StepId: stepId, Path: path, Finalize: finalize, FirstBlock: firstBlock, TotalLines: totalLines})
}

func (f *FakeResultsServer) UploadJobLog(_ context.Context, _ string, _ string, path string, finalize bool, firstBlock bool, totalLines int64) error {
	return f.recordUpload(ResultsUpload{Kind: UploadKindJobLog, Path: path, Finalize: finalize, FirstBlock: firstBlock, TotalLines: totalLines})
}

func (f *FakeResultsServer) recordUpload(upload ResultsUpload) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.uploads = append(f.uploads, upload)
	return f.UploadErr
}

func (f *FakeResultsServer) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.closed = true
	return nil
}

func (f *FakeResultsServer) Feeds() []ConsoleFeed {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]ConsoleFeed(nil), f.feeds...)
}

func (f *FakeResultsServer) Steps() [][]*api.TimelineRecord {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([][]*api.TimelineRecord(nil), f.steps...)
}

func (f *FakeResultsServer) Uploads() []ResultsUpload {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]ResultsUpload(nil), f.uploads...)
}

func (f *FakeResultsServer) Closed() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.closed
}
