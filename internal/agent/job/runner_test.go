package job

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/utils/clock"

	"github.com/G-Research/pipeline-runner/internal/agent/configuration"
	"github.com/G-Research/pipeline-runner/internal/agent/reporter"
	"github.com/G-Research/pipeline-runner/internal/agent/reporter/fake"
	"github.com/G-Research/pipeline-runner/pkg/api"
)

const (
	timelineId = "timeline"
	jobId      = "job"
)

type consoleLine struct {
	recordId   string
	line       string
	lineNumber int64
}

type upload struct {
	recordId       string
	attachmentType string
	name           string
	path           string
}

type fakeQueue struct {
	StartErr           error
	ShutdownErr        error
	ThrottleOnRegister bool

	mutex       sync.Mutex
	started     bool
	resultsOnly bool
	shutdown    bool
	records     []*api.TimelineRecord
	console     []consoleLine
	files       []upload
	results     []upload
}

func (f *fakeQueue) Start(_ *api.AgentJobRequestMessage, resultsServiceOnly bool) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	f.started = true
	f.resultsOnly = resultsServiceOnly
	return nil
}

func (f *fakeQueue) Shutdown() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.shutdown = true
	return f.ShutdownErr
}

func (f *fakeQueue) QueueWebConsoleLine(stepRecordId string, line string, lineNumber *int64) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.console = append(f.console, consoleLine{recordId: stepRecordId, line: line, lineNumber: *lineNumber})
}

func (f *fakeQueue) QueueTimelineRecordUpdate(_ string, record *api.TimelineRecord) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.records = append(f.records, record.Clone())
}

func (f *fakeQueue) QueueFileUpload(_ string, recordId string, attachmentType string, name string, path string, _ bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.files = append(f.files, upload{recordId: recordId, attachmentType: attachmentType, name: name, path: path})
}

func (f *fakeQueue) QueueResultsUpload(recordId string, name string, path string, attachmentType string, _ bool, _ bool, _ bool, _ int64) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.results = append(f.results, upload{recordId: recordId, attachmentType: attachmentType, name: name, path: path})
}

func (f *fakeQueue) OnThrottling(handler reporter.ThrottlingHandler) {
	if f.ThrottleOnRegister {
		handler(time.Minute, time.Date(2022, 1, 1, 0, 1, 0, 0, time.UTC))
	}
}

// record returns every update queued for id merged into one.
func (f *fakeQueue) record(id string) *api.TimelineRecord {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var updates []*api.TimelineRecord
	for _, record := range f.records {
		if record.Id == id {
			updates = append(updates, record)
		}
	}
	if len(updates) == 0 {
		return nil
	}
	return reporter.MergeTimelineRecords(updates)[0]
}

func (f *fakeQueue) consoleFor(recordId string) []consoleLine {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var lines []consoleLine
	for _, line := range f.console {
		if line.recordId == recordId {
			lines = append(lines, line)
		}
	}
	return lines
}

func TestRunner_ReportsStepsAndOutputs(t *testing.T) {
	runner, queue := setupRunner(t)

	event := runner.Run(context.Background(), testMessage(
		&api.JobStep{Id: "build", DisplayName: "Build", Script: "echo hello\necho '::warning::careful'"},
		&api.JobStep{Id: "version", Script: "echo '::set-output name=version::1.2.3'"},
	))

	assert.Equal(t, api.TaskResult_Succeeded, event.Result)
	assert.Equal(t, int64(7), event.RequestId)
	assert.Equal(t, map[string]api.VariableValue{"version": {Value: "1.2.3"}}, event.Outputs)
	assert.True(t, queue.started)
	assert.True(t, queue.shutdown)

	assert.Equal(t, []consoleLine{
		{recordId: "build", line: "hello", lineNumber: 1},
		{recordId: "build", line: "::warning::careful", lineNumber: 2},
	}, queue.consoleFor("build"))
	assert.Empty(t, queue.consoleFor("version"))

	build := queue.record("build")
	require.NotNil(t, build)
	assert.Equal(t, jobId, build.ParentId)
	assert.Equal(t, api.RecordType_Task, build.RecordType)
	assert.Equal(t, "Build", build.Name)
	assert.Equal(t, 1, *build.Order)
	assert.Equal(t, api.TimelineRecordState_Completed, *build.State)
	assert.Equal(t, api.TaskResult_Succeeded, *build.Result)
	assert.Equal(t, 1, *build.WarningCount)
	assert.Equal(t, []api.Issue{{Type: api.IssueType_Warning, Message: "careful"}}, build.Issues)
	assert.NotNil(t, build.StartTime)
	assert.NotNil(t, build.FinishTime)

	job := queue.record(jobId)
	require.NotNil(t, job)
	assert.Equal(t, api.RecordType_Job, job.RecordType)
	assert.Equal(t, "agent", job.WorkerName)
	assert.Equal(t, api.TimelineRecordState_Completed, *job.State)
	assert.Equal(t, api.TaskResult_Succeeded, *job.Result)
	assert.Equal(t, map[string]api.VariableValue{"version": {Value: "1.2.3"}}, job.Variables)
}

func TestRunner_UploadsStepLogs(t *testing.T) {
	runner, queue := setupRunner(t)

	runner.Run(context.Background(), testMessage(&api.JobStep{Id: "build", Script: "echo hello"}))

	var page upload
	for _, file := range queue.files {
		if file.recordId == "build" {
			page = file
		}
	}
	require.NotEmpty(t, page.path)
	assert.Equal(t, api.AttachmentType_Log, page.attachmentType)
	content, err := os.ReadFile(page.path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(content), " hello\n"))
}

func TestRunner_FailedStepSkipsTheRest(t *testing.T) {
	runner, queue := setupRunner(t)

	event := runner.Run(context.Background(), testMessage(
		&api.JobStep{Id: "fail", Script: "exit 3"},
		&api.JobStep{Id: "after", Script: "echo never"},
	))

	assert.Equal(t, api.TaskResult_Failed, event.Result)
	failed := queue.record("fail")
	assert.Equal(t, api.TaskResult_Failed, *failed.Result)
	assert.Equal(t, 1, *failed.ErrorCount)
	assert.Equal(t, "Process completed with exit code 3.", failed.Issues[0].Message)

	after := queue.record("after")
	assert.Equal(t, api.TaskResult_Skipped, *after.Result)
	assert.Equal(t, api.TimelineRecordState_Completed, *after.State)
	assert.Empty(t, queue.consoleFor("after"))
	assert.Equal(t, api.TaskResult_Failed, *queue.record(jobId).Result)
}

func TestRunner_ContinueOnError(t *testing.T) {
	runner, queue := setupRunner(t)

	event := runner.Run(context.Background(), testMessage(
		&api.JobStep{Id: "flaky", Script: "exit 1", ContinueOnError: true},
		&api.JobStep{Id: "after", Script: "echo ran"},
	))

	assert.Equal(t, api.TaskResult_SucceededWithIssues, event.Result)
	assert.Equal(t, api.TaskResult_Succeeded, *queue.record("after").Result)
	assert.Len(t, queue.consoleFor("after"), 1)
}

func TestRunner_UploadsStepSummary(t *testing.T) {
	runner, queue := setupRunner(t)

	runner.Run(context.Background(), testMessage(
		&api.JobStep{Id: "summary", Script: `echo "# Results" >> "$RUNNER_STEP_SUMMARY"`},
		&api.JobStep{Id: "quiet", Script: "true"},
	))

	var summaries []upload
	for _, file := range queue.results {
		if file.attachmentType == api.AttachmentType_StepSummary {
			summaries = append(summaries, file)
		}
	}
	require.Len(t, summaries, 1)
	assert.Equal(t, "summary", summaries[0].recordId)
	content, err := os.ReadFile(summaries[0].path)
	require.NoError(t, err)
	assert.Equal(t, "# Results\n", string(content))
}

func TestRunner_StepEnvironment(t *testing.T) {
	runner, queue := setupRunner(t)

	runner.Run(context.Background(), testMessage(&api.JobStep{
		Id:          "env",
		Script:      `echo "$GREETING"`,
		Environment: map[string]string{"GREETING": "hi there"},
	}))

	lines := queue.consoleFor("env")
	require.Len(t, lines, 1)
	assert.Equal(t, "hi there", lines[0].line)
}

func TestRunner_AssignsMissingStepIds(t *testing.T) {
	runner, queue := setupRunner(t)
	step := &api.JobStep{Script: "echo hello"}

	runner.Run(context.Background(), testMessage(step))

	require.NotEmpty(t, step.Id)
	assert.Len(t, queue.consoleFor(step.Id), 1)
	assert.Equal(t, "Run script", queue.record(step.Id).Name)
}

func TestRunner_CanceledJob(t *testing.T) {
	runner, queue := setupRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	event := runner.Run(ctx, testMessage(&api.JobStep{Id: "build", Script: "echo hello"}))

	assert.Equal(t, api.TaskResult_Canceled, event.Result)
	assert.Equal(t, api.TaskResult_Canceled, *queue.record("build").Result)
	assert.Empty(t, queue.consoleFor("build"))
}

func TestRunner_StartFailureFailsJob(t *testing.T) {
	runner, queue := setupRunner(t)
	queue.StartErr = errors.New("no system connection")

	event := runner.Run(context.Background(), testMessage(&api.JobStep{Id: "build", Script: "echo hello"}))

	assert.Equal(t, api.TaskResult_Failed, event.Result)
	assert.Empty(t, queue.records)
	assert.False(t, queue.shutdown)
}

func TestRunner_ShutdownFailureFailsJob(t *testing.T) {
	runner, queue := setupRunner(t)
	queue.ShutdownErr = errors.New("output variables lost")

	event := runner.Run(context.Background(), testMessage(&api.JobStep{Id: "build", Script: "echo hello"}))

	assert.Equal(t, api.TaskResult_Failed, event.Result)
	assert.Equal(t, api.TaskResult_Succeeded, *queue.record(jobId).Result)
}

func TestRunner_ResultsServiceOnly(t *testing.T) {
	runner, queue := setupRunner(t)
	message := testMessage()
	message.Variables = map[string]api.VariableValue{api.Variable_ResultsServiceOnly: {Value: "true"}}

	runner.Run(context.Background(), message)

	assert.True(t, queue.resultsOnly)
}

func TestRunner_LogsThrottlingToJobLog(t *testing.T) {
	runner, queue := setupRunner(t)
	queue.ThrottleOnRegister = true

	runner.Run(context.Background(), testMessage())

	var jobPage string
	for _, file := range queue.files {
		if file.recordId == jobId {
			jobPage = file.path
		}
	}
	require.NotEmpty(t, jobPage)
	content, err := os.ReadFile(jobPage)
	require.NoError(t, err)
	assert.Contains(t, string(content), "throttled by the server, delaying 1m0s until 2022-01-01T00:01:00Z")
}

func TestRunner_DeliversThroughJobServerQueue(t *testing.T) {
	requireShell(t)
	jobServer := fake.NewFakeJobServer()
	queueConfig := configuration.QueueConfiguration{
		ConsoleLineInterval:           10 * time.Millisecond,
		ConsoleLineAggressiveInterval: 10 * time.Millisecond,
		TimelineUpdateInterval:        10 * time.Millisecond,
		FileUploadInterval:            10 * time.Millisecond,
		ShutdownTimeout:               5 * time.Second,
	}
	newQueue := func() Queue {
		return reporter.NewJobServerQueue(jobServer, nil, nil, nil, queueConfig, configuration.StreamConfiguration{}, clock.RealClock{})
	}
	runner := NewRunner(newQueue, clock.RealClock{}, testPaging(), t.TempDir(), "agent")

	event := runner.Run(context.Background(), testMessage(
		&api.JobStep{Id: "build", Script: "echo hello\necho '::set-output name=artifact::app.tar'"},
	))

	assert.Equal(t, api.TaskResult_Succeeded, event.Result)

	job := deliveredRecord(jobServer, jobId)
	require.NotNil(t, job)
	assert.Equal(t, api.TimelineRecordState_Completed, *job.State)
	assert.Equal(t, map[string]api.VariableValue{"artifact": {Value: "app.tar"}}, job.Variables)

	var fed []string
	for _, call := range jobServer.Feeds() {
		fed = append(fed, call.Lines.Value...)
	}
	assert.Contains(t, fed, "hello")

	var logged bool
	for _, uploaded := range jobServer.Logs() {
		logged = logged || strings.Contains(uploaded.Content, " hello\n")
	}
	assert.True(t, logged)
	assert.NotNil(t, deliveredRecord(jobServer, "build").Log)
}

// deliveredRecord merges every update the job server received for id.
func deliveredRecord(jobServer *fake.FakeJobServer, id string) *api.TimelineRecord {
	var updates []*api.TimelineRecord
	for _, update := range jobServer.Updates() {
		for _, record := range update.Records {
			if record.Id == id {
				updates = append(updates, record)
			}
		}
	}
	if len(updates) == 0 {
		return nil
	}
	return reporter.MergeTimelineRecords(updates)[0]
}

func setupRunner(t *testing.T) (*Runner, *fakeQueue) {
	requireShell(t)
	queue := &fakeQueue{}
	runner := NewRunner(func() Queue { return queue }, clock.RealClock{}, testPaging(), t.TempDir(), "agent")
	return runner, queue
}

func requireShell(t *testing.T) {
	if _, err := exec.LookPath(defaultShell); err != nil {
		t.Skipf("%s is not available", defaultShell)
	}
}

func testPaging() configuration.PagingConfiguration {
	return configuration.PagingConfiguration{
		PageSize:  resource.MustParse("1Mi"),
		BlockSize: resource.MustParse("1Mi"),
		Directory: "pages",
	}
}

func testMessage(steps ...*api.JobStep) *api.AgentJobRequestMessage {
	return &api.AgentJobRequestMessage{
		RequestId:      7,
		Plan:           api.PlanReference{ScopeIdentifier: "scope", PlanType: "actions", PlanId: "plan"},
		Timeline:       api.TimelineReference{Id: timelineId},
		JobId:          jobId,
		JobDisplayName: "Build and test",
		Resources: api.JobResources{Endpoints: []*api.ServiceEndpoint{{
			Name:          api.Endpoint_SystemConnection,
			Authorization: &api.EndpointAuthorization{Parameters: map[string]string{api.EndpointAuthParam_AccessToken: "token"}},
		}}},
		Steps: steps,
	}
}
