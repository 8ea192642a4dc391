package job

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/G-Research/pipeline-runner/internal/agent/configuration"
	"github.com/G-Research/pipeline-runner/internal/agent/logwriter"
	"github.com/G-Research/pipeline-runner/internal/agent/metrics"
	"github.com/G-Research/pipeline-runner/internal/agent/reporter"
	"github.com/G-Research/pipeline-runner/internal/common/pointer"
	"github.com/G-Research/pipeline-runner/pkg/api"
)

const (
	defaultShell = "bash"

	stepSummaryEnv    = "RUNNER_STEP_SUMMARY"
	stepSummaryName   = "StepSummary"
	fileCommandsDir   = "_temp/_runner_file_commands"
	maxOutputLineSize = 1024 * 1024
)

// Queue is the telemetry sink of a single job. *reporter.JobServerQueue implements it.
type Queue interface {
	logwriter.Uploader
	Start(job *api.AgentJobRequestMessage, resultsServiceOnly bool) error
	Shutdown() error
	QueueWebConsoleLine(stepRecordId string, line string, lineNumber *int64)
	QueueTimelineRecordUpdate(timelineId string, record *api.TimelineRecord)
	OnThrottling(handler reporter.ThrottlingHandler)
}

// QueueFactory returns a new, not yet started, queue for every job.
type QueueFactory func() Queue

// Runner executes the steps of a job as shell scripts and reports their progress and output.
type Runner struct {
	newQueue      QueueFactory
	clock         clock.Clock
	paging        configuration.PagingConfiguration
	workDirectory string
	agentName     string
	shell         string
}

func NewRunner(newQueue QueueFactory, clock clock.Clock, paging configuration.PagingConfiguration, workDirectory string, agentName string) *Runner {
	return &Runner{
		newQueue:      newQueue,
		clock:         clock,
		paging:        paging,
		workDirectory: workDirectory,
		agentName:     agentName,
		shell:         defaultShell,
	}
}

// Run executes message and returns the completion event to report for it. A job whose telemetry
// can't be started, or whose output variables could not be delivered, is reported as failed.
func (r *Runner) Run(ctx context.Context, message *api.AgentJobRequestMessage) api.JobCompletedEvent {
	event := api.JobCompletedEvent{RequestId: message.RequestId, JobId: message.JobId, Result: api.TaskResult_Failed}
	defer func() {
		metrics.JobsCompleted.WithLabelValues(event.Result.String()).Inc()
	}()

	queue := r.newQueue()
	if err := queue.Start(message, resultsServiceOnly(message)); err != nil {
		log.WithError(err).Errorf("Failed to start telemetry for job %s", message.JobId)
		return event
	}

	e := &execution{
		runner:     r,
		queue:      queue,
		message:    message,
		timelineId: message.Timeline.Id,
		outputs:    map[string]api.VariableValue{},
	}
	event.Result = e.run(ctx)
	if len(e.outputs) > 0 {
		event.Outputs = e.outputs
	}

	if err := queue.Shutdown(); err != nil {
		log.WithError(err).Errorf("Failed to deliver the telemetry of job %s, failing the job", message.JobId)
		event.Result = api.TaskResult_Failed
	}
	log.Infof("Job %s completed with result %s", message.JobId, event.Result)
	return event
}

func resultsServiceOnly(message *api.AgentJobRequestMessage) bool {
	value, ok := message.Variable(api.Variable_ResultsServiceOnly)
	if !ok {
		return false
	}
	enabled, err := strconv.ParseBool(value)
	return err == nil && enabled
}

// execution holds the state of one Run.
type execution struct {
	runner     *Runner
	queue      Queue
	message    *api.AgentJobRequestMessage
	timelineId string
	outputs    map[string]api.VariableValue
}

func (e *execution) run(ctx context.Context) api.TaskResult {
	jobLog, err := logwriter.NewPagingLogger(e.queue, e.runner.clock, e.runner.paging, e.runner.workDirectory, e.timelineId, e.message.JobId)
	if err != nil {
		log.WithError(err).Errorf("Failed to create the log of job %s", e.message.JobId)
		return api.TaskResult_Failed
	}
	e.queue.OnThrottling(func(delay time.Duration, expiration time.Time) {
		log.Warnf("Job %s is being throttled by the server for %s", e.message.JobId, delay)
		e.writeLine(jobLog, fmt.Sprintf("The job is currently being throttled by the server, delaying %s until %s",
			delay, expiration.UTC().Format(time.RFC3339)))
	})

	e.queue.QueueTimelineRecordUpdate(e.timelineId, &api.TimelineRecord{
		Id:         e.message.JobId,
		RecordType: api.RecordType_Job,
		Name:       e.message.JobDisplayName,
		RefName:    e.message.JobName,
		WorkerName: e.runner.agentName,
		State:      pointer.Pointer(api.TimelineRecordState_InProgress),
		StartTime:  pointer.Now(e.runner.clock),
	})
	e.writeLine(jobLog, fmt.Sprintf("Job %s started on %s", e.message.JobDisplayName, e.runner.agentName))

	result := api.TaskResult_Succeeded
	for i, step := range e.message.Steps {
		switch {
		case ctx.Err() != nil:
			e.skipStep(i, step, api.TaskResult_Canceled)
			result = api.TaskResult_Canceled
			continue
		case result == api.TaskResult_Failed:
			e.skipStep(i, step, api.TaskResult_Skipped)
			continue
		}

		stepResult := e.runStep(ctx, i, step)
		e.writeLine(jobLog, fmt.Sprintf("Step %s finished with result %s", stepName(step), stepResult))
		switch {
		case stepResult == api.TaskResult_Canceled:
			result = api.TaskResult_Canceled
		case stepResult == api.TaskResult_Failed && step.ContinueOnError:
			result = api.TaskResult_SucceededWithIssues
		case stepResult == api.TaskResult_Failed:
			result = api.TaskResult_Failed
		}
	}

	e.writeLine(jobLog, fmt.Sprintf("Job finished with result %s", result))
	if err := jobLog.End(); err != nil {
		log.WithError(err).Warnf("Failed to finish the log of job %s", e.message.JobId)
	}

	record := &api.TimelineRecord{
		Id:         e.message.JobId,
		State:      pointer.Pointer(api.TimelineRecordState_Completed),
		Result:     pointer.Pointer(result),
		FinishTime: pointer.Now(e.runner.clock),
	}
	if len(e.outputs) > 0 {
		record.Variables = maps.Clone(e.outputs)
	}
	e.queue.QueueTimelineRecordUpdate(e.timelineId, record)
	return result
}

func (e *execution) skipStep(index int, step *api.JobStep, result api.TaskResult) {
	now := pointer.Now(e.runner.clock)
	e.queue.QueueTimelineRecordUpdate(e.timelineId, &api.TimelineRecord{
		Id:         stepRecordId(step),
		ParentId:   e.message.JobId,
		RecordType: api.RecordType_Task,
		Name:       stepName(step),
		RefName:    step.Name,
		Order:      pointer.Pointer(index + 1),
		State:      pointer.Pointer(api.TimelineRecordState_Completed),
		Result:     pointer.Pointer(result),
		StartTime:  now,
		FinishTime: now,
	})
}

func (e *execution) runStep(ctx context.Context, index int, step *api.JobStep) api.TaskResult {
	recordId := stepRecordId(step)
	e.queue.QueueTimelineRecordUpdate(e.timelineId, &api.TimelineRecord{
		Id:         recordId,
		ParentId:   e.message.JobId,
		RecordType: api.RecordType_Task,
		Name:       stepName(step),
		RefName:    step.Name,
		Order:      pointer.Pointer(index + 1),
		State:      pointer.Pointer(api.TimelineRecordState_InProgress),
		StartTime:  pointer.Now(e.runner.clock),
	})

	stepLog, err := logwriter.NewPagingLogger(e.queue, e.runner.clock, e.runner.paging, e.runner.workDirectory, e.timelineId, recordId)
	if err != nil {
		log.WithError(err).Errorf("Failed to create the log of step %s", recordId)
		e.completeStep(recordId, api.TaskResult_Failed, nil)
		return api.TaskResult_Failed
	}

	summaryPath, err := e.createSummaryFile(recordId)
	if err != nil {
		log.WithError(err).Warnf("Failed to create the summary file of step %s", recordId)
	}

	var issues []api.Issue
	var lineNumber int64
	onLine := func(line string) {
		parsed := parseCommand(line)
		switch parsed.kind {
		case commandSetOutput:
			e.outputs[parsed.name] = api.VariableValue{Value: parsed.value}
			return
		case commandIssue:
			issues = append(issues, parsed.issue)
		}
		lineNumber++
		e.writeLine(stepLog, line)
		e.queue.QueueWebConsoleLine(recordId, line, pointer.Pointer(lineNumber))
	}

	result := api.TaskResult_Succeeded
	if err := e.runner.execute(ctx, step, e.environment(step, summaryPath), onLine); err != nil {
		switch {
		case ctx.Err() != nil:
			result = api.TaskResult_Canceled
		default:
			result = api.TaskResult_Failed
			issues = append(issues, api.Issue{Type: api.IssueType_Error, Message: processFailureMessage(err)})
		}
	}

	if err := stepLog.End(); err != nil {
		log.WithError(err).Warnf("Failed to finish the log of step %s", recordId)
	}
	e.uploadSummary(recordId, summaryPath)
	e.completeStep(recordId, result, issues)
	return result
}

func (e *execution) completeStep(recordId string, result api.TaskResult, issues []api.Issue) {
	counts := map[api.IssueType]int{}
	for _, issue := range issues {
		counts[issue.Type]++
	}
	e.queue.QueueTimelineRecordUpdate(e.timelineId, &api.TimelineRecord{
		Id:           recordId,
		State:        pointer.Pointer(api.TimelineRecordState_Completed),
		Result:       pointer.Pointer(result),
		FinishTime:   pointer.Now(e.runner.clock),
		Issues:       issues,
		ErrorCount:   pointer.Pointer(counts[api.IssueType_Error]),
		WarningCount: pointer.Pointer(counts[api.IssueType_Warning]),
		NoticeCount:  pointer.Pointer(counts[api.IssueType_Notice]),
	})
}

func (e *execution) createSummaryFile(recordId string) (string, error) {
	directory := filepath.Join(e.runner.workDirectory, filepath.FromSlash(fileCommandsDir))
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return "", errors.WithStack(err)
	}
	path := filepath.Join(directory, "step_summary_"+recordId)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return "", errors.WithStack(err)
	}
	return path, nil
}

// uploadSummary hands a non-empty step summary to the results service and removes empty ones.
func (e *execution) uploadSummary(recordId string, path string) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		log.WithError(err).Warnf("Failed to read the summary of step %s", recordId)
		return
	}
	if info.Size() == 0 {
		if err := os.Remove(path); err != nil {
			log.WithError(err).Warnf("Failed to remove empty summary %s", path)
		}
		return
	}
	e.queue.QueueResultsUpload(recordId, stepSummaryName, path, api.AttachmentType_StepSummary, true, false, false, 0)
}

func (e *execution) environment(step *api.JobStep, summaryPath string) []string {
	env := os.Environ()
	keys := maps.Keys(step.Environment)
	slices.Sort(keys)
	for _, key := range keys {
		env = append(env, key+"="+step.Environment[key])
	}
	if summaryPath != "" {
		env = append(env, stepSummaryEnv+"="+summaryPath)
	}
	return env
}

func (e *execution) writeLine(logger *logwriter.PagingLogger, line string) {
	if err := logger.Write(line); err != nil {
		log.WithError(err).Warnf("Failed to write to the log of job %s", e.message.JobId)
	}
}

// execute runs the step script and calls onLine with every line of its combined stdout and stderr.
func (r *Runner) execute(ctx context.Context, step *api.JobStep, env []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, r.shell, "--noprofile", "--norc", "-eo", "pipefail", "-c", step.Script)
	cmd.Env = env
	cmd.Dir = r.workDirectory
	if step.WorkingDirectory != "" {
		cmd.Dir = step.WorkingDirectory
		if !filepath.IsAbs(cmd.Dir) {
			cmd.Dir = filepath.Join(r.workDirectory, cmd.Dir)
		}
	}

	reader, writer := io.Pipe()
	cmd.Stdout = writer
	cmd.Stderr = writer
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "failed to start %s", r.shell)
	}
	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = writer.Close()
		done <- err
	}()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOutputLineSize)
	for scanner.Scan() {
		onLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).Warnf("Stopped reading the output of step %s", step.Id)
		_, _ = io.Copy(io.Discard, reader)
	}
	return <-done
}

func processFailureMessage(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("Process completed with exit code %d.", exitErr.ExitCode())
	}
	return err.Error()
}

// stepRecordId returns the record id of step, assigning a new one to steps sent without an id.
func stepRecordId(step *api.JobStep) string {
	if step.Id == "" {
		step.Id = uuid.NewString()
	}
	return step.Id
}

func stepName(step *api.JobStep) string {
	if step.DisplayName != "" {
		return step.DisplayName
	}
	if step.Name != "" {
		return step.Name
	}
	return "Run script"
}
