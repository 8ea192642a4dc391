package reporter

import (
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/pipeline-runner/internal/agent/configuration"
	"github.com/G-Research/pipeline-runner/internal/agent/feed"
	"github.com/G-Research/pipeline-runner/internal/agent/metrics"
	"github.com/G-Research/pipeline-runner/internal/common/runnererrors"
	"github.com/G-Research/pipeline-runner/internal/common/task"
	"github.com/G-Research/pipeline-runner/internal/common/util"
	"github.com/G-Research/pipeline-runner/pkg/api"
)

const (
	consoleLineQueueLimit = 1024
	consoleLineMaxLength  = 1024
	consoleLinesPerCycle  = 500
	consoleLinesPerBatch  = 100
	consoleBatchesOnDrain = 2
	consoleCallTimeout    = 60 * time.Second

	filesPerCycle           = 10
	timelineRecordsPerCycle = 25
)

// JobServerQueue buffers the telemetry a running job produces and delivers it in the background.
//
// Producers call the Queue* methods from any goroutine; none of them block on the network. One loop
// per queue drains it on its own cadence. Shutdown stops the loops and then drains every queue once
// more, console lines first and timeline updates last, so Log references created by file uploads
// make it into the final timeline flush.
type JobServerQueue struct {
	jobServer      JobServer
	connectResults ResultsConnector
	connectLaunch  LaunchConnector
	dialStream     feed.DialFunc
	queueConfig    configuration.QueueConfiguration
	streamConfig   configuration.StreamConfiguration
	clock          clock.Clock

	// Set once by Start.
	plan          api.PlanReference
	jobTimelineId string
	jobRecordId   string
	resultsOnly   bool
	feed          *feed.Adapter
	results       ResultsServer
	launch        LaunchServer

	resultsClientInitiated atomic.Bool

	consoleLines *util.Queue[*ConsoleLineInfo]
	files        *util.Queue[*UploadFileInfo]
	resultsFiles *util.Queue[*ResultsUploadFileInfo]
	timelines    *timelineUpdates

	tasks *task.BackgroundTaskManager

	lifecycleMutex sync.Mutex
	running        bool
	shutDown       bool

	jobRecordUpdated     chan struct{}
	jobRecordUpdatedOnce sync.Once

	throttlingMutex    sync.Mutex
	throttlingHandlers []ThrottlingHandler
}

// NewJobServerQueue creates a queue for a single job. connectResults, connectLaunch and dialStream may
// be nil, in which case the corresponding transport is never used.
func NewJobServerQueue(
	jobServer JobServer,
	connectResults ResultsConnector,
	connectLaunch LaunchConnector,
	dialStream feed.DialFunc,
	queueConfig configuration.QueueConfiguration,
	streamConfig configuration.StreamConfiguration,
	clock clock.Clock,
) *JobServerQueue {
	return &JobServerQueue{
		jobServer:        jobServer,
		connectResults:   connectResults,
		connectLaunch:    connectLaunch,
		dialStream:       dialStream,
		queueConfig:      queueConfig,
		streamConfig:     streamConfig,
		clock:            clock,
		consoleLines:     util.NewQueue[*ConsoleLineInfo](),
		files:            util.NewQueue[*UploadFileInfo](),
		resultsFiles:     util.NewQueue[*ResultsUploadFileInfo](),
		timelines:        newTimelineUpdates(),
		tasks:            task.NewBackgroundTaskManager(metrics.RunnerAgentMetricsPrefix, clock),
		jobRecordUpdated: make(chan struct{}),
	}
}

// Start captures the job identity, connects the optional transports and launches the dequeue loops.
// Calling Start on a running queue does nothing.
func (q *JobServerQueue) Start(job *api.AgentJobRequestMessage, resultsServiceOnly bool) error {
	q.lifecycleMutex.Lock()
	defer q.lifecycleMutex.Unlock()
	if q.running {
		log.Info("Job server queue is already running")
		return nil
	}
	if q.shutDown {
		return errors.New("job server queue has already been shut down")
	}
	if job == nil {
		return &runnererrors.ErrInvalidArgument{Name: "job", Value: nil, Message: "a job message is required"}
	}
	systemConnection := job.SystemConnection()
	if systemConnection == nil {
		return &runnererrors.ErrInvalidArgument{
			Name:    "resources.endpoints",
			Value:   job.JobId,
			Message: "job message has no " + api.Endpoint_SystemConnection + " endpoint",
		}
	}
	accessToken := systemConnection.AccessToken()

	q.plan = job.Plan
	q.jobTimelineId = job.Timeline.Id
	q.jobRecordId = job.JobId
	q.resultsOnly = resultsServiceOnly

	if endpoint, ok := job.Variable(api.Variable_ResultsEndpoint); ok && endpoint != "" && q.connectResults != nil {
		results, err := q.connectResults(endpoint, accessToken)
		if err != nil {
			log.WithError(err).Warnf("Failed to initialise results client for %s", endpoint)
		} else {
			q.results = results
			q.resultsClientInitiated.Store(true)
		}
	}
	if resultsServiceOnly && q.results == nil {
		return errors.Errorf("job %s requested results service only mode but no results client could be created", job.JobId)
	}

	if endpoint, ok := job.Variable(api.Variable_LaunchEndpoint); ok && endpoint != "" && q.connectLaunch != nil {
		launch, err := q.connectLaunch(endpoint, accessToken)
		if err != nil {
			log.WithError(err).Warnf("Failed to initialise launch client for %s", endpoint)
		} else {
			q.launch = launch
		}
	}

	var stream *feed.Stream
	if !resultsServiceOnly && q.streamConfig.Enabled && q.dialStream != nil {
		url := systemConnection.Data[api.EndpointData_FeedStreamUrl]
		if url != "" && accessToken != "" {
			stream = feed.NewStream(q.dialStream, url, accessToken, q.streamConfig.ConnectTimeout, q.streamConfig.SendTimeout)
			stream.Connect(0)
		}
	}
	q.feed = feed.NewAdapter(stream, q.jobServer, q.plan, q.jobTimelineId, q.jobRecordId)

	q.timelines.register(q.jobTimelineId)

	q.tasks.Register(func() { q.processConsoleLines(false) }, q.consoleLineInterval(), "console_lines")
	q.tasks.Register(func() { q.processFileUploads(false) }, task.FixedInterval(q.queueConfig.FileUploadInterval), "file_uploads")
	q.tasks.Register(func() { q.processResultsUploads(false) }, task.FixedInterval(q.queueConfig.FileUploadInterval), "results_uploads")
	q.tasks.Register(func() { _ = q.processTimelineUpdates(false) }, task.FixedInterval(q.queueConfig.TimelineUpdateInterval), "timeline_updates")

	q.running = true
	log.Infof("Started job server queue for job %s (plan %s, timeline %s)", q.jobRecordId, q.plan.PlanId, q.jobTimelineId)
	return nil
}

// consoleLineInterval polls aggressively for the first cycles of a job so the live tail starts quickly.
func (q *JobServerQueue) consoleLineInterval() task.IntervalFunc {
	cycles := 0
	return func() time.Duration {
		cycles++
		if cycles <= q.queueConfig.ConsoleLineAggressiveCycles {
			return q.queueConfig.ConsoleLineAggressiveInterval
		}
		return q.queueConfig.ConsoleLineInterval
	}
}

// Shutdown stops the dequeue loops, drains every queue and closes the transports. It returns an
// *runnererrors.ErrOutputVariablesLost if root timeline records carrying output variables could not be
// delivered, in which case the job must be failed. Calling Shutdown more than once does nothing.
func (q *JobServerQueue) Shutdown() error {
	q.lifecycleMutex.Lock()
	defer q.lifecycleMutex.Unlock()
	if !q.running {
		log.Info("Job server queue is not running, nothing to shut down")
		return nil
	}
	q.running = false
	q.shutDown = true

	log.Info("Stopping job server queue loops")
	if timedOut := q.tasks.StopAll(q.queueConfig.ShutdownTimeout); timedOut {
		log.Warnf("Job server queue loops did not stop within %s, draining anyway", q.queueConfig.ShutdownTimeout)
	}

	q.processConsoleLines(true)
	q.processFileUploads(true)
	q.processResultsUploads(true)
	err := q.processTimelineUpdates(true)
	if err == nil {
		log.Info("All job server queues drained")
	}

	q.closeClients()
	return err
}

func (q *JobServerQueue) closeClients() {
	if q.feed != nil {
		q.feed.Close()
	}
	if q.results != nil {
		util.CloseResource("results client", q.results)
	}
	if q.launch != nil {
		util.CloseResource("launch client", q.launch)
	}
}

// QueueWebConsoleLine adds a line to the live console feed. Lines are dropped once the queue is full.
func (q *JobServerQueue) QueueWebConsoleLine(stepRecordId string, line string, lineNumber *int64) {
	if utf8.RuneCountInString(line) > consoleLineMaxLength {
		line = string([]rune(line)[:consoleLineMaxLength]) + "..."
	}
	var number *int64
	if lineNumber != nil {
		n := *lineNumber
		number = &n
	}
	info := &ConsoleLineInfo{StepRecordId: stepRecordId, Line: line, LineNumber: number}
	if !q.consoleLines.TryEnqueue(info, consoleLineQueueLimit) {
		metrics.ConsoleLinesDropped.WithLabelValues("queue_full").Inc()
		return
	}
	metrics.ConsoleLinesQueued.Inc()
}

// QueueFileUpload schedules a log page or attachment for upload to the job server.
func (q *JobServerQueue) QueueFileUpload(timelineId string, recordId string, attachmentType string, name string, path string, deleteSource bool) {
	q.files.Enqueue(&UploadFileInfo{
		TimelineId:       timelineId,
		TimelineRecordId: recordId,
		Type:             attachmentType,
		Name:             name,
		Path:             path,
		DeleteSource:     deleteSource,
	})
}

// QueueResultsUpload schedules a file for upload to the results service. If the results service is
// not in use the file is deleted straight away when deleteSource is set.
func (q *JobServerQueue) QueueResultsUpload(recordId string, name string, path string, attachmentType string, deleteSource bool, finalize bool, firstBlock bool, totalLines int64) {
	if !q.resultsClientInitiated.Load() {
		if deleteSource {
			deleteUploadedFile(path)
		}
		return
	}
	q.resultsFiles.Enqueue(&ResultsUploadFileInfo{
		Name:         name,
		Type:         attachmentType,
		Path:         path,
		PlanId:       q.plan.PlanId,
		JobId:        q.jobRecordId,
		RecordId:     recordId,
		DeleteSource: deleteSource,
		Finalize:     finalize,
		FirstBlock:   firstBlock,
		TotalLines:   totalLines,
	})
}

// QueueTimelineRecordUpdate schedules a partial update of a record. The record is copied, the caller
// may keep modifying its own value.
func (q *JobServerQueue) QueueTimelineRecordUpdate(timelineId string, record *api.TimelineRecord) {
	if record == nil {
		return
	}
	q.timelines.enqueue(timelineId, record.Clone())
}

// JobRecordUpdated is closed once the job's own record has been delivered with a state.
func (q *JobServerQueue) JobRecordUpdated() <-chan struct{} {
	return q.jobRecordUpdated
}

// Launch returns the launch client, or nil if the job did not advertise a launch endpoint.
func (q *JobServerQueue) Launch() LaunchServer {
	return q.launch
}

// OnThrottling registers a handler for ReportThrottling.
func (q *JobServerQueue) OnThrottling(handler ThrottlingHandler) {
	q.throttlingMutex.Lock()
	defer q.throttlingMutex.Unlock()
	q.throttlingHandlers = append(q.throttlingHandlers, handler)
}

// ReportThrottling tells every registered handler the server is rate limiting the agent.
func (q *JobServerQueue) ReportThrottling(delay time.Duration, expiration time.Time) {
	q.throttlingMutex.Lock()
	handlers := make([]ThrottlingHandler, len(q.throttlingHandlers))
	copy(handlers, q.throttlingHandlers)
	q.throttlingMutex.Unlock()

	for _, handler := range handlers {
		handler(delay, expiration)
	}
}

func (q *JobServerQueue) signalJobRecordUpdated() {
	q.jobRecordUpdatedOnce.Do(func() {
		close(q.jobRecordUpdated)
	})
}

func deleteUploadedFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warnf("Failed to delete %s", path)
	}
}
