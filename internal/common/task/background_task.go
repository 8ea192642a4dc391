package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

var taskDurationHistogram = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "pipeline_runner_background_task_latency_seconds",
		Help:    "Background loop latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
	},
	[]string{"task"})

// IntervalFunc returns how long to wait before the next run of a task. It is called from the task's
// own goroutine after every run, so it may keep unsynchronised state.
type IntervalFunc func() time.Duration

func FixedInterval(interval time.Duration) IntervalFunc {
	return func() time.Duration { return interval }
}

type task struct {
	function   func()
	interval   IntervalFunc
	metricName string
}

// BackgroundTaskManager runs registered functions periodically until StopAll is called.
// It is not threadsafe, it should only be accessed from a single goroutine.
type BackgroundTaskManager struct {
	tasks         []*task
	metricsPrefix string
	clock         clock.Clock
	stop          chan struct{}
	stopOnce      sync.Once
	wg            *sync.WaitGroup
}

func NewBackgroundTaskManager(metricsPrefix string, clock clock.Clock) *BackgroundTaskManager {
	return &BackgroundTaskManager{
		tasks:         []*task{},
		metricsPrefix: metricsPrefix,
		clock:         clock,
		stop:          make(chan struct{}),
		wg:            &sync.WaitGroup{},
	}
}

func (m *BackgroundTaskManager) Register(backgroundTask func(), interval IntervalFunc, metricName string) {
	task := &task{
		function:   backgroundTask,
		interval:   interval,
		metricName: metricName,
	}
	m.startBackgroundTask(task)
	m.tasks = append(m.tasks, task)
}

// StopAll wakes every task out of its wait and blocks until they have all returned.
// A task that is mid-run finishes its current run first. Returns true if the timeout elapsed.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopOnce.Do(func() { close(m.stop) })
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(task *task) {
	observer := taskDurationHistogram.WithLabelValues(m.metricsPrefix + task.metricName)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			start := m.clock.Now()
			task.function()
			observer.Observe(m.clock.Since(start).Seconds())

			select {
			case <-m.clock.After(task.interval()):
			case <-m.stop:
				log.Debugf("Background task %s stopped", task.metricName)
				return
			}
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false // completed normally
	case <-time.After(timeout):
		return true // timed out
	}
}
