package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const RunnerAgentMetricsPrefix = "pipeline_runner_agent_"

const (
	TransportStream  = "stream"
	TransportHttp    = "http"
	TransportResults = "results"
)

var ConsoleLinesQueued = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: RunnerAgentMetricsPrefix + "console_lines_queued_total",
		Help: "Console lines accepted into the live console queue",
	})

var ConsoleLinesDropped = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: RunnerAgentMetricsPrefix + "console_lines_dropped_total",
		Help: "Console lines dropped, by reason",
	},
	[]string{"reason"})

var FeedBatchesSent = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: RunnerAgentMetricsPrefix + "feed_batches_total",
		Help: "Console line batches delivered, by transport and outcome",
	},
	[]string{"transport", "outcome"})

var FileUploads = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: RunnerAgentMetricsPrefix + "file_uploads_total",
		Help: "Log and attachment uploads, by destination and outcome",
	},
	[]string{"destination", "outcome"})

var TimelineUpdates = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: RunnerAgentMetricsPrefix + "timeline_updates_total",
		Help: "Timeline record update calls, by outcome",
	},
	[]string{"outcome"})

var BufferedTimelineRecords = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: RunnerAgentMetricsPrefix + "buffered_timeline_records",
		Help: "Timeline records waiting in retry buffers",
	})

var StreamCircuitTrips = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: RunnerAgentMetricsPrefix + "stream_circuit_trips_total",
		Help: "Times the streaming feed was disabled for the rest of a job",
	})

var JobsCompleted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: RunnerAgentMetricsPrefix + "jobs_completed_total",
		Help: "Jobs run by this agent, by result",
	},
	[]string{"result"})

const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

func Outcome(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeSucceeded
}
