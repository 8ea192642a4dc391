package feed

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/pipeline-runner/internal/agent/metrics"
	"github.com/G-Research/pipeline-runner/pkg/api"
)

// Fallback appends feed lines with a request/response call.
type Fallback interface {
	AppendTimelineRecordFeed(ctx context.Context, plan api.PlanReference, timelineId string, recordId string, lines *api.FeedLines) error
}

// Adapter delivers console line batches for one job, preferring the stream and falling back to the
// request/response transport whenever the stream is absent, disabled or fails.
type Adapter struct {
	stream     *Stream
	fallback   Fallback
	plan       api.PlanReference
	timelineId string
	recordId   string
}

// NewAdapter creates an adapter. stream may be nil, in which case every batch uses the fallback.
func NewAdapter(stream *Stream, fallback Fallback, plan api.PlanReference, timelineId string, recordId string) *Adapter {
	return &Adapter{
		stream:     stream,
		fallback:   fallback,
		plan:       plan,
		timelineId: timelineId,
		recordId:   recordId,
	}
}

func (a *Adapter) AppendLines(ctx context.Context, stepId string, lines []string, startLine *int64) error {
	feedLines := &api.FeedLines{
		StepId:    stepId,
		Value:     lines,
		Count:     len(lines),
		StartLine: startLine,
	}

	if a.stream != nil {
		payload, err := json.Marshal(feedLines)
		if err != nil {
			return errors.WithStack(err)
		}
		err = a.stream.Send(ctx, payload)
		if err == nil {
			return nil
		}
		if err != ErrStreamUnavailable {
			log.WithError(err).Debugf("Falling back to http for %d console lines of step %s", len(lines), stepId)
		}
	}

	err := a.fallback.AppendTimelineRecordFeed(ctx, a.plan, a.timelineId, a.recordId, feedLines)
	metrics.FeedBatchesSent.WithLabelValues(metrics.TransportHttp, metrics.Outcome(err)).Inc()
	return err
}

// StreamActive reports whether batches currently have a chance of going over the stream.
func (a *Adapter) StreamActive() bool {
	return a.stream != nil && !a.stream.Disabled()
}

func (a *Adapter) Close() {
	if a.stream != nil {
		a.stream.Close()
	}
}
