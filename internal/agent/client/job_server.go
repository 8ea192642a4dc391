package client

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/G-Research/pipeline-runner/internal/agent/configuration"
	"github.com/G-Research/pipeline-runner/pkg/api"
)

// JobServerClient talks to the orchestration service's distributed task endpoints for one plan.
type JobServerClient struct {
	*httpClient
}

func NewJobServerClient(config configuration.ServerConfiguration) (*JobServerClient, error) {
	c, err := newHttpClient(config)
	if err != nil {
		return nil, err
	}
	return &JobServerClient{httpClient: c}, nil
}

func (c *JobServerClient) planUrl(plan api.PlanReference, segments ...string) string {
	prefix := []string{plan.ScopeIdentifier, "_apis", "distributedtask", "hubs", plan.HubName(), "plans", plan.PlanId}
	return c.url(append(prefix, segments...)...)
}

func (c *JobServerClient) AppendTimelineRecordFeed(ctx context.Context, plan api.PlanReference, timelineId string, recordId string, lines *api.FeedLines) error {
	_, err := c.do(ctx, request{
		operation:    "append timeline record feed",
		method:       http.MethodPost,
		url:          c.planUrl(plan, "timelines", timelineId, "records", recordId, "feed"),
		body:         lines,
		resourceType: "timeline record",
		value:        recordId,
	}, nil)
	return err
}

func (c *JobServerClient) UpdateTimelineRecords(ctx context.Context, plan api.PlanReference, timelineId string, records []*api.TimelineRecord) ([]*api.TimelineRecord, error) {
	var updated api.VssJsonCollectionWrapper[*api.TimelineRecord]
	_, err := c.do(ctx, request{
		operation:    "update timeline records",
		method:       http.MethodPatch,
		url:          c.planUrl(plan, "timelines", timelineId, "records"),
		body:         api.VssJsonCollectionWrapper[*api.TimelineRecord]{Count: len(records), Value: records},
		resourceType: "timeline",
		value:        timelineId,
	}, &updated)
	if err != nil {
		return nil, err
	}
	return updated.Value, nil
}

// CreateTimeline returns a *runnererrors.ErrAlreadyExists if the server reports a conflict.
func (c *JobServerClient) CreateTimeline(ctx context.Context, plan api.PlanReference, timelineId string) (*api.Timeline, error) {
	timeline := &api.Timeline{}
	_, err := c.do(ctx, request{
		operation:    "create timeline",
		method:       http.MethodPost,
		url:          c.planUrl(plan, "timelines"),
		body:         api.Timeline{Id: timelineId},
		resourceType: "timeline",
		value:        timelineId,
	}, timeline)
	if err != nil {
		return nil, err
	}
	return timeline, nil
}

func (c *JobServerClient) CreateLog(ctx context.Context, plan api.PlanReference, path string) (*api.TaskLog, error) {
	taskLog := &api.TaskLog{}
	_, err := c.do(ctx, request{
		operation:    "create log",
		method:       http.MethodPost,
		url:          c.planUrl(plan, "logs"),
		body:         api.TaskLog{Path: path},
		resourceType: "log",
		value:        path,
	}, taskLog)
	if err != nil {
		return nil, err
	}
	return taskLog, nil
}

func (c *JobServerClient) AppendLogContent(ctx context.Context, plan api.PlanReference, logId int, content io.Reader) (*api.TaskLog, error) {
	taskLog := &api.TaskLog{}
	id := strconv.Itoa(logId)
	_, err := c.do(ctx, request{
		operation:    "append log content",
		method:       http.MethodPost,
		url:          c.planUrl(plan, "logs", id),
		content:      content,
		resourceType: "log",
		value:        id,
	}, taskLog)
	if err != nil {
		return nil, err
	}
	return taskLog, nil
}

func (c *JobServerClient) CreateAttachment(ctx context.Context, plan api.PlanReference, timelineId string, recordId string, attachmentType string, name string, content io.Reader) (*api.TaskAttachment, error) {
	attachment := &api.TaskAttachment{}
	_, err := c.do(ctx, request{
		operation:    "create attachment",
		method:       http.MethodPut,
		url:          c.planUrl(plan, "timelines", timelineId, "records", recordId, "attachments", attachmentType, name),
		content:      content,
		resourceType: "attachment",
		value:        name,
	}, attachment)
	if err != nil {
		return nil, err
	}
	return attachment, nil
}
