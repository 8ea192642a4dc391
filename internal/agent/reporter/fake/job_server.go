package fake

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/G-Research/pipeline-runner/pkg/api"
)

type FeedCall struct {
	TimelineId string
	RecordId   string
	Lines      api.FeedLines
}

type TimelineUpdate struct {
	TimelineId string
	Records    []*api.TimelineRecord
}

type UploadedLog struct {
	Id      int
	Path    string
	Content string
}

type UploadedAttachment struct {
	TimelineId string
	RecordId   string
	Type       string
	Name       string
	Content    string
}

// FakeJobServer records every call. Errors set on it are returned by the matching calls.
type FakeJobServer struct {
	FeedErr           error
	UpdateErr         error
	CreateTimelineErr error
	UploadErr         error

	mutex            sync.Mutex
	failUpdates      int
	feeds            []FeedCall
	updates          []TimelineUpdate
	createdTimelines []string
	logs             []*UploadedLog
	attachments      []UploadedAttachment
}

func NewFakeJobServer() *FakeJobServer {
	return &FakeJobServer{}
}

// FailNextUpdates makes the next n UpdateTimelineRecords calls fail.
func (f *FakeJobServer) FailNextUpdates(n int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.failUpdates = n
}

func (f *FakeJobServer) AppendTimelineRecordFeed(_ context.Context, _ api.PlanReference, timelineId string, recordId string, lines *api.FeedLines) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.feeds = append(f.feeds, FeedCall{TimelineId: timelineId, RecordId: recordId, Lines: *lines})
	return f.FeedErr
}

func (f *FakeJobServer) UpdateTimelineRecords(_ context.Context, _ api.PlanReference, timelineId string, records []*api.TimelineRecord) ([]*api.TimelineRecord, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	cloned := make([]*api.TimelineRecord, 0, len(records))
	for _, record := range records {
		cloned = append(cloned, record.Clone())
	}
	f.updates = append(f.updates, TimelineUpdate{TimelineId: timelineId, Records: cloned})
	if f.UpdateErr != nil {
		return nil, f.UpdateErr
	}
	if f.failUpdates > 0 {
		f.failUpdates--
		return nil, errors.New("timeline update failed")
	}
	return records, nil
}

func (f *FakeJobServer) CreateTimeline(_ context.Context, _ api.PlanReference, timelineId string) (*api.Timeline, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.createdTimelines = append(f.createdTimelines, timelineId)
	if f.CreateTimelineErr != nil {
		return nil, f.CreateTimelineErr
	}
	return &api.Timeline{Id: timelineId}, nil
}

func (f *FakeJobServer) CreateLog(_ context.Context, _ api.PlanReference, path string) (*api.TaskLog, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.UploadErr != nil {
		return nil, f.UploadErr
	}
	log := &UploadedLog{Id: len(f.logs) + 1, Path: path}
	f.logs = append(f.logs, log)
	return &api.TaskLog{Id: log.Id, Path: path}, nil
}

func (f *FakeJobServer) AppendLogContent(_ context.Context, _ api.PlanReference, logId int, content io.Reader) (*api.TaskLog, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for _, log := range f.logs {
		if log.Id == logId {
			log.Content += string(data)
			return &api.TaskLog{Id: log.Id, Path: log.Path}, nil
		}
	}
	return nil, errors.Errorf("log %d does not exist", logId)
}

func (f *FakeJobServer) CreateAttachment(_ context.Context, _ api.PlanReference, timelineId string, recordId string, attachmentType string, name string, content io.Reader) (*api.TaskAttachment, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.UploadErr != nil {
		return nil, f.UploadErr
	}
	f.attachments = append(f.attachments, UploadedAttachment{
		TimelineId: timelineId,
		RecordId:   recordId,
		Type:       attachmentType,
		Name:       name,
		Content:    string(data),
	})
	return &api.TaskAttachment{Type: attachmentType, Name: name, RecordId: recordId}, nil
}

func (f *FakeJobServer) Feeds() []FeedCall {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]FeedCall(nil), f.feeds...)
}

func (f *FakeJobServer) Updates() []TimelineUpdate {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]TimelineUpdate(nil), f.updates...)
}

// LatestRecord returns the last delivered state of a record across all update calls, or nil.
func (f *FakeJobServer) LatestRecord(recordId string) *api.TimelineRecord {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for i := len(f.updates) - 1; i >= 0; i-- {
		for _, record := range f.updates[i].Records {
			if record.Id == recordId {
				return record
			}
		}
	}
	return nil
}

func (f *FakeJobServer) CreatedTimelines() []string {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]string(nil), f.createdTimelines...)
}

func (f *FakeJobServer) Logs() []UploadedLog {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	result := make([]UploadedLog, 0, len(f.logs))
	for _, log := range f.logs {
		result = append(result, *log)
	}
	return result
}

func (f *FakeJobServer) Attachments() []UploadedAttachment {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]UploadedAttachment(nil), f.attachments...)
}
