package api

import (
	"time"

	"golang.org/x/exp/maps"
)

type TimelineRecordState int32

const (
	TimelineRecordState_Pending    TimelineRecordState = 0
	TimelineRecordState_InProgress TimelineRecordState = 1
	TimelineRecordState_Completed  TimelineRecordState = 2
)

var TimelineRecordState_name = map[int32]string{
	0: "Pending",
	1: "InProgress",
	2: "Completed",
}

var TimelineRecordState_value = map[string]int32{
	"Pending":    0,
	"InProgress": 1,
	"Completed":  2,
}

func (x TimelineRecordState) String() string {
	return TimelineRecordState_name[int32(x)]
}

type TaskResult int32

const (
	TaskResult_Succeeded           TaskResult = 0
	TaskResult_SucceededWithIssues TaskResult = 1
	TaskResult_Failed              TaskResult = 2
	TaskResult_Canceled            TaskResult = 3
	TaskResult_Skipped             TaskResult = 4
	TaskResult_Abandoned           TaskResult = 5
)

var TaskResult_name = map[int32]string{
	0: "Succeeded",
	1: "SucceededWithIssues",
	2: "Failed",
	3: "Canceled",
	4: "Skipped",
	5: "Abandoned",
}

var TaskResult_value = map[string]int32{
	"Succeeded":           0,
	"SucceededWithIssues": 1,
	"Failed":              2,
	"Canceled":            3,
	"Skipped":             4,
	"Abandoned":           5,
}

func (x TaskResult) String() string {
	return TaskResult_name[int32(x)]
}

type IssueType int32

const (
	IssueType_Error   IssueType = 0
	IssueType_Warning IssueType = 1
	IssueType_Notice  IssueType = 2
)

var IssueType_name = map[int32]string{
	0: "Error",
	1: "Warning",
	2: "Notice",
}

var IssueType_value = map[string]int32{
	"Error":   0,
	"Warning": 1,
	"Notice":  2,
}

func (x IssueType) String() string {
	return IssueType_name[int32(x)]
}

type Issue struct {
	Type     IssueType         `json:"type"`
	Category string            `json:"category,omitempty"`
	Message  string            `json:"message,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

func (i Issue) Clone() Issue {
	clone := i
	if i.Data != nil {
		clone.Data = maps.Clone(i.Data)
	}
	return clone
}

type VariableValue struct {
	Value    string `json:"value"`
	IsSecret bool   `json:"isSecret,omitempty"`
}

type TaskLogReference struct {
	Id       int    `json:"id"`
	Location string `json:"location,omitempty"`
}

type TimelineReference struct {
	Id       string `json:"id"`
	ChangeId int    `json:"changeId,omitempty"`
	Location string `json:"location,omitempty"`
}

// TimelineRecord is one node (job, phase or step) of a timeline. Pointer fields are optional: a
// nil value means "not set by this update" and never overwrites a value set by another update.
type TimelineRecord struct {
	Id               string                   `json:"id"`
	ParentId         string                   `json:"parentId,omitempty"`
	RecordType       string                   `json:"type,omitempty"`
	Name             string                   `json:"name,omitempty"`
	RefName          string                   `json:"refName,omitempty"`
	WorkerName       string                   `json:"workerName,omitempty"`
	StartTime        *time.Time               `json:"startTime,omitempty"`
	FinishTime       *time.Time               `json:"finishTime,omitempty"`
	CurrentOperation *string                  `json:"currentOperation,omitempty"`
	PercentComplete  *int                     `json:"percentComplete,omitempty"`
	State            *TimelineRecordState     `json:"state,omitempty"`
	Result           *TaskResult              `json:"result,omitempty"`
	ResultCode       *string                  `json:"resultCode,omitempty"`
	ChangeId         int                      `json:"changeId,omitempty"`
	LastModified     *time.Time               `json:"lastModified,omitempty"`
	Order            *int                     `json:"order,omitempty"`
	Log              *TaskLogReference        `json:"log,omitempty"`
	Details          *TimelineReference       `json:"details,omitempty"`
	ErrorCount       *int                     `json:"errorCount,omitempty"`
	WarningCount     *int                     `json:"warningCount,omitempty"`
	NoticeCount      *int                     `json:"noticeCount,omitempty"`
	Attempt          int                      `json:"attempt,omitempty"`
	Issues           []Issue                  `json:"issues,omitempty"`
	Variables        map[string]VariableValue `json:"variables,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *TimelineRecord) Clone() *TimelineRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.StartTime = clonePointer(r.StartTime)
	clone.FinishTime = clonePointer(r.FinishTime)
	clone.CurrentOperation = clonePointer(r.CurrentOperation)
	clone.PercentComplete = clonePointer(r.PercentComplete)
	clone.State = clonePointer(r.State)
	clone.Result = clonePointer(r.Result)
	clone.ResultCode = clonePointer(r.ResultCode)
	clone.LastModified = clonePointer(r.LastModified)
	clone.Order = clonePointer(r.Order)
	clone.Log = clonePointer(r.Log)
	clone.Details = clonePointer(r.Details)
	clone.ErrorCount = clonePointer(r.ErrorCount)
	clone.WarningCount = clonePointer(r.WarningCount)
	clone.NoticeCount = clonePointer(r.NoticeCount)
	if r.Issues != nil {
		clone.Issues = make([]Issue, 0, len(r.Issues))
		for _, issue := range r.Issues {
			clone.Issues = append(clone.Issues, issue.Clone())
		}
	}
	if r.Variables != nil {
		clone.Variables = maps.Clone(r.Variables)
	}
	return &clone
}

// HasOutputVariables reports whether the record carries output variables that downstream jobs depend on.
func (r *TimelineRecord) HasOutputVariables() bool {
	return len(r.Variables) > 0
}

type Timeline struct {
	Id       string            `json:"id"`
	ChangeId int               `json:"changeId,omitempty"`
	Location string            `json:"location,omitempty"`
	Records  []*TimelineRecord `json:"records,omitempty"`
}

type TaskLog struct {
	Id            int        `json:"id,omitempty"`
	Path          string     `json:"path"`
	LineCount     int64      `json:"lineCount,omitempty"`
	CreatedOn     *time.Time `json:"createdOn,omitempty"`
	LastChangedOn *time.Time `json:"lastChangedOn,omitempty"`
}

func (l *TaskLog) Reference() *TaskLogReference {
	return &TaskLogReference{Id: l.Id}
}

type TaskAttachment struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	RecordId string `json:"recordId,omitempty"`
	Links    struct {
		Self struct {
			Href string `json:"href"`
		} `json:"self"`
	} `json:"_links"`
}

// FeedLines is the payload of a single live console append, shared by the websocket and HTTP feeds.
type FeedLines struct {
	StepId    string   `json:"stepId"`
	Value     []string `json:"value"`
	Count     int      `json:"count"`
	StartLine *int64   `json:"startLine,omitempty"`
}

// VssJsonCollectionWrapper mirrors the {count, value} envelope used by list-shaped endpoints.
type VssJsonCollectionWrapper[T any] struct {
	Count int `json:"count"`
	Value []T `json:"value"`
}

func clonePointer[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
