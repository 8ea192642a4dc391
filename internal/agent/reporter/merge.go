package reporter

import (
	"github.com/G-Research/pipeline-runner/pkg/api"
)

// MergeTimelineRecords collapses updates sharing a record id into one record per id, in order of
// first appearance. Later non-nil fields replace earlier ones. Counts only replace when positive,
// a non-empty Issues list replaces the previous list and Variables are merged key by key.
// The input records are not modified.
func MergeTimelineRecords(records []*api.TimelineRecord) []*api.TimelineRecord {
	if len(records) <= 1 {
		return records
	}

	merged := make([]*api.TimelineRecord, 0, len(records))
	byId := make(map[string]*api.TimelineRecord, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		existing, ok := byId[record.Id]
		if !ok {
			clone := record.Clone()
			byId[record.Id] = clone
			merged = append(merged, clone)
			continue
		}
		mergeInto(existing, record)
	}
	return merged
}

func mergeInto(target *api.TimelineRecord, update *api.TimelineRecord) {
	target.ParentId = stringOr(update.ParentId, target.ParentId)
	target.RecordType = stringOr(update.RecordType, target.RecordType)
	target.Name = stringOr(update.Name, target.Name)
	target.RefName = stringOr(update.RefName, target.RefName)
	target.WorkerName = stringOr(update.WorkerName, target.WorkerName)

	target.StartTime = pointerOr(update.StartTime, target.StartTime)
	target.FinishTime = pointerOr(update.FinishTime, target.FinishTime)
	target.CurrentOperation = pointerOr(update.CurrentOperation, target.CurrentOperation)
	target.PercentComplete = pointerOr(update.PercentComplete, target.PercentComplete)
	target.State = pointerOr(update.State, target.State)
	target.Result = pointerOr(update.Result, target.Result)
	target.ResultCode = pointerOr(update.ResultCode, target.ResultCode)
	target.LastModified = pointerOr(update.LastModified, target.LastModified)
	target.Order = pointerOr(update.Order, target.Order)
	target.Log = pointerOr(update.Log, target.Log)
	target.Details = pointerOr(update.Details, target.Details)

	target.ErrorCount = positiveOr(update.ErrorCount, target.ErrorCount)
	target.WarningCount = positiveOr(update.WarningCount, target.WarningCount)
	target.NoticeCount = positiveOr(update.NoticeCount, target.NoticeCount)

	if update.ChangeId != 0 {
		target.ChangeId = update.ChangeId
	}
	if update.Attempt != 0 {
		target.Attempt = update.Attempt
	}

	if len(update.Issues) > 0 {
		target.Issues = make([]api.Issue, 0, len(update.Issues))
		for _, issue := range update.Issues {
			target.Issues = append(target.Issues, issue.Clone())
		}
	}

	if len(update.Variables) > 0 {
		if target.Variables == nil {
			target.Variables = make(map[string]api.VariableValue, len(update.Variables))
		}
		for name, value := range update.Variables {
			target.Variables[name] = value
		}
	}
}

func stringOr(value string, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

// pointerOr copies value so the merged record never aliases an update.
func pointerOr[T any](value *T, fallback *T) *T {
	if value == nil {
		return fallback
	}
	v := *value
	return &v
}

func positiveOr(value *int, fallback *int) *int {
	if value == nil || *value <= 0 {
		return fallback
	}
	v := *value
	return &v
}
