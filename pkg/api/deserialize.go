package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// The orchestration service emits enums either as their integer value or as their name, so each
// enum accepts both and always serializes as its name.

func (x *TimelineRecordState) UnmarshalJSON(data []byte) error {
	value, err := unmarshalEnum(data, "TimelineRecordState", TimelineRecordState_name, TimelineRecordState_value)
	if err != nil {
		return err
	}
	*x = TimelineRecordState(value)
	return nil
}

func (x TimelineRecordState) MarshalJSON() ([]byte, error) {
	return marshalEnum(int32(x), "TimelineRecordState", TimelineRecordState_name)
}

func (x *TaskResult) UnmarshalJSON(data []byte) error {
	value, err := unmarshalEnum(data, "TaskResult", TaskResult_name, TaskResult_value)
	if err != nil {
		return err
	}
	*x = TaskResult(value)
	return nil
}

func (x TaskResult) MarshalJSON() ([]byte, error) {
	return marshalEnum(int32(x), "TaskResult", TaskResult_name)
}

func (x *IssueType) UnmarshalJSON(data []byte) error {
	value, err := unmarshalEnum(data, "IssueType", IssueType_name, IssueType_value)
	if err != nil {
		return err
	}
	*x = IssueType(value)
	return nil
}

func (x IssueType) MarshalJSON() ([]byte, error) {
	return marshalEnum(int32(x), "IssueType", IssueType_name)
}

func unmarshalEnum(data []byte, typeName string, names map[int32]string, values map[string]int32) (int32, error) {
	var s int32
	e := json.Unmarshal(data, &s)
	if e == nil {
		_, present := names[s]
		if !present {
			return 0, fmt.Errorf("no %s of type %d", typeName, s)
		}
		return s, nil
	}
	var t string
	e = json.Unmarshal(data, &t)
	if e != nil {
		return 0, e
	}
	for name, value := range values {
		if strings.EqualFold(name, t) {
			return value, nil
		}
	}
	return 0, fmt.Errorf("no %s of type %s", typeName, t)
}

func marshalEnum(value int32, typeName string, names map[int32]string) ([]byte, error) {
	name, present := names[value]
	if !present {
		return nil, fmt.Errorf("no %s of type %d", typeName, value)
	}
	return json.Marshal(name)
}
