package api

import (
	"strings"
)

const (
	// Attachment and upload types
	AttachmentType_Log         = "DistributedTask.Core.Log"
	AttachmentType_ResultsLog  = "Results.Core.Log"
	AttachmentType_StepSummary = "Checks.Step.Summary"

	// Well-known job variables
	Variable_ResultsEndpoint    = "system.github.results_endpoint"
	Variable_LaunchEndpoint     = "system.github.launch_endpoint"
	Variable_ResultsServiceOnly = "system.github.results_service_only"

	// The system connection endpoint and the data it carries
	Endpoint_SystemConnection     = "SystemVssConnection"
	EndpointData_FeedStreamUrl    = "FeedStreamUrl"
	EndpointAuthParam_AccessToken = "AccessToken"

	// Issues raised against TelemetryRecordId are internal telemetry, never shown to users.
	TelemetryRecordId           = "11111111-1111-1111-1111-111111111111"
	IssueData_InternalTelemetry = "_internal_telemetry"
	Telemetry_ResultsUpload     = "resultsupload_failure"

	RecordType_Job  = "Job"
	RecordType_Task = "Task"
)

// PlanReference identifies the orchestration plan every telemetry call is scoped to.
type PlanReference struct {
	ScopeIdentifier string `json:"scopeIdentifier"`
	PlanType        string `json:"planType"`
	PlanId          string `json:"planId"`
}

// HubName is the orchestration hub the plan belongs to.
func (p PlanReference) HubName() string {
	return p.PlanType
}

type EndpointAuthorization struct {
	Scheme     string            `json:"scheme"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type ServiceEndpoint struct {
	Name          string                 `json:"name"`
	Url           string                 `json:"url"`
	Authorization *EndpointAuthorization `json:"authorization,omitempty"`
	Data          map[string]string      `json:"data,omitempty"`
}

// AccessToken returns the bearer token of the endpoint, or "" if it has none.
func (e *ServiceEndpoint) AccessToken() string {
	if e == nil || e.Authorization == nil {
		return ""
	}
	return e.Authorization.Parameters[EndpointAuthParam_AccessToken]
}

type JobResources struct {
	Endpoints []*ServiceEndpoint `json:"endpoints,omitempty"`
}

type JobStep struct {
	Id               string            `json:"id"`
	Name             string            `json:"name"`
	DisplayName      string            `json:"displayName"`
	Script           string            `json:"script"`
	Environment      map[string]string `json:"environment,omitempty"`
	ContinueOnError  bool              `json:"continueOnError,omitempty"`
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
}

// AgentJobRequestMessage is the job assignment handed to the agent by the orchestration service.
type AgentJobRequestMessage struct {
	RequestId      int64                    `json:"requestId"`
	Plan           PlanReference            `json:"plan"`
	Timeline       TimelineReference        `json:"timeline"`
	JobId          string                   `json:"jobId"`
	JobDisplayName string                   `json:"jobDisplayName"`
	JobName        string                   `json:"jobName"`
	Variables      map[string]VariableValue `json:"variables,omitempty"`
	Resources      JobResources             `json:"resources"`
	Steps          []*JobStep               `json:"steps,omitempty"`
}

// SystemConnection returns the endpoint describing the orchestration service itself, or nil if absent.
func (m *AgentJobRequestMessage) SystemConnection() *ServiceEndpoint {
	for _, endpoint := range m.Resources.Endpoints {
		if endpoint != nil && strings.EqualFold(endpoint.Name, Endpoint_SystemConnection) {
			return endpoint
		}
	}
	return nil
}

// Variable looks up a job variable case-insensitively.
func (m *AgentJobRequestMessage) Variable(name string) (string, bool) {
	if v, ok := m.Variables[name]; ok {
		return v.Value, true
	}
	for key, v := range m.Variables {
		if strings.EqualFold(key, name) {
			return v.Value, true
		}
	}
	return "", false
}

type JobCompletedEvent struct {
	RequestId int64                    `json:"requestId"`
	JobId     string                   `json:"jobId"`
	Result    TaskResult               `json:"result"`
	Outputs   map[string]VariableValue `json:"outputs,omitempty"`
}
