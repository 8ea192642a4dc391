package job

import (
	"strings"

	"github.com/G-Research/pipeline-runner/pkg/api"
)

const commandPrefix = "::"

type commandKind int

const (
	commandNone commandKind = iota
	commandSetOutput
	commandIssue
)

// command is a workflow command a step printed on its own line, e.g. "::warning::disk is nearly full".
type command struct {
	kind  commandKind
	name  string
	value string
	issue api.Issue
}

var issueCommands = map[string]api.IssueType{
	"error":   api.IssueType_Error,
	"warning": api.IssueType_Warning,
	"notice":  api.IssueType_Notice,
}

// parseCommand recognises "::name key=value,...::message". Lines that aren't commands, or name a
// command the runner doesn't know, return commandNone.
func parseCommand(line string) command {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, commandPrefix) {
		return command{}
	}
	header, message, found := strings.Cut(trimmed[len(commandPrefix):], commandPrefix)
	if !found {
		return command{}
	}
	name, properties, _ := strings.Cut(header, " ")

	switch name = strings.ToLower(name); name {
	case "set-output":
		key := parseProperties(properties)["name"]
		if key == "" {
			return command{}
		}
		return command{kind: commandSetOutput, name: key, value: message}
	default:
		issueType, ok := issueCommands[name]
		if !ok {
			return command{}
		}
		issue := api.Issue{Type: issueType, Message: message}
		if props := parseProperties(properties); len(props) > 0 {
			issue.Data = props
		}
		return command{kind: commandIssue, issue: issue}
	}
}

func parseProperties(properties string) map[string]string {
	result := map[string]string{}
	for _, property := range strings.Split(properties, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(property), "=")
		if found && key != "" {
			result[key] = value
		}
	}
	return result
}
