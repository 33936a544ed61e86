package server

// Wire contract of the realtime channel. Client events carry a raw command
// and a site binding; server events stream validation results, incremental
// output, and exactly one terminal event per invocation.

const (
	evExecuteCommand = "execute_command"
	evCancelCommand  = "cancel_command"

	evCommandStarted   = "command_started"
	evCommandOutput    = "command_output"
	evCommandCompleted = "command_completed"
	evCommandError     = "command_error"
)

type clientEvent struct {
	Event   string `json:"event"`
	Command string `json:"command,omitempty"`
	SiteID  string `json:"siteId,omitempty"`
}

type serverEvent struct {
	Event    string `json:"event"`
	Command  string `json:"command,omitempty"`
	Backend  string `json:"backend,omitempty"`
	Site     string `json:"site,omitempty"`
	Type     string `json:"type,omitempty"`
	Data     string `json:"data,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
}

func startedEvent(command, backendName, site string) serverEvent {
	return serverEvent{Event: evCommandStarted, Command: command, Backend: backendName, Site: site}
}

func outputEvent(stream, data string) serverEvent {
	return serverEvent{Event: evCommandOutput, Type: stream, Data: data}
}

func completedEvent(exitCode int) serverEvent {
	return serverEvent{Event: evCommandCompleted, ExitCode: &exitCode}
}

func errorEvent(message string) serverEvent {
	return serverEvent{Event: evCommandError, Error: message}
}
