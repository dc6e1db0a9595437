package api

// v0 contains the public wire types shared by agents, the gateway and dispatchers.

// MessageKind selects what an agent does with a dispatch.
type MessageKind string

const (
	KindCheck   MessageKind = "check"
	KindRefresh MessageKind = "refresh"
)

// DispatchMessage is broadcast on the dispatch topic. Every agent receives it;
// only the agent whose name resolves to its own address acts on it.
type DispatchMessage struct {
	Agent       string      `json:"agent" yaml:"agent"`
	DownloadURL string      `json:"downloadURL" yaml:"downloadURL"`
	Kind        MessageKind `json:"msgtype" yaml:"msgtype"`
	RunMethod   string      `json:"run-method" yaml:"run-method"`
	Args        []string    `json:"arg-list" yaml:"arg-list"`
}

// ResultMessage is published by an agent after running a check. Agent-failure
// reports use the same shape with CheckRan set to FailureCheckName.
type ResultMessage struct {
	ReportingAgent string `json:"reporting-agent"`
	CheckRan       string `json:"check-ran"`
	ExitCode       int    `json:"exit-code"`
	Description    string `json:"description"`
	Timestamp      string `json:"timestamp"`
}

const (
	FailureCheckName = "AgentFailure"
	FailureExitCode  = 99999
)

// CheckDescriptor is one entry of a publish-checks request.
type CheckDescriptor struct {
	TargetAgent  string      `json:"target-agent" yaml:"target-agent"`
	TargetScript string      `json:"target-script" yaml:"target-script"`
	RunMethod    string      `json:"run-method" yaml:"run-method"`
	Args         []string    `json:"arg-list" yaml:"arg-list"`
	Kind         MessageKind `json:"msgtype,omitempty" yaml:"msgtype,omitempty"`
}

// PublishChecksRequest is the body of POST /publish-checks.
type PublishChecksRequest struct {
	Checks []CheckDescriptor `json:"checks" yaml:"checks"`
	RepoIP string            `json:"repo-ip" yaml:"repo-ip"`
}

// ReadResultRequest is the body of POST /read-result. A nil Args means the
// field was absent from the request.
type ReadResultRequest struct {
	ReportingAgent string   `json:"reporting-agent"`
	CheckRan       string   `json:"check-ran"`
	Args           []string `json:"arg-list"`
}

// ErrorResponse is the JSON body of non-2xx gateway replies that carry no check output.
type ErrorResponse struct {
	Error string `json:"error"`
}
