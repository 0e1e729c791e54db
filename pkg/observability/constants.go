package observability

const (
	AttrServiceName      = "service.name"
	AttrServiceVersion   = "service.version"
	AttrToolName         = "tool.name"
	AttrWorkflowName     = "workflow.name"
	AttrStepID           = "step.id"
	AttrErrorType        = "error.type"
	AttrHTTPMethod       = "http.method"
	AttrHTTPPath         = "http.path"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"

	SpanHTTPRequest       = "http.request"
	SpanToolExecution     = "tool.execution"
	SpanWorkflowExecution = "workflow.execution"
	SpanWorkflowStep      = "workflow.step"

	DefaultServiceName  = "taskflow"
	DefaultSamplingRate = 1.0
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
)
