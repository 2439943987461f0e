package harness

// Step outcomes other than session error codes.
const (
	OutcomeOK             = "ok"
	OutcomeNotConfigured  = "NOT_CONFIGURED"
	OutcomeRetryExhausted = "RETRY_EXHAUSTED"
	OutcomeRemoteError    = "REMOTE_ERROR"
	OutcomeError          = "ERROR"
)

// TraceEvent is one executed flow step.
type TraceEvent struct {
	Seq     int64                  `json:"seq"`
	Action  string                 `json:"action"`
	Args    map[string]interface{} `json:"args,omitempty"`
	Outcome string                 `json:"outcome"`
	Result  map[string]interface{} `json:"result,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all expect clauses and assertions match.
	Pass bool `json:"pass"`

	// Trace contains every executed step in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an executed step.
func (r *Result) AddTrace(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}
