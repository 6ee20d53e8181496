package impression

import "errors"

var (
	// ErrCallFailed marks a network, timeout, or provider error on an
	// LLM invocation. The run aborts with no writeback.
	ErrCallFailed = errors.New("llm call failed")

	// ErrParseFailed marks a response that is not valid JSON or is
	// missing required fields for its phase.
	ErrParseFailed = errors.New("llm response parse failed")

	// ErrConfigInvalid marks a missing or out-of-range setting,
	// surfaced before any LLM call is made.
	ErrConfigInvalid = errors.New("impression config invalid")

	// ErrRunActive reports that a group already has a pipeline run in
	// flight; the trigger is dropped, not queued.
	ErrRunActive = errors.New("run already active for group")
)
