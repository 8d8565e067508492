package metrics

import "time"

// ResultLabel enumerates step result categories for counters.
type ResultLabel string

const (
	ResultSuccess   ResultLabel = "success"
	ResultFailed    ResultLabel = "failed"
	ResultCancelled ResultLabel = "cancelled"
)

// OutcomeLabel is the final outcome of a build.
type OutcomeLabel string

const (
	OutcomeSucceeded OutcomeLabel = "succeeded"
	OutcomeFailed    OutcomeLabel = "failed"
	OutcomeCancelled OutcomeLabel = "cancelled"
	OutcomeTimeout   OutcomeLabel = "timeout"
)

// Recorder defines observability hooks for builds and pipeline steps.
type Recorder interface {
	ObserveStepDuration(step string, d time.Duration)
	IncStepResult(step string, result ResultLabel)
	ObserveBuildDuration(repository string, d time.Duration)
	IncBuildOutcome(outcome OutcomeLabel)
	SetQueueLength(n int)
	SetActiveBuilds(n int)
	IncRetry(step string)
	IncRetryExhausted(step string)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStepDuration(string, time.Duration)  {}
func (NoopRecorder) IncStepResult(string, ResultLabel)          {}
func (NoopRecorder) ObserveBuildDuration(string, time.Duration) {}
func (NoopRecorder) IncBuildOutcome(OutcomeLabel)               {}
func (NoopRecorder) SetQueueLength(int)                         {}
func (NoopRecorder) SetActiveBuilds(int)                        {}
func (NoopRecorder) IncRetry(string)                            {}
func (NoopRecorder) IncRetryExhausted(string)                   {}
