package saga

import "time"

// Metrics captures observability events for engine behavior.
type Metrics interface {
	RecordStepOutcome(stepName string, outcome StepOutcome)
	RecordStepRetry(stepName string, attempt int)
	RecordLockContention(key string)
	RecordRunStatus(status Status)
	RecordDispatchOutcome(topic string, delivered bool)
	RecordStepDuration(stepName string, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordStepOutcome(string, StepOutcome)    {}
func (noopMetrics) RecordStepRetry(string, int)              {}
func (noopMetrics) RecordLockContention(string)              {}
func (noopMetrics) RecordRunStatus(Status)                   {}
func (noopMetrics) RecordDispatchOutcome(string, bool)       {}
func (noopMetrics) RecordStepDuration(string, time.Duration) {}

func normalizeMetrics(m Metrics) Metrics {
	if m == nil {
		return noopMetrics{}
	}
	return m
}
