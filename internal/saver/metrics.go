package saver

import "time"

// Metrics captures saver metric sinks used by the Coordinator.
type Metrics interface {
	IncSaveScheduled()
	IncSaveCancelled()
	ObserveSaveDuration(result string, d time.Duration)
	IncBackupWrite(result string)
	SetQueueDepth(n int)
}

type noopMetrics struct{}

func (noopMetrics) IncSaveScheduled()                          {}
func (noopMetrics) IncSaveCancelled()                          {}
func (noopMetrics) ObserveSaveDuration(string, time.Duration)  {}
func (noopMetrics) IncBackupWrite(string)                      {}
func (noopMetrics) SetQueueDepth(int)                          {}
