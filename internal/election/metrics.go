package election

// Metrics is the metrics sink used by the Elector. The default is a no-op;
// the observability package provides a Prometheus implementation.
type Metrics interface {
	IncElectionStarted(instanceID string)
	IncElectionWon(instanceID string)
	IncHeartbeatSent(instanceID string)
	SetIsLeader(instanceID string, isLeader bool)
}

type noopMetrics struct{}

func (noopMetrics) IncElectionStarted(string) {}
func (noopMetrics) IncElectionWon(string)     {}
func (noopMetrics) IncHeartbeatSent(string)   {}
func (noopMetrics) SetIsLeader(string, bool)  {}
