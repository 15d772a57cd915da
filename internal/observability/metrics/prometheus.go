//revive:disable:var-naming
//revive:disable:exported
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exposes application metrics and can be injected into the saver
// and election layers. It implements both internal/saver.Metrics and
// internal/election.Metrics through method set compatibility, without
// importing those packages.
type Prometheus struct {
	instanceID string

	saveScheduledTotal    *prometheus.CounterVec
	saveCancelledTotal    *prometheus.CounterVec
	saveDuration          *prometheus.HistogramVec
	backupWriteTotal      *prometheus.CounterVec
	saveQueueDepth        *prometheus.GaugeVec
	electionStartedTotal  *prometheus.CounterVec
	electionWonTotal      *prometheus.CounterVec
	heartbeatSentTotal    *prometheus.CounterVec
	isLeader              *prometheus.GaugeVec
	backupCleanupReclaims *prometheus.CounterVec
}

func NewPrometheus(instanceID string, reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Prometheus{
		instanceID: instanceID,
		saveScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "draftcore",
				Subsystem: "saver",
				Name:      "save_scheduled_total",
				Help:      "Total saves scheduled, including ones later cancelled.",
			},
			[]string{"instance_id"},
		),
		saveCancelledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "draftcore",
				Subsystem: "saver",
				Name:      "save_cancelled_total",
				Help:      "Total saves dropped at the task boundary because their scene was cancelled.",
			},
			[]string{"instance_id"},
		),
		saveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "draftcore",
				Subsystem: "saver",
				Name:      "save_duration_seconds",
				Help:      "Duration of one persist attempt by result (ok, deleted, error).",
				Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2},
			},
			[]string{"instance_id", "result"},
		),
		backupWriteTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "draftcore",
				Subsystem: "saver",
				Name:      "backup_write_total",
				Help:      "Emergency backup write attempts after failed persists, by result.",
			},
			[]string{"instance_id", "result"},
		),
		saveQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "draftcore",
				Subsystem: "saver",
				Name:      "queue_depth",
				Help:      "Pending save tasks across all scene queues.",
			},
			[]string{"instance_id"},
		),
		electionStartedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "draftcore",
				Subsystem: "election",
				Name:      "started_total",
				Help:      "Times this instance entered the candidate state and announced itself.",
			},
			[]string{"instance_id"},
		),
		electionWonTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "draftcore",
				Subsystem: "election",
				Name:      "won_total",
				Help:      "Times this instance claimed leadership.",
			},
			[]string{"instance_id"},
		),
		heartbeatSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "draftcore",
				Subsystem: "election",
				Name:      "heartbeat_sent_total",
				Help:      "Leader heartbeats broadcast by this instance.",
			},
			[]string{"instance_id"},
		),
		isLeader: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "draftcore",
				Subsystem: "election",
				Name:      "is_leader",
				Help:      "1 while this instance is the leader, else 0.",
			},
			[]string{"instance_id"},
		),
		backupCleanupReclaims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "draftcore",
				Subsystem: "backup",
				Name:      "cleanup_reclaimed_total",
				Help:      "Expired emergency backups removed by periodic cleanup.",
			},
			[]string{"instance_id"},
		),
	}

	if err := m.register(reg); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Prometheus) register(reg prometheus.Registerer) error {
	if err := registerOrReuseCounterVec(reg, &m.saveScheduledTotal); err != nil {
		return fmt.Errorf("register save scheduled counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.saveCancelledTotal); err != nil {
		return fmt.Errorf("register save cancelled counter: %w", err)
	}
	if err := registerOrReuseHistogramVec(reg, &m.saveDuration); err != nil {
		return fmt.Errorf("register save duration histogram: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.backupWriteTotal); err != nil {
		return fmt.Errorf("register backup write counter: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.saveQueueDepth); err != nil {
		return fmt.Errorf("register queue depth gauge: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.electionStartedTotal); err != nil {
		return fmt.Errorf("register election started counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.electionWonTotal); err != nil {
		return fmt.Errorf("register election won counter: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.heartbeatSentTotal); err != nil {
		return fmt.Errorf("register heartbeat counter: %w", err)
	}
	if err := registerOrReuseGaugeVec(reg, &m.isLeader); err != nil {
		return fmt.Errorf("register is_leader gauge: %w", err)
	}
	if err := registerOrReuseCounterVec(reg, &m.backupCleanupReclaims); err != nil {
		return fmt.Errorf("register backup cleanup counter: %w", err)
	}
	return nil
}

func registerOrReuseHistogramVec(reg prometheus.Registerer, c **prometheus.HistogramVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.HistogramVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseCounterVec(reg prometheus.Registerer, c **prometheus.CounterVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func registerOrReuseGaugeVec(reg prometheus.Registerer, c **prometheus.GaugeVec) error {
	if err := reg.Register(*c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		existing, ok := already.ExistingCollector.(*prometheus.GaugeVec)
		if !ok {
			return fmt.Errorf("collector type mismatch for %T", *c)
		}
		*c = existing
	}
	return nil
}

func (m *Prometheus) IncSaveScheduled() {
	m.saveScheduledTotal.WithLabelValues(m.instanceID).Inc()
}

func (m *Prometheus) IncSaveCancelled() {
	m.saveCancelledTotal.WithLabelValues(m.instanceID).Inc()
}

func (m *Prometheus) ObserveSaveDuration(result string, d time.Duration) {
	m.saveDuration.WithLabelValues(m.instanceID, result).Observe(d.Seconds())
}

func (m *Prometheus) IncBackupWrite(result string) {
	m.backupWriteTotal.WithLabelValues(m.instanceID, result).Inc()
}

func (m *Prometheus) SetQueueDepth(n int) {
	if n < 0 {
		n = 0
	}
	m.saveQueueDepth.WithLabelValues(m.instanceID).Set(float64(n))
}

func (m *Prometheus) IncElectionStarted(instanceID string) {
	m.electionStartedTotal.WithLabelValues(instanceID).Inc()
}

func (m *Prometheus) IncElectionWon(instanceID string) {
	m.electionWonTotal.WithLabelValues(instanceID).Inc()
}

func (m *Prometheus) IncHeartbeatSent(instanceID string) {
	m.heartbeatSentTotal.WithLabelValues(instanceID).Inc()
}

func (m *Prometheus) SetIsLeader(instanceID string, isLeader bool) {
	v := 0.0
	if isLeader {
		v = 1.0
	}
	m.isLeader.WithLabelValues(instanceID).Set(v)
}

func (m *Prometheus) AddBackupCleanupReclaimed(n int) {
	if n <= 0 {
		return
	}
	m.backupCleanupReclaims.WithLabelValues(m.instanceID).Add(float64(n))
}
