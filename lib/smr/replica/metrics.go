package replica

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/VictoriaMetrics/metrics"
)

// replicaMetrics exposes the state of one replica in Prometheus format.
// Gauges read the last published Ready, so scraping never blocks the event loop.
type replicaMetrics struct {
	set   *metrics.Set
	state atomic.Pointer[smr.ReplicaState]
	stats atomic.Pointer[Stats]

	msgsSent    *metrics.Counter
	msgsFailed  *metrics.Counter
	msgsRecv    *metrics.Counter
	stepLatency *metrics.Histogram
}

func newReplicaMetrics(id smr.ReplicaID, kind Kind) *replicaMetrics {
	rm := &replicaMetrics{set: metrics.NewSet()}
	rm.state.Store(&smr.ReplicaState{ID: id, VotedFor: smr.NoReplica, Leader: smr.NoReplica})
	rm.stats.Store(&Stats{})

	label := func(name string) string {
		return fmt.Sprintf(`%s{replica="%d",protocol="%s"}`, name, id, kind)
	}
	gauge := func(name string, f func() float64) {
		rm.set.NewGauge(label(name), f)
	}

	gauge("dsmr_replica_role", func() float64 { return float64(rm.state.Load().Role) })
	gauge("dsmr_replica_view", func() float64 { return float64(rm.state.Load().View) })
	gauge("dsmr_replica_commit_index", func() float64 { return float64(rm.state.Load().CommitIndex) })
	gauge("dsmr_replica_last_applied", func() float64 { return float64(rm.state.Load().LastApplied) })
	gauge("dsmr_replica_log_entries", func() float64 {
		s := rm.state.Load()
		return float64(s.LastIndex + 1 - s.FirstIndex)
	})
	gauge("dsmr_replica_full_copy", func() float64 {
		if rm.state.Load().FullCopy {
			return 1
		}
		return 0
	})

	gauge("dsmr_replica_proposals_total", func() float64 { return float64(rm.stats.Load().Proposals) })
	gauge("dsmr_replica_entries_total", func() float64 { return float64(rm.stats.Load().Entries) })
	gauge("dsmr_replica_commits_total", func() float64 { return float64(rm.stats.Load().Commits) })
	gauge("dsmr_replica_applied_total", func() float64 { return float64(rm.stats.Load().Applied) })
	gauge("dsmr_replica_duplicates_total", func() float64 { return float64(rm.stats.Load().Duplicates) })
	gauge("dsmr_replica_elections_total", func() float64 { return float64(rm.stats.Load().Elections) })
	gauge("dsmr_replica_fallbacks_total", func() float64 { return float64(rm.stats.Load().Fallbacks) })
	gauge("dsmr_replica_snapshots_total", func() float64 { return float64(rm.stats.Load().Snapshots) })
	gauge("dsmr_replica_lease_reads_total", func() float64 { return float64(rm.stats.Load().LeaseReads) })

	rm.msgsSent = rm.set.NewCounter(label("dsmr_replica_messages_sent_total"))
	rm.msgsFailed = rm.set.NewCounter(label("dsmr_replica_messages_failed_total"))
	rm.msgsRecv = rm.set.NewCounter(label("dsmr_replica_messages_received_total"))
	rm.stepLatency = rm.set.NewHistogram(label("dsmr_replica_step_duration_seconds"))
	return rm
}

func (rm *replicaMetrics) publish(rd *Ready) {
	state, stats := rd.State, rd.Stats
	rm.state.Store(&state)
	rm.stats.Store(&stats)
}

// WritePrometheus writes the replica metrics in Prometheus text format.
func (rm *replicaMetrics) WritePrometheus(w io.Writer) {
	rm.set.WritePrometheus(w)
}
