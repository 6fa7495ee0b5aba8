package replica

import (
	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/wal"
)

// policy holds the hooks in which the protocol variants differ. Everything
// else (election, replication, reconciliation, apply) is shared by the core.
type policy interface {
	// coded reports whether new entries are erasure coded (k > 1).
	coded() bool
	// electionTicks returns the timeout of the next election timer.
	electionTicks() int
	// leaderTick runs on every tick while the replica leads.
	leaderTick() error
	// leaseHeld reports whether the leader may answer reads from its own
	// state without replicating them.
	leaseHeld() bool
}

// --------------------------------------------------------------------------
// RepNothing
// --------------------------------------------------------------------------

// repNothing runs a single replica without any replication. It elects itself
// on the first tick after recovery, commits an entry as soon as it is
// persisted locally and answers reads locally since no other replica can
// take over.
type repNothing struct {
	*core
}

func (v *repNothing) coded() bool        { return false }
func (v *repNothing) electionTicks() int { return 1 }
func (v *repNothing) leaderTick() error  { return nil }
func (v *repNothing) leaseHeld() bool    { return true }

// --------------------------------------------------------------------------
// Raft
// --------------------------------------------------------------------------

// raft replicates full copies of every entry and commits on a majority.
// Reads are served locally only while a majority backs the leader's lease.
type raft struct {
	*core
}

func (v *raft) coded() bool        { return false }
func (v *raft) electionTicks() int { return v.randomElectionTicks() }
func (v *raft) leaderTick() error  { return nil }
func (v *raft) leaseHeld() bool    { return v.leaseValid() }

// --------------------------------------------------------------------------
// CRaft
// --------------------------------------------------------------------------

// craft splits every entry into k = majority data shards plus parity shards
// and sends each follower only its own shard. A coded entry commits once
// ceil((n+k)/2) replicas hold their shard, which guarantees that any majority
// of replicas still holds k shards of it.
//
// When the leader sees too few live peers to reach that quorum it falls back
// to full-copy replication: every follower then receives all data shards and
// entries commit on a simple majority.
type craft struct {
	*core
}

func (v *craft) coded() bool        { return true }
func (v *craft) electionTicks() int { return v.randomElectionTicks() }
func (v *craft) leaseHeld() bool    { return v.leaseValid() }

func (v *craft) leaderTick() error {
	c := v.core
	if c.fullCopy || c.reconcile != nil || c.k <= 1 {
		return nil
	}
	limit := c.n - codedQuorum(c.n, c.k)
	if limit < 1 {
		limit = 1
	}
	if dead := c.deadPeers(); dead >= limit {
		Logger.Warningf("%s: %d of %d peers unresponsive, switching to full-copy replication", c.id, dead, c.n-1)
		return v.switchToFullCopy()
	}
	return nil
}

// switchToFullCopy marks every uncommitted entry as full copy, persists the
// data shards the leader holds for itself and re-sends the entries so that
// followers receive all data shards.
func (v *craft) switchToFullCopy() error {
	c := v.core
	c.fullCopy = true

	var updated []*smr.LogEntry
	for i := c.commit + 1; i <= c.lastIndex(); i++ {
		e := c.entry(i)
		if !e.FullCopy {
			e.FullCopy = true
			updated = append(updated, e)
		}
	}
	if len(updated) > 0 {
		err := c.log.DurableSync(func(w wal.Writer) error {
			for _, e := range updated {
				if err := w.Put(c.stored(e, c.id)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	for id, pr := range c.peers {
		if pr == nil {
			continue
		}
		if pr.match > c.commit {
			pr.match = c.commit
		}
		if pr.fullMatch > c.commit {
			pr.fullMatch = c.commit
		}
		pr.next = pr.match + 1
		pr.resetBackoff(c.cfg.RetryTicks)
		if err := c.sendAppend(smr.ReplicaID(id)); err != nil {
			return err
		}
	}
	c.stats.Fallbacks++
	return nil
}

// codedQuorum returns the replicas that must hold their shard of a coded entry
// before it commits.
func codedQuorum(n int, k uint8) int {
	return (n + int(k) + 1) / 2
}
