package replica

import (
	"sort"

	"github.com/ValentinKolb/dSMR/lib/smr"
)

// --------------------------------------------------------------------------
// Leader leases
// --------------------------------------------------------------------------
//
// A follower that heard from its leader within the last ElectionTicks ticks
// does not vote for another replica. Every heartbeat carries the tick it was
// sent at and followers echo it, so once a majority acknowledged a heartbeat
// sent at tick t no other leader can be elected before t+ElectionTicks. The
// leader answers reads locally until t+LeaseTicks, which is strictly earlier.

// inLease reports whether a vote request of from must be ignored because
// this replica still backs another leader. A restarted replica does not know
// whom it backed and waits out a full election timeout.
func (c *core) inLease(from smr.ReplicaID) bool {
	return c.cfg.LeaseTicks > 0 &&
		c.grantedTo != from &&
		c.grantElapsed < c.cfg.ElectionTicks
}

// leaseValid reports whether a majority (the leader included) acknowledged a
// heartbeat sent within the last LeaseTicks ticks.
func (c *core) leaseValid() bool {
	if c.cfg.LeaseTicks <= 0 {
		return false
	}
	sent := make([]uint64, 0, c.n)
	sent = append(sent, c.now)
	for _, pr := range c.peers {
		if pr != nil {
			sent = append(sent, pr.leaseSent)
		}
	}
	sort.Slice(sent, func(i, j int) bool { return sent[i] > sent[j] })

	oldest := sent[smr.Majority(c.cfg.Population)-1]
	return oldest > 0 && c.now < oldest+uint64(c.cfg.LeaseTicks)
}

// Read answers command from the local state machine if this replica is a
// leader that committed an entry of its own view, applied everything it
// committed and holds a lease.
func (c *core) Read(command []byte) ([]byte, bool) {
	q, ok := c.target.(smr.Querier)
	if !ok || c.role != smr.RoleLeader || c.reconcile != nil {
		return nil, false
	}
	if c.commit < c.readyAt || c.applied < c.commit || !c.policy.leaseHeld() {
		return nil, false
	}
	out, ok := q.Query(command)
	if ok {
		c.stats.LeaseReads++
	}
	return out, ok
}
