package replica

import (
	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/wire"
)

// --------------------------------------------------------------------------
// Role transitions
// --------------------------------------------------------------------------

func (c *core) resetElectionTimer() {
	c.electionElapsed = 0
	c.electionTimeout = c.policy.electionTicks()
}

// randomElectionTicks draws a timeout from [ElectionTicks, 2*ElectionTicks).
func (c *core) randomElectionTicks() int {
	return c.cfg.ElectionTicks + c.rand.Intn(c.cfg.ElectionTicks)
}

func (c *core) canCampaign() bool {
	return c.role != smr.RoleRecovering && !c.cfg.DisallowStepUp
}

// becomeFollower adopts view (if higher) and follows leader (may be NoReplica).
// A recovering replica stays recovering until it caught up.
func (c *core) becomeFollower(view uint64, leader smr.ReplicaID) error {
	if view > c.view {
		c.view = view
		c.votedFor = smr.NoReplica
		if err := c.persistHardState(); err != nil {
			return err
		}
	}

	role := smr.RoleFollower
	if c.role == smr.RoleRecovering {
		role = smr.RoleRecovering
	}
	if c.role != role || c.leader != leader {
		c.roleChanged = true
	}
	if c.role == smr.RoleLeader {
		Logger.Infof("%s: stepping down in view %d", c.id, c.view)
	}

	c.role = role
	c.leader = leader
	c.votes = nil
	c.peers = nil
	c.reconcile = nil
	c.fullCopy = false
	c.queue = nil
	c.queueAge = 0
	c.resetElectionTimer()
	return nil
}

// campaign starts an election for the next view.
func (c *core) campaign() error {
	if !c.canCampaign() {
		return nil
	}

	c.view++
	c.votedFor = c.id
	if err := c.persistHardState(); err != nil {
		return err
	}

	if c.role != smr.RoleCandidate || c.leader != smr.NoReplica {
		c.roleChanged = true
	}
	c.role = smr.RoleCandidate
	c.leader = smr.NoReplica
	c.peers = nil
	c.reconcile = nil
	c.queue = nil
	c.votes = map[smr.ReplicaID]bool{c.id: true}
	c.resetElectionTimer()
	c.stats.Elections++

	if len(c.votes) >= smr.Majority(c.cfg.Population) {
		return c.becomeLeader()
	}

	Logger.Infof("%s: starting election for view %d", c.id, c.view)
	last, lastView := c.lastIndex(), c.lastView()
	c.broadcast(func(smr.ReplicaID) *wire.Message {
		return &wire.Message{Type: wire.MsgVote, Index: last, LogView: lastView}
	})
	return nil
}

func (c *core) becomeLeader() error {
	Logger.Infof("%s: elected leader of view %d (commit %d, last %d)", c.id, c.view, c.commit, c.lastIndex())

	c.role = smr.RoleLeader
	c.leader = c.id
	c.roleChanged = true
	c.votes = nil
	c.fullCopy = false
	c.queue = nil
	c.queueAge = 0
	c.heartbeatElapsed = 0

	c.peers = make([]*progress, c.n)
	for p := range c.peers {
		if smr.ReplicaID(p) == c.id {
			continue
		}
		pr := &progress{next: c.commit + 1}
		pr.resetBackoff(c.cfg.RetryTicks)
		c.peers[p] = pr
	}

	c.broadcastHeartbeat()
	return c.startReconcile()
}

// --------------------------------------------------------------------------
// Votes
// --------------------------------------------------------------------------

// upToDate reports whether a log ending at (lastView, last) is at least as
// up-to-date as the local one.
func (c *core) upToDate(lastView, last uint64) bool {
	if lastView != c.lastView() {
		return lastView > c.lastView()
	}
	return last >= c.lastIndex()
}

func (c *core) handleVote(from smr.ReplicaID, m *wire.Message) error {
	if m.View < c.view {
		c.send(from, &wire.Message{Type: wire.MsgVoteReply, Success: false})
		return nil
	}

	grant := (c.votedFor == smr.NoReplica || c.votedFor == from) && c.upToDate(m.LogView, m.Index)
	if grant {
		c.votedFor = from
		if err := c.persistHardState(); err != nil {
			return err
		}
		c.resetElectionTimer()
		Logger.Debugf("%s: granted vote to %s for view %d", c.id, from, c.view)
	}
	c.send(from, &wire.Message{Type: wire.MsgVoteReply, Success: grant})
	return nil
}

func (c *core) handleVoteReply(from smr.ReplicaID, m *wire.Message) error {
	if c.role != smr.RoleCandidate || m.View != c.view || !m.Success {
		return nil
	}
	c.votes[from] = true
	if len(c.votes) >= smr.Majority(c.cfg.Population) {
		return c.becomeLeader()
	}
	return nil
}
