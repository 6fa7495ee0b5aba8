package replica

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{"raft": KindRaft, "CRaft": KindCRaft, "RepNothing": KindRepNothing} {
		got, err := ParseKind(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseKind("paxos")
	assert.Error(t, err)
}

func TestNewValidatesConfig(t *testing.T) {
	deps := func() Deps {
		c := newCluster(t, KindRaft, 1, nil)
		return Deps{Log: c.logs[0], Snapshots: c.snaps[0], Target: c.kvs[0]}
	}

	_, err := New(DefaultConfig(0, 3, KindRepNothing), deps())
	assert.Error(t, err, "repnothing needs a single replica")

	_, err = New(DefaultConfig(3, 3, KindRaft), deps())
	assert.Error(t, err, "id out of range")

	cfg := DefaultConfig(0, 3, KindRaft)
	cfg.HeartbeatTicks = cfg.ElectionTicks
	_, err = New(cfg, deps())
	assert.Error(t, err, "heartbeat must be shorter than the election timeout")

	cfg = DefaultConfig(0, 3, KindRaft)
	cfg.LeaseTicks = cfg.ElectionTicks
	_, err = New(cfg, deps())
	assert.Error(t, err, "the lease must end before followers vote again")

	_, err = New(DefaultConfig(0, uint8(smr.NoReplica), KindRaft), deps())
	assert.Error(t, err, "the largest population collides with NoReplica")

	_, err = New(DefaultConfig(0, 3, KindRaft), Deps{})
	assert.Error(t, err, "storage is required")
}

// --------------------------------------------------------------------------
// RepNothing and Raft
// --------------------------------------------------------------------------

func TestRepNothingCommitsLocally(t *testing.T) {
	c := newCluster(t, KindRepNothing, 1, nil)
	c.tick(1)
	require.Equal(t, smr.RoleLeader, c.nodes[0].Status().Role)

	r := set("a", "1")
	require.NoError(t, c.propose(0, r))

	res, ok := c.result(0, r.Key())
	require.True(t, ok)
	assert.Equal(t, []byte("OK"), res.Result.Output)
	assert.Equal(t, uint64(1), res.Result.Index)
	assert.Equal(t, uint64(1), c.nodes[0].Status().CommitIndex)
	assert.Equal(t, "1", c.kvs[0].Data["a"])
}

func TestRaftElectionByTimeout(t *testing.T) {
	c := newCluster(t, KindRaft, 3, nil)
	c.tick(60)

	leader := c.leader()
	require.NotEqual(t, smr.NoReplica, leader)
	for i, p := range c.nodes {
		s := p.Status()
		assert.Equal(t, leader, s.Leader, "replica %d", i)
		if smr.ReplicaID(i) != leader {
			assert.Equal(t, smr.RoleFollower, s.Role)
		}
	}
}

func TestRaftReplicates(t *testing.T) {
	c := newCluster(t, KindRaft, 3, nil)
	c.elect(0)

	r := set("a", "1")
	require.NoError(t, c.propose(0, r))
	assert.Equal(t, uint64(1), c.nodes[0].Status().CommitIndex)

	for i := range c.nodes {
		assert.Equal(t, "1", c.kvs[i].Data["a"], "replica %d", i)
		res, ok := c.result(smr.ReplicaID(i), r.Key())
		require.True(t, ok, "replica %d", i)
		assert.Equal(t, []byte("OK"), res.Result.Output)
	}
	c.requireAgreement()
}

func TestProposeAtFollowerReturnsLeaderHint(t *testing.T) {
	c := newCluster(t, KindRaft, 3, nil)
	c.elect(2)

	err := c.nodes[0].Propose(set("a", "1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, smr.ErrNotLeader))
	hint, ok := smr.LeaderHintOf(err)
	require.True(t, ok)
	assert.Equal(t, smr.ReplicaID(2), hint)
}

func TestRaftMinorityCannotCommit(t *testing.T) {
	c := newCluster(t, KindRaft, 3, nil)
	c.elect(0)
	c.down[1], c.down[2] = true, true

	require.NoError(t, c.propose(0, set("a", "1")))
	assert.Equal(t, uint64(0), c.nodes[0].Status().CommitIndex)

	// the leader steps down once it lost the majority
	c.tick(20)
	assert.NotEqual(t, smr.RoleLeader, c.nodes[0].Status().Role)
}

func TestStaleLeaderStepsDown(t *testing.T) {
	c := newCluster(t, KindRaft, 3, nil)
	c.elect(0)
	c.down[0] = true
	c.elect(1)
	c.down[0] = false

	// the old leader's next heartbeat is rejected with the newer view
	c.tick(4)
	s := c.nodes[0].Status()
	assert.Equal(t, smr.RoleFollower, s.Role)
	assert.Equal(t, c.nodes[1].Status().View, s.View)
	assert.Equal(t, smr.ReplicaID(1), c.leader())
}

func TestDisallowStepUp(t *testing.T) {
	c := newCluster(t, KindRaft, 3, func(cfg *Config) { cfg.DisallowStepUp = cfg.ID != 2 })
	c.tick(80)
	assert.Equal(t, smr.ReplicaID(2), c.leader())

	view := smr.NewClusterView(c.maxView()+1, 0, c.members())
	require.NoError(t, c.nodes[0].HandleClusterView(view))
	assert.NotEqual(t, smr.RoleCandidate, c.nodes[0].Status().Role)
}

// --------------------------------------------------------------------------
// CRaft
// --------------------------------------------------------------------------

func TestCRaftCodedQuorum(t *testing.T) {
	c := newCluster(t, KindCRaft, 5, nil)
	c.elect(0)

	// k=3 data shards, m=2 parity: a coded entry needs 4 holders
	c.down[3], c.down[4] = true, true
	r := smr.ClientRequest{ClientID: 1, RequestID: 1, Command: []byte("SET x 1")}
	require.NoError(t, c.propose(0, r))
	assert.Equal(t, uint64(0), c.nodes[0].Status().CommitIndex, "leader + 2 shards must not commit")

	c.down[3] = false
	c.tick(4)
	require.Equal(t, uint64(1), c.nodes[0].Status().CommitIndex, "leader + 3 shards commit")
	assert.False(t, c.nodes[0].Status().FullCopy)

	// followers only hold one shard each and reconstruct the payload from peers
	for _, id := range []smr.ReplicaID{1, 2, 3} {
		assert.Equal(t, "1", c.kvs[id].Data["x"], "replica %d", id)
	}

	c.down[4] = false
	get := smr.ClientRequest{ClientID: 2, RequestID: 1, Command: []byte("GET x")}
	require.NoError(t, c.propose(0, get))
	c.tick(20)

	for i := range c.nodes {
		res, ok := c.result(smr.ReplicaID(i), get.Key())
		require.True(t, ok, "replica %d did not apply GET", i)
		assert.Equal(t, []byte("1"), res.Result.Output, "replica %d", i)
		assert.Equal(t, 1, c.kvs[i].Applies["SET x 1"])
	}
	c.requireAgreement()
}

func TestCRaftDiscardsUnprovableEntry(t *testing.T) {
	c := newCluster(t, KindCRaft, 5, nil)
	c.elect(0)
	require.NoError(t, c.propose(0, set("a", "1")))
	c.tick(4)

	// the dangling entry 2 only reaches replica 1 before the leader crashes
	c.drop = func(from, to smr.ReplicaID, _ *wire.Message) bool { return from == 0 && to != 1 }
	r := smr.ClientRequest{ClientID: 7, RequestID: 1, Command: []byte("SET y 2")}
	require.NoError(t, c.propose(0, r))
	require.Equal(t, uint64(2), c.nodes[1].Status().LastIndex)
	c.down[0] = true
	c.drop = nil

	// replica 1 wins (its log is the longest) but cannot prove entry 2 committed
	c.elect(1)
	s := c.nodes[1].Status()
	assert.Equal(t, uint64(1), s.LastIndex)
	assert.Equal(t, uint64(1), s.CommitIndex)

	// the client retries with the same request id
	require.NoError(t, c.propose(1, r))
	require.Equal(t, uint64(2), c.nodes[1].Status().CommitIndex)
	res, ok := c.result(1, r.Key())
	require.True(t, ok)
	assert.False(t, res.Duplicate)

	// the old leader restarts and its dangling entry is overwritten
	c.down[0] = false
	c.boot(0)
	c.deliver()
	c.tick(30)

	e, ok, err := c.logs[0].Get(2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c.nodes[1].Status().View, e.View)
	for i := range c.nodes {
		assert.Equal(t, 1, c.kvs[i].Applies["SET y 2"], "replica %d", i)
		assert.Equal(t, "2", c.kvs[i].Data["y"], "replica %d", i)
	}
}

func TestCRaftKeepsRecoverableEntry(t *testing.T) {
	c := newCluster(t, KindCRaft, 5, nil)
	c.elect(0)
	require.NoError(t, c.propose(0, set("a", "1")))
	c.tick(4)

	// entry 2 reaches replicas 1..3 (k shards) but the leader never learns it
	c.drop = func(from, to smr.ReplicaID, m *wire.Message) bool {
		return (from == 0 && to == 4) || (to == 0 && m.Type == wire.MsgReplicateAck)
	}
	r := set("z", "3")
	require.NoError(t, c.propose(0, r))
	require.Equal(t, uint64(1), c.nodes[0].Status().CommitIndex)
	c.down[0] = true
	c.drop = nil

	c.elect(1)
	leader := c.nodes[1].Status()
	// entry 2 plus the empty entry of the new view
	assert.Equal(t, uint64(3), leader.LastIndex)
	assert.Equal(t, uint64(3), leader.CommitIndex)

	c.tick(10)
	for _, id := range []smr.ReplicaID{1, 2, 3, 4} {
		assert.Equal(t, "3", c.kvs[id].Data["z"], "replica %d", id)
		assert.Equal(t, 1, c.kvs[id].Applies[string(r.Command)], "replica %d", id)
	}
	c.requireAgreement()
}

func TestCRaftFallbackToFullCopy(t *testing.T) {
	c := newCluster(t, KindCRaft, 5, nil)
	c.elect(0)
	c.down[3], c.down[4] = true, true

	require.NoError(t, c.propose(0, set("x", "1")))
	require.Equal(t, uint64(0), c.nodes[0].Status().CommitIndex)

	// after an election timeout without answers the leader falls back
	c.tick(12)
	s := c.nodes[0].Status()
	assert.Equal(t, smr.RoleLeader, s.Role)
	assert.True(t, s.FullCopy)
	assert.Equal(t, uint64(1), s.CommitIndex)
	assert.Equal(t, uint64(1), c.nodes[0].(*craft).stats.Fallbacks)

	// full copies commit on a simple majority
	require.NoError(t, c.propose(0, set("y", "2")))
	assert.Equal(t, uint64(2), c.nodes[0].Status().CommitIndex)
	c.tick(2)
	for _, id := range []smr.ReplicaID{0, 1, 2} {
		assert.Equal(t, "1", c.kvs[id].Data["x"], "replica %d", id)
		assert.Equal(t, "2", c.kvs[id].Data["y"], "replica %d", id)
	}

	// a new leadership starts coded again
	c.down[3], c.down[4] = false, false
	c.elect(1)
	assert.False(t, c.nodes[1].Status().FullCopy)
}

// --------------------------------------------------------------------------
// Deduplication
// --------------------------------------------------------------------------

func TestDuplicateRequestsApplyOnce(t *testing.T) {
	c := newCluster(t, KindRaft, 3, nil)
	c.elect(0)

	r := smr.ClientRequest{ClientID: 5, RequestID: 1, Command: []byte("SET a 1")}
	require.NoError(t, c.propose(0, r))
	require.NoError(t, c.propose(0, r))

	var results []Applied
	for _, a := range c.applied[0] {
		if a.Key == r.Key() {
			results = append(results, a)
		}
	}
	require.Len(t, results, 2)
	assert.False(t, results[0].Duplicate)
	assert.True(t, results[1].Duplicate)
	assert.Equal(t, results[0].Result.Output, results[1].Result.Output)
	for i := range c.nodes {
		assert.Equal(t, 1, c.kvs[i].Applies["SET a 1"], "replica %d", i)
	}

	// once acknowledged, the result is released but the request stays applied
	next := smr.ClientRequest{ClientID: 5, RequestID: 2, AckedUpTo: 1, Command: []byte("SET b 2")}
	require.NoError(t, c.propose(0, next))
	require.NoError(t, c.propose(0, r))
	res, ok := c.result(0, r.Key())
	require.True(t, ok)
	assert.True(t, res.Duplicate)
	assert.True(t, res.Result.Released)
	assert.Nil(t, res.Result.Output)
	assert.Equal(t, 1, c.kvs[0].Applies["SET a 1"])
}

func TestCancelWithdrawsQueuedRequest(t *testing.T) {
	c := newCluster(t, KindRaft, 3, func(cfg *Config) { cfg.BatchTicks = 5 })
	c.elect(0)

	keep, drop := set("a", "1"), set("b", "2")
	require.NoError(t, c.propose(0, keep, drop))
	assert.True(t, c.nodes[0].Cancel(drop.Key()))
	assert.False(t, c.nodes[0].Cancel(drop.Key()))

	c.tick(6)
	_, ok := c.result(0, keep.Key())
	assert.True(t, ok)
	_, ok = c.result(0, drop.Key())
	assert.False(t, ok)
	assert.Empty(t, c.kvs[0].Data["b"])
}

// --------------------------------------------------------------------------
// Snapshots and restarts
// --------------------------------------------------------------------------

func TestSnapshotInstallCatchesUpLaggingPeer(t *testing.T) {
	c := newCluster(t, KindRaft, 3, func(cfg *Config) { cfg.SnapshotThreshold = 5 })
	c.elect(0)
	c.down[2] = true

	for i := 0; i < 12; i++ {
		require.NoError(t, c.propose(0, set(string(rune('a'+i)), "v")))
	}
	s := c.nodes[0].Status()
	require.Equal(t, uint64(12), s.CommitIndex)
	require.Equal(t, uint64(11), s.FirstIndex, "leader compacted through index 10")

	c.down[2] = false
	c.tick(30)

	lagging := c.nodes[2].Status()
	assert.Equal(t, uint64(12), lagging.CommitIndex)
	assert.Equal(t, uint64(12), lagging.LastApplied)
	assert.Equal(t, c.kvs[0].Data, c.kvs[2].Data)

	meta, _, ok, err := c.snaps[2].Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(10), meta.Index)
}

func TestRestartFromSnapshot(t *testing.T) {
	c := newCluster(t, KindRaft, 3, func(cfg *Config) { cfg.SnapshotThreshold = 2 })
	c.elect(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, c.propose(0, set(string(rune('a'+i)), "v")))
	}
	c.tick(4)

	c.boot(1)
	s := c.nodes[1].Status()
	assert.Equal(t, smr.RoleFollower, s.Role)
	assert.Equal(t, uint64(5), s.LastApplied)
	assert.Equal(t, c.kvs[0].Data, c.kvs[1].Data)
}

func TestCRaftRestartFetchesShards(t *testing.T) {
	c := newCluster(t, KindCRaft, 5, nil)
	c.elect(0)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.propose(0, set(string(rune('a'+i)), "v")))
	}
	c.tick(4)
	require.Equal(t, uint64(3), c.nodes[3].Status().LastApplied)

	// a restarted follower only has its own shards on disk
	c.boot(3)
	assert.Equal(t, smr.RoleRecovering, c.nodes[3].Status().Role)
	c.deliver()

	s := c.nodes[3].Status()
	assert.Equal(t, smr.RoleFollower, s.Role)
	assert.Equal(t, uint64(3), s.LastApplied)
	assert.Equal(t, c.kvs[0].Data, c.kvs[3].Data)
}

// --------------------------------------------------------------------------
// Randomized failures
// --------------------------------------------------------------------------

func TestRandomFailuresKeepAgreement(t *testing.T) {
	for _, kind := range []Kind{KindRaft, KindCRaft} {
		t.Run(string(kind), func(t *testing.T) {
			c := newCluster(t, kind, 5, nil)
			rnd := rand.New(rand.NewSource(7))

			for round := 0; round < 600; round++ {
				if round%40 == 0 {
					id := smr.ReplicaID(rnd.Intn(c.n()))
					if c.down[id] {
						delete(c.down, id)
					} else if len(c.down) < 2 {
						c.down[id] = true
					}
				}
				if round%3 == 0 {
					if l := c.leader(); l != smr.NoReplica {
						// NotLeader while reconciling is fine
						_ = c.propose(l, set("k", string(rune('a'+round%26))))
					}
				}
				c.tick(1)
			}

			c.down = make(map[smr.ReplicaID]bool)
			c.tick(300)

			require.NotEqual(t, smr.NoReplica, c.leader())
			assert.Greater(t, c.nodes[c.leader()].Status().CommitIndex, uint64(0))
			c.requireAgreement()
		})
	}
}
