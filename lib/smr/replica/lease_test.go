package replica

import (
	"testing"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const leaseTicks = 6

func withLease(cfg *Config) {
	cfg.LeaseTicks = leaseTicks
}

func TestRepNothingReadsLocally(t *testing.T) {
	c := newCluster(t, KindRepNothing, 1, nil)
	_, ok := c.nodes[0].Read([]byte("GET a"))
	assert.False(t, ok, "not leading yet")

	c.tick(1)
	require.NoError(t, c.propose(0, set("a", "1")))

	out, ok := c.nodes[0].Read([]byte("GET a"))
	require.True(t, ok)
	assert.Equal(t, []byte("1"), out)

	_, ok = c.nodes[0].Read([]byte("SET a 2"))
	assert.False(t, ok, "writes are replicated")
	assert.Equal(t, uint64(1), c.nodes[0].Ready().Stats.LeaseReads)
}

func TestRaftReadsWithoutLeaseAreReplicated(t *testing.T) {
	c := newCluster(t, KindRaft, 3, nil)
	c.elect(0)
	require.NoError(t, c.propose(0, set("a", "1")))
	c.tick(4)

	_, ok := c.nodes[0].Read([]byte("GET a"))
	assert.False(t, ok)
}

func TestLeaseReadsAtLeader(t *testing.T) {
	for _, kind := range []Kind{KindRaft, KindCRaft} {
		t.Run(string(kind), func(t *testing.T) {
			c := newCluster(t, kind, 3, withLease)
			c.tick(60)
			l := c.leader()
			require.NotEqual(t, smr.NoReplica, l)

			require.NoError(t, c.propose(l, set("a", "1")))
			c.tick(2)

			out, ok := c.nodes[l].Read([]byte("GET a"))
			require.True(t, ok)
			assert.Equal(t, []byte("1"), out)

			for id := range c.nodes {
				if smr.ReplicaID(id) != l {
					_, ok := c.nodes[id].Read([]byte("GET a"))
					assert.False(t, ok, "follower %d answered a read", id)
				}
			}
		})
	}
}

func TestLeaseExpiresBeforeNewLeaderIsElected(t *testing.T) {
	c := newCluster(t, KindRaft, 3, withLease)
	c.tick(60)
	old := c.leader()
	require.NotEqual(t, smr.NoReplica, old)
	require.NoError(t, c.propose(old, set("a", "1")))
	c.tick(2)
	_, ok := c.nodes[old].Read([]byte("GET a"))
	require.True(t, ok)

	// isolate the leader
	c.drop = func(from, to smr.ReplicaID, _ *wire.Message) bool { return from == old || to == old }

	leased := 0
	for i := 0; i < 60; i++ {
		c.tick(1)
		if _, ok := c.nodes[old].Read([]byte("GET a")); !ok {
			continue
		}
		leased++
		for id, p := range c.nodes {
			if smr.ReplicaID(id) != old {
				assert.NotEqual(t, smr.RoleLeader, p.Status().Role, "replica %d leads while the old lease holds (tick %d)", id, i)
			}
		}
	}
	assert.Positive(t, leased)
	assert.Less(t, leased, leaseTicks)

	l := c.leader()
	require.NotEqual(t, smr.NoReplica, l)
	assert.NotEqual(t, old, l)
	_, ok = c.nodes[old].Read([]byte("GET a"))
	assert.False(t, ok)
}

func TestLeaseBlocksCompetingCandidate(t *testing.T) {
	c := newCluster(t, KindRaft, 3, withLease)
	c.tick(60)
	l := c.leader()
	require.NotEqual(t, smr.NoReplica, l)
	g, f := smr.ReplicaID((int(l)+1)%3), smr.ReplicaID((int(l)+2)%3)

	// g cannot reach the leader, f still hears from it
	c.drop = func(from, to smr.ReplicaID, _ *wire.Message) bool {
		return (from == g && to == l) || (from == l && to == g)
	}
	view := smr.NewClusterView(c.maxView()+1, g, c.members())
	require.NoError(t, c.nodes[g].HandleClusterView(view))
	c.collect(g)
	c.deliver()

	assert.Equal(t, smr.RoleCandidate, c.nodes[g].Status().Role)
	assert.Equal(t, l, c.nodes[f].Status().Leader)
	assert.Less(t, c.nodes[f].Status().View, view.Number)

	c.tick(2)
	assert.Equal(t, smr.RoleLeader, c.nodes[l].Status().Role)
	_, ok := c.nodes[l].Read([]byte("GET a"))
	assert.True(t, ok)
}

func TestRestartedReplicaWaitsBeforeVoting(t *testing.T) {
	c := newCluster(t, KindRaft, 3, withLease)

	view := smr.NewClusterView(1, 0, c.members())
	require.NoError(t, c.nodes[0].HandleClusterView(view))
	c.collect(0)
	c.deliver()
	assert.Equal(t, smr.RoleCandidate, c.nodes[0].Status().Role)

	// once the election timeout passed somebody wins
	c.tick(40)
	assert.NotEqual(t, smr.NoReplica, c.leader())
}
