package replica

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/snapshot"
	"github.com/ValentinKolb/dSMR/lib/smr/wal"
	"github.com/ValentinKolb/dSMR/lib/smr/wire"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Test state machine
// --------------------------------------------------------------------------

// testKV understands "SET <key> <value>" and "GET <key>" and counts how often
// every command was applied.
type testKV struct {
	Data    map[string]string `json:"data"`
	Applies map[string]int    `json:"applies"`
}

func newTestKV() *testKV {
	return &testKV{Data: make(map[string]string), Applies: make(map[string]int)}
}

func (kv *testKV) Apply(_ uint64, command []byte) []byte {
	kv.Applies[string(command)]++
	parts := strings.SplitN(string(command), " ", 3)
	switch {
	case parts[0] == "SET" && len(parts) == 3:
		kv.Data[parts[1]] = parts[2]
		return []byte("OK")
	case parts[0] == "GET" && len(parts) == 2:
		return []byte(kv.Data[parts[1]])
	default:
		return []byte("ERR")
	}
}

// Query answers GET without a log index.
func (kv *testKV) Query(command []byte) ([]byte, bool) {
	parts := strings.SplitN(string(command), " ", 2)
	if parts[0] != "GET" || len(parts) != 2 {
		return nil, false
	}
	return []byte(kv.Data[parts[1]]), true
}

func (kv *testKV) Save(w io.Writer) error {
	return json.NewEncoder(w).Encode(kv)
}

func (kv *testKV) Load(r io.Reader) error {
	loaded := newTestKV()
	if err := json.NewDecoder(r).Decode(loaded); err != nil {
		return err
	}
	*kv = *loaded
	return nil
}

// --------------------------------------------------------------------------
// Deterministic cluster
// --------------------------------------------------------------------------

type envelope struct {
	from, to smr.ReplicaID
	msg      *wire.Message
}

// cluster drives protocol instances without goroutines: messages produced by
// Ready are queued and delivered in order, ticks are explicit.
type cluster struct {
	t     *testing.T
	kind  Kind
	cfgs  []Config
	nodes []Protocol
	logs  []wal.Store
	snaps []snapshot.Store
	kvs   []*testKV

	down    map[smr.ReplicaID]bool
	drop    func(from, to smr.ReplicaID, m *wire.Message) bool
	queue   []envelope
	applied [][]Applied
	leaders map[uint64]smr.ReplicaID // view -> leader ever seen
}

func newCluster(t *testing.T, kind Kind, n int, tweak func(cfg *Config)) *cluster {
	c := &cluster{
		t:       t,
		kind:    kind,
		down:    make(map[smr.ReplicaID]bool),
		applied: make([][]Applied, n),
		leaders: make(map[uint64]smr.ReplicaID),
	}
	for i := 0; i < n; i++ {
		cfg := DefaultConfig(smr.ReplicaID(i), uint8(n), kind)
		if tweak != nil {
			tweak(&cfg)
		}
		c.cfgs = append(c.cfgs, cfg)
		c.logs = append(c.logs, wal.NewMemory())
		c.snaps = append(c.snaps, snapshot.NewMemory())
		c.kvs = append(c.kvs, newTestKV())
		c.nodes = append(c.nodes, nil)
		c.boot(smr.ReplicaID(i))
	}
	return c
}

// boot (re)creates the protocol instance of id from its durable state.
func (c *cluster) boot(id smr.ReplicaID) {
	c.kvs[id] = newTestKV()
	p, err := New(c.cfgs[id], Deps{Log: c.logs[id], Snapshots: c.snaps[id], Target: c.kvs[id]})
	require.NoError(c.t, err)
	c.nodes[id] = p
	c.applied[id] = nil
	c.collect(id)
}

func (c *cluster) n() int {
	return len(c.nodes)
}

func (c *cluster) members() []smr.ReplicaID {
	ids := make([]smr.ReplicaID, c.n())
	for i := range ids {
		ids[i] = smr.ReplicaID(i)
	}
	return ids
}

func (c *cluster) collect(id smr.ReplicaID) {
	rd := c.nodes[id].Ready()
	for _, out := range rd.Messages {
		c.queue = append(c.queue, envelope{from: id, to: out.To, msg: out.Msg})
	}
	c.applied[id] = append(c.applied[id], rd.Applied...)

	if rd.State.Role == smr.RoleLeader {
		if prev, ok := c.leaders[rd.State.View]; ok {
			require.Equal(c.t, prev, id, "two leaders in view %d", rd.State.View)
		}
		c.leaders[rd.State.View] = id
	}
}

// deliver routes queued messages until the network is quiet. Messages travel
// through the wire codec so no state is shared between replicas.
func (c *cluster) deliver() {
	for steps := 0; len(c.queue) > 0; steps++ {
		require.Less(c.t, steps, 100000, "message storm")
		env := c.queue[0]
		c.queue = c.queue[1:]
		if c.down[env.from] || c.down[env.to] {
			continue
		}
		if c.drop != nil && c.drop(env.from, env.to, env.msg) {
			continue
		}
		msg, err := wire.Unmarshal(wire.Marshal(env.msg))
		require.NoError(c.t, err)
		require.NoError(c.t, c.nodes[env.to].Step(env.from, msg), "step %s at %s", msg, env.to)
		c.collect(env.to)
	}
}

// tick advances every live replica by rounds ticks.
func (c *cluster) tick(rounds int) {
	for r := 0; r < rounds; r++ {
		for i, p := range c.nodes {
			if c.down[smr.ReplicaID(i)] {
				continue
			}
			require.NoError(c.t, p.Tick())
			c.collect(smr.ReplicaID(i))
		}
		c.deliver()
	}
}

func (c *cluster) maxView() uint64 {
	var v uint64
	for _, p := range c.nodes {
		if s := p.Status(); s.View > v {
			v = s.View
		}
	}
	return v
}

// elect pushes a cluster view naming id as leader and runs the election.
func (c *cluster) elect(id smr.ReplicaID) {
	view := smr.NewClusterView(c.maxView()+1, id, c.members())
	require.NoError(c.t, c.nodes[id].HandleClusterView(view))
	c.collect(id)
	c.deliver()
	require.Equal(c.t, smr.RoleLeader, c.nodes[id].Status().Role, "%s did not win view %d", id, view.Number)
}

// leader returns the leader of the highest view, NoReplica if there is none.
func (c *cluster) leader() smr.ReplicaID {
	best, view := smr.NoReplica, uint64(0)
	for i, p := range c.nodes {
		s := p.Status()
		if !c.down[smr.ReplicaID(i)] && s.Role == smr.RoleLeader && s.View >= view {
			best, view = smr.ReplicaID(i), s.View
		}
	}
	return best
}

func (c *cluster) propose(id smr.ReplicaID, reqs ...smr.ClientRequest) error {
	err := c.nodes[id].Propose(reqs...)
	c.collect(id)
	c.deliver()
	return err
}

// result returns the last applied result for key at replica id.
func (c *cluster) result(id smr.ReplicaID, key smr.RequestKey) (Applied, bool) {
	for i := len(c.applied[id]) - 1; i >= 0; i-- {
		if c.applied[id][i].Key == key {
			return c.applied[id][i], true
		}
	}
	return Applied{}, false
}

// requireAgreement checks that all replicas applied the same sequence of
// commands in the same order (shorter sequences are prefixes).
func (c *cluster) requireAgreement() {
	var longest []Applied
	for _, a := range c.applied {
		if len(a) > len(longest) {
			longest = a
		}
	}
	for id, a := range c.applied {
		var last uint64
		for i, ap := range a {
			require.GreaterOrEqual(c.t, ap.Result.Index, last, "replica %d applied out of order", id)
			last = ap.Result.Index
			require.Equal(c.t, longest[i].Key, ap.Key, "replica %d diverges at %d", id, i)
			require.Equal(c.t, longest[i].Result, ap.Result, "replica %d diverges at %d", id, i)
		}
	}
}

var nextClient uint64 = 1000

// req builds a request of a fresh client.
func req(command string) smr.ClientRequest {
	nextClient++
	return smr.ClientRequest{ClientID: nextClient, RequestID: 1, Command: []byte(command)}
}

func set(key, value string) smr.ClientRequest {
	return req(fmt.Sprintf("SET %s %s", key, value))
}
