package replica

import (
	"math/rand"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/codec"
	"github.com/ValentinKolb/dSMR/lib/smr/recovery"
	"github.com/ValentinKolb/dSMR/lib/smr/snapshot"
	"github.com/ValentinKolb/dSMR/lib/smr/wal"
	"github.com/ValentinKolb/dSMR/lib/smr/wire"
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// progress is the leader's view of one follower.
type progress struct {
	match     uint64 // highest index known to be replicated (own shard)
	fullMatch uint64 // highest index the follower can decode on its own
	next      uint64 // next index to send

	commitSent uint64 // highest commit index announced to the follower

	retryElapsed int
	backoff      int
	lastHeard    int // ticks since the last message from this peer

	leaseSent uint64 // send tick of the latest heartbeat the peer acknowledged
}

func (pr *progress) resetBackoff(base int) {
	pr.backoff = base
	pr.retryElapsed = 0
}

// core implements the state machine shared by all protocol variants.
// It is owned by a single goroutine.
type core struct {
	cfg    Config
	id     smr.ReplicaID
	n      int
	k, m   uint8 // coding parameters of new entries
	policy policy

	log        wal.Store
	snaps      snapshot.Store
	target     smr.ApplyTarget
	snapPolicy recovery.Policy
	dedup      *dedupTable

	// persistent state (mirrored in the log store)
	view     uint64
	votedFor smr.ReplicaID

	// volatile state
	role      smr.Role
	leader    smr.ReplicaID
	commit    uint64
	applied   uint64
	recoverTo uint64 // commit index known at startup

	snapIndex uint64
	snapView  uint64
	entries   []*smr.LogEntry // entries[i].Index == snapIndex+1+i

	// timers
	now              uint64 // ticks since start
	rand             *rand.Rand
	electionElapsed  int
	electionTimeout  int
	heartbeatElapsed int
	fetchElapsed     int
	fetchPending     bool

	// lease granted to a leader by not voting for anyone else
	grantedTo    smr.ReplicaID
	grantElapsed int

	// candidate state
	votes map[smr.ReplicaID]bool

	// leader state
	peers     []*progress // indexed by replica id, nil for self
	reconcile *reconciliation
	fullCopy  bool
	readyAt   uint64 // reads wait until this index of the own view committed
	queue     []smr.ClientRequest
	queueAge  int

	// output
	msgs        []Outbound
	out         []Applied
	roleChanged bool
	stats       Stats
}

func newCore(cfg Config, deps Deps) (*core, error) {
	if deps.Log == nil || deps.Snapshots == nil || deps.Target == nil {
		return nil, smr.NewError(smr.CodeInternal, "log, snapshot store and apply target are required")
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = int64(cfg.ID) + 1
	}
	return &core{
		cfg:        cfg,
		id:         cfg.ID,
		n:          int(cfg.Population),
		log:        deps.Log,
		snaps:      deps.Snapshots,
		target:     deps.Target,
		snapPolicy: recovery.Policy{Threshold: cfg.SnapshotThreshold},
		dedup:      newDedupTable(cfg.MaxDedupPerClient),
		votedFor:   smr.NoReplica,
		role:       smr.RoleRecovering,
		leader:     smr.NoReplica,
		now:        1,
		grantedTo:  smr.NoReplica,
		rand:       rand.New(rand.NewSource(seed)),
	}, nil
}

// start restores the durable state and replays what can be applied locally.
func (c *core) start() error {
	c.k, c.m = codec.Params(c.cfg.Population, c.policy.coded())

	restored, err := recovery.Restore(c.log, c.snaps, c.loadCheckpoint)
	if err != nil {
		return err
	}

	c.view = restored.HardState.View
	c.votedFor = restored.HardState.VotedFor
	c.snapIndex = restored.Snapshot.Index
	c.snapView = restored.Snapshot.View

	c.entries = make([]*smr.LogEntry, 0, len(restored.Entries))
	for i := range restored.Entries {
		e := restored.Entries[i]
		if e.Shards.Decodable() {
			payload, err := codec.Decode(e.Shards)
			if err != nil {
				return smr.NewError(smr.CodeLogCorruption, "failed to decode entry %d: %v", e.Index, err)
			}
			e.Payload = payload
		}
		c.entries = append(c.entries, &e)
	}

	c.commit = restored.HardState.Commit
	if c.commit < c.snapIndex {
		c.commit = c.snapIndex
	}
	if c.commit > c.lastIndex() {
		return smr.NewError(smr.CodeLogCorruption, "commit marker %d beyond last index %d", c.commit, c.lastIndex())
	}
	for _, e := range c.entries {
		if e.Index <= c.commit && e.Status < smr.StatusCommitted {
			e.Status = smr.StatusCommitted
		}
	}
	c.applied = c.snapIndex
	c.recoverTo = c.commit
	c.resetElectionTimer()

	Logger.Infof("%s: starting %s (k=%d m=%d) at view %d, commit %d, log [%d,%d]",
		c.id, c.cfg.Kind, c.k, c.m, c.view, c.commit, c.snapIndex+1, c.lastIndex())

	return c.applyCommitted()
}

// --------------------------------------------------------------------------
// Log helpers
// --------------------------------------------------------------------------

func (c *core) lastIndex() uint64 {
	return c.snapIndex + uint64(len(c.entries))
}

func (c *core) lastView() uint64 {
	if len(c.entries) == 0 {
		return c.snapView
	}
	return c.entries[len(c.entries)-1].View
}

// entry returns the in-memory entry at index, nil if compacted or missing.
func (c *core) entry(index uint64) *smr.LogEntry {
	if index <= c.snapIndex || index > c.lastIndex() {
		return nil
	}
	return c.entries[index-c.snapIndex-1]
}

// viewAt returns the view of the entry at index. Index 0 and the snapshot
// index are known, compacted entries below are not.
func (c *core) viewAt(index uint64) (uint64, bool) {
	switch {
	case index == c.snapIndex:
		return c.snapView, true
	case index == 0:
		return 0, true
	}
	if e := c.entry(index); e != nil {
		return e.View, true
	}
	return 0, false
}

// ownIndices lists the shards replica p stores for e.
func (c *core) ownIndices(e *smr.LogEntry, p smr.ReplicaID) []int {
	if e.Shards.K > 1 && e.FullCopy {
		idx := make([]int, 0, int(e.Shards.K)+1)
		for i := 0; i < int(e.Shards.K); i++ {
			idx = append(idx, i)
		}
		if int(p) >= int(e.Shards.K) {
			idx = append(idx, int(p))
		}
		return idx
	}
	return []int{int(p)}
}

// stored returns the form of e that replica p persists: its shards, no payload.
func (c *core) stored(e *smr.LogEntry, p smr.ReplicaID) smr.LogEntry {
	s := *e
	s.Payload = nil
	s.Shards = e.Shards.Subset(c.ownIndices(e, p)...)
	return s
}

// decodable reports whether the payload of e is known or can be decoded locally.
func decodable(e *smr.LogEntry) bool {
	return e.Payload != nil || e.Shards.Decodable()
}

// fullUpTo returns the highest index up to which every uncommitted entry can
// be decoded locally.
func (c *core) fullUpTo() uint64 {
	i := c.commit
	for i < c.lastIndex() && decodable(c.entry(i+1)) {
		i++
	}
	return i
}

// truncateMemory drops all in-memory entries with index >= index.
func (c *core) truncateMemory(index uint64) {
	if index <= c.snapIndex {
		c.entries = c.entries[:0]
		return
	}
	if index <= c.lastIndex() {
		for i := index - c.snapIndex - 1; i < uint64(len(c.entries)); i++ {
			c.entries[i] = nil
		}
		c.entries = c.entries[:index-c.snapIndex-1]
	}
}

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

func (c *core) send(to smr.ReplicaID, msg *wire.Message) {
	if msg.View == 0 {
		msg.View = c.view
	}
	c.msgs = append(c.msgs, Outbound{To: to, Msg: msg})
}

func (c *core) broadcast(build func(to smr.ReplicaID) *wire.Message) {
	for p := 0; p < c.n; p++ {
		if smr.ReplicaID(p) == c.id {
			continue
		}
		if msg := build(smr.ReplicaID(p)); msg != nil {
			c.send(smr.ReplicaID(p), msg)
		}
	}
}

func (c *core) Ready() Ready {
	rd := Ready{
		Messages:    c.msgs,
		Applied:     c.out,
		State:       c.Status(),
		Stats:       c.stats,
		RoleChanged: c.roleChanged,
	}
	c.msgs, c.out, c.roleChanged = nil, nil, false
	return rd
}

func (c *core) Status() smr.ReplicaState {
	return smr.ReplicaState{
		ID:          c.id,
		Role:        c.role,
		View:        c.view,
		VotedFor:    c.votedFor,
		Leader:      c.leader,
		CommitIndex: c.commit,
		LastApplied: c.applied,
		FirstIndex:  c.snapIndex + 1,
		LastIndex:   c.lastIndex(),
		FullCopy:    c.fullCopy,
	}
}

func (c *core) Kind() Kind {
	return c.cfg.Kind
}

// leaderHint returns the replica a client should try next.
func (c *core) leaderHint() smr.ReplicaID {
	if c.leader != smr.NoReplica {
		return c.leader
	}
	return smr.ReplicaID((int(c.id) + 1) % c.n)
}

// --------------------------------------------------------------------------
// Driving
// --------------------------------------------------------------------------

func (c *core) Tick() error {
	c.now++
	c.grantElapsed++
	if c.fetchPending {
		c.fetchElapsed++
		if c.fetchElapsed >= c.cfg.RetryTicks {
			c.requestShards()
		}
	}

	switch c.role {
	case smr.RoleLeader:
		return c.tickLeader()
	default:
		return c.tickFollower()
	}
}

func (c *core) tickFollower() error {
	c.electionElapsed++
	if c.electionElapsed >= c.electionTimeout {
		c.electionElapsed = 0
		return c.campaign()
	}
	return nil
}

func (c *core) tickLeader() error {
	for _, pr := range c.peers {
		if pr != nil {
			pr.lastHeard++
		}
	}

	// step down if a majority stopped answering
	if c.n > 1 && c.n-c.deadPeers() < smr.Majority(c.cfg.Population) {
		Logger.Warningf("%s: lost contact to a majority in view %d, stepping down", c.id, c.view)
		return c.becomeFollower(c.view, smr.NoReplica)
	}

	c.heartbeatElapsed++
	if c.heartbeatElapsed >= c.cfg.HeartbeatTicks {
		c.heartbeatElapsed = 0
		c.broadcastHeartbeat()
	}

	if c.reconcile != nil {
		return c.tickReconcile()
	}

	if err := c.policy.leaderTick(); err != nil {
		return err
	}

	if len(c.queue) > 0 {
		c.queueAge++
		if c.queueAge >= c.cfg.BatchTicks {
			if err := c.flush(); err != nil {
				return err
			}
		}
	}

	return c.retransmit()
}

// deadPeers counts the peers the leader has not heard from within an election timeout.
func (c *core) deadPeers() int {
	dead := 0
	for _, pr := range c.peers {
		if pr != nil && pr.lastHeard >= c.cfg.ElectionTicks {
			dead++
		}
	}
	return dead
}

func (c *core) Step(from smr.ReplicaID, m *wire.Message) error {
	if int(from) >= c.n || from == c.id {
		Logger.Warningf("%s: dropping %s from unknown peer %s", c.id, m.Type, from)
		return nil
	}

	if m.Type == wire.MsgVote && c.inLease(from) {
		Logger.Debugf("%s: ignoring vote request of %s for view %d, lease of %s still active", c.id, from, m.View, c.grantedTo)
		return nil
	}

	if m.View > c.view {
		leader := smr.NoReplica
		switch m.Type {
		case wire.MsgHeartbeat, wire.MsgReplicate, wire.MsgCommit, wire.MsgInstallSnapshot:
			leader = from
		}
		Logger.Debugf("%s: adopting view %d from %s (%s)", c.id, m.View, from, m.Type)
		if err := c.becomeFollower(m.View, leader); err != nil {
			return err
		}
	}

	if c.role == smr.RoleLeader {
		if pr := c.peers[from]; pr != nil {
			pr.lastHeard = 0
		}
	}

	switch m.Type {
	case wire.MsgVote:
		return c.handleVote(from, m)
	case wire.MsgVoteReply:
		return c.handleVoteReply(from, m)
	case wire.MsgHeartbeat:
		return c.handleHeartbeat(from, m)
	case wire.MsgReplicate:
		return c.handleReplicate(from, m)
	case wire.MsgReplicateAck:
		return c.handleReplicateAck(from, m)
	case wire.MsgCommit:
		return c.handleCommit(from, m)
	case wire.MsgShardRequest:
		return c.handleShardRequest(from, m)
	case wire.MsgShardResponse:
		return c.handleShardResponse(from, m)
	case wire.MsgInstallSnapshot:
		return c.handleInstallSnapshot(from, m)
	default:
		Logger.Warningf("%s: dropping message of unknown type %s from %s", c.id, m.Type, from)
		return nil
	}
}

func (c *core) HandleClusterView(v *smr.ClusterView) error {
	if v == nil || v.Number <= c.view {
		return nil
	}
	if v.Leader == c.id && c.canCampaign() {
		Logger.Infof("%s: cluster view %d names this replica leader, campaigning", c.id, v.Number)
		c.view = v.Number - 1
		return c.campaign()
	}
	leader := v.Leader
	if leader == c.id {
		leader = smr.NoReplica
	}
	return c.becomeFollower(v.Number, leader)
}

// --------------------------------------------------------------------------
// Persistence helpers
// --------------------------------------------------------------------------

func (c *core) persistHardState() error {
	return c.log.SetHardState(c.view, c.votedFor)
}

// setCommit advances the commit index, persists the marker and applies.
func (c *core) setCommit(index uint64) error {
	if index > c.lastIndex() {
		index = c.lastIndex()
	}
	if index <= c.commit {
		return nil
	}
	if err := c.log.MarkCommitted(index); err != nil {
		return err
	}
	c.advanceCommit(index)
	return c.applyCommitted()
}

// advanceCommit updates the in-memory commit index after the marker was persisted.
func (c *core) advanceCommit(index uint64) {
	for i := c.commit + 1; i <= index; i++ {
		if e := c.entry(i); e != nil && e.Status < smr.StatusCommitted {
			e.Status = smr.StatusCommitted
		}
	}
	c.stats.Commits += index - c.commit
	c.commit = index
}
