package smr

import (
	"fmt"
	"sort"
)

// --------------------------------------------------------------------------
// Replica identity
// --------------------------------------------------------------------------

// ReplicaID identifies a replica inside a cluster. Ids are dense, 0..population-1.
type ReplicaID uint8

// NoReplica is used where no replica is known (no vote cast, no leader).
const NoReplica ReplicaID = 255

func (id ReplicaID) String() string {
	if id == NoReplica {
		return "none"
	}
	return fmt.Sprintf("r%d", uint8(id))
}

// Majority returns the number of replicas forming a simple majority quorum.
func Majority(population uint8) int {
	return int(population)/2 + 1
}

// --------------------------------------------------------------------------
// Replica state
// --------------------------------------------------------------------------

// Role is the protocol role a replica currently plays.
type Role uint8

const (
	RoleRecovering Role = iota
	RoleFollower
	RoleCandidate
	RoleLeader
)

func (r Role) String() string {
	switch r {
	case RoleRecovering:
		return "Recovering"
	case RoleFollower:
		return "Follower"
	case RoleCandidate:
		return "Candidate"
	case RoleLeader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// ReplicaState is a read-only snapshot of a replica's protocol state.
// The live state is owned exclusively by the replica's event loop.
type ReplicaState struct {
	ID          ReplicaID `json:"id"`
	Role        Role      `json:"role"`
	View        uint64    `json:"view"`
	VotedFor    ReplicaID `json:"voted_for"`
	Leader      ReplicaID `json:"leader"`
	CommitIndex uint64    `json:"commit_index"`
	LastApplied uint64    `json:"last_applied"`
	FirstIndex  uint64    `json:"first_index"`
	LastIndex   uint64    `json:"last_index"`
	FullCopy    bool      `json:"full_copy"`
}

func (s ReplicaState) String() string {
	return fmt.Sprintf("%s{role=%s view=%d leader=%s commit=%d applied=%d log=[%d,%d]}",
		s.ID, s.Role, s.View, s.Leader, s.CommitIndex, s.LastApplied, s.FirstIndex, s.LastIndex)
}

// --------------------------------------------------------------------------
// Log entries
// --------------------------------------------------------------------------

// EntryStatus tracks the lifecycle of a log entry: Proposed -> Accepted -> Committed -> Applied.
type EntryStatus uint8

const (
	StatusProposed EntryStatus = iota
	StatusAccepted
	StatusCommitted
	StatusApplied
)

func (s EntryStatus) String() string {
	switch s {
	case StatusProposed:
		return "Proposed"
	case StatusAccepted:
		return "Accepted"
	case StatusCommitted:
		return "Committed"
	case StatusApplied:
		return "Applied"
	default:
		return "Unknown"
	}
}

// LogEntry is one slot of the replicated log.
//
// Payload is the encoded request batch (see EncodeBatch). A replica that
// only holds a coded shard has a nil Payload until it reconstructs it.
// Once an entry is committed its View and Payload never change.
type LogEntry struct {
	Index    uint64
	View     uint64
	Payload  []byte
	Shards   ShardSet
	Status   EntryStatus
	FullCopy bool // shards were distributed as full copies
}

func (e LogEntry) String() string {
	return fmt.Sprintf("Entry{idx=%d view=%d status=%s shards=%d/%d payload=%t}",
		e.Index, e.View, e.Status, e.Shards.Count(), e.Shards.K, e.Payload != nil)
}

// --------------------------------------------------------------------------
// Client requests
// --------------------------------------------------------------------------

// RequestKey identifies a client request for deduplication.
type RequestKey struct {
	ClientID  uint64
	RequestID uint64
}

func (k RequestKey) String() string {
	return fmt.Sprintf("%d/%d", k.ClientID, k.RequestID)
}

// ClientRequest is a command submitted by a client.
//
// AckedUpTo is the client's low-water mark: the client never retries a
// request id <= AckedUpTo, so dedup records up to it can be dropped.
type ClientRequest struct {
	ClientID  uint64
	RequestID uint64
	AckedUpTo uint64
	Command   []byte
}

// Key returns the dedup key of the request.
func (r ClientRequest) Key() RequestKey {
	return RequestKey{ClientID: r.ClientID, RequestID: r.RequestID}
}

// CommandResult is the result of applying a committed command.
type CommandResult struct {
	Index  uint64
	Output []byte
	// Released is set for a retry of a request that was applied earlier but
	// whose output was already evicted. Output is nil then.
	Released bool
}

// --------------------------------------------------------------------------
// Cluster view
// --------------------------------------------------------------------------

// ClusterView is an immutable, versioned description of the cluster.
// A new view replaces the old one as a whole; a published view is never mutated.
type ClusterView struct {
	Number  uint64
	Leader  ReplicaID
	Members []ReplicaID
}

// NewClusterView creates a view with a private, sorted copy of members.
func NewClusterView(number uint64, leader ReplicaID, members []ReplicaID) *ClusterView {
	m := make([]ReplicaID, len(members))
	copy(m, members)
	sort.Slice(m, func(i, j int) bool { return m[i] < m[j] })
	return &ClusterView{Number: number, Leader: leader, Members: m}
}

// WithLeader derives the next view number with a new leader.
func (v *ClusterView) WithLeader(number uint64, leader ReplicaID) *ClusterView {
	return NewClusterView(number, leader, v.Members)
}

// Population returns the number of members.
func (v *ClusterView) Population() uint8 {
	return uint8(len(v.Members))
}

func (v *ClusterView) String() string {
	return fmt.Sprintf("View{%d leader=%s members=%v}", v.Number, v.Leader, v.Members)
}
