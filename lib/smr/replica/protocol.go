package replica

import (
	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/wire"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("replica")

// Protocol is the capability set every replication variant implements.
//
// A Protocol is a deterministic state machine without goroutines or clocks:
// it is driven by Propose, Step, Tick and HandleClusterView, and everything
// it wants to happen outside (messages to peers, results for clients) is
// collected until the driver calls Ready. All methods must be called from a
// single goroutine.
//
// Errors returned by the driving methods are either client-facing
// (smr.ErrNotLeader from Propose) or fatal (smr.ErrDurability,
// smr.ErrLogCorruption); see smr.ErrCode.Fatal.
type Protocol interface {
	// Propose queues client requests for replication. Only the leader accepts
	// proposals, other replicas return a NotLeader error with a leader hint.
	Propose(reqs ...smr.ClientRequest) error

	// Cancel withdraws a request that was proposed but not yet written to the
	// log. It reports whether the request was withdrawn.
	Cancel(key smr.RequestKey) bool

	// Step handles a message from a peer.
	Step(from smr.ReplicaID, msg *wire.Message) error

	// Tick advances the logical clock by one tick.
	Tick() error

	// HandleClusterView adopts a view pushed by the cluster manager.
	HandleClusterView(view *smr.ClusterView) error

	// Ready returns and clears everything produced since the last call.
	Ready() Ready

	// Status returns a copy of the current replica state.
	Status() smr.ReplicaState

	// Kind returns the protocol variant.
	Kind() Kind

	// Read answers a read-only command from the local state. It reports false
	// when the command has to be replicated instead: this replica does not
	// lead, holds no lease, is not caught up, or the command modifies state.
	Read(command []byte) (output []byte, ok bool)
}

// Outbound is a message for one peer.
type Outbound struct {
	To  smr.ReplicaID
	Msg *wire.Message
}

// Applied is the result of one client request applied to the state machine.
// Duplicate is set if the request was applied before and the result was
// answered from the dedup table.
type Applied struct {
	Key       smr.RequestKey
	Result    smr.CommandResult
	Duplicate bool
}

// Stats are monotonic counters of a protocol instance.
type Stats struct {
	Proposals  uint64 // client requests accepted by Propose
	Entries    uint64 // log entries created by this replica as leader
	Commits    uint64 // entries committed
	Applied    uint64 // requests applied to the state machine
	Duplicates uint64 // requests answered from the dedup table
	Elections  uint64 // campaigns started
	Fallbacks  uint64 // switches to full-copy replication
	Snapshots  uint64 // snapshots taken
	LeaseReads uint64 // reads answered locally under a leader lease
}

// Ready is the output of a protocol instance.
type Ready struct {
	Messages    []Outbound
	Applied     []Applied
	State       smr.ReplicaState
	Stats       Stats
	RoleChanged bool // role or known leader changed since the last Ready
}

// New restores a protocol instance of the configured kind from deps.
func New(cfg Config, deps Deps) (Protocol, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c, err := newCore(cfg, deps)
	if err != nil {
		return nil, err
	}

	var p Protocol
	switch cfg.Kind {
	case KindRepNothing:
		p = &repNothing{core: c}
	case KindRaft:
		p = &raft{core: c}
	case KindCRaft:
		p = &craft{core: c}
	default:
		return nil, smr.NewError(smr.CodeInternal, "unknown protocol kind %q", cfg.Kind)
	}
	c.policy = p.(policy)

	if err := c.start(); err != nil {
		return nil, err
	}
	return p, nil
}
