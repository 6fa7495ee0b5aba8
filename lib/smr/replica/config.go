package replica

import (
	"fmt"
	"strings"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/snapshot"
	"github.com/ValentinKolb/dSMR/lib/smr/wal"
)

// --------------------------------------------------------------------------
// Protocol kinds
// --------------------------------------------------------------------------

// Kind selects the replication protocol variant.
type Kind string

const (
	KindRepNothing Kind = "repnothing" // single replica, no replication
	KindRaft       Kind = "raft"       // majority quorum, full copies
	KindCRaft      Kind = "craft"      // erasure-coded shards with full-copy fallback
)

// ParseKind parses a protocol name (case-insensitive).
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(s)); k {
	case KindRepNothing, KindRaft, KindCRaft:
		return k, nil
	default:
		return "", fmt.Errorf("unknown protocol %q, must be one of repnothing, raft, craft", s)
	}
}

// --------------------------------------------------------------------------
// Config
// --------------------------------------------------------------------------

// Config configures the protocol state machine of one replica.
// All durations are counted in ticks of the driving event loop.
type Config struct {
	ID         smr.ReplicaID
	Population uint8
	Kind       Kind

	ElectionTicks  int // base election timeout, randomized in [ElectionTicks, 2*ElectionTicks)
	HeartbeatTicks int // leader heartbeat interval
	RetryTicks     int // first retransmission delay, doubled on every retry
	MaxRetryTicks  int // retransmission delay cap

	BatchTicks       int // proposals are flushed after this many ticks (0 = immediately)
	MaxBatch         int // max requests per log entry
	MaxEntriesPerMsg int // max entries per Replicate / ShardResponse

	SnapshotThreshold uint64 // applied entries between snapshots (0 = never)
	MaxDedupPerClient int    // dedup records kept per client

	// LeaseTicks enables local reads at the leader for this many ticks after
	// a majority acknowledged a heartbeat (0 = reads are replicated). Must be
	// below ElectionTicks, the margin absorbs clock drift between replicas.
	LeaseTicks int

	DisallowStepUp bool  // never campaign for leadership
	Seed           int64 // seed of the election timeout randomization (0 = derived from ID)
}

// DefaultConfig returns a config with sensible defaults for the given replica.
func DefaultConfig(id smr.ReplicaID, population uint8, kind Kind) Config {
	return Config{
		ID:                id,
		Population:        population,
		Kind:              kind,
		ElectionTicks:     10,
		HeartbeatTicks:    2,
		RetryTicks:        4,
		MaxRetryTicks:     64,
		BatchTicks:        0,
		MaxBatch:          256,
		MaxEntriesPerMsg:  64,
		SnapshotThreshold: 10000,
		MaxDedupPerClient: 1024,
	}
}

func (c *Config) validate() error {
	if c.Population == 0 || c.Population == uint8(smr.NoReplica) {
		return fmt.Errorf("invalid population %d", c.Population)
	}
	if uint8(c.ID) >= c.Population {
		return fmt.Errorf("replica id %d out of range for population %d", c.ID, c.Population)
	}
	if c.Kind == KindRepNothing && c.Population != 1 {
		return fmt.Errorf("protocol %s requires a population of 1, got %d", c.Kind, c.Population)
	}
	if c.ElectionTicks <= c.HeartbeatTicks || c.HeartbeatTicks <= 0 {
		return fmt.Errorf("election ticks (%d) must exceed heartbeat ticks (%d) > 0", c.ElectionTicks, c.HeartbeatTicks)
	}
	if c.LeaseTicks < 0 || (c.LeaseTicks > 0 && c.LeaseTicks >= c.ElectionTicks) {
		return fmt.Errorf("lease ticks (%d) must be below election ticks (%d)", c.LeaseTicks, c.ElectionTicks)
	}
	if c.RetryTicks <= 0 || c.MaxRetryTicks < c.RetryTicks {
		return fmt.Errorf("invalid retry ticks %d (cap %d)", c.RetryTicks, c.MaxRetryTicks)
	}
	if c.MaxBatch <= 0 || c.MaxEntriesPerMsg <= 0 {
		return fmt.Errorf("batch and message limits must be positive")
	}
	if c.MaxDedupPerClient <= 0 {
		c.MaxDedupPerClient = 1024
	}
	return nil
}

// Deps are the storage collaborators of a protocol instance.
type Deps struct {
	Log       wal.Store
	Snapshots snapshot.Store
	Target    smr.ApplyTarget
}
