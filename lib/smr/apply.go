package smr

import "io"

// ApplyTarget is the deterministic state machine that committed commands
// are applied to, in strictly increasing index order.
//
// Apply must be deterministic: the same command sequence yields the same
// outputs and the same state on every replica. Save and Load produce and
// restore checkpoints for snapshots; they are only called from the replica's
// event loop and never concurrently with Apply.
type ApplyTarget interface {
	Apply(index uint64, command []byte) (output []byte)
	Save(w io.Writer) error
	Load(r io.Reader) error
}

// Querier is implemented by apply targets that can answer read-only commands
// without a log index. Query returns false for commands that modify state.
type Querier interface {
	Query(command []byte) (output []byte, ok bool)
}
