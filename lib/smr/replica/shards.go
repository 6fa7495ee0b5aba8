package replica

import (
	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/codec"
	"github.com/ValentinKolb/dSMR/lib/smr/wal"
	"github.com/ValentinKolb/dSMR/lib/smr/wire"
)

// --------------------------------------------------------------------------
// Reconciliation (new leader)
// --------------------------------------------------------------------------

// reconciliation tracks how a new leader decides the uncommitted suffix of its
// log. For every index it either collects k shards of its own entry (keep) or
// proves that no quorum can have stored the entry (discard).
type reconciliation struct {
	next     uint64                            // first undecided index
	to       uint64                            // last index to decide
	answered map[smr.ReplicaID]uint64          // highest index each peer answered for
	holders  map[uint64]map[smr.ReplicaID]bool // peers holding the leader's entry
	elapsed  int
	kept     int
}

func (c *core) startReconcile() error {
	c.reconcile = &reconciliation{
		next:     c.commit + 1,
		to:       c.lastIndex(),
		answered: make(map[smr.ReplicaID]uint64),
		holders:  make(map[uint64]map[smr.ReplicaID]bool),
	}
	if err := c.stepReconcile(); err != nil {
		return err
	}
	if rc := c.reconcile; rc != nil {
		Logger.Infof("%s: reconciling indices %d..%d with peers", c.id, rc.next, rc.to)
		c.requestReconcileShards()
	}
	return nil
}

func (c *core) requestReconcileShards() {
	rc := c.reconcile
	rc.elapsed = 0
	c.broadcast(func(to smr.ReplicaID) *wire.Message {
		if rc.answered[to] >= rc.to {
			return nil
		}
		return &wire.Message{Type: wire.MsgShardRequest, Index: rc.next, Hint: rc.to}
	})
}

func (c *core) tickReconcile() error {
	c.reconcile.elapsed++
	if c.reconcile.elapsed >= c.cfg.RetryTicks {
		c.requestReconcileShards()
	}
	return nil
}

// stepReconcile decides as many indices as possible and finishes the
// reconciliation once every index is decided.
func (c *core) stepReconcile() error {
	rc := c.reconcile
	majority := smr.Majority(c.cfg.Population)

	for rc.next <= rc.to {
		e := c.entry(rc.next)
		if decodable(e) {
			if e.Payload == nil {
				payload, err := codec.Decode(e.Shards)
				if err != nil {
					return smr.NewError(smr.CodeLogCorruption, "failed to decode entry %d: %v", e.Index, err)
				}
				e.Payload = payload
			}
			rc.kept++
			rc.next++
			continue
		}

		responded := 1
		for _, a := range rc.answered {
			if a >= rc.next {
				responded++
			}
		}
		holders := 1 + len(rc.holders[rc.next])
		if holders+(c.n-responded) >= majority {
			// the entry may be committed, wait for more shards
			return nil
		}

		Logger.Infof("%s: discarding uncommitted entries %d..%d (%d holders, %d of %d answered)",
			c.id, rc.next, rc.to, holders, responded, c.n)
		if err := c.log.TruncateFrom(rc.next); err != nil {
			return err
		}
		c.truncateMemory(rc.next)
		rc.to = rc.next - 1
	}
	return c.finishReconcile()
}

// finishReconcile re-replicates every kept entry under its original view and
// appends an empty entry of the current view, which commits them.
func (c *core) finishReconcile() error {
	rc := c.reconcile
	c.reconcile = nil

	var kept []*smr.LogEntry
	for i := c.commit + 1; i <= c.lastIndex(); i++ {
		e := c.entry(i)
		shards, err := codec.Encode(e.Payload, e.Shards.K, e.Shards.M)
		if err != nil {
			return smr.NewError(smr.CodeInternal, "failed to encode entry %d: %v", i, err)
		}
		e.Shards = shards
		e.Status = smr.StatusProposed
		kept = append(kept, e)
	}
	if len(kept) > 0 {
		err := c.log.DurableSync(func(w wal.Writer) error {
			for _, e := range kept {
				if err := w.Put(c.stored(e, c.id)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if _, err := c.appendEntries([][]byte{smr.EncodeBatch(nil)}); err != nil {
			return err
		}
	}

	Logger.Infof("%s: leader of view %d ready, re-replicating %d entries (%d decided)", c.id, c.view, len(kept), rc.kept)

	for id, pr := range c.peers {
		if pr == nil {
			continue
		}
		pr.next = c.commit + 1
		pr.resetBackoff(c.cfg.RetryTicks)
		if err := c.sendAppend(smr.ReplicaID(id)); err != nil {
			return err
		}
	}
	c.readyAt = c.lastIndex()
	return c.maybeCommit()
}

// --------------------------------------------------------------------------
// Shard exchange
// --------------------------------------------------------------------------

// requestShards asks all peers for shards of the committed entries this
// replica cannot decode yet.
func (c *core) requestShards() {
	c.fetchElapsed = 0
	from := c.applied + 1
	to := c.commit
	if limit := from + uint64(c.cfg.MaxEntriesPerMsg) - 1; to > limit {
		to = limit
	}
	Logger.Debugf("%s: requesting shards for %d..%d", c.id, from, to)
	c.broadcast(func(smr.ReplicaID) *wire.Message {
		return &wire.Message{Type: wire.MsgShardRequest, Index: from, Hint: to}
	})
}

// handleShardRequest answers with the shards held for the requested range.
// Replicas that know the payload answer with all data shards.
func (c *core) handleShardRequest(from smr.ReplicaID, m *wire.Message) error {
	// compacted entries are only available as part of the leader's snapshot
	if m.Index <= c.snapIndex && c.role == smr.RoleLeader {
		return c.sendSnapshot(from)
	}

	first := m.Index
	if first <= c.snapIndex {
		first = c.snapIndex + 1
	}
	to := m.Hint
	if limit := first + uint64(c.cfg.MaxEntriesPerMsg) - 1; to > limit {
		to = limit
	}

	var entries []wire.Entry
	for i := first; i <= to && i <= c.lastIndex(); i++ {
		e := c.entry(i)
		shards := e.Shards
		if e.Payload != nil && e.Shards.K > 1 {
			full, err := codec.Encode(e.Payload, e.Shards.K, e.Shards.M)
			if err != nil {
				return smr.NewError(smr.CodeInternal, "failed to encode entry %d: %v", i, err)
			}
			data := make([]int, e.Shards.K)
			for j := range data {
				data[j] = j
			}
			shards = full.Subset(data...)
		}
		if shards.Empty() {
			continue
		}
		entries = append(entries, wire.Entry{Index: e.Index, View: e.View, FullCopy: e.FullCopy, Shards: shards})
	}

	c.send(from, &wire.Message{
		Type:    wire.MsgShardResponse,
		Index:   m.Index,
		Hint:    to,
		Commit:  c.commit,
		Entries: entries,
	})
	return nil
}

func (c *core) handleShardResponse(from smr.ReplicaID, m *wire.Message) error {
	for _, we := range m.Entries {
		if e := c.entry(we.Index); e != nil && e.View == we.View {
			e.Shards.Merge(we.Shards)
		}
	}

	if rc := c.reconcile; rc != nil && m.View == c.view {
		if m.Index <= rc.next && m.Hint > rc.answered[from] {
			rc.answered[from] = m.Hint
		}
		hold := func(i uint64) {
			if rc.holders[i] == nil {
				rc.holders[i] = make(map[smr.ReplicaID]bool)
			}
			rc.holders[i][from] = true
		}
		for _, we := range m.Entries {
			if e := c.entry(we.Index); e != nil && e.View == we.View {
				hold(we.Index)
			}
		}
		// entries the peer already committed are the leader's entries
		for i := rc.next; i <= m.Commit && i <= rc.to; i++ {
			hold(i)
		}
		if err := c.stepReconcile(); err != nil {
			return err
		}
	}

	if c.fetchPending {
		return c.applyCommitted()
	}
	return nil
}
