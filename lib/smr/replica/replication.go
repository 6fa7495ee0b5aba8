package replica

import (
	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/codec"
	"github.com/ValentinKolb/dSMR/lib/smr/wal"
	"github.com/ValentinKolb/dSMR/lib/smr/wire"
)

// --------------------------------------------------------------------------
// Proposals (leader)
// --------------------------------------------------------------------------

func (c *core) Propose(reqs ...smr.ClientRequest) error {
	if c.role != smr.RoleLeader {
		return smr.NotLeader(c.leaderHint())
	}
	if c.reconcile != nil {
		// the leader is still recovering the log of its predecessor
		return smr.NotLeader(c.id)
	}

	c.queue = append(c.queue, reqs...)
	c.stats.Proposals += uint64(len(reqs))
	if c.cfg.BatchTicks == 0 || len(c.queue) >= c.cfg.MaxBatch {
		return c.flush()
	}
	return nil
}

func (c *core) Cancel(key smr.RequestKey) bool {
	for i, r := range c.queue {
		if r.Key() == key {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

// flush turns the queued proposals into log entries, persists the leader's
// shards and starts replicating them.
func (c *core) flush() error {
	c.queueAge = 0
	if len(c.queue) == 0 {
		return nil
	}

	var payloads [][]byte
	for len(c.queue) > 0 {
		n := len(c.queue)
		if n > c.cfg.MaxBatch {
			n = c.cfg.MaxBatch
		}
		payloads = append(payloads, smr.EncodeBatch(c.queue[:n]))
		c.queue = c.queue[n:]
	}
	c.queue = nil

	first, err := c.appendEntries(payloads)
	if err != nil {
		return err
	}
	for id, pr := range c.peers {
		if pr != nil && pr.next >= first {
			if err := c.sendAppend(smr.ReplicaID(id)); err != nil {
				return err
			}
		}
	}
	return c.maybeCommit()
}

// appendEntries creates one entry of the current view per payload and
// persists the leader's shards. It returns the index of the first new entry.
func (c *core) appendEntries(payloads [][]byte) (uint64, error) {
	first := c.lastIndex() + 1
	added := make([]*smr.LogEntry, 0, len(payloads))
	for i, payload := range payloads {
		shards, err := codec.Encode(payload, c.k, c.m)
		if err != nil {
			return 0, smr.NewError(smr.CodeInternal, "failed to encode entry: %v", err)
		}
		added = append(added, &smr.LogEntry{
			Index:    first + uint64(i),
			View:     c.view,
			Payload:  payload,
			Shards:   shards,
			Status:   smr.StatusProposed,
			FullCopy: c.fullCopy && c.k > 1,
		})
	}

	err := c.log.DurableSync(func(w wal.Writer) error {
		for _, e := range added {
			if err := w.Append(c.stored(e, c.id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.entries = append(c.entries, added...)
	c.stats.Entries += uint64(len(added))
	return first, nil
}

// --------------------------------------------------------------------------
// Sending (leader)
// --------------------------------------------------------------------------

// sendAppend sends the entries from the peer's next index on. A peer that
// needs compacted entries gets the snapshot instead.
func (c *core) sendAppend(to smr.ReplicaID) error {
	pr := c.peers[to]
	if pr == nil || c.reconcile != nil {
		return nil
	}
	if pr.next <= c.snapIndex {
		return c.sendSnapshot(to)
	}
	if pr.next > c.lastIndex() {
		return nil
	}

	prev := pr.next - 1
	prevView, _ := c.viewAt(prev)

	var entries []wire.Entry
	for i := pr.next; i <= c.lastIndex() && len(entries) < c.cfg.MaxEntriesPerMsg; i++ {
		e := c.entry(i)
		entries = append(entries, wire.Entry{
			Index:    e.Index,
			View:     e.View,
			FullCopy: e.FullCopy,
			Shards:   e.Shards.Subset(c.ownIndices(e, to)...),
		})
	}

	c.send(to, &wire.Message{
		Type:    wire.MsgReplicate,
		Index:   prev,
		LogView: prevView,
		Commit:  c.commit,
		Entries: entries,
	})
	pr.next = entries[len(entries)-1].Index + 1
	return nil
}

// broadcastHeartbeat asserts leadership. The commit index sent to a peer never
// exceeds what that peer is known to have replicated.
func (c *core) broadcastHeartbeat() {
	c.broadcast(func(to smr.ReplicaID) *wire.Message {
		pr := c.peers[to]
		if pr == nil {
			return nil
		}
		commit := c.commit
		if pr.match < commit {
			commit = pr.match
		}
		return &wire.Message{Type: wire.MsgHeartbeat, Commit: commit, Hint: c.now}
	})
}

// retransmit resends to peers that did not acknowledge the tail of the log,
// with exponential backoff.
func (c *core) retransmit() error {
	for id, pr := range c.peers {
		if pr == nil || pr.match >= c.lastIndex() {
			continue
		}
		pr.retryElapsed++
		if pr.retryElapsed < pr.backoff {
			continue
		}
		pr.retryElapsed = 0
		pr.backoff *= 2
		if pr.backoff > c.cfg.MaxRetryTicks {
			pr.backoff = c.cfg.MaxRetryTicks
		}
		pr.next = pr.match + 1
		Logger.Debugf("%s: retransmitting to %s from %d (backoff %d)", c.id, smr.ReplicaID(id), pr.next, pr.backoff)
		if err := c.sendAppend(smr.ReplicaID(id)); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------------
// Acknowledgements and commit (leader)
// --------------------------------------------------------------------------

func (c *core) handleReplicateAck(from smr.ReplicaID, m *wire.Message) error {
	if c.role != smr.RoleLeader || m.View != c.view {
		return nil
	}
	pr := c.peers[from]

	if !m.Success {
		next := pr.next - 1
		if m.Hint < next {
			next = m.Hint
		}
		if next < pr.match+1 {
			next = pr.match + 1
		}
		pr.next = next
		return c.sendAppend(from)
	}
	if m.Hint > pr.leaseSent && m.Hint <= c.now {
		pr.leaseSent = m.Hint
	}

	progressed := false
	if m.Index > pr.match && m.Index <= c.lastIndex() {
		pr.match = m.Index
		progressed = true
	}
	full := m.Index
	if m.Commit < full {
		full = m.Commit
	}
	if full > pr.fullMatch && full <= c.lastIndex() {
		pr.fullMatch = full
		progressed = true
	}
	if pr.next <= pr.match {
		pr.next = pr.match + 1
	}
	if progressed {
		pr.resetBackoff(c.cfg.RetryTicks)
		if err := c.maybeCommit(); err != nil {
			return err
		}
	} else if pr.match < c.lastIndex() {
		// the peer answers again, retry at the base rate
		pr.backoff = c.cfg.RetryTicks
	}
	// a peer that lagged behind missed the Commit broadcast
	if commit := min(pr.match, c.commit); commit > pr.commitSent {
		c.sendCommit(from, commit)
	}
	return c.sendAppend(from)
}

// quorum returns the number of holders (leader included) e needs to commit.
func (c *core) quorum(e *smr.LogEntry) int {
	if e.Shards.K <= 1 || e.FullCopy {
		return smr.Majority(c.cfg.Population)
	}
	return codedQuorum(c.n, e.Shards.K)
}

// holders counts the replicas (leader included) that store e.
func (c *core) holders(e *smr.LogEntry) int {
	full := e.Shards.K <= 1 || e.FullCopy
	n := 1
	for _, pr := range c.peers {
		if pr == nil {
			continue
		}
		if (full && pr.fullMatch >= e.Index) || (!full && pr.match >= e.Index) {
			n++
		}
	}
	return n
}

// maybeCommit advances the commit index to the highest current-view entry
// that reached its quorum, provided every entry before it did as well.
// Entries of older views only commit together with a current-view entry.
func (c *core) maybeCommit() error {
	if c.role != smr.RoleLeader || c.reconcile != nil {
		return nil
	}
	commit := c.commit
	for i := c.commit + 1; i <= c.lastIndex(); i++ {
		e := c.entry(i)
		if c.holders(e) < c.quorum(e) {
			break
		}
		if e.View == c.view {
			commit = i
		}
	}
	if commit == c.commit {
		return nil
	}

	if err := c.log.MarkCommitted(commit); err != nil {
		return err
	}
	c.advanceCommit(commit)
	for id, pr := range c.peers {
		if pr != nil && pr.match >= commit {
			c.sendCommit(smr.ReplicaID(id), commit)
		}
	}
	return c.applyCommitted()
}

// sendCommit tells a peer that holds the leader's log up to index that
// index is committed.
func (c *core) sendCommit(to smr.ReplicaID, index uint64) {
	view, ok := c.viewAt(index)
	if !ok {
		return
	}
	c.send(to, &wire.Message{Type: wire.MsgCommit, Index: index, LogView: view})
	c.peers[to].commitSent = index
}

// --------------------------------------------------------------------------
// Follower side
// --------------------------------------------------------------------------

func (c *core) reject(to smr.ReplicaID, hint uint64) {
	c.send(to, &wire.Message{Type: wire.MsgReplicateAck, Success: false, Hint: hint})
}

func (c *core) handleHeartbeat(from smr.ReplicaID, m *wire.Message) error {
	if m.View < c.view {
		c.reject(from, 0)
		return nil
	}
	if err := c.follow(from); err != nil {
		return err
	}
	// echoing the send tick lets the leader extend its lease
	c.send(from, &wire.Message{Type: wire.MsgReplicateAck, Success: true, Commit: c.fullUpTo(), Hint: m.Hint})
	return c.setCommit(m.Commit)
}

// follow records from as leader of the current view and resets the election timer.
func (c *core) follow(from smr.ReplicaID) error {
	if c.role == smr.RoleLeader || c.role == smr.RoleCandidate || c.leader != from {
		if err := c.becomeFollower(c.view, from); err != nil {
			return err
		}
	}
	c.electionElapsed = 0
	c.grantedTo, c.grantElapsed = from, 0
	return nil
}

func (c *core) handleReplicate(from smr.ReplicaID, m *wire.Message) error {
	if m.View < c.view {
		c.reject(from, 0)
		return nil
	}
	if err := c.follow(from); err != nil {
		return err
	}

	prev, prevView := m.Index, m.LogView
	entries := m.Entries

	// everything up to the snapshot is committed and matches the leader
	if prev < c.snapIndex {
		for len(entries) > 0 && entries[0].Index <= c.snapIndex {
			entries = entries[1:]
		}
		prev, prevView = c.snapIndex, c.snapView
	}

	if prev > c.lastIndex() {
		c.reject(from, c.lastIndex()+1)
		return nil
	}
	if v, _ := c.viewAt(prev); v != prevView {
		// skip the whole block of the conflicting view, committed entries match
		hint := prev
		for hint-1 > c.commit {
			if pv, _ := c.viewAt(hint - 1); pv != v {
				break
			}
			hint--
		}
		if hint <= c.commit {
			hint = c.commit + 1
		}
		c.reject(from, hint)
		return nil
	}

	var (
		puts     []*smr.LogEntry
		appends  []*smr.LogEntry
		truncate uint64
	)
	for _, we := range entries {
		if we.Index > c.lastIndex() || truncate != 0 {
			appends = append(appends, fromWire(we))
			continue
		}
		existing := c.entry(we.Index)
		if existing.View == we.View {
			changed := existing.Shards.Merge(we.Shards)
			if we.FullCopy && !existing.FullCopy {
				existing.FullCopy = true
				changed = true
			}
			if changed {
				puts = append(puts, existing)
			}
			continue
		}
		if we.Index <= c.commit {
			return smr.NewError(smr.CodeLogCorruption,
				"leader %s overwrites committed entry %d (view %d -> %d)", from, we.Index, existing.View, we.View)
		}
		truncate = we.Index
		appends = append(appends, fromWire(we))
	}

	last := prev + uint64(len(entries))
	commit := m.Commit
	if commit > last {
		commit = last
	}

	if len(puts) > 0 || len(appends) > 0 || truncate != 0 || commit > c.commit {
		err := c.log.DurableSync(func(w wal.Writer) error {
			for _, e := range puts {
				if err := w.Put(c.stored(e, c.id)); err != nil {
					return err
				}
			}
			if truncate != 0 {
				if err := w.TruncateFrom(truncate); err != nil {
					return err
				}
			}
			for _, e := range appends {
				if err := w.Append(*e); err != nil {
					return err
				}
			}
			if commit > c.commit {
				return w.MarkCommitted(commit)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if truncate != 0 {
		Logger.Infof("%s: truncated conflicting log suffix from %d", c.id, truncate)
		c.truncateMemory(truncate)
	}
	c.entries = append(c.entries, appends...)
	if commit > c.commit {
		c.advanceCommit(commit)
	}

	c.send(from, &wire.Message{Type: wire.MsgReplicateAck, Success: true, Index: last, Commit: c.fullUpTo()})
	return c.applyCommitted()
}

func fromWire(we wire.Entry) *smr.LogEntry {
	e := &smr.LogEntry{
		Index:    we.Index,
		View:     we.View,
		Shards:   we.Shards,
		Status:   smr.StatusAccepted,
		FullCopy: we.FullCopy,
	}
	if e.Shards.Decodable() {
		if payload, err := codec.Decode(e.Shards); err == nil {
			e.Payload = payload
		}
	}
	return e
}

func (c *core) handleCommit(from smr.ReplicaID, m *wire.Message) error {
	if m.View < c.view {
		return nil
	}
	if err := c.follow(from); err != nil {
		return err
	}
	if v, ok := c.viewAt(m.Index); !ok || v != m.LogView {
		return nil
	}
	return c.setCommit(m.Index)
}
