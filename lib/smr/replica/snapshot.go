package replica

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/recovery"
	"github.com/ValentinKolb/dSMR/lib/smr/snapshot"
	"github.com/ValentinKolb/dSMR/lib/smr/wal"
	"github.com/ValentinKolb/dSMR/lib/smr/wire"
)

// --------------------------------------------------------------------------
// Checkpoints
// --------------------------------------------------------------------------

// checkpoint serializes the replicated state: the dedup table followed by the
// apply target.
//
// Format:
//   - 8 bytes: length of the dedup table (big endian)
//   - N bytes: dedup table
//   - rest:    apply target state
func (c *core) checkpoint() ([]byte, error) {
	var dedup bytes.Buffer
	if err := c.dedup.save(&dedup); err != nil {
		return nil, fmt.Errorf("failed to save dedup table: %w", err)
	}

	var buf bytes.Buffer
	var header [8]byte
	binary.BigEndian.PutUint64(header[:], uint64(dedup.Len()))
	buf.Write(header[:])
	buf.Write(dedup.Bytes())
	if err := c.target.Save(&buf); err != nil {
		return nil, fmt.Errorf("failed to save state machine: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *core) loadCheckpoint(data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("checkpoint too short")
	}
	n := binary.BigEndian.Uint64(data[:8])
	if uint64(len(data)-8) < n {
		return fmt.Errorf("checkpoint truncated: dedup table needs %d bytes, have %d", n, len(data)-8)
	}
	if err := c.dedup.load(bytes.NewReader(data[8 : 8+n])); err != nil {
		return err
	}
	return c.target.Load(bytes.NewReader(data[8+n:]))
}

// --------------------------------------------------------------------------
// Taking snapshots
// --------------------------------------------------------------------------

func (c *core) maybeSnapshot() error {
	if !c.snapPolicy.ShouldSnapshot(c.applied, c.snapIndex) {
		return nil
	}

	cp, err := c.checkpoint()
	if err != nil {
		return smr.NewError(smr.CodeDurability, "failed to build checkpoint at %d: %v", c.applied, err)
	}
	view, _ := c.viewAt(c.applied)
	meta := snapshot.Meta{Index: c.applied, View: view}
	if err := recovery.TakeSnapshot(c.log, c.snaps, meta, cp); err != nil {
		return err
	}

	c.entries = append([]*smr.LogEntry(nil), c.entries[meta.Index-c.snapIndex:]...)
	c.snapIndex, c.snapView = meta.Index, meta.View
	c.stats.Snapshots++
	return nil
}

// --------------------------------------------------------------------------
// Installing snapshots
// --------------------------------------------------------------------------

func (c *core) sendSnapshot(to smr.ReplicaID) error {
	meta, data, ok, err := c.snaps.Load()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	Logger.Infof("%s: sending snapshot at %d to %s", c.id, meta.Index, to)
	c.send(to, &wire.Message{Type: wire.MsgInstallSnapshot, Index: meta.Index, LogView: meta.View, Data: data})
	if pr := c.peers[to]; pr != nil && pr.next <= meta.Index {
		pr.next = meta.Index + 1
	}
	return nil
}

func (c *core) handleInstallSnapshot(from smr.ReplicaID, m *wire.Message) error {
	if m.View < c.view {
		c.reject(from, 0)
		return nil
	}
	if err := c.follow(from); err != nil {
		return err
	}

	if m.Index <= c.commit {
		c.send(from, &wire.Message{Type: wire.MsgReplicateAck, Success: true, Index: m.Index, Commit: c.fullUpTo()})
		return nil
	}

	if err := c.loadCheckpoint(m.Data); err != nil {
		return smr.NewError(smr.CodeLogCorruption, "failed to install snapshot at %d: %v", m.Index, err)
	}
	meta := snapshot.Meta{Index: m.Index, View: m.LogView}
	if err := c.snaps.Save(meta, m.Data); err != nil {
		return err
	}

	keep := false
	if e := c.entry(m.Index); e != nil && e.View == m.LogView {
		keep = true
	}
	err := c.log.DurableSync(func(w wal.Writer) error {
		if !keep && c.lastIndex() > c.snapIndex {
			if err := w.TruncateFrom(c.snapIndex + 1); err != nil {
				return err
			}
		}
		if err := w.CompactTo(m.Index); err != nil {
			return err
		}
		return w.MarkCommitted(m.Index)
	})
	if err != nil {
		return err
	}

	if keep {
		c.entries = append([]*smr.LogEntry(nil), c.entries[m.Index-c.snapIndex:]...)
	} else {
		c.entries = nil
	}
	c.snapIndex, c.snapView = m.Index, m.LogView
	c.commit, c.applied = m.Index, m.Index
	c.fetchPending = false
	Logger.Infof("%s: installed snapshot at index %d from %s", c.id, m.Index, from)

	c.send(from, &wire.Message{Type: wire.MsgReplicateAck, Success: true, Index: m.Index, Commit: c.fullUpTo()})
	return c.applyCommitted()
}
