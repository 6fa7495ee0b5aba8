package replica

import (
	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/codec"
)

// applyCommitted applies committed entries in index order. It stops at the
// first entry whose payload is unknown and fetches shards for it.
func (c *core) applyCommitted() error {
	for c.applied < c.commit {
		e := c.entry(c.applied + 1)
		if e == nil {
			return smr.NewError(smr.CodeLogCorruption, "committed entry %d missing from log", c.applied+1)
		}

		if e.Payload == nil {
			if !e.Shards.Decodable() {
				if !c.fetchPending {
					c.fetchPending = true
					c.requestShards()
				}
				return nil
			}
			payload, err := codec.Decode(e.Shards)
			if err != nil {
				return smr.NewError(smr.CodeLogCorruption, "failed to decode committed entry %d: %v", e.Index, err)
			}
			e.Payload = payload
		}

		if err := c.applyEntry(e); err != nil {
			return err
		}
	}
	c.fetchPending = false

	if c.role == smr.RoleRecovering && c.applied >= c.recoverTo {
		Logger.Infof("%s: recovered up to index %d", c.id, c.applied)
		c.role = smr.RoleFollower
		c.roleChanged = true
		c.resetElectionTimer()
	}

	return c.maybeSnapshot()
}

func (c *core) applyEntry(e *smr.LogEntry) error {
	reqs, err := smr.DecodeBatch(e.Payload)
	if err != nil {
		return smr.NewError(smr.CodeLogCorruption, "entry %d: %v", e.Index, err)
	}

	for _, r := range reqs {
		out, state := c.dedup.lookup(r)
		if state == dedupNew {
			out = c.target.Apply(e.Index, r.Command)
			c.dedup.record(r, out)
			c.stats.Applied++
		} else {
			c.stats.Duplicates++
		}
		c.out = append(c.out, Applied{
			Key:       r.Key(),
			Result:    smr.CommandResult{Index: e.Index, Output: out, Released: state == dedupReleased},
			Duplicate: state != dedupNew,
		})
	}

	e.Status = smr.StatusApplied
	c.applied = e.Index
	return nil
}
