package replica

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/ValentinKolb/dSMR/lib/smr"
)

// dedupTable remembers which requests were applied, per client, so a retried
// request is never applied twice. It is part of the replicated state: every
// replica updates it in apply order and it is included in snapshots.
//
// Applied ids and their outputs are tracked separately. The ids above the
// client's low-water mark are kept as a set of ranges, which stays small since
// a client numbers its requests sequentially. Outputs are capped at
// maxPerClient per client; a retry of an applied request whose output was
// evicted is still recognized, it is just answered without output.
type dedupTable struct {
	maxPerClient int
	clients      map[uint64]*clientRecord
}

type clientRecord struct {
	acked   uint64            // the client never retries ids <= acked
	applied []idRange         // applied ids above acked, sorted and disjoint
	results map[uint64][]byte // request id -> output
}

// idRange is the closed interval [lo, hi].
type idRange struct{ lo, hi uint64 }

// dedupState is the outcome of a lookup.
type dedupState uint8

const (
	dedupNew      dedupState = iota // not applied yet
	dedupCached                     // applied, output available
	dedupReleased                   // applied, output no longer kept
)

func newDedupTable(maxPerClient int) *dedupTable {
	return &dedupTable{maxPerClient: maxPerClient, clients: make(map[uint64]*clientRecord)}
}

// lookup reports whether req was applied before and returns its output if it
// is still kept.
func (d *dedupTable) lookup(req smr.ClientRequest) ([]byte, dedupState) {
	rec, ok := d.clients[req.ClientID]
	if !ok {
		return nil, dedupNew
	}
	if out, ok := rec.results[req.RequestID]; ok {
		return out, dedupCached
	}
	if req.RequestID <= rec.acked || rec.contains(req.RequestID) {
		return nil, dedupReleased
	}
	return nil, dedupNew
}

// record stores the output of an applied request and prunes the client's records.
func (d *dedupTable) record(req smr.ClientRequest, output []byte) {
	rec, ok := d.clients[req.ClientID]
	if !ok {
		rec = &clientRecord{results: make(map[uint64][]byte)}
		d.clients[req.ClientID] = rec
	}
	if req.RequestID > rec.acked {
		rec.add(req.RequestID)
		rec.results[req.RequestID] = output
	}

	if req.AckedUpTo > rec.acked {
		rec.acked = req.AckedUpTo
		rec.prune()
		for id := range rec.results {
			if id <= rec.acked {
				delete(rec.results, id)
			}
		}
	}
	if over := len(rec.results) - d.maxPerClient; over > 0 {
		for _, id := range sortedKeys(rec.results)[:over] {
			delete(rec.results, id)
		}
	}
}

func (r *clientRecord) contains(id uint64) bool {
	i := sort.Search(len(r.applied), func(i int) bool { return r.applied[i].hi >= id })
	return i < len(r.applied) && r.applied[i].lo <= id
}

// add inserts id, merging it with adjacent ranges.
func (r *clientRecord) add(id uint64) {
	i := sort.Search(len(r.applied), func(i int) bool { return r.applied[i].hi >= id })
	if i < len(r.applied) && r.applied[i].lo <= id {
		return
	}
	joinLeft := i > 0 && r.applied[i-1].hi+1 == id
	joinRight := i < len(r.applied) && r.applied[i].lo == id+1
	switch {
	case joinLeft && joinRight:
		r.applied[i-1].hi = r.applied[i].hi
		r.applied = append(r.applied[:i], r.applied[i+1:]...)
	case joinLeft:
		r.applied[i-1].hi = id
	case joinRight:
		r.applied[i].lo = id
	default:
		r.applied = append(r.applied, idRange{})
		copy(r.applied[i+1:], r.applied[i:])
		r.applied[i] = idRange{lo: id, hi: id}
	}
}

// prune drops applied ids at or below the low-water mark.
func (r *clientRecord) prune() {
	keep := r.applied[:0]
	for _, rg := range r.applied {
		if rg.hi <= r.acked {
			continue
		}
		if rg.lo <= r.acked {
			rg.lo = r.acked + 1
		}
		keep = append(keep, rg)
	}
	r.applied = keep
}

func sortedKeys(m map[uint64][]byte) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// --------------------------------------------------------------------------
// Persistence
// --------------------------------------------------------------------------

// save writes the table deterministically (sorted by client and request id).
func (d *dedupTable) save(w io.Writer) error {
	clients := make([]uint64, 0, len(d.clients))
	for id := range d.clients {
		clients = append(clients, id)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	var buf [8]byte
	put64 := func(v uint64) error {
		binary.BigEndian.PutUint64(buf[:], v)
		_, err := w.Write(buf[:])
		return err
	}

	if err := put64(uint64(len(clients))); err != nil {
		return err
	}
	for _, cid := range clients {
		rec := d.clients[cid]
		if err := put64(cid); err != nil {
			return err
		}
		if err := put64(rec.acked); err != nil {
			return err
		}
		if err := put64(uint64(len(rec.applied))); err != nil {
			return err
		}
		for _, rg := range rec.applied {
			if err := put64(rg.lo); err != nil {
				return err
			}
			if err := put64(rg.hi); err != nil {
				return err
			}
		}
		ids := sortedKeys(rec.results)
		if err := put64(uint64(len(ids))); err != nil {
			return err
		}
		for _, rid := range ids {
			out := rec.results[rid]
			if err := put64(rid); err != nil {
				return err
			}
			if err := put64(uint64(len(out))); err != nil {
				return err
			}
			if _, err := w.Write(out); err != nil {
				return err
			}
		}
	}
	return nil
}

// load replaces the table with the content written by save.
func (d *dedupTable) load(r io.Reader) error {
	var buf [8]byte
	get64 := func() (uint64, error) {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		return binary.BigEndian.Uint64(buf[:]), nil
	}

	count, err := get64()
	if err != nil {
		return fmt.Errorf("failed to read dedup table: %w", err)
	}
	clients := make(map[uint64]*clientRecord, min(count, 1024))
	for i := uint64(0); i < count; i++ {
		cid, err := get64()
		if err != nil {
			return err
		}
		acked, err := get64()
		if err != nil {
			return err
		}
		ranges, err := get64()
		if err != nil {
			return err
		}
		rec := &clientRecord{acked: acked}
		for j := uint64(0); j < ranges; j++ {
			lo, err := get64()
			if err != nil {
				return err
			}
			hi, err := get64()
			if err != nil {
				return err
			}
			rec.applied = append(rec.applied, idRange{lo: lo, hi: hi})
		}
		n, err := get64()
		if err != nil {
			return err
		}
		rec.results = make(map[uint64][]byte, min(n, 1024))
		for j := uint64(0); j < n; j++ {
			rid, err := get64()
			if err != nil {
				return err
			}
			l, err := get64()
			if err != nil {
				return err
			}
			out := make([]byte, l)
			if _, err := io.ReadFull(r, out); err != nil {
				return err
			}
			rec.results[rid] = out
		}
		clients[cid] = rec
	}
	d.clients = clients
	return nil
}
