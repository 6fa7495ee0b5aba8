package replica

import (
	"bytes"
	"testing"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dedupReq(id, acked uint64) smr.ClientRequest {
	return smr.ClientRequest{ClientID: 1, RequestID: id, AckedUpTo: acked}
}

func TestDedupLookupAndPrune(t *testing.T) {
	d := newDedupTable(3)

	_, state := d.lookup(dedupReq(1, 0))
	assert.Equal(t, dedupNew, state)
	d.record(dedupReq(1, 0), []byte("one"))
	out, state := d.lookup(dedupReq(1, 0))
	assert.Equal(t, dedupCached, state)
	assert.Equal(t, []byte("one"), out)

	// acknowledged results are released
	d.record(dedupReq(2, 1), []byte("two"))
	out, state = d.lookup(dedupReq(1, 0))
	assert.Equal(t, dedupReleased, state)
	assert.Nil(t, out)
	assert.Equal(t, []idRange{{2, 2}}, d.clients[1].applied)

	// over the cap the oldest outputs are evicted, the ids stay applied
	for id := uint64(3); id <= 6; id++ {
		d.record(dedupReq(id, 1), []byte{byte(id)})
	}
	assert.Len(t, d.clients[1].results, 3)
	assert.Equal(t, uint64(1), d.clients[1].acked)
	assert.Equal(t, []idRange{{2, 6}}, d.clients[1].applied)
	_, state = d.lookup(dedupReq(3, 1))
	assert.Equal(t, dedupReleased, state)
	out, state = d.lookup(dedupReq(6, 1))
	assert.Equal(t, dedupCached, state)
	assert.Equal(t, []byte{6}, out)

	// other clients are independent
	_, state = d.lookup(smr.ClientRequest{ClientID: 2, RequestID: 1})
	assert.Equal(t, dedupNew, state)
}

func TestDedupEvictionKeepsUnappliedIDs(t *testing.T) {
	d := newDedupTable(4)

	// request 1 got stranded, later requests of the same client committed
	for id := uint64(2); id <= 6; id++ {
		d.record(dedupReq(id, 0), []byte{byte(id)})
	}
	_, state := d.lookup(dedupReq(1, 0))
	assert.Equal(t, dedupNew, state, "an unapplied request must be applied when retried")

	_, state = d.lookup(dedupReq(2, 0))
	assert.Equal(t, dedupReleased, state)

	d.record(dedupReq(1, 0), []byte{1})
	assert.Equal(t, []idRange{{1, 6}}, d.clients[1].applied)
	_, state = d.lookup(dedupReq(7, 0))
	assert.Equal(t, dedupNew, state)
}

func TestDedupRanges(t *testing.T) {
	var r clientRecord
	for _, id := range []uint64{5, 1, 3, 2, 9, 4, 10, 3} {
		r.add(id)
	}
	assert.Equal(t, []idRange{{1, 5}, {9, 10}}, r.applied)
	assert.True(t, r.contains(4))
	assert.False(t, r.contains(7))
	assert.True(t, r.contains(10))
	assert.False(t, r.contains(11))

	r.acked = 3
	r.prune()
	assert.Equal(t, []idRange{{4, 5}, {9, 10}}, r.applied)
	r.acked = 9
	r.prune()
	assert.Equal(t, []idRange{{10, 10}}, r.applied)
}

func TestDedupSaveLoadIsDeterministic(t *testing.T) {
	d := newDedupTable(2)
	for c := uint64(5); c > 0; c-- {
		for _, id := range []uint64{1, 2, 4} {
			d.record(smr.ClientRequest{ClientID: c, RequestID: id}, []byte{byte(c), byte(id)})
		}
	}

	var a, b bytes.Buffer
	require.NoError(t, d.save(&a))
	require.NoError(t, d.save(&b))
	assert.Equal(t, a.Bytes(), b.Bytes())

	loaded := newDedupTable(2)
	require.NoError(t, loaded.load(bytes.NewReader(a.Bytes())))
	out, state := loaded.lookup(smr.ClientRequest{ClientID: 4, RequestID: 2})
	assert.Equal(t, dedupCached, state)
	assert.Equal(t, []byte{4, 2}, out)
	_, state = loaded.lookup(smr.ClientRequest{ClientID: 4, RequestID: 1})
	assert.Equal(t, dedupReleased, state)
	_, state = loaded.lookup(smr.ClientRequest{ClientID: 4, RequestID: 3})
	assert.Equal(t, dedupNew, state)

	assert.Error(t, loaded.load(bytes.NewReader(a.Bytes()[:10])))
}
