package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/peer"
	"github.com/ValentinKolb/dSMR/lib/smr/replica"
	"github.com/ValentinKolb/dSMR/lib/smr/snapshot"
	"github.com/ValentinKolb/dSMR/lib/smr/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Fakes
// --------------------------------------------------------------------------

type fakeProposer struct {
	mu        sync.Mutex
	proposed  []smr.ClientRequest
	cancelled []smr.RequestKey
	err       error
	onPropose func(req smr.ClientRequest)
}

func (p *fakeProposer) Propose(_ context.Context, reqs ...smr.ClientRequest) error {
	p.mu.Lock()
	err, hook := p.err, p.onPropose
	if err == nil {
		p.proposed = append(p.proposed, reqs...)
	}
	p.mu.Unlock()

	if err != nil {
		return err
	}
	for _, r := range reqs {
		if hook != nil {
			hook(r)
		}
	}
	return nil
}

func (p *fakeProposer) Cancel(key smr.RequestKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, key)
}

func (p *fakeProposer) proposals() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.proposed)
}

func applied(req smr.ClientRequest, index uint64, out string) []replica.Applied {
	return []replica.Applied{{Key: req.Key(), Result: smr.CommandResult{Index: index, Output: []byte(out)}}}
}

func newSession(t *testing.T, p Proposer, policy TimeoutPolicy) *Session {
	cfg := DefaultConfig()
	cfg.TimeoutPolicy = policy
	s, err := New(p, cfg)
	require.NoError(t, err)
	return s
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestParseTimeoutPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeoutPolicy
		wantErr bool
	}{
		{"keep", TimeoutKeep, false},
		{"", TimeoutKeep, false},
		{"Withdraw", TimeoutWithdraw, false},
		{"drop", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTimeoutPolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestSubmitWaitsForApply(t *testing.T) {
	p := &fakeProposer{}
	s := newSession(t, p, TimeoutKeep)
	p.onPropose = func(req smr.ClientRequest) {
		go s.OnApplied(applied(req, 7, "OK"))
	}

	req := smr.ClientRequest{ClientID: 1, RequestID: 1, Command: []byte("SET a 1")}
	res, err := s.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), res.Index)
	assert.Equal(t, []byte("OK"), res.Output)
	assert.Zero(t, s.Pending())

	// a retry is answered from the cache
	res, err = s.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), res.Index)
	assert.Equal(t, 1, p.proposals())
}

func TestSubmitPassesNotLeaderThrough(t *testing.T) {
	p := &fakeProposer{err: smr.NotLeader(2)}
	s := newSession(t, p, TimeoutKeep)

	_, err := s.Submit(context.Background(), smr.ClientRequest{ClientID: 1, RequestID: 1})
	require.ErrorIs(t, err, smr.ErrNotLeader)
	hint, ok := smr.LeaderHintOf(err)
	require.True(t, ok)
	assert.Equal(t, smr.ReplicaID(2), hint)
	assert.Zero(t, s.Pending())
}

func TestSubmitTimeoutKeep(t *testing.T) {
	p := &fakeProposer{}
	s := newSession(t, p, TimeoutKeep)
	req := smr.ClientRequest{ClientID: 1, RequestID: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Submit(ctx, req)
	require.ErrorIs(t, err, smr.ErrTimeout)
	assert.Empty(t, p.cancelled)

	// the request commits after all and the retry gets its result
	s.OnApplied(applied(req, 3, "late"))
	res, err := s.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []byte("late"), res.Output)
	assert.Equal(t, 1, p.proposals())
}

func TestSubmitTimeoutWithdraw(t *testing.T) {
	p := &fakeProposer{}
	s := newSession(t, p, TimeoutWithdraw)
	req := smr.ClientRequest{ClientID: 1, RequestID: 1}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Submit(ctx, req)
	require.ErrorIs(t, err, smr.ErrTimeout)
	assert.Equal(t, []smr.RequestKey{req.Key()}, p.cancelled)
	assert.Zero(t, s.Pending())
}

func TestReleasedResultFails(t *testing.T) {
	p := &fakeProposer{}
	s := newSession(t, p, TimeoutKeep)
	req := smr.ClientRequest{ClientID: 1, RequestID: 1}
	p.onPropose = func(r smr.ClientRequest) {
		go s.OnApplied([]replica.Applied{{
			Key:       r.Key(),
			Result:    smr.CommandResult{Index: 9, Released: true},
			Duplicate: true,
		}})
	}

	_, err := s.Submit(context.Background(), req)
	require.ErrorIs(t, err, smr.ErrResultReleased)
	assert.Zero(t, s.Pending())

	// released results are not cached, a second retry is proposed again
	_, err = s.Submit(context.Background(), req)
	require.ErrorIs(t, err, smr.ErrResultReleased)
	assert.Equal(t, 2, p.proposals())
}

func TestConcurrentSubmitsShareOneProposal(t *testing.T) {
	release := make(chan struct{})
	p := &fakeProposer{}
	s := newSession(t, p, TimeoutKeep)
	req := smr.ClientRequest{ClientID: 9, RequestID: 4}
	p.onPropose = func(r smr.ClientRequest) {
		go func() {
			<-release
			s.OnApplied(applied(r, 1, "once"))
		}()
	}

	var wg sync.WaitGroup
	results := make([]smr.CommandResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Submit(context.Background(), req)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	require.Eventually(t, func() bool { return p.proposals() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, p.proposals())
	for _, r := range results {
		assert.Equal(t, []byte("once"), r.Output)
	}
}

func TestStepDownFailsPendingRequests(t *testing.T) {
	p := &fakeProposer{}
	s := newSession(t, p, TimeoutKeep)

	errC := make(chan error, 1)
	go func() {
		_, err := s.Submit(context.Background(), smr.ClientRequest{ClientID: 1, RequestID: 1})
		errC <- err
	}()
	require.Eventually(t, func() bool { return s.Pending() == 1 }, time.Second, time.Millisecond)

	// staying leader keeps requests pending
	s.OnStateChange(smr.ReplicaState{ID: 0, Role: smr.RoleLeader, Leader: 0})
	assert.Equal(t, 1, s.Pending())

	s.OnStateChange(smr.ReplicaState{ID: 0, Role: smr.RoleFollower, Leader: 3})
	err := <-errC
	require.ErrorIs(t, err, smr.ErrNotLeader)
	hint, _ := smr.LeaderHintOf(err)
	assert.Equal(t, smr.ReplicaID(3), hint)
	assert.Zero(t, s.Pending())
}

func TestSequencerWatermark(t *testing.T) {
	seq := NewSequencer(NewClientID())
	assert.NotZero(t, seq.ClientID())

	r1 := seq.Next([]byte("a"))
	r2 := seq.Next([]byte("b"))
	r3 := seq.Next([]byte("c"))
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{r1.RequestID, r2.RequestID, r3.RequestID})
	assert.Equal(t, uint64(0), r3.AckedUpTo)

	// out of order completion only moves the watermark up to the oldest open request
	seq.Done(r2.RequestID)
	assert.Equal(t, uint64(0), seq.Acked())
	seq.Done(r1.RequestID)
	assert.Equal(t, uint64(2), seq.Acked())

	retried := seq.Retry(r3)
	assert.Equal(t, r3.RequestID, retried.RequestID)
	assert.Equal(t, uint64(2), retried.AckedUpTo)

	seq.Done(r3.RequestID)
	assert.Equal(t, uint64(3), seq.Acked())
}

// --------------------------------------------------------------------------
// With a running replica
// --------------------------------------------------------------------------

type counter struct{ n int }

func (c *counter) Apply(_ uint64, _ []byte) []byte {
	c.n++
	return []byte{byte(c.n)}
}
func (c *counter) Save(w io.Writer) error { _, err := w.Write([]byte{byte(c.n)}); return err }
func (c *counter) Load(r io.Reader) error {
	b := make([]byte, 1)
	if _, err := io.ReadFull(r, b); err != nil {
		return err
	}
	c.n = int(b[0])
	return nil
}

func TestSessionWithReplica(t *testing.T) {
	proto, err := replica.New(replica.DefaultConfig(0, 1, replica.KindRepNothing), replica.Deps{
		Log:       wal.NewMemory(),
		Snapshots: snapshot.NewMemory(),
		Target:    &counter{},
	})
	require.NoError(t, err)

	r := replica.NewReplica(proto, peer.NewMemoryNetwork().Join(0), nil, &replica.Options{TickInterval: time.Millisecond})
	s := newSession(t, r, TimeoutKeep)
	r.AddListener(s)
	r.Start()
	t.Cleanup(r.Stop)
	require.Eventually(t, func() bool {
		return r.Status().Role == smr.RoleLeader
	}, 5*time.Second, time.Millisecond)

	seq := NewSequencer(NewClientID())
	for i := 1; i <= 5; i++ {
		req := seq.Next([]byte("inc"))
		res, err := s.Submit(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, res.Output)
		seq.Done(req.RequestID)
	}
}
