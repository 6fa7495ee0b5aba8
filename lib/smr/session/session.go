package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/replica"
	"github.com/VictoriaMetrics/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("session")

// --------------------------------------------------------------------------
// Timeout policy
// --------------------------------------------------------------------------

// TimeoutPolicy decides what happens to a request whose client stopped
// waiting.
type TimeoutPolicy uint8

const (
	// TimeoutKeep only stops waiting. The request may still commit and its
	// result is served to a retry with the same request id.
	TimeoutKeep TimeoutPolicy = iota
	// TimeoutWithdraw also removes the request from the leader's pending batch
	// if it has not been written to the log yet.
	TimeoutWithdraw
)

func (p TimeoutPolicy) String() string {
	switch p {
	case TimeoutKeep:
		return "keep"
	case TimeoutWithdraw:
		return "withdraw"
	default:
		return fmt.Sprintf("TimeoutPolicy(%d)", p)
	}
}

// ParseTimeoutPolicy parses "keep" or "withdraw" (case-insensitive).
func ParseTimeoutPolicy(s string) (TimeoutPolicy, error) {
	switch strings.ToLower(s) {
	case "keep", "":
		return TimeoutKeep, nil
	case "withdraw":
		return TimeoutWithdraw, nil
	default:
		return 0, fmt.Errorf("unknown timeout policy %q, must be keep or withdraw", s)
	}
}

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// Config configures a Session.
type Config struct {
	CacheSize      int           // results kept for retries
	TimeoutPolicy  TimeoutPolicy // what to do with requests of impatient clients
	DefaultTimeout time.Duration // applied when the caller's context has no deadline (0 = wait forever)
}

func DefaultConfig() Config {
	return Config{
		CacheSize:      4096,
		TimeoutPolicy:  TimeoutKeep,
		DefaultTimeout: 5 * time.Second,
	}
}

// Proposer is the part of a replica the session needs; *replica.Replica
// implements it.
type Proposer interface {
	Propose(ctx context.Context, reqs ...smr.ClientRequest) error
	Cancel(key smr.RequestKey)
}

type waiter struct {
	done   chan struct{}
	once   sync.Once
	result smr.CommandResult
	err    error
}

func newWaiter() *waiter {
	return &waiter{done: make(chan struct{})}
}

func (w *waiter) finish(result smr.CommandResult, err error) {
	w.once.Do(func() {
		w.result, w.err = result, err
		close(w.done)
	})
}

// Session is the client front-end of a replica. It turns the asynchronous
// propose/apply cycle into a blocking Submit, answers retries of recently
// applied requests from a result cache and fails pending requests when the
// replica loses leadership.
//
// A Session must be registered as listener of its replica before the replica
// is started.
type Session struct {
	proposer Proposer
	cfg      Config
	results  *lru.Cache[smr.RequestKey, smr.CommandResult]
	waiters  *xsync.MapOf[smr.RequestKey, *waiter]

	set       *metrics.Set
	submits   *metrics.Counter
	cacheHits *metrics.Counter
	redirects *metrics.Counter
	timeouts  *metrics.Counter
	latency   *metrics.Histogram
}

// New creates a session submitting to p.
func New(p Proposer, cfg Config) (*Session, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	results, err := lru.New[smr.RequestKey, smr.CommandResult](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}

	set := metrics.NewSet()
	return &Session{
		proposer:  p,
		cfg:       cfg,
		results:   results,
		waiters:   xsync.NewMapOf[smr.RequestKey, *waiter](),
		set:       set,
		submits:   set.NewCounter("dsmr_session_submits_total"),
		cacheHits: set.NewCounter("dsmr_session_cache_hits_total"),
		redirects: set.NewCounter("dsmr_session_not_leader_total"),
		timeouts:  set.NewCounter("dsmr_session_timeouts_total"),
		latency:   set.NewHistogram("dsmr_session_submit_duration_seconds"),
	}, nil
}

// Submit replicates req and blocks until it was applied.
//
// Errors: a NotLeader error with a leader hint if this replica does not lead
// (or stopped leading while req was pending), ErrTimeout when ctx expired,
// ErrResultReleased for a retry of a request that was applied so long ago
// that its output is gone. Submitting the same request again is safe, it is applied at most once.
func (s *Session) Submit(ctx context.Context, req smr.ClientRequest) (smr.CommandResult, error) {
	s.submits.Inc()
	start := time.Now()
	defer s.latency.UpdateDuration(start)

	key := req.Key()
	if res, ok := s.results.Get(key); ok {
		s.cacheHits.Inc()
		return res, nil
	}

	if _, ok := ctx.Deadline(); !ok && s.cfg.DefaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.DefaultTimeout)
		defer cancel()
	}

	w, shared := s.waiters.LoadOrCompute(key, newWaiter)
	if !shared {
		// the result may have been applied after the cache lookup
		if res, ok := s.results.Get(key); ok {
			s.release(key, w, res, nil)
			s.cacheHits.Inc()
			return res, nil
		}
		if err := s.proposer.Propose(ctx, req); err != nil {
			if smr.CodeOf(err) == smr.CodeNotLeader {
				s.redirects.Inc()
			}
			s.release(key, w, smr.CommandResult{}, err)
			return smr.CommandResult{}, err
		}
	}

	select {
	case <-w.done:
		return w.result, w.err
	case <-ctx.Done():
		s.timeouts.Inc()
		err := smr.NewError(smr.CodeTimeout, "request %s not applied: %v", key, ctx.Err())
		if s.cfg.TimeoutPolicy == TimeoutWithdraw {
			s.proposer.Cancel(key)
			s.release(key, w, smr.CommandResult{}, err)
		}
		return smr.CommandResult{}, err
	}
}

// release finishes w and forgets it, unless it was already replaced.
func (s *Session) release(key smr.RequestKey, w *waiter, res smr.CommandResult, err error) {
	s.waiters.Compute(key, func(cur *waiter, loaded bool) (*waiter, bool) {
		return cur, !loaded || cur == w
	})
	w.finish(res, err)
}

// Pending returns the number of requests waiting for their result.
func (s *Session) Pending() int {
	return s.waiters.Size()
}

// WritePrometheus writes the session metrics in Prometheus text format.
func (s *Session) WritePrometheus(w io.Writer) {
	s.set.WritePrometheus(w)
}

// --------------------------------------------------------------------------
// replica.Listener
// --------------------------------------------------------------------------

var _ replica.Listener = (*Session)(nil)

// OnApplied caches the results and wakes up their submitters. Retries whose
// result was released fail with a ResultReleased error.
func (s *Session) OnApplied(applied []replica.Applied) {
	for _, a := range applied {
		if a.Result.Released {
			if w, ok := s.waiters.LoadAndDelete(a.Key); ok {
				w.finish(smr.CommandResult{}, smr.NewError(smr.CodeResultReleased,
					"request %s was applied at an earlier index, its result is no longer available", a.Key))
			}
			continue
		}
		s.results.Add(a.Key, a.Result)
		if w, ok := s.waiters.LoadAndDelete(a.Key); ok {
			w.finish(a.Result, nil)
		}
	}
}

// OnStateChange fails all pending requests once the replica stops leading.
// Their clients retry at the new leader, the dedup table keeps retries of
// requests that did commit from being applied twice.
func (s *Session) OnStateChange(state smr.ReplicaState) {
	if state.Role == smr.RoleLeader {
		return
	}

	var failed int
	s.waiters.Range(func(key smr.RequestKey, _ *waiter) bool {
		if w, ok := s.waiters.LoadAndDelete(key); ok {
			w.finish(smr.CommandResult{}, smr.NotLeader(state.Leader))
			failed++
		}
		return true
	})
	if failed > 0 {
		Logger.Infof("%s: %s, failed %d pending requests (leader hint %s)", state.ID, state.Role, failed, state.Leader)
	}
}
