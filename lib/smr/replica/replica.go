package replica

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/manager"
	"github.com/ValentinKolb/dSMR/lib/smr/peer"
)

// Listener receives the output of a running replica. Callbacks run on the
// replica's event loop and must not block.
type Listener interface {
	// OnApplied is called with the results of applied client requests.
	OnApplied(applied []Applied)
	// OnStateChange is called when the role or the known leader changed.
	OnStateChange(state smr.ReplicaState)
}

// Options configure the event loop of a replica.
type Options struct {
	// TickInterval is the duration of one protocol tick.
	TickInterval time.Duration
	// OnFatal is called with a durability or corruption error, after which
	// the replica stops. Defaults to logging the error and panicking.
	OnFatal func(err error)
}

// DefaultOptions returns the default runner options.
func DefaultOptions() *Options {
	return &Options{TickInterval: 10 * time.Millisecond}
}

type proposal struct {
	reqs []smr.ClientRequest
	errC chan error
}

type readResult struct {
	out []byte
	ok  bool
}

type read struct {
	command []byte
	resC    chan readResult
}

// Replica drives a Protocol: it owns the protocol state in a single event
// loop goroutine and connects it to the peer transport, the cluster manager
// and its listeners. All other goroutines talk to the loop through channels.
type Replica struct {
	proto     Protocol
	transport peer.Transport
	manager   manager.Manager
	opts      *Options
	metrics   *replicaMetrics

	listeners []Listener
	suspected map[smr.ReplicaID]bool

	proposeC chan proposal
	readC    chan read
	cancelC  chan smr.RequestKey
	stopC    chan struct{}
	doneC    chan struct{}
	stopOnce sync.Once

	errMu sync.Mutex
	err   error
}

// NewReplica creates a runner for proto. Listeners must be added before Start.
func NewReplica(proto Protocol, transport peer.Transport, mgr manager.Manager, opts *Options) *Replica {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultOptions().TickInterval
	}
	state := proto.Status()
	if opts.OnFatal == nil {
		opts.OnFatal = func(err error) {
			Logger.Panicf("%s: fatal error, stopping replica: %v", state.ID, err)
		}
	}

	r := &Replica{
		proto:     proto,
		transport: transport,
		manager:   mgr,
		opts:      opts,
		metrics:   newReplicaMetrics(state.ID, proto.Kind()),
		suspected: make(map[smr.ReplicaID]bool),
		proposeC:  make(chan proposal, 1024),
		readC:     make(chan read, 1024),
		cancelC:   make(chan smr.RequestKey, 1024),
		stopC:     make(chan struct{}),
		doneC:     make(chan struct{}),
	}
	return r
}

// AddListener registers l for applied results and state changes.
func (r *Replica) AddListener(l Listener) {
	r.listeners = append(r.listeners, l)
}

// Start launches the event loop.
func (r *Replica) Start() {
	go r.run()
}

// Stop stops the event loop and waits for it to exit. The transport is not closed.
func (r *Replica) Stop() {
	r.stopOnce.Do(func() { close(r.stopC) })
	<-r.doneC
}

// Done is closed once the event loop exited.
func (r *Replica) Done() <-chan struct{} {
	return r.doneC
}

// Err returns the fatal error that stopped the replica, if any.
func (r *Replica) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

// Status returns the replica state as of the last processed event.
func (r *Replica) Status() smr.ReplicaState {
	return *r.metrics.state.Load()
}

// WritePrometheus writes the replica metrics in Prometheus text format.
func (r *Replica) WritePrometheus(w io.Writer) {
	r.metrics.WritePrometheus(w)
}

// Propose hands requests to the protocol and waits until they were accepted
// (not applied). A replica that does not lead returns a NotLeader error.
func (r *Replica) Propose(ctx context.Context, reqs ...smr.ClientRequest) error {
	p := proposal{reqs: reqs, errC: make(chan error, 1)}
	select {
	case r.proposeC <- p:
	case <-r.doneC:
		return smr.NewError(smr.CodeInternal, "replica stopped")
	case <-ctx.Done():
		return smr.NewError(smr.CodeTimeout, "proposal not accepted: %v", ctx.Err())
	}
	select {
	case err := <-p.errC:
		return err
	case <-r.doneC:
		return smr.NewError(smr.CodeInternal, "replica stopped")
	case <-ctx.Done():
		return smr.NewError(smr.CodeTimeout, "proposal not accepted: %v", ctx.Err())
	}
}

// Read answers a read-only command from the local state if the protocol
// allows it (see Protocol.Read). ok is false if the command has to be
// submitted through the log instead.
func (r *Replica) Read(ctx context.Context, command []byte) (out []byte, ok bool, err error) {
	rd := read{command: command, resC: make(chan readResult, 1)}
	select {
	case r.readC <- rd:
	case <-r.doneC:
		return nil, false, smr.NewError(smr.CodeInternal, "replica stopped")
	case <-ctx.Done():
		return nil, false, smr.NewError(smr.CodeTimeout, "read not accepted: %v", ctx.Err())
	}
	select {
	case res := <-rd.resC:
		return res.out, res.ok, nil
	case <-r.doneC:
		return nil, false, smr.NewError(smr.CodeInternal, "replica stopped")
	case <-ctx.Done():
		return nil, false, smr.NewError(smr.CodeTimeout, "read not answered: %v", ctx.Err())
	}
}

// Cancel withdraws a request that is still waiting for the next batch.
func (r *Replica) Cancel(key smr.RequestKey) {
	select {
	case r.cancelC <- key:
	case <-r.doneC:
	}
}

// --------------------------------------------------------------------------
// Event loop
// --------------------------------------------------------------------------

func (r *Replica) run() {
	defer close(r.doneC)

	ticker := time.NewTicker(r.opts.TickInterval)
	defer ticker.Stop()

	var views <-chan *smr.ClusterView
	if r.manager != nil {
		var cancel func()
		views, cancel = r.manager.Subscribe()
		defer cancel()
		if err := r.proto.HandleClusterView(r.manager.CurrentView()); err != nil {
			r.fail(err)
			return
		}
	}

	// publish the restored state and anything replayed during recovery
	r.process(true)

	recv := r.transport.Recv()
	for {
		var err error
		start := time.Now()

		select {
		case <-r.stopC:
			return

		case <-ticker.C:
			err = r.proto.Tick()

		case in, ok := <-recv:
			if !ok {
				Logger.Warningf("%s: peer transport closed, stopping", r.Status().ID)
				return
			}
			r.metrics.msgsRecv.Inc()
			delete(r.suspected, in.From)
			err = r.proto.Step(in.From, in.Msg)

		case p := <-r.proposeC:
			perr := r.proto.Propose(p.reqs...)
			if perr != nil && smr.CodeOf(perr).Fatal() {
				err = perr
			}
			p.errC <- perr

		case rd := <-r.readC:
			out, ok := r.proto.Read(rd.command)
			rd.resC <- readResult{out: out, ok: ok}

		case key := <-r.cancelC:
			if r.proto.Cancel(key) {
				Logger.Debugf("%s: withdrew request %s", r.Status().ID, key)
			}

		case v, ok := <-views:
			if !ok {
				views = nil
				continue
			}
			err = r.proto.HandleClusterView(v)
		}

		if err != nil && smr.CodeOf(err).Fatal() {
			r.fail(err)
			return
		}
		if err != nil {
			Logger.Errorf("%s: %v", r.Status().ID, err)
		}
		r.process(false)
		r.metrics.stepLatency.UpdateDuration(start)
	}
}

// process hands the output of the protocol to the transport, the manager and
// the listeners.
func (r *Replica) process(force bool) {
	rd := r.proto.Ready()
	r.metrics.publish(&rd)

	for _, out := range rd.Messages {
		err := r.transport.Send(out.To, out.Msg)
		if err == nil {
			r.metrics.msgsSent.Inc()
			continue
		}
		r.metrics.msgsFailed.Inc()
		if errors.Is(err, smr.ErrPeerUnavailable) && !r.suspected[out.To] {
			r.suspected[out.To] = true
			Logger.Warningf("%s: peer %s unavailable: %v", rd.State.ID, out.To, err)
			if r.manager != nil {
				r.manager.ReportSuspect(rd.State.ID, out.To)
			}
		}
	}

	if len(rd.Applied) > 0 {
		for _, l := range r.listeners {
			l.OnApplied(rd.Applied)
		}
	}

	if rd.RoleChanged || force {
		Logger.Infof("%s: %s", rd.State.ID, rd.State)
		if rd.State.Role == smr.RoleLeader && r.manager != nil {
			r.manager.ReportLeader(rd.State.ID, rd.State.View)
		}
		for _, l := range r.listeners {
			l.OnStateChange(rd.State)
		}
	}
}

func (r *Replica) fail(err error) {
	r.errMu.Lock()
	r.err = err
	r.errMu.Unlock()
	Logger.Errorf("fatal: %v", err)
	r.opts.OnFatal(err)
}
