package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/wire"
	"github.com/cenkalti/backoff/v4"
	"github.com/puzpuzpuz/xsync/v3"
)

// TCPOptions configures the TCP peer transport.
type TCPOptions struct {
	QueueSize        int           // per-peer send queue length
	UnavailableAfter time.Duration // how long a peer may be unreachable before Send fails
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	InitialBackoff   time.Duration // first redial delay
	MaxBackoff       time.Duration // redial delay cap
	NoDelay          bool
	KeepAlive        time.Duration // 0 disables TCP keep-alive
	RecvBuffer       int           // length of the inbound channel
}

// DefaultTCPOptions returns the default TCP transport options.
func DefaultTCPOptions() *TCPOptions {
	return &TCPOptions{
		QueueSize:        4096,
		UnavailableAfter: 2 * time.Second,
		DialTimeout:      time.Second,
		WriteTimeout:     5 * time.Second,
		InitialBackoff:   50 * time.Millisecond,
		MaxBackoff:       2 * time.Second,
		NoDelay:          true,
		KeepAlive:        30 * time.Second,
		RecvBuffer:       4096,
	}
}

// link is the outbound half of the connection to one peer.
type link struct {
	id        smr.ReplicaID
	addr      string
	queue     chan []byte
	downSince atomic.Int64 // unix nanos of the first failed attempt, 0 while connected
}

func (l *link) markDown() {
	l.downSince.CompareAndSwap(0, time.Now().UnixNano())
}

// tcpTransport keeps one outbound connection per peer (written by a single
// goroutine, so per-peer order is preserved) and accepts inbound connections
// from all peers.
type tcpTransport struct {
	self     smr.ReplicaID
	opts     *TCPOptions
	listener net.Listener
	peers    *xsync.MapOf[smr.ReplicaID, *link]
	inbound  *xsync.MapOf[net.Conn, struct{}]
	recvC    chan Inbound

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewTCPTransport listens on addrs[self] and connects to every other address in addrs.
func NewTCPTransport(self smr.ReplicaID, addrs map[smr.ReplicaID]string, opts *TCPOptions) (Transport, error) {
	if opts == nil {
		opts = DefaultTCPOptions()
	}
	addr, ok := addrs[self]
	if !ok {
		return nil, fmt.Errorf("no peer address configured for %s", self)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &tcpTransport{
		self:     self,
		opts:     opts,
		listener: listener,
		peers:    xsync.NewMapOf[smr.ReplicaID, *link](),
		inbound:  xsync.NewMapOf[net.Conn, struct{}](),
		recvC:    make(chan Inbound, opts.RecvBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}

	for id, peerAddr := range addrs {
		if id == self {
			continue
		}
		l := &link{id: id, addr: peerAddr, queue: make(chan []byte, opts.QueueSize)}
		t.peers.Store(id, l)
		t.wg.Add(1)
		go t.runLink(l)
	}

	t.wg.Add(1)
	go t.acceptLoop()

	Logger.Infof("peer transport of %s listening on %s", self, listener.Addr())
	return t, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see peer.Transport)
// --------------------------------------------------------------------------

func (t *tcpTransport) Send(to smr.ReplicaID, msg *wire.Message) error {
	l, ok := t.peers.Load(to)
	if !ok {
		return fmt.Errorf("unknown peer %s", to)
	}
	if since := l.downSince.Load(); since != 0 && time.Since(time.Unix(0, since)) > t.opts.UnavailableAfter {
		return smr.NewError(smr.CodePeerUnavailable, "%s unreachable since %s", to, time.Unix(0, since).Format(time.RFC3339))
	}

	data := wire.Marshal(msg)
	select {
	case l.queue <- data:
		return nil
	default:
		return smr.NewError(smr.CodePeerUnavailable, "send queue to %s is full", to)
	}
}

func (t *tcpTransport) Recv() <-chan Inbound {
	return t.recvC
}

func (t *tcpTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		_ = t.listener.Close()
		t.inbound.Range(func(conn net.Conn, _ struct{}) bool {
			_ = conn.Close()
			return true
		})
		t.wg.Wait()
		close(t.recvC)
		Logger.Infof("peer transport of %s closed", t.self)
	})
	return nil
}

// --------------------------------------------------------------------------
// Outbound
// --------------------------------------------------------------------------

// runLink (re)connects to the peer and pumps its send queue until the transport closes.
func (t *tcpTransport) runLink(l *link) {
	defer t.wg.Done()
	for {
		conn, err := t.dial(l)
		if err != nil {
			return // transport closed
		}
		l.downSince.Store(0)
		Logger.Debugf("connected to %s at %s", l.id, l.addr)

		err = t.pump(l, conn)
		_ = conn.Close()
		if err == nil {
			return // transport closed
		}
		l.markDown()
		Logger.Warningf("connection to %s lost: %v", l.id, err)
	}
}

// dial connects to the peer with exponential backoff. It only fails once the
// transport is closed.
func (t *tcpTransport) dial(l *link) (net.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.InitialBackoff
	b.MaxInterval = t.opts.MaxBackoff
	b.MaxElapsedTime = 0 // retry until the transport closes

	var conn net.Conn
	op := func() error {
		d := net.Dialer{Timeout: t.opts.DialTimeout}
		c, err := d.DialContext(t.ctx, "tcp", l.addr)
		if err != nil {
			return err
		}
		if err := upgradeConnection(c, t.opts); err != nil {
			_ = c.Close()
			return err
		}
		if err := writeFrame(c, helloFrame(uint8(t.self))); err != nil {
			_ = c.Close()
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		l.markDown()
		Logger.Debugf("dial %s (%s) failed, retry in %s: %v", l.id, l.addr, next, err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, t.ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// pump writes queued frames to conn. It returns nil when the transport closes
// and the write error otherwise.
func (t *tcpTransport) pump(l *link, conn net.Conn) error {
	for {
		select {
		case <-t.ctx.Done():
			return nil
		case data := <-l.queue:
			if t.opts.WriteTimeout > 0 {
				_ = conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
			}
			if err := writeFrame(conn, data); err != nil {
				return err
			}
		}
	}
}

// --------------------------------------------------------------------------
// Inbound
// --------------------------------------------------------------------------

func (t *tcpTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			Logger.Warningf("accept failed: %v", err)
			continue
		}
		if err := upgradeConnection(conn, t.opts); err != nil {
			Logger.Warningf("failed to configure inbound connection: %v", err)
		}
		t.inbound.Store(conn, struct{}{})
		if t.ctx.Err() != nil {
			// raced with Close after it swept the inbound connections
			_ = conn.Close()
		}
		t.wg.Add(1)
		go t.serveConn(conn)
	}
}

// serveConn reads frames from one inbound connection and delivers them.
func (t *tcpTransport) serveConn(conn net.Conn) {
	defer t.wg.Done()
	defer func() {
		t.inbound.Delete(conn)
		_ = conn.Close()
	}()

	header := make([]byte, 4)

	_ = conn.SetReadDeadline(time.Now().Add(t.opts.DialTimeout + time.Second))
	hello, err := readFrame(conn, header)
	if err != nil {
		return
	}
	from, err := parseHello(hello)
	if err != nil {
		Logger.Warningf("rejecting connection from %s: %v", conn.RemoteAddr(), err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	for {
		data, err := readFrame(conn, header)
		if err != nil {
			if t.ctx.Err() == nil {
				Logger.Debugf("inbound connection from %s closed: %v", smr.ReplicaID(from), err)
			}
			return
		}
		msg, err := wire.Unmarshal(data)
		if err != nil {
			Logger.Warningf("dropping malformed message from %s: %v", smr.ReplicaID(from), err)
			continue
		}
		select {
		case t.recvC <- Inbound{From: smr.ReplicaID(from), Msg: msg}:
		case <-t.ctx.Done():
			return
		}
	}
}

// upgradeConnection applies TCP specific socket options.
func upgradeConnection(conn net.Conn, opts *TCPOptions) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tcpConn.SetNoDelay(opts.NoDelay); err != nil {
		return err
	}
	if opts.KeepAlive > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(opts.KeepAlive); err != nil {
			return err
		}
	}
	return nil
}
