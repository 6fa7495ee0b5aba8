package base

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSMR/rpc/common"
	"github.com/ValentinKolb/dSMR/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("transport/rpc")

// ErrClosed is returned by Send after Close was called.
var ErrClosed = errors.New("client transport is closed")

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// IClientConnector defines the interface for transport-specific connection operations
type IClientConnector interface {
	// Connect establishes a single connection to endpoint
	Connect(endpoint string) (net.Conn, error)

	// GetName returns the name of the transport type (e.g., "unix", "tcp")
	GetName() string

	// UpgradeConnection applies protocol-specific settings to an established connection
	UpgradeConnection(conn net.Conn, config common.ClientConfig) error
}

// -----------------------------------------------------------
// Helper Types
// -----------------------------------------------------------

// responseResult contains the result of a request
type responseResult struct {
	data []byte
	err  error
}

// link is one established net connection and the requests waiting on it.
// A broken link is discarded as a whole, the next request dials a new one.
type link struct {
	conn    net.Conn
	pending *xsync.MapOf[uint64, chan responseResult]
	once    sync.Once
}

// clientConnection is one slot of an endpoint pool
type clientConnection struct {
	endpoint string
	parent   *clientTransport

	mu      sync.Mutex // guards current and writes to it
	current *link
}

// endpointPool holds the connections to one endpoint
type endpointPool struct {
	conns []*clientConnection
	next  atomic.Uint64
}

// clientTransport implements the core client transport functionality
// independent of the specific transport medium (unix, tcp, etc.)
type clientTransport struct {
	connector     IClientConnector
	config        common.ClientConfig
	pools         *xsync.MapOf[string, *endpointPool]
	nextRequestID atomic.Uint64
	closed        atomic.Bool
}

// -----------------------------------------------------------
// Transport Factory Method (used for tcp, unix, etc.)
// -----------------------------------------------------------

// NewBaseClientTransport creates a new base client transport with the specified connector
func NewBaseClientTransport(connector IClientConnector) transport.IRPCClientTransport {
	return &clientTransport{
		connector: connector,
		pools:     xsync.NewMapOf[string, *endpointPool](),
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCClientTransport)
// --------------------------------------------------------------------------

func (t *clientTransport) Connect(config common.ClientConfig) error {
	if len(config.Transport.Endpoints) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	t.closeConnections()
	t.config = config
	t.closed.Store(false)

	// dial the first connection of every pool, the others are dialed on first use
	reachable := 0
	for _, endpoint := range config.Transport.Endpoints {
		conn := t.pool(endpoint).conns[0]
		conn.mu.Lock()
		_, err := conn.linkLocked()
		conn.mu.Unlock()
		if err != nil {
			Logger.Warningf("Failed to connect to %s: %v", endpoint, err)
			continue
		}
		reachable++
	}

	if reachable == 0 {
		return fmt.Errorf("failed to connect to any endpoint")
	}

	Logger.Infof("Connected to %d out of %d endpoints using %s transport (%d connections per endpoint)",
		reachable, len(config.Transport.Endpoints), t.connector.GetName(), t.connectionsPerEndpoint())

	return nil
}

func (t *clientTransport) Send(endpoint string, req []byte) ([]byte, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	requestID := t.nextRequestID.Add(1)
	return t.pool(endpoint).pick().send(requestID, req, t.config.Timeout())
}

func (t *clientTransport) Close() error {
	t.closed.Store(true)
	t.closeConnections()
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func (t *clientTransport) connectionsPerEndpoint() int {
	return max(1, t.config.Transport.ConnectionsPerEndpoint)
}

// pool returns the pool of endpoint, creating it on first use
func (t *clientTransport) pool(endpoint string) *endpointPool {
	p, _ := t.pools.LoadOrCompute(endpoint, func() *endpointPool {
		p := &endpointPool{conns: make([]*clientConnection, t.connectionsPerEndpoint())}
		for i := range p.conns {
			p.conns[i] = &clientConnection{endpoint: endpoint, parent: t}
		}
		return p
	})
	return p
}

// pick selects the next connection via Round Robin
func (p *endpointPool) pick() *clientConnection {
	if len(p.conns) == 1 {
		return p.conns[0]
	}
	return p.conns[p.next.Add(1)%uint64(len(p.conns))]
}

// closeConnections closes all connections and forgets all pools
func (t *clientTransport) closeConnections() {
	t.pools.Range(func(endpoint string, p *endpointPool) bool {
		for _, c := range p.conns {
			c.mu.Lock()
			l := c.current
			c.current = nil
			c.mu.Unlock()
			if l != nil {
				l.fail(ErrClosed)
			}
		}
		return true
	})
	t.pools.Clear()
}

// linkLocked returns the current link, dialing a new one if there is none
func (c *clientConnection) linkLocked() (*link, error) {
	if c.current != nil {
		return c.current, nil
	}

	conn, err := c.parent.connector.Connect(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.endpoint, err)
	}
	if err := c.parent.connector.UpgradeConnection(conn, c.parent.config); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %w", c.endpoint, err)
	}

	l := &link{conn: conn, pending: xsync.NewMapOf[uint64, chan responseResult]()}
	c.current = l
	go c.readResponses(l)
	return l, nil
}

// send writes one request and waits for its response
func (c *clientConnection) send(requestID uint64, req []byte, timeout time.Duration) ([]byte, error) {
	respCh := make(chan responseResult, 1)

	c.mu.Lock()
	l, err := c.linkLocked()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	l.pending.Store(requestID, respCh)
	defer l.pending.Delete(requestID)

	if timeout > 0 {
		l.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	err = writeFrame(l.conn, requestID, req)
	c.mu.Unlock()

	if err != nil {
		c.drop(l, err)
		return nil, fmt.Errorf("failed to send request to %s: %w", c.endpoint, err)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case result := <-respCh:
		return result.data, result.err
	case <-timeoutCh:
		return nil, fmt.Errorf("request to %s timed out after %s", c.endpoint, timeout)
	}
}

// readResponses distributes the responses of l to the waiting requests
// until the connection breaks
func (c *clientConnection) readResponses(l *link) {
	for {
		requestID, data, err := readFrame(l.conn, nil)
		if err != nil {
			c.drop(l, err)
			return
		}

		if respCh, ok := l.pending.Load(requestID); ok {
			select {
			case respCh <- responseResult{data: data}:
			default:
			}
		} else {
			// the request has timed out in the meantime
			Logger.Debugf("Dropping response for unknown request ID %d from %s", requestID, c.endpoint)
		}
	}
}

// drop discards l and fails its pending requests
func (c *clientConnection) drop(l *link, cause error) {
	c.mu.Lock()
	if c.current == l {
		c.current = nil
	}
	c.mu.Unlock()

	if !errors.Is(cause, net.ErrClosed) && !c.parent.closed.Load() {
		Logger.Warningf("Connection to %s lost: %v", c.endpoint, cause)
	}
	l.fail(fmt.Errorf("connection to %s lost: %w", c.endpoint, cause))
}

func (l *link) fail(err error) {
	l.once.Do(func() {
		l.conn.Close()
		l.pending.Range(func(_ uint64, respCh chan responseResult) bool {
			select {
			case respCh <- responseResult{err: err}:
			default:
			}
			return true
		})
	})
}
