package peer

import (
	"sync"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/wire"
)

// MemoryNetwork connects in-process transports. Links can be cut per
// direction or per node to simulate partitions and crashes.
type MemoryNetwork struct {
	mu      sync.RWMutex
	nodes   map[smr.ReplicaID]*memoryTransport
	blocked map[[2]smr.ReplicaID]bool
	buffer  int
}

// NewMemoryNetwork creates an empty in-process network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nodes:   make(map[smr.ReplicaID]*memoryTransport),
		blocked: make(map[[2]smr.ReplicaID]bool),
		buffer:  8192,
	}
}

// Join attaches a replica and returns its transport. Joining an id again
// replaces the previous transport (a restarted replica).
func (n *MemoryNetwork) Join(id smr.ReplicaID) Transport {
	t := &memoryTransport{id: id, net: n, recvC: make(chan Inbound, n.buffer)}
	n.mu.Lock()
	old := n.nodes[id]
	n.nodes[id] = t
	n.mu.Unlock()
	if old != nil {
		old.shutdown()
	}
	return t
}

// Cut drops all messages from a to b until Heal.
func (n *MemoryNetwork) Cut(a, b smr.ReplicaID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[[2]smr.ReplicaID{a, b}] = true
}

// Isolate cuts every link to and from id.
func (n *MemoryNetwork) Isolate(id smr.ReplicaID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.nodes {
		if other != id {
			n.blocked[[2]smr.ReplicaID{id, other}] = true
			n.blocked[[2]smr.ReplicaID{other, id}] = true
		}
	}
}

// Heal restores all links.
func (n *MemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = make(map[[2]smr.ReplicaID]bool)
}

func (n *MemoryNetwork) deliver(from, to smr.ReplicaID, msg *wire.Message) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	target, ok := n.nodes[to]
	if !ok || target.closed {
		return smr.NewError(smr.CodePeerUnavailable, "%s is not connected", to)
	}
	if n.blocked[[2]smr.ReplicaID{from, to}] {
		return nil // lost on the wire
	}

	// round trip through the wire format so receivers never share memory with senders
	decoded, err := wire.Unmarshal(wire.Marshal(msg))
	if err != nil {
		return err
	}
	select {
	case target.recvC <- Inbound{From: from, Msg: decoded}:
	default:
		Logger.Warningf("inbound queue of %s full, dropping %s", to, msg.Type)
	}
	return nil
}

type memoryTransport struct {
	id     smr.ReplicaID
	net    *MemoryNetwork
	recvC  chan Inbound
	closed bool // guarded by net.mu
}

func (t *memoryTransport) Send(to smr.ReplicaID, msg *wire.Message) error {
	return t.net.deliver(t.id, to, msg)
}

func (t *memoryTransport) Recv() <-chan Inbound {
	return t.recvC
}

func (t *memoryTransport) Close() error {
	t.net.mu.Lock()
	if t.net.nodes[t.id] == t {
		delete(t.net.nodes, t.id)
	}
	t.net.mu.Unlock()
	t.shutdown()
	return nil
}

func (t *memoryTransport) shutdown() {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.recvC)
	}
}
