package peer

import (
	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/wire"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("peer")

// Inbound is a message received from a peer.
type Inbound struct {
	From smr.ReplicaID
	Msg  *wire.Message
}

// Transport delivers peer messages. Messages to one peer arrive in the order
// they were sent as long as the underlying connection stays up; there is no
// ordering across peers and delivery is best effort.
type Transport interface {
	// Send queues msg for delivery to peer to. It never blocks on the network.
	// smr.ErrPeerUnavailable is returned if the peer has been unreachable for
	// longer than the configured grace period or its queue is full.
	Send(to smr.ReplicaID, msg *wire.Message) error

	// Recv returns the channel inbound messages are delivered on.
	Recv() <-chan Inbound

	// Close stops all connections. Recv is closed afterwards.
	Close() error
}
