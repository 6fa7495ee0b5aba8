package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dSMR/lib/smr"
)

// --------------------------------------------------------------------------
// Transport configuration
// --------------------------------------------------------------------------

// SocketConf holds socket buffer sizes (0 = OS default).
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds TCP specific socket options.
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// ServerTransportConfig configures the client-facing listener of a replica.
type ServerTransportConfig struct {
	Endpoint       string // address to listen on (host:port or socket path)
	WorkersPerConn int    // requests processed concurrently per connection
	SocketConf
	TCPConf
}

// ClientTransportConfig configures how a client reaches the replicas.
type ClientTransportConfig struct {
	Endpoints              []string
	RetryCount             int // attempts per request before giving up
	ConnectionsPerEndpoint int
	SocketConf
	TCPConf
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of one replica process.
type ServerConfig struct {
	// Replica identity and cluster layout
	ReplicaID       smr.ReplicaID
	Protocol        string                   // repnothing, raft or craft
	Peers           map[smr.ReplicaID]string // replication addresses of all replicas, including this one
	ClientEndpoints map[smr.ReplicaID]string // client api addresses used in redirects (optional)

	// Protocol parameters
	TickMillisecond uint64
	BatchInterval   time.Duration
	MaxBatch        int
	SnapshotEntries uint64
	LeaseTicks      int // leader lease for local reads, 0 replicates every read
	DisallowStepUp  bool

	// Storage
	DataDir string

	// Client front-end
	TimeoutSecond int64
	TimeoutPolicy string // keep or withdraw
	Transport     ServerTransportConfig

	// Observability
	MetricsEndpoint string
	LogLevel        string
}

// Population returns the number of replicas in the cluster.
func (c *ServerConfig) Population() uint8 {
	if len(c.Peers) == 0 {
		return 1
	}
	return uint8(len(c.Peers))
}

// Timeout returns the client request timeout.
func (c *ServerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// Validate checks the cluster layout.
func (c *ServerConfig) Validate() error {
	if len(c.Peers) > int(smr.NoReplica) {
		return fmt.Errorf("at most %d replicas are supported, got %d", smr.NoReplica, len(c.Peers))
	}
	for id := range c.Peers {
		if uint8(id) >= c.Population() {
			return fmt.Errorf("replica ids must be 0..%d, got %s", c.Population()-1, id)
		}
	}
	if len(c.Peers) > 0 {
		if _, ok := c.Peers[c.ReplicaID]; !ok {
			return fmt.Errorf("no peer address found for replica %s", c.ReplicaID)
		}
	} else if c.ReplicaID != 0 {
		return fmt.Errorf("a single replica must have id 0, got %s", c.ReplicaID)
	}
	if c.Transport.Endpoint == "" {
		return fmt.Errorf("no client endpoint configured")
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("RPC Server")
	addField("Endpoint", c.Transport.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Timeout Policy", c.TimeoutPolicy)
	addField("Workers Per Conn", strconv.Itoa(c.Transport.WorkersPerConn))

	addSection("Logging & Metrics")
	addField("Log Level", c.LogLevel)
	addField("Metrics Endpoint", c.MetricsEndpoint)

	addSection("Replica")
	addField("Replica ID", c.ReplicaID.String())
	addField("Protocol", c.Protocol)
	addField("Tick", fmt.Sprintf("%d ms", c.TickMillisecond))
	addField("Batch Interval", c.BatchInterval.String())
	addField("Max Batch", strconv.Itoa(c.MaxBatch))
	addField("Snapshot Entries", strconv.FormatUint(c.SnapshotEntries, 10))
	addField("Lease Ticks", strconv.Itoa(c.LeaseTicks))
	addField("Disallow Step Up", strconv.FormatBool(c.DisallowStepUp))

	addSection("Storage")
	addField("Data Directory", c.DataDir)

	if len(c.Peers) > 0 {
		addSection("Cluster")

		// Sort keys for consistent output
		ids := make([]smr.ReplicaID, 0, len(c.Peers))
		for id := range c.Peers {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			line := c.Peers[id]
			if ep, ok := c.ClientEndpoints[id]; ok {
				line += " (client " + ep + ")"
			}
			addField("Replica "+id.String(), line)
		}
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	TimeoutSecond int // per attempt
	Transport     ClientTransportConfig
}

// Timeout returns the per attempt timeout.
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Conns Per Endpoint", strconv.Itoa(max(1, c.Transport.ConnectionsPerEndpoint)))

	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
