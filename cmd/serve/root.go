package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cmdUtil "github.com/ValentinKolb/dSMR/cmd/util"
	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/rpc/common"
	"github.com/ValentinKolb/dSMR/rpc/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start a dSMR replica",
		Long: `Start a replica of the replicated key-value store. The configuration can be set via command line flags or environment variables.
The format of the environment variables is DSMR_<flag> (e.g. DSMR_REPLICA_ID=1, DSMR_PEERS=0=host-a:7000,1=host-b:7000,2=host-c:7000)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	key := "protocol"
	ServeCmd.PersistentFlags().String(key, "craft", cmdUtil.WrapString("Replication protocol: repnothing (single replica, no replication), raft (full copies) or craft (erasure coded log entries with full copy fallback)"))

	key = "replica-id"
	ServeCmd.PersistentFlags().Uint8(key, 0, cmdUtil.WrapString("ID of this replica, 0..N-1"))

	key = "peers"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated replication addresses of all replicas including this one, e.g. '0=host-a:7000,1=host-b:7000,2=host-c:7000'. Empty runs a single replica"))

	key = "client-endpoints"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated client endpoints of all replicas in the same format as --peers. Followers use them to redirect clients to the leader"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the client API will listen (e.g. localhost:8080, /tmp/dsmr.sock, ...)"))

	key = "workers-per-conn"
	ServeCmd.PersistentFlags().Int(key, 32, cmdUtil.WrapString("Requests processed concurrently per client connection (tcp and unix only)"))

	key = "tick-ms"
	ServeCmd.PersistentFlags().Uint64(key, 10, cmdUtil.WrapString("Length of one protocol tick in milliseconds. Election and heartbeat timeouts are multiples of it"))

	key = "batch-interval"
	ServeCmd.PersistentFlags().Duration(key, 0, cmdUtil.WrapString("How long the leader collects requests before writing them as one log entry (0 = one tick)"))

	key = "max-batch"
	ServeCmd.PersistentFlags().Int(key, 256, cmdUtil.WrapString("Maximum number of requests in one log entry"))

	key = "snapshot-entries"
	ServeCmd.PersistentFlags().Uint64(key, 1000, cmdUtil.WrapString("Take a snapshot and compact the log after this many applied entries (0 disables snapshots)"))

	key = "lease-ticks"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Let the leader answer reads locally for this many ticks after a majority acknowledged its heartbeat. Must be below the election timeout of 10 ticks (0 replicates every read)"))

	key = "disallow-step-up"
	ServeCmd.PersistentFlags().Bool(key, false, cmdUtil.WrapString("Never let this replica become leader"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("Directory for the write-ahead log and snapshots. Empty keeps everything in memory (not durable)"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Seconds a client request may wait for its result"))

	key = "timeout-policy"
	ServeCmd.PersistentFlags().String(key, "keep", cmdUtil.WrapString("What happens to a timed out request: keep (it may still commit) or withdraw (removed if not yet written to the log)"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address for the /metrics and /status endpoints (e.g. localhost:9090). Empty disables them"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and
// environment variables and converts it to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	peers, err := cmdUtil.ParseReplicaMap(viper.GetString("peers"))
	if err != nil {
		return fmt.Errorf("--peers: %w", err)
	}
	clientEndpoints, err := cmdUtil.ParseReplicaMap(viper.GetString("client-endpoints"))
	if err != nil {
		return fmt.Errorf("--client-endpoints: %w", err)
	}

	serveCmdConfig.ReplicaID = smr.ReplicaID(viper.GetUint("replica-id"))
	serveCmdConfig.Protocol = viper.GetString("protocol")
	serveCmdConfig.Peers = peers
	serveCmdConfig.ClientEndpoints = clientEndpoints
	serveCmdConfig.TickMillisecond = viper.GetUint64("tick-ms")
	serveCmdConfig.BatchInterval = viper.GetDuration("batch-interval")
	serveCmdConfig.MaxBatch = viper.GetInt("max-batch")
	serveCmdConfig.SnapshotEntries = viper.GetUint64("snapshot-entries")
	serveCmdConfig.LeaseTicks = viper.GetInt("lease-ticks")
	serveCmdConfig.DisallowStepUp = viper.GetBool("disallow-step-up")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.TimeoutPolicy = viper.GetString("timeout-policy")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.Transport = common.ServerTransportConfig{
		Endpoint:       viper.GetString("endpoint"),
		WorkersPerConn: viper.GetInt("workers-per-conn"),
	}

	if len(clientEndpoints) > 0 && len(peers) > 0 && len(clientEndpoints) != len(peers) {
		return fmt.Errorf("--client-endpoints lists %d replicas, --peers %d", len(clientEndpoints), len(peers))
	}
	return serveCmdConfig.Validate()
}

// run starts the replica and blocks until it is interrupted
func run(_ *cobra.Command, _ []string) error {
	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	err = server.NewRPCServer(*serveCmdConfig, t, s).Serve(ctx)
	fmt.Printf("replica %s stopped after %s\n", serveCmdConfig.ReplicaID, time.Since(start).Round(time.Second))
	return err
}
