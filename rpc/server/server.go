package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/ValentinKolb/dSMR/lib/db"
	"github.com/ValentinKolb/dSMR/lib/db/engines/maple"
	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/manager"
	"github.com/ValentinKolb/dSMR/lib/smr/peer"
	"github.com/ValentinKolb/dSMR/lib/smr/replica"
	"github.com/ValentinKolb/dSMR/lib/smr/session"
	"github.com/ValentinKolb/dSMR/lib/smr/snapshot"
	"github.com/ValentinKolb/dSMR/lib/smr/wal"
	"github.com/ValentinKolb/dSMR/lib/store"
	"github.com/ValentinKolb/dSMR/lib/store/dstore"
	"github.com/ValentinKolb/dSMR/rpc/common"
	"github.com/ValentinKolb/dSMR/rpc/serializer"
	"github.com/ValentinKolb/dSMR/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("rpc")

// NewRPCServer creates a new RPC server for one replica.
// It takes a config, transport and serializer as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		tcp.NewTCPDefaultServerTransport(),
//		serializer.NewBinarySerializer(),
//	)
//
//	if err := s.Serve(ctx); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	serializer serializer.IRPCSerializer,
) *RPCServer {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	return &RPCServer{
		config:     config,
		transport:  transport,
		serializer: serializer,
		adapter:    NewIStoreServerAdapter(),
	}
}

// RPCServer serves the key-value store of one replica to remote clients.
type RPCServer struct {
	config     common.ServerConfig
	transport  transport.IRPCServerTransport
	serializer serializer.IRPCSerializer
	adapter    IRPCServerAdapter

	// set up by init
	log     wal.Store
	peers   peer.Transport
	fsm     *dstore.KVStateMachine
	replica *replica.Replica
	session *session.Session
	store   *dstore.Store
}

// Serve sets up the replica, starts it and serves clients until ctx is done
// or the replica stops with a fatal error.
func (s *RPCServer) Serve(ctx context.Context) error {
	if err := s.init(); err != nil {
		s.close()
		return err
	}
	defer s.close()

	g, ctx := errgroup.WithContext(ctx)
	s.replica.Start()

	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-s.replica.Done():
			if err := s.replica.Err(); err != nil {
				return fmt.Errorf("replica stopped: %w", err)
			}
			return errors.New("replica stopped")
		}
	})

	g.Go(func() error {
		return s.transport.Listen(ctx, s.config)
	})

	if s.config.MetricsEndpoint != "" {
		g.Go(func() error {
			return s.serveMetrics(ctx)
		})
	}

	return g.Wait()
}

// --------------------------------------------------------------------------
// Setup
// --------------------------------------------------------------------------

func (s *RPCServer) init() error {
	if err := common.InitLoggers(s.config.LogLevel); err != nil {
		return err
	}
	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	Logger.Infof("Created RPC Server")
	Logger.Infof(s.config.String())

	kind, err := replica.ParseKind(s.config.Protocol)
	if err != nil {
		return err
	}
	policy, err := session.ParseTimeoutPolicy(s.config.TimeoutPolicy)
	if err != nil {
		return err
	}

	snapshots, err := s.openStorage()
	if err != nil {
		return err
	}

	s.fsm = dstore.NewStateMachine(func() db.KVDB { return maple.NewMapleDB(nil) })

	proto, err := replica.New(s.replicaConfig(kind), replica.Deps{
		Log:       s.log,
		Snapshots: snapshots,
		Target:    s.fsm,
	})
	if err != nil {
		return fmt.Errorf("failed to create replica: %w", err)
	}

	if len(s.config.Peers) > 1 {
		s.peers, err = peer.NewTCPTransport(s.config.ReplicaID, s.config.Peers, nil)
		if err != nil {
			return fmt.Errorf("failed to create peer transport: %w", err)
		}
	} else {
		s.peers = peer.NewMemoryNetwork().Join(s.config.ReplicaID)
	}

	s.replica = replica.NewReplica(proto, s.peers, manager.NewStaticCluster(s.config.Population()), &replica.Options{
		TickInterval: s.tick(),
		OnFatal: func(err error) {
			Logger.Errorf("%s: stopping after fatal error: %v", s.config.ReplicaID, err)
		},
	})

	s.session, err = session.New(s.replica, session.Config{
		CacheSize:      session.DefaultConfig().CacheSize,
		TimeoutPolicy:  policy,
		DefaultTimeout: s.config.Timeout(),
	})
	if err != nil {
		return err
	}
	s.replica.AddListener(s.session)

	s.store = dstore.NewDistributedStore(s.session, s.fsm, s.config.Timeout()).WithLeaseReads(s.replica)
	s.transport.RegisterHandler(s.handle)

	Logger.Infof("dSMR replica %s (%s, %d replicas) set up", s.config.ReplicaID, kind, s.config.Population())
	return nil
}

// openStorage opens the log and returns the snapshot store. Without a data
// directory both are kept in memory.
func (s *RPCServer) openStorage() (snapshot.Store, error) {
	if s.config.DataDir == "" {
		Logger.Warningf("No data directory configured, the replica state does not survive a restart")
		s.log = wal.NewMemory()
		return snapshot.NewMemory(), nil
	}

	if err := os.MkdirAll(s.config.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var err error
	s.log, err = wal.OpenBolt(filepath.Join(s.config.DataDir, "wal.db"), &wal.BoltOptions{OpenTimeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	snapshots, err := snapshot.NewFileStore(s.config.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}
	return snapshots, nil
}

func (s *RPCServer) tick() time.Duration {
	if s.config.TickMillisecond == 0 {
		return replica.DefaultOptions().TickInterval
	}
	return time.Duration(s.config.TickMillisecond) * time.Millisecond
}

func (s *RPCServer) replicaConfig(kind replica.Kind) replica.Config {
	cfg := replica.DefaultConfig(s.config.ReplicaID, s.config.Population(), kind)
	if s.config.BatchInterval > 0 {
		cfg.BatchTicks = max(1, int(s.config.BatchInterval/s.tick()))
	}
	if s.config.MaxBatch > 0 {
		cfg.MaxBatch = s.config.MaxBatch
	}
	cfg.SnapshotThreshold = s.config.SnapshotEntries
	cfg.LeaseTicks = s.config.LeaseTicks
	cfg.DisallowStepUp = s.config.DisallowStepUp
	return cfg
}

// close releases everything init opened
func (s *RPCServer) close() {
	if s.replica != nil {
		s.replica.Stop()
	}
	if s.peers != nil {
		if err := s.peers.Close(); err != nil {
			Logger.Warningf("Failed to close peer transport: %v", err)
		}
	}
	if s.log != nil {
		if err := s.log.Close(); err != nil {
			Logger.Warningf("Failed to close log: %v", err)
		}
	}
	if s.fsm != nil {
		if err := s.fsm.Close(); err != nil {
			Logger.Warningf("Failed to close database: %v", err)
		}
	}
}

// --------------------------------------------------------------------------
// Request handling
// --------------------------------------------------------------------------

// handle decodes a request, runs it against the store and encodes the response
func (s *RPCServer) handle(req []byte) []byte {
	var msg common.Message
	var resp *common.Message

	if err := s.serializer.Deserialize(req, &msg); err != nil {
		resp = common.NewErrorResponse(fmt.Sprintf("failed to deserialize request: %s", err))
	} else {
		resp = s.adapter.Handle(&msg, s.storeFor(&msg))
		if resp.ErrCode == common.ErrCNotLeader {
			resp.Redirect = s.redirect()
		}
	}

	data, err := s.serializer.Serialize(*resp)
	if err != nil {
		Logger.Errorf("Failed to serialize response: %v", err)
		data, _ = s.serializer.Serialize(*common.NewErrorResponse(fmt.Sprintf("failed to serialize response: %s", err)))
	}
	return data
}

// storeFor returns the store view a request runs against. Requests without
// identity are numbered by the replica itself, so their retries are not
// deduplicated.
func (s *RPCServer) storeFor(msg *common.Message) store.IStore {
	if msg.ClientID == 0 || msg.RequestID == 0 {
		return s.store
	}
	return s.store.As(dstore.Identity{
		ClientID:  msg.ClientID,
		RequestID: msg.RequestID,
		AckedUpTo: msg.AckedUpTo,
	})
}

// redirect returns the client endpoint of the leader this replica knows of
func (s *RPCServer) redirect() string {
	state := s.replica.Status()
	if state.Leader == smr.NoReplica || state.Leader == state.ID {
		return ""
	}
	return s.config.ClientEndpoints[state.Leader]
}

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

// serveMetrics exposes /metrics in Prometheus format and /status as JSON
func (s *RPCServer) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		s.replica.WritePrometheus(w)
		s.session.WritePrometheus(w)
		metrics.WriteProcessMetrics(w)
	})
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.replica.Status()); err != nil {
			Logger.Warningf("Failed to write status: %v", err)
		}
	})

	server := &http.Server{Addr: s.config.MetricsEndpoint, Handler: mux}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	})
	defer stop()

	Logger.Infof("Serving metrics on %s", s.config.MetricsEndpoint)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics endpoint: %w", err)
	}
	return nil
}
