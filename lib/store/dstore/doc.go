// Package dstore implements the replicated key-value store on top of the smr
// replication engine.
//
// Architecture:
//
//   - KVStateMachine: an smr.ApplyTarget that applies serialized commands to a
//     db.KVDB. The log index of an entry is the write index of every command
//     in it, so expiration and deletion deadlines are counted in log indices
//     and all replicas reach the same state. Checkpoints are the database's
//     deterministic Save output.
//
//   - Store: implements store.IStore. It serializes each operation into a
//     command, submits it through a session.Session of the local replica and
//     decodes the state machine's result. Its own requests are numbered by a
//     session.Sequencer. Requests relayed on behalf of remote clients keep the
//     client's identity via As, so a client retrying after a lost reply is
//     never applied twice.
//
// Reads:
//
//	Get and Has are ordered through the log like writes and are therefore
//	linearizable. GetDBInfo reads the local database without replication and
//	may lag behind the leader.
//
// Errors:
//
//	A command the database rejects fails with a *store.Error. A command that
//	could not be replicated fails with the *smr.Error of the session: a
//	NotLeader error carrying the current leader hint, or a Timeout error once
//	the store's timeout elapsed.
//
// Usage:
//
//	fsm := dstore.NewStateMachine(func() db.KVDB { return maple.NewMapleDB(nil) })
//	proto, err := replica.New(cfg, replica.Deps{Log: log, Snapshots: snaps, Target: fsm})
//	if err != nil { ... }
//
//	r := replica.NewReplica(proto, transport, mgr, nil)
//	sess, err := session.New(r, session.DefaultConfig())
//	if err != nil { ... }
//	r.AddListener(sess)
//	r.Start()
//
//	kv := dstore.NewDistributedStore(sess, fsm, 5*time.Second)
//	err = kv.Set("key", []byte("value"))
package dstore
