package dstore

import (
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/dSMR/lib/db"
	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/store"
	"github.com/ValentinKolb/dSMR/lib/store/dstore/internal"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

var (
	_ smr.ApplyTarget = (*KVStateMachine)(nil)
	_ smr.Querier     = (*KVStateMachine)(nil)
)

// KVStateMachine applies committed key-value commands to a db.KVDB. The log
// index of a command is its write index, so every replica ends up with the
// same database state.
type KVStateMachine struct {
	database db.KVDB // the actual dataStorage
}

// NewStateMachine creates a state machine over a fresh database from dbFactory.
func NewStateMachine(dbFactory store.DBFactory) *KVStateMachine {
	return &KVStateMachine{database: dbFactory()}
}

// Apply executes one serialized internal.Command and returns the serialized
// internal.Result.
func (fsm *KVStateMachine) Apply(index uint64, command []byte) []byte {
	start := time.Now()
	res := fsm.apply(index, command)

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("State machine took long to apply entry %d, took %.2fms", index, float64(elapsed)/float64(time.Millisecond))
	}
	return res.Serialize()
}

func (fsm *KVStateMachine) apply(index uint64, command []byte) internal.Result {
	// reads are evaluated at the index they were ordered at
	fsm.database.SetWriteIdx(index)

	if len(command) == 0 {
		return internal.Failed(store.RetCInvalidOperation, "empty command ignored")
	}

	cmd := internal.Command{}
	if err := cmd.Deserialize(command); err != nil {
		return internal.Failed(store.RetCInvalidOperation, "failed to deserialize command: %v", err)
	}

	// Check if the db supports the operation
	feat, err := cmd.Type.ToDBFeature()
	if err != nil {
		return internal.Failed(store.RetCInvalidOperation, "unknown command operation: %s", cmd.Type)
	}
	if !fsm.database.SupportsFeature(feat) {
		return internal.Failed(store.RetCUnsupportedOperation, "%s operation is not supported", cmd.Type)
	}

	switch cmd.Type {
	case internal.CommandTSet:
		fsm.database.Set(cmd.Key, cmd.Value, index)
	case internal.CommandTSetE:
		fsm.database.SetE(cmd.Key, cmd.Value, index, cmd.ExpireIn, cmd.DeleteIn)
	case internal.CommandTSetIfUnset:
		fsm.database.SetEIfUnset(cmd.Key, cmd.Value, index, cmd.ExpireIn, cmd.DeleteIn)
	case internal.CommandTExpire:
		fsm.database.Expire(cmd.Key, index)
	case internal.CommandTDelete:
		fsm.database.Delete(cmd.Key, index)
	case internal.CommandTGet:
		val, ok := fsm.database.Get(cmd.Key)
		return internal.Result{Code: store.RetCSuccess, Ok: ok, Data: val}
	case internal.CommandTHas:
		return internal.Result{Code: store.RetCSuccess, Ok: fsm.database.Has(cmd.Key)}
	}
	return internal.Result{Code: store.RetCSuccess, Ok: true}
}

// Query answers Get and Has commands from the current database state. Other
// commands modify the database and are refused.
func (fsm *KVStateMachine) Query(command []byte) ([]byte, bool) {
	cmd := internal.Command{}
	if err := cmd.Deserialize(command); err != nil {
		return nil, false
	}
	// unsupported operations take the log path and fail there
	if feat, err := cmd.Type.ToDBFeature(); err != nil || !fsm.database.SupportsFeature(feat) {
		return nil, false
	}

	var res internal.Result
	switch cmd.Type {
	case internal.CommandTGet:
		val, ok := fsm.database.Get(cmd.Key)
		res = internal.Result{Code: store.RetCSuccess, Ok: ok, Data: val}
	case internal.CommandTHas:
		res = internal.Result{Code: store.RetCSuccess, Ok: fsm.database.Has(cmd.Key)}
	default:
		return nil, false
	}
	return res.Serialize(), true
}

// Save writes a checkpoint of the database.
func (fsm *KVStateMachine) Save(w io.Writer) error {
	if !fsm.database.SupportsFeature(db.FeatureSave) {
		return fmt.Errorf("the used KVDB implementation does not support Save() operations")
	}
	return fsm.database.Save(w)
}

// Load replaces the database with a checkpoint written by Save.
func (fsm *KVStateMachine) Load(r io.Reader) error {
	if !fsm.database.SupportsFeature(db.FeatureLoad) {
		return fmt.Errorf("the used KVDB implementation does not support Load() operations")
	}
	return fsm.database.Load(r)
}

// Info returns the local database info. It does not wait for pending commands.
func (fsm *KVStateMachine) Info() db.DatabaseInfo {
	return fsm.database.GetInfo()
}

// Close performs any necessary cleanup.
func (fsm *KVStateMachine) Close() error {
	return fsm.database.Close()
}
