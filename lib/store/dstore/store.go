package dstore

import (
	"context"
	"time"

	"github.com/ValentinKolb/dSMR/lib/db"
	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/smr/session"
	"github.com/ValentinKolb/dSMR/lib/store"
	"github.com/ValentinKolb/dSMR/lib/store/dstore/internal"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("store")

// Submitter replicates a request and returns its result; *session.Session
// implements it.
type Submitter interface {
	Submit(ctx context.Context, req smr.ClientRequest) (smr.CommandResult, error)
}

// Reader answers read-only commands from local state when the replica holds
// a leader lease; *replica.Replica implements it.
type Reader interface {
	Read(ctx context.Context, command []byte) (output []byte, ok bool, err error)
}

// Identity is the request identity of a remote client. Requests carrying the
// same identity are applied at most once.
type Identity struct {
	ClientID  uint64
	RequestID uint64
	AckedUpTo uint64
}

// Store is the replicated key-value store of one replica. Its own requests
// are numbered by a session.Sequencer; requests relayed for remote clients
// keep the client's identity (see As).
type Store struct {
	ops
	submitter Submitter
	reader    Reader
	seq       *session.Sequencer
	timeout   time.Duration
}

// NewDistributedStore creates a store that replicates commands through
// submitter and reads database metadata from fsm. Every operation waits at
// most timeout for its command to be applied.
func NewDistributedStore(submitter Submitter, fsm *KVStateMachine, timeout time.Duration) *Store {
	s := &Store{
		submitter: submitter,
		seq:       session.NewSequencer(session.NewClientID()),
		timeout:   timeout,
	}
	s.ops = ops{fsm: fsm, exec: s.execNext, query: s.query}
	return s
}

// WithLeaseReads lets Get and Has be answered by r without going through the
// log whenever r allows it.
func (s *Store) WithLeaseReads(r Reader) *Store {
	s.reader = r
	return s
}

// As returns a view of the store whose next (and only) operation is
// submitted with the given identity.
func (s *Store) As(id Identity) store.IStore {
	return ops{fsm: s.fsm, query: s.query, exec: func(cmd internal.Command) (internal.Result, error) {
		return s.submit(smr.ClientRequest{
			ClientID:  id.ClientID,
			RequestID: id.RequestID,
			AckedUpTo: id.AckedUpTo,
			Command:   cmd.Serialize(),
		})
	}}
}

// query tries to answer cmd locally. It reports false if cmd must be
// replicated.
func (s *Store) query(cmd internal.Command) (internal.Result, bool) {
	if s.reader == nil {
		return internal.Result{}, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	out, ok, err := s.reader.Read(ctx, cmd.Serialize())
	if err != nil || !ok {
		return internal.Result{}, false
	}
	res, err := internal.DeserializeResult(out)
	if err != nil {
		log.Warningf("dropping undecodable local read result: %v", err)
		return internal.Result{}, false
	}
	return res, true
}

func (s *Store) execNext(cmd internal.Command) (internal.Result, error) {
	req := s.seq.Next(cmd.Serialize())
	defer s.seq.Done(req.RequestID)
	return s.submit(req)
}

// submit replicates req and decodes the state machine's answer.
func (s *Store) submit(req smr.ClientRequest) (internal.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := s.submitter.Submit(ctx, req)
	if err != nil {
		log.Debugf("request %s failed: %v", req.Key(), err)
		return internal.Result{}, err
	}

	out, err := internal.DeserializeResult(res.Output)
	if err != nil {
		return internal.Result{}, store.NewError(store.RetCInternalError, err.Error())
	}
	return out, out.Err()
}

// --------------------------------------------------------------------------
// Interface Methods (docs see store/interface.go)
// --------------------------------------------------------------------------

var (
	_ store.IStore = (*Store)(nil)
	_ store.IStore = ops{}
)

// ops implements store.IStore on top of a command executor.
type ops struct {
	fsm   *KVStateMachine
	exec  func(cmd internal.Command) (internal.Result, error)
	query func(cmd internal.Command) (internal.Result, bool) // optional local read
}

// read answers cmd locally if possible and replicates it otherwise.
func (o ops) read(cmd internal.Command) (internal.Result, error) {
	if o.query != nil {
		if res, ok := o.query(cmd); ok {
			return res, res.Err()
		}
	}
	return o.exec(cmd)
}

func (o ops) write(cmd internal.Command) error {
	_, err := o.exec(cmd)
	return err
}

func (o ops) Set(key string, value []byte) error {
	return o.write(internal.Command{
		Type:  internal.CommandTSet,
		Key:   key,
		Value: value,
	})
}

func (o ops) SetE(key string, value []byte, expireIn, deleteIn uint64) error {
	return o.write(internal.Command{
		Type:     internal.CommandTSetE,
		Key:      key,
		Value:    value,
		ExpireIn: expireIn,
		DeleteIn: deleteIn,
	})
}

func (o ops) SetEIfUnset(key string, value []byte, expireIn, deleteIn uint64) error {
	return o.write(internal.Command{
		Type:     internal.CommandTSetIfUnset,
		Key:      key,
		Value:    value,
		ExpireIn: expireIn,
		DeleteIn: deleteIn,
	})
}

func (o ops) Expire(key string) error {
	return o.write(internal.Command{
		Type: internal.CommandTExpire,
		Key:  key,
	})
}

func (o ops) Delete(key string) error {
	return o.write(internal.Command{
		Type: internal.CommandTDelete,
		Key:  key,
	})
}

func (o ops) Get(key string) ([]byte, bool, error) {
	res, err := o.read(internal.Command{
		Type: internal.CommandTGet,
		Key:  key,
	})
	if err != nil {
		return nil, false, err
	}
	return res.Data, res.Ok, nil
}

func (o ops) Has(key string) (bool, error) {
	res, err := o.read(internal.Command{
		Type: internal.CommandTHas,
		Key:  key,
	})
	if err != nil {
		return false, err
	}
	return res.Ok, nil
}

func (o ops) GetDBInfo() (db.DatabaseInfo, error) {
	return o.fsm.Info(), nil
}
