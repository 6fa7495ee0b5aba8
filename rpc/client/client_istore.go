package client

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dSMR/lib/db"
	"github.com/ValentinKolb/dSMR/lib/store"
	"github.com/ValentinKolb/dSMR/rpc/common"
	"github.com/ValentinKolb/dSMR/rpc/serializer"
	"github.com/ValentinKolb/dSMR/rpc/transport"
)

// NewRPCStore connects to a cluster and returns its key-value store.
// Requests go to the leader, redirects and retries are handled internally.
func NewRPCStore(
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (*RPCStore, error) {
	if len(config.Transport.Endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints provided")
	}
	if err := transport.Connect(config); err != nil {
		return nil, err
	}

	return &RPCStore{newRPCClientAdapter(config, transport, serializer)}, nil
}

// RPCStore implements store.IStore on top of a remote cluster
type RPCStore struct {
	rpcClientAdapter
}

var _ store.IStore = (*RPCStore)(nil)

// Close closes the underlying transport
func (i *RPCStore) Close() error {
	return i.transport.Close()
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the store package in interface.go)
// --------------------------------------------------------------------------

func (i *RPCStore) Set(key string, value []byte) (err error) {
	_, err = i.invokeRPCRequest(common.NewSetRequest(key, value))
	return err
}

func (i *RPCStore) SetE(key string, value []byte, expireIn, deleteIn uint64) (err error) {
	_, err = i.invokeRPCRequest(common.NewSetERequest(key, value, expireIn, deleteIn))
	return err
}

func (i *RPCStore) SetEIfUnset(key string, value []byte, expireIn, deleteIn uint64) (err error) {
	_, err = i.invokeRPCRequest(common.NewSetEIfUnsetRequest(key, value, expireIn, deleteIn))
	return err
}

func (i *RPCStore) Expire(key string) (err error) {
	_, err = i.invokeRPCRequest(common.NewExpireRequest(key))
	return err
}

func (i *RPCStore) Delete(key string) (err error) {
	_, err = i.invokeRPCRequest(common.NewDeleteRequest(key))
	return err
}

func (i *RPCStore) Get(key string) (value []byte, loaded bool, err error) {
	resp, err := i.invokeRPCRequest(common.NewGetRequest(key))
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

func (i *RPCStore) Has(key string) (loaded bool, err error) {
	resp, err := i.invokeRPCRequest(common.NewHasRequest(key))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

// GetDBInfo returns the database info of the replica that answered, which
// is the leader unless no leader could be reached.
func (i *RPCStore) GetDBInfo() (info db.DatabaseInfo, err error) {
	resp, err := i.invokeRPCRequest(common.NewInfoRequest())
	if err != nil {
		return db.DatabaseInfo{}, err
	}
	if err := json.Unmarshal(resp.Meta, &info); err != nil {
		return db.DatabaseInfo{}, fmt.Errorf("failed to decode database info: %w", err)
	}
	return info, nil
}
