package server

import (
	"github.com/ValentinKolb/dSMR/lib/store"
	"github.com/ValentinKolb/dSMR/rpc/common"
)

// IRPCServerAdapter translates requests into calls on a store
type IRPCServerAdapter interface {
	// Handle runs req against store and returns the response.
	// Errors are reported in the response, never returned.
	Handle(req *common.Message, store store.IStore) (resp *common.Message)
}
