package common

import (
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/ValentinKolb/dSMR/lib/store"
)

// ErrorCode classifies the error of a response so that clients can decide
// whether to redirect, retry or give up.
type ErrorCode uint8

const (
	ErrCNone                 ErrorCode = iota // 0: no error
	ErrCInternal                              // 1: internal error, not retried
	ErrCUnsupportedOperation                  // 2: the database does not support the operation
	ErrCInvalidOperation                      // 3: malformed or unknown request
	ErrCNotLeader                             // 4: contacted replica is not the leader, see Redirect
	ErrCTimeout                               // 5: request did not commit in time, retry with the same id
	ErrCUnavailable                           // 6: replica cannot serve right now, retry
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCNone:
		return "none"
	case ErrCInternal:
		return "internal"
	case ErrCUnsupportedOperation:
		return "unsupported"
	case ErrCInvalidOperation:
		return "invalid"
	case ErrCNotLeader:
		return "not-leader"
	case ErrCTimeout:
		return "timeout"
	case ErrCUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("ErrorCode(%d)", c)
	}
}

// Retryable reports whether a request failing with this code may be sent
// again with the same identity.
func (c ErrorCode) Retryable() bool {
	return c == ErrCNotLeader || c == ErrCTimeout || c == ErrCUnavailable
}

// ErrorCodeOf maps store and replication errors to an ErrorCode.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCNone
	}

	var se *store.Error
	if errors.As(err, &se) {
		switch se.Code {
		case store.RetCUnsupportedOperation:
			return ErrCUnsupportedOperation
		case store.RetCInvalidOperation:
			return ErrCInvalidOperation
		default:
			return ErrCInternal
		}
	}

	var re *smr.Error
	if errors.As(err, &re) {
		switch re.Code {
		case smr.CodeNotLeader:
			return ErrCNotLeader
		case smr.CodeTimeout:
			return ErrCTimeout
		case smr.CodePeerUnavailable, smr.CodeInsufficientShards, smr.CodeStaleView:
			return ErrCUnavailable
		}
	}
	return ErrCInternal
}

// ToError rebuilds an error from a response, so that errors.Is and errors.As
// work on the client like on the server.
func (c ErrorCode) ToError(msg string) error {
	switch c {
	case ErrCNone:
		if msg == "" {
			return nil
		}
		return store.NewError(store.RetCInternalError, msg)
	case ErrCUnsupportedOperation:
		return store.NewError(store.RetCUnsupportedOperation, msg)
	case ErrCInvalidOperation:
		return store.NewError(store.RetCInvalidOperation, msg)
	case ErrCNotLeader:
		return &smr.Error{Code: smr.CodeNotLeader, Msg: msg, LeaderHint: smr.NoReplica}
	case ErrCTimeout:
		return smr.NewError(smr.CodeTimeout, "%s", msg)
	case ErrCUnavailable:
		return smr.NewError(smr.CodePeerUnavailable, "%s", msg)
	default:
		return store.NewError(store.RetCInternalError, msg)
	}
}
