package smr

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error codes
// --------------------------------------------------------------------------

// ErrCode classifies errors raised by the replication engine.
type ErrCode uint8

const (
	CodeInternal           ErrCode = iota // 0: unclassified internal error
	CodeInsufficientShards                // 1: fewer than k shards available for decoding
	CodeStaleView                         // 2: message or request belongs to an outdated view
	CodePeerUnavailable                   // 3: a peer could not be reached
	CodeNotLeader                         // 4: request sent to a replica that is not the leader
	CodeTimeout                           // 5: request did not commit before its deadline
	CodeDurability                        // 6: the durable medium failed (fatal)
	CodeLogCorruption                     // 7: persisted log is inconsistent (fatal)
	CodeResultReleased                    // 8: request was applied, but its output is no longer kept
)

func (c ErrCode) String() string {
	switch c {
	case CodeInternal:
		return "Internal"
	case CodeInsufficientShards:
		return "InsufficientShards"
	case CodeStaleView:
		return "StaleView"
	case CodePeerUnavailable:
		return "PeerUnavailable"
	case CodeNotLeader:
		return "NotLeader"
	case CodeTimeout:
		return "Timeout"
	case CodeDurability:
		return "Durability"
	case CodeLogCorruption:
		return "LogCorruption"
	case CodeResultReleased:
		return "ResultReleased"
	default:
		return "Unknown"
	}
}

// Fatal reports whether an error with this code must stop the replica.
func (c ErrCode) Fatal() bool {
	return c == CodeDurability || c == CodeLogCorruption
}

// --------------------------------------------------------------------------
// Error type
// --------------------------------------------------------------------------

// Error is the error type of the replication engine.
// LeaderHint is only meaningful for CodeNotLeader.
type Error struct {
	Code       ErrCode
	Msg        string
	LeaderHint ReplicaID
}

func (e *Error) Error() string {
	if e.Code == CodeNotLeader {
		return fmt.Sprintf("smr error (code %s, leader hint %s): %s", e.Code, e.LeaderHint, e.Msg)
	}
	return fmt.Sprintf("smr error (code %s): %s", e.Code, e.Msg)
}

// Is matches any *Error with the same code, so errors.Is(err, ErrTimeout) works
// for every timeout regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new error with the given code and message.
func NewError(code ErrCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), LeaderHint: NoReplica}
}

// NotLeader creates a NotLeader error pointing the client at hint.
func NotLeader(hint ReplicaID) *Error {
	return &Error{Code: CodeNotLeader, Msg: "replica is not the leader", LeaderHint: hint}
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) ErrCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// LeaderHintOf returns the leader hint carried by a NotLeader error.
func LeaderHintOf(err error) (ReplicaID, bool) {
	var e *Error
	if errors.As(err, &e) && e.Code == CodeNotLeader && e.LeaderHint != NoReplica {
		return e.LeaderHint, true
	}
	return NoReplica, false
}

// Sentinel values for errors.Is checks.
var (
	ErrInsufficientShards = &Error{Code: CodeInsufficientShards, Msg: "insufficient shards"}
	ErrStaleView          = &Error{Code: CodeStaleView, Msg: "stale view"}
	ErrPeerUnavailable    = &Error{Code: CodePeerUnavailable, Msg: "peer unavailable"}
	ErrNotLeader          = &Error{Code: CodeNotLeader, Msg: "not leader", LeaderHint: NoReplica}
	ErrTimeout            = &Error{Code: CodeTimeout, Msg: "timeout"}
	ErrDurability         = &Error{Code: CodeDurability, Msg: "durability failure"}
	ErrLogCorruption      = &Error{Code: CodeLogCorruption, Msg: "log corruption"}
	ErrResultReleased     = &Error{Code: CodeResultReleased, Msg: "result released"}
)
