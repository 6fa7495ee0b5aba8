package wire

import (
	"fmt"

	"github.com/ValentinKolb/dSMR/lib/smr"
)

// --------------------------------------------------------------------------
// Message Types
// --------------------------------------------------------------------------

// MsgType identifies the protocol step a peer message belongs to.
type MsgType uint8

const (
	MsgVote            MsgType = iota + 1 // candidate asks for a vote
	MsgVoteReply                          // vote granted or denied
	MsgHeartbeat                          // leader liveness + commit, no entries
	MsgReplicate                          // leader ships entries (shards) to a follower
	MsgReplicateAck                       // follower accepts or rejects a Replicate/Heartbeat
	MsgCommit                             // leader announces a new commit index
	MsgShardRequest                       // ask a peer for its shards of an index range
	MsgShardResponse                      // shards a peer holds for the requested range
	MsgInstallSnapshot                    // leader ships a snapshot to a follower behind the compaction point
)

func (t MsgType) String() string {
	switch t {
	case MsgVote:
		return "Vote"
	case MsgVoteReply:
		return "VoteReply"
	case MsgHeartbeat:
		return "Heartbeat"
	case MsgReplicate:
		return "Replicate"
	case MsgReplicateAck:
		return "ReplicateAck"
	case MsgCommit:
		return "Commit"
	case MsgShardRequest:
		return "ShardRequest"
	case MsgShardResponse:
		return "ShardResponse"
	case MsgInstallSnapshot:
		return "InstallSnapshot"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// --------------------------------------------------------------------------
// Message
// --------------------------------------------------------------------------

// Entry is a log entry as it travels between peers: only the shards meant
// for (or held by) the sender/receiver, never the reconstructed payload.
type Entry struct {
	Index    uint64
	View     uint64
	FullCopy bool
	Shards   smr.ShardSet
}

// Message is the single envelope of all peer messages. Which fields are
// meaningful depends on Type:
//
//	Vote:            Index/LogView = candidate's last index and its view
//	VoteReply:       Success = granted
//	Heartbeat:       Commit = leader commit, capped at the receiver's match index
//	Replicate:       Index/LogView = prev index/view, Commit = leader commit, Entries
//	ReplicateAck:    Success, Index = match index, Commit = highest locally decodable index,
//	                 Hint = next index to try on reject
//	Commit:          Index/LogView = commit index and the view of that entry
//	ShardRequest:    Index..Hint = requested range (inclusive)
//	ShardResponse:   Index..Hint = answered range, Entries held in that range,
//	                 Commit = responder's commit index
//	InstallSnapshot: Index/LogView = snapshot index/view, Data = checkpoint
type Message struct {
	Type    MsgType
	View    uint64
	Index   uint64
	LogView uint64
	Commit  uint64
	Hint    uint64
	Success bool
	Entries []Entry
	Data    []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("%s{view=%d idx=%d logView=%d commit=%d hint=%d ok=%t entries=%d}",
		m.Type, m.View, m.Index, m.LogView, m.Commit, m.Hint, m.Success, len(m.Entries))
}
