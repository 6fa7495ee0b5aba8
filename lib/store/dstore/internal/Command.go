package internal

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dSMR/lib/db"
	"github.com/ValentinKolb/dSMR/lib/store"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTSet        CommandType = iota // Insert or update an entry.
	CommandTSetE                          // Insert or update an entry with expiration and deletion deadlines.
	CommandTSetIfUnset                    // Insert an entry if it does not exist.
	CommandTExpire                        // Expire the value of an entry immediately.
	CommandTDelete                        // Delete an entry.
	CommandTGet                           // Read the value of an entry.
	CommandTHas                           // Check if an entry exists (expired or not).
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTSet:
		return "Set"
	case CommandTSetE:
		return "SetE"
	case CommandTSetIfUnset:
		return "SetIfUnset"
	case CommandTExpire:
		return "Expire"
	case CommandTDelete:
		return "Delete"
	case CommandTGet:
		return "Get"
	case CommandTHas:
		return "Has"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// ToDBFeature converts a CommandType to the corresponding db.Feature.
// This can be used for checking if the database supports a certain operation.
func (ct CommandType) ToDBFeature() (db.Feature, error) {
	switch ct {
	case CommandTSet:
		return db.FeatureSet, nil
	case CommandTSetE:
		return db.FeatureSetE, nil
	case CommandTSetIfUnset:
		return db.FeatureSetEIfUnset, nil
	case CommandTExpire:
		return db.FeatureExpire, nil
	case CommandTDelete:
		return db.FeatureDelete, nil
	case CommandTGet:
		return db.FeatureGet, nil
	case CommandTHas:
		return db.FeatureHas, nil
	default:
		return 0, fmt.Errorf("unknown command type %d", ct)
	}
}

// --------------------------------------------------------------------------
// Command (one client request in the replicated log)
// --------------------------------------------------------------------------

const commandHeaderSize = 1 + 8 + 8 + 4 // Type + ExpireIn + DeleteIn + KeyLen

// Command represents an operation executed by the state machine. Reads are
// commands too: they are ordered through the log like writes.
type Command struct {
	Type     CommandType
	Key      string
	ExpireIn uint64
	DeleteIn uint64
	Value    []byte
}

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	return commandHeaderSize + len(command.Key) + len(command.Value)
}

// Serialize serializes a command into a byte array with the format:
// 1 byte for operation type,
// 8 bytes for expireIn,
// 8 bytes for deleteIn,
// 4 bytes for key length (big endian),
// N bytes for key data,
// N bytes for value data (optional)
func (command *Command) Serialize() []byte {
	result := make([]byte, command.SizeBytes())

	result[0] = byte(command.Type)
	binary.BigEndian.PutUint64(result[1:9], command.ExpireIn)
	binary.BigEndian.PutUint64(result[9:17], command.DeleteIn)
	binary.BigEndian.PutUint32(result[17:21], uint32(len(command.Key)))

	n := copy(result[commandHeaderSize:], command.Key)
	copy(result[commandHeaderSize+n:], command.Value)

	return result
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < commandHeaderSize {
		return fmt.Errorf("data too short for command")
	}

	command.Type = CommandType(data[0])
	command.ExpireIn = binary.BigEndian.Uint64(data[1:9])
	command.DeleteIn = binary.BigEndian.Uint64(data[9:17])

	keyLen := int(binary.BigEndian.Uint32(data[17:21]))
	if len(data) < commandHeaderSize+keyLen {
		return fmt.Errorf("data too short for key of length %d", keyLen)
	}
	command.Key = string(data[commandHeaderSize : commandHeaderSize+keyLen])

	// Reuse existing buffer if possible to reduce allocations
	rest := data[commandHeaderSize+keyLen:]
	if len(rest) == 0 {
		command.Value = nil
		return nil
	}
	if cap(command.Value) < len(rest) {
		command.Value = make([]byte, len(rest))
	} else {
		command.Value = command.Value[:len(rest)]
	}
	copy(command.Value, rest)
	return nil
}

// --------------------------------------------------------------------------
// Result (the output of an applied command)
// --------------------------------------------------------------------------

// Result is what the state machine returns for a command. Data holds the
// value for a successful Get and the error message for a failed command.
type Result struct {
	Code store.RetCode
	Ok   bool
	Data []byte
}

// Failed creates a Result carrying an error.
func Failed(code store.RetCode, format string, args ...interface{}) Result {
	return Result{Code: code, Data: []byte(fmt.Sprintf(format, args...))}
}

// Err converts a failed result into a *store.Error, or returns nil.
func (r Result) Err() error {
	if r.Code == store.RetCSuccess {
		return nil
	}
	return store.NewError(r.Code, string(r.Data))
}

// Serialize encodes the result as: 1 byte code, 1 byte ok flag, data.
func (r Result) Serialize() []byte {
	out := make([]byte, 2+len(r.Data))
	out[0] = byte(r.Code)
	if r.Ok {
		out[1] = 1
	}
	copy(out[2:], r.Data)
	return out
}

// DeserializeResult decodes a result produced by Serialize.
func DeserializeResult(data []byte) (Result, error) {
	if len(data) < 2 {
		return Result{}, fmt.Errorf("data too short for result")
	}
	r := Result{Code: store.RetCode(data[0]), Ok: data[1] == 1}
	if len(data) > 2 {
		r.Data = data[2:]
	}
	return r, nil
}
