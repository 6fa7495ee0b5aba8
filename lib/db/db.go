package db

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMaple Implementation = "maple"
)

// Feature represents database features as bit flags
type Feature uint64

const (
	FeatureSet         Feature = 1 << iota // Support for Set operations
	FeatureSetE                            // Support for SetE operations
	FeatureSetEIfUnset                     // Support for SetEIfUnset operations
	FeatureGet                             // Support for Get operations
	FeatureExpire                          // Support for Expire operations
	FeatureDelete                          // Support for Delete operations
	FeatureHas                             // Support for Has operations
	FeatureSave                            // Support for Save operations
	FeatureLoad                            // Support for Load operations
)

type featureName struct {
	f    Feature
	name string
}

var featureNames = []featureName{
	{FeatureSet, "Set"},
	{FeatureSetE, "SetE"},
	{FeatureSetEIfUnset, "SetEIfUnset"},
	{FeatureGet, "Get"},
	{FeatureExpire, "Expire"},
	{FeatureDelete, "Delete"},
	{FeatureHas, "Has"},
	{FeatureSave, "Save"},
	{FeatureLoad, "Load"},
}

// String lists the names of all set bits, e.g. "Get|Has".
func (f Feature) String() string {
	var names []string
	for _, n := range featureNames {
		if f&n.f != 0 {
			names = append(names, n.name)
			f &^= n.f
		}
	}
	if f != 0 || len(names) == 0 {
		names = append(names, "Unknown")
	}
	return strings.Join(names, "|")
}

// MarshalJSON encodes the feature by name.
func (f Feature) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *Feature) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = 0
	for _, name := range strings.Split(s, "|") {
		i := slices.IndexFunc(featureNames, func(n featureName) bool { return n.name == name })
		if i < 0 {
			return fmt.Errorf("unknown feature %q", name)
		}
		*f |= featureNames[i].f
	}
	return nil
}

// DatabaseInfo describes the state of a database. All counters are exact at
// the moment GetInfo was called.
type DatabaseInfo struct {
	Keys              int            `json:"keys"`
	SizeBytes         int            `json:"size_bytes"`
	WriteIndex        uint64         `json:"write_index"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KVDB defines an interface for key-value databases that serve as the state
// of a replicated state machine.
//
// Every write carries the log index of the command as its write index. The
// write index is the only clock of the database: expiration and deletion
// deadlines are write indices too. Two databases that saw the same writes
// with the same indices are in the same logical state and Save the same
// bytes.
type KVDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Set inserts or updates an entry with the given key and value.
	Set(key string, value []byte, writeIndex uint64)

	// SetEIfUnset behaves like SetE but leaves an existing key untouched.
	SetEIfUnset(key string, value []byte, writeIndex uint64, expireIn, deleteIn uint64)

	// SetE inserts or updates an entry that expires expireIn indices and is
	// deleted deleteIn indices after writeIndex. An expired entry is still
	// found by Has, a deleted entry is not.
	// Note: expireIn=0 and deleteIn=0 means no expiration or deletion.
	SetE(key string, value []byte, writeIndex uint64, expireIn, deleteIn uint64)

	// Expire marks the entry with the specified key as expired.
	Expire(key string, writeIndex uint64)

	// Delete removes an entry with the specified key.
	Delete(key string, writeIndex uint64)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get retrieves the value for an exact key.
	// The boolean return value indicates whether a value for the key was found.
	Get(key string) (value []byte, loaded bool)

	// Has checks whether a key exists in the database.
	// This method should return true even if the value for the key is expired.
	Has(key string) (loaded bool)

	// --------------------------------------------------------------------------
	// Persistence Operations
	// --------------------------------------------------------------------------

	// Save persists the current state of the database to the provided io.Writer.
	// The output only depends on the logical state.
	Save(w io.Writer) (err error)

	// Load replaces the database state with data produced by Save.
	Load(r io.Reader) (err error)

	// --------------------------------------------------------------------------
	// Feature Support
	// --------------------------------------------------------------------------

	// SupportsFeature checks if the database implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// --------------------------------------------------------------------------
	// Write Index Operations
	// --------------------------------------------------------------------------

	// SetWriteIdx advances the write index. Lower indices are ignored.
	SetWriteIdx(index uint64)

	// WriteIdx returns the current write index of the database.
	WriteIdx() (index uint64)

	// Close releases the database.
	Close() (err error)
}
