package internal

import (
	"sync"

	"github.com/ValentinKolb/dSMR/lib/db/util"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Entry Type (key-value pair with metadata)
// --------------------------------------------------------------------------

// Entry stores a value with its deadlines. All deadlines are write indices.
type Entry struct {
	Value    []byte
	ExpireAt uint64 // 0 = never
	DeleteAt uint64 // 0 = never
	Index    uint64 // write index of the last update
	Expired  bool   // expired explicitly or already reclaimed by the gc
}

// TTLInfo returns whether the entry is expired and whether it is deleted at
// the given write index. A deleted entry is always expired.
func (e Entry) TTLInfo(writeIdx uint64) (expired bool, deleted bool) {
	deleted = e.DeleteAt != 0 && writeIdx >= e.DeleteAt
	expired = deleted || e.Expired || (e.ExpireAt != 0 && writeIdx >= e.ExpireAt)
	return expired, deleted
}

// --------------------------------------------------------------------------
// Shard Type (partition of the database)
// --------------------------------------------------------------------------

// Shard is a partition of the key space. Data is safe for concurrent use;
// the deadline heaps are guarded by Mu.
//
// Lock order: a Data bucket lock may be held while taking Mu, never the
// other way around.
type Shard struct {
	Data       *xsync.MapOf[string, Entry]
	Mu         sync.Mutex
	ExpireHeap *util.MapHeap[string]
	DeleteHeap *util.MapHeap[string]
}

func NewShard() *Shard {
	return &Shard{
		Data:       xsync.NewMapOf[string, Entry](),
		ExpireHeap: util.NewMapHeap[string](),
		DeleteHeap: util.NewMapHeap[string](),
	}
}

// Schedule registers the deadlines of e for key. Must hold Mu.
func (s *Shard) Schedule(key string, e Entry) {
	if e.ExpireAt != 0 && !e.Expired {
		s.ExpireHeap.AddItem(key, e.ExpireAt)
	} else {
		s.ExpireHeap.RemoveByKey(key)
	}
	if e.DeleteAt != 0 {
		s.DeleteHeap.AddItem(key, e.DeleteAt)
	} else {
		s.DeleteHeap.RemoveByKey(key)
	}
}

// Unschedule drops all deadlines of key. Must hold Mu.
func (s *Shard) Unschedule(key string) {
	s.ExpireHeap.RemoveByKey(key)
	s.DeleteHeap.RemoveByKey(key)
}

// Due pops all keys whose deadlines are <= writeIdx.
func (s *Shard) Due(writeIdx uint64) (expired, deleted []string) {
	s.Mu.Lock()
	defer s.Mu.Unlock()

	for {
		it, ok := s.ExpireHeap.Peek()
		if !ok || it.Priority > writeIdx {
			break
		}
		expired = append(expired, it.Key)
		s.ExpireHeap.RemoveByKey(it.Key)
	}
	for {
		it, ok := s.DeleteHeap.Peek()
		if !ok || it.Priority > writeIdx {
			break
		}
		deleted = append(deleted, it.Key)
		s.DeleteHeap.RemoveByKey(it.Key)
		s.ExpireHeap.RemoveByKey(it.Key)
	}
	return expired, deleted
}

// GetShard returns the shard of key.
func GetShard[T any](key string, shards []*T) *T {
	return shards[util.ShardIndex(util.HashString(key), len(shards))]
}
