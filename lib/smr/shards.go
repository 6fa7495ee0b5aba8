package smr

// ShardSet holds the (possibly partial) set of erasure-coded shards of one
// payload. Slot i holds shard i or nil when the shard is absent.
//
// With K == 1 every shard is a full copy of the payload.
type ShardSet struct {
	K      uint8    // data shards needed to reconstruct
	M      uint8    // parity shards
	Size   uint32   // length of the original payload
	Shards [][]byte // len K+M, nil for absent shards
}

// NewShardSet creates an empty shard set for the given coding parameters.
func NewShardSet(k, m uint8, size uint32) ShardSet {
	return ShardSet{K: k, M: m, Size: size, Shards: make([][]byte, int(k)+int(m))}
}

// Total returns K+M.
func (s ShardSet) Total() int {
	return int(s.K) + int(s.M)
}

// Count returns how many shards are present.
func (s ShardSet) Count() int {
	n := 0
	for _, sh := range s.Shards {
		if sh != nil {
			n++
		}
	}
	return n
}

// Has reports whether shard i is present.
func (s ShardSet) Has(i int) bool {
	return i >= 0 && i < len(s.Shards) && s.Shards[i] != nil
}

// Empty reports whether the set carries no shard at all.
func (s ShardSet) Empty() bool {
	return s.Count() == 0
}

// Decodable reports whether at least K shards are present.
func (s ShardSet) Decodable() bool {
	return s.K > 0 && s.Count() >= int(s.K)
}

// Compatible reports whether two sets describe the same coded payload layout.
func (s ShardSet) Compatible(o ShardSet) bool {
	return s.K == o.K && s.M == o.M && s.Size == o.Size
}

// Indices returns the indices of the present shards in ascending order.
func (s ShardSet) Indices() []int {
	out := make([]int, 0, len(s.Shards))
	for i, sh := range s.Shards {
		if sh != nil {
			out = append(out, i)
		}
	}
	return out
}

// Subset returns a new set with only the listed shards (absent ones are skipped).
// The shard slices are shared, not copied.
func (s ShardSet) Subset(indices ...int) ShardSet {
	out := NewShardSet(s.K, s.M, s.Size)
	for _, i := range indices {
		if s.Has(i) {
			out.Shards[i] = s.Shards[i]
		}
	}
	return out
}

// Merge copies the shards of o that s is missing into s and reports whether
// anything was added. Incompatible sets are ignored; an empty s adopts the layout of o.
func (s *ShardSet) Merge(o ShardSet) bool {
	if len(s.Shards) == 0 {
		*s = NewShardSet(o.K, o.M, o.Size)
	}
	if !s.Compatible(o) {
		return false
	}
	added := false
	for i, sh := range o.Shards {
		if sh != nil && s.Shards[i] == nil {
			s.Shards[i] = sh
			added = true
		}
	}
	return added
}

// Clone returns a deep copy.
func (s ShardSet) Clone() ShardSet {
	out := NewShardSet(s.K, s.M, s.Size)
	for i, sh := range s.Shards {
		if sh != nil {
			out.Shards[i] = append([]byte(nil), sh...)
		}
	}
	return out
}
