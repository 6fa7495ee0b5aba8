package util

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashString returns the unseeded 64-bit FNV-1a hash of s. Every replica
// places a key in the same shard.
func HashString(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64)
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}

// ShardIndex maps a key hash onto one of n shards.
func ShardIndex(hash uint64, n int) int {
	// the low bits of FNV are weak for short keys
	return int((hash >> 7) % uint64(n))
}
