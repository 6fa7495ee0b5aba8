// Package util provides helpers for db.KVDB implementations:
//   - mapheap: a keyed min-heap, used to schedule expiration and deletion deadlines
//   - functions: the key hash and shard placement shared by engines
package util
