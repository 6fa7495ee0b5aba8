// Package testing provides the shared conformance tests and benchmarks for
// db.KVDB implementations.
//
// Besides the plain key-value contract the suite checks what a replicated
// state machine relies on: deadlines measured in write indices, stale writes
// being ignored and Save producing identical bytes for identical logical
// states.
//
// Example usage:
//
//	factory := func() db.KVDB {
//		return NewMyDatabase()
//	}
//
//	dbtesting.RunKVDBTests(t, "MyDatabase", factory)
//	dbtesting.RunKVDBBenchmarks(b, "MyDatabase", factory)
package testing
