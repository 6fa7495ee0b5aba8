package testing

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/dSMR/lib/db"
)

// RunKVDBBenchmarks runs all benchmarks for a key-value database implementation
func RunKVDBBenchmarks(b *testing.B, name string, factory DBFactory) {
	b.Run(name, func(b *testing.B) {
		b.Run("Set", func(b *testing.B) {
			benchmarkSet(b, factory())
		})

		b.Run("SetWithExpiry", func(b *testing.B) {
			benchmarkSetWithExpiry(b, factory())
		})

		b.Run("Get", func(b *testing.B) {
			benchmarkGet(b, factory())
		})

		b.Run("Apply", func(b *testing.B) {
			benchmarkApply(b, factory())
		})

		b.Run("SaveLoad", func(b *testing.B) {
			benchmarkSaveLoad(b, factory)
		})
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

func benchmarkSet(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})
	requireFeature(b, database, db.FeatureSet)

	var index atomic.Uint64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := index.Add(1)
			database.Set(fmt.Sprintf("key-%d", i%100_000), []byte("value"), i)
		}
	})
}

func benchmarkSetWithExpiry(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})
	requireFeature(b, database, db.FeatureSetE)

	var index atomic.Uint64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			i := index.Add(1)
			database.SetE(fmt.Sprintf("key-%d", i%100_000), []byte("value"), i, 100, 1000)
		}
	})
}

func benchmarkGet(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})
	requireFeature(b, database, db.FeatureSet|db.FeatureGet)

	const numKeys = 10_000
	for i := 0; i < numKeys; i++ {
		database.Set(fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)), uint64(i+1))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			database.Get(fmt.Sprintf("key-%d", counter%numKeys))
			counter++
		}
	})
}

// benchmarkApply mimics a replicated state machine: a single writer with a
// strictly increasing write index and a mix of operations.
func benchmarkApply(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})
	requireFeature(b, database, db.FeatureSetE|db.FeatureGet|db.FeatureDelete)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		idx := uint64(i + 1)
		key := fmt.Sprintf("key-%d", i%10_000)
		switch i % 10 {
		case 0:
			database.Delete(key, idx)
		case 1, 2:
			database.SetE(key, []byte("value"), idx, 50, 500)
		case 3, 4, 5:
			database.Set(key, []byte("value"), idx)
		default:
			database.SetWriteIdx(idx)
			database.Get(key)
		}
	}
}

func benchmarkSaveLoad(b *testing.B, factory DBFactory) {
	database := factory()
	b.Cleanup(func() {
		database.Close()
	})
	requireFeature(b, database, db.FeatureSave|db.FeatureLoad)

	for i := 0; i < 100_000; i++ {
		database.Set(fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)), uint64(i+1))
	}

	var buf bytes.Buffer
	b.Run("Save", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf.Reset()
			if err := database.Save(&buf); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("Load", func(b *testing.B) {
		target := factory()
		defer target.Close()
		for i := 0; i < b.N; i++ {
			if err := target.Load(bytes.NewReader(buf.Bytes())); err != nil {
				b.Fatal(err)
			}
		}
	})
}
