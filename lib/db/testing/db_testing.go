package testing

import (
	"bytes"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/ValentinKolb/dSMR/lib/db"
)

// DBFactory is a function that creates a new instance of a KVDB implementation
type DBFactory func() db.KVDB

// RunKVDBTests runs the conformance suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, factory())
		})

		t.Run("KeyExpiry", func(t *testing.T) {
			testKeyExpiry(t, factory)
		})

		t.Run("Expire", func(t *testing.T) {
			testExpire(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("SetEIfUnset", func(t *testing.T) {
			testSetEIfUnset(t, factory())
		})

		t.Run("StaleWrites", func(t *testing.T) {
			testStaleWrites(t, factory())
		})

		t.Run("SaveLoad", func(t *testing.T) {
			testSaveLoad(t, factory)
		})

		t.Run("DeterministicSave", func(t *testing.T) {
			testDeterministicSave(t, factory)
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory())
		})

		t.Run("ConcurrentWriters", func(t *testing.T) {
			testConcurrentWriters(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

func save(t testing.TB, database db.KVDB) []byte {
	var buf bytes.Buffer
	if err := database.Save(&buf); err != nil {
		t.Fatalf("Unexpected error during Save: %v", err)
	}
	return buf.Bytes()
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet)

	database.Set("k", []byte("v1"), 1)
	if v, ok := database.Get("k"); !ok || string(v) != "v1" {
		t.Errorf("Get(k) = %q, %v; want v1, true", v, ok)
	}

	database.Set("k", []byte("v2"), 2)
	if v, ok := database.Get("k"); !ok || string(v) != "v2" {
		t.Errorf("Get(k) = %q, %v; want v2, true", v, ok)
	}

	if _, ok := database.Get("missing"); ok {
		t.Errorf("Expected nonexistent key to return exists=false")
	}

	v, _ := database.Get("k")
	v[0] = 'X'
	if again, _ := database.Get("k"); string(again) != "v2" {
		t.Errorf("Get should return a copy, not a reference to the stored value")
	}

	if database.WriteIdx() != 2 {
		t.Errorf("WriteIdx() = %d, want 2", database.WriteIdx())
	}
}

func testKeyExpiry(t *testing.T, factory DBFactory) {
	tests := []struct {
		name               string
		expireIn, deleteIn uint64
		at                 uint64 // write index the state is checked at
		wantGet, wantHas   bool
	}{
		{"before expiry", 10, 20, 109, true, true},
		{"expired", 10, 20, 110, false, true},
		{"deleted", 10, 20, 120, false, false},
		{"delete only, before", 0, 10, 109, true, true},
		{"delete only, after", 0, 10, 110, false, false},
		{"no deadlines", 0, 0, 10_000, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			database := factory()
			defer database.Close()
			requireFeature(t, database, db.FeatureSetE|db.FeatureGet|db.FeatureHas)

			database.SetE("key", []byte("value"), 100, tt.expireIn, tt.deleteIn)
			database.SetWriteIdx(tt.at)

			v, ok := database.Get("key")
			if ok != tt.wantGet {
				t.Errorf("Get at %d = %v, want %v", tt.at, ok, tt.wantGet)
			}
			if ok && string(v) != "value" {
				t.Errorf("Get at %d = %q", tt.at, v)
			}
			if has := database.Has("key"); has != tt.wantHas {
				t.Errorf("Has at %d = %v, want %v", tt.at, has, tt.wantHas)
			}
		})
	}
}

func testExpire(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet|db.FeatureExpire)

	database.Set("k", []byte("v"), 1)
	database.Expire("k", 2)

	if _, ok := database.Get("k"); ok {
		t.Errorf("Expected key to not be readable after Expire")
	}
	if !database.Has("k") {
		t.Errorf("Expected key to exist after Expire")
	}

	// a new value revives the key
	database.Set("k", []byte("v2"), 3)
	if v, ok := database.Get("k"); !ok || string(v) != "v2" {
		t.Errorf("Get after re-Set = %q, %v", v, ok)
	}

	database.Expire("missing", 4)
	if database.Has("missing") {
		t.Errorf("Expire must not create keys")
	}
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet|db.FeatureDelete)

	for i := 0; i < 100; i++ {
		database.Set(fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)), uint64(i+1))
	}
	for i := 0; i < 100; i += 2 {
		database.Delete(fmt.Sprintf("key-%d", i), uint64(200+i))
	}

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		_, ok := database.Get(key)
		if has := database.Has(key); has != ok {
			t.Errorf("Get and Has disagree on %s", key)
		}
		if ok == (i%2 == 0) {
			t.Errorf("Key %s: exists=%v", key, ok)
		}
	}

	database.Delete("missing", 300)
}

func testSetEIfUnset(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSetEIfUnset|db.FeatureGet)

	database.SetEIfUnset("k", []byte("first"), 1, 10, 0)
	database.SetEIfUnset("k", []byte("second"), 5, 20, 0)

	if v, ok := database.Get("k"); !ok || string(v) != "first" {
		t.Errorf("Get(k) = %q, %v; want first", v, ok)
	}

	// the deadline of the first write still applies
	database.SetWriteIdx(11)
	if _, ok := database.Get("k"); ok {
		t.Errorf("Expected key to be expired at 11")
	}

	// a deleted key counts as unset
	database.SetE("d", []byte("old"), 12, 0, 1)
	database.SetEIfUnset("d", []byte("new"), 13, 0, 0)
	if v, ok := database.Get("d"); !ok || string(v) != "new" {
		t.Errorf("Get(d) = %q, %v; want new", v, ok)
	}
}

func testStaleWrites(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet)

	database.Set("k", []byte("new"), 10)
	database.Set("k", []byte("old"), 5)

	if v, _ := database.Get("k"); string(v) != "new" {
		t.Errorf("stale write was applied: %q", v)
	}
	if database.WriteIdx() != 10 {
		t.Errorf("WriteIdx() went backwards: %d", database.WriteIdx())
	}
}

func testSaveLoad(t *testing.T, factory DBFactory) {
	database := factory()
	database2 := factory()
	defer database.Close()
	defer database2.Close()

	requireFeature(t, database, db.FeatureSetE|db.FeatureGet|db.FeatureSave|db.FeatureLoad)

	for i := 0; i < 1000; i++ {
		database.Set(fmt.Sprintf("key-%d", i), []byte(fmt.Sprintf("value-%d", i)), uint64(i+1))
	}
	database.SetE("ttl", []byte("x"), 1001, 5, 10)
	database.Expire("key-7", 1002)

	if err := database2.Load(bytes.NewReader(save(t, database))); err != nil {
		t.Fatalf("Unexpected error during Load: %v", err)
	}

	if database2.WriteIdx() != database.WriteIdx() {
		t.Errorf("WriteIdx() after Load = %d, want %d", database2.WriteIdx(), database.WriteIdx())
	}
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		v, ok := database2.Get(key)
		if i == 7 {
			if ok || !database2.Has(key) {
				t.Errorf("expired key %s not restored as expired", key)
			}
			continue
		}
		if !ok || string(v) != fmt.Sprintf("value-%d", i) {
			t.Errorf("Key %s = %q, %v after Load", key, v, ok)
		}
	}

	// deadlines survive the round trip
	database2.SetWriteIdx(1006)
	if _, ok := database2.Get("ttl"); ok {
		t.Errorf("ttl key should be expired after Load")
	}
	database2.SetWriteIdx(1011)
	if database2.Has("ttl") {
		t.Errorf("ttl key should be deleted after Load")
	}

	if err := database2.Load(bytes.NewReader([]byte("garbage"))); err == nil {
		t.Errorf("Load of garbage must fail")
	}
}

// testDeterministicSave checks that two databases which saw the same writes in
// a different order and with different amounts of reclaimed garbage save
// identical bytes.
func testDeterministicSave(t *testing.T, factory DBFactory) {
	a, b := factory(), factory()
	defer a.Close()
	defer b.Close()

	requireFeature(t, a, db.FeatureSetE|db.FeatureSave)

	type write struct {
		key                string
		index              uint64
		expireIn, deleteIn uint64
	}
	var writes []write
	for i := 0; i < 200; i++ {
		writes = append(writes, write{fmt.Sprintf("key-%03d", i), uint64(i + 1), uint64(i % 7), uint64(i % 11)})
	}

	for _, w := range writes {
		a.SetE(w.key, []byte(w.key), w.index, w.expireIn, w.deleteIn)
	}

	// b applies the same writes in a different order but never reclaims anything
	// before the final index is reached
	shuffled := append([]write(nil), writes...)
	rand.New(rand.NewSource(1)).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	for _, w := range shuffled {
		b.SetE(w.key, []byte(w.key), w.index, w.expireIn, w.deleteIn)
	}

	a.SetWriteIdx(205)
	b.SetWriteIdx(205)

	if !bytes.Equal(save(t, a), save(t, b)) {
		t.Errorf("equal logical states saved different bytes")
	}
}

func testEdgeCases(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet)

	database.Set("", []byte("value for empty key"), 1)
	if v, ok := database.Get(""); !ok || string(v) != "value for empty key" {
		t.Errorf("empty key: %q, %v", v, ok)
	}

	database.Set("nil-value", nil, 2)
	if v, ok := database.Get("nil-value"); !ok || len(v) != 0 {
		t.Errorf("nil value: %q, %v", v, ok)
	}

	largeKey := string(make([]byte, 1000))
	database.Set(largeKey, []byte("large key"), 3)
	if v, ok := database.Get(largeKey); !ok || string(v) != "large key" {
		t.Errorf("large key: %q, %v", v, ok)
	}

	largeValue := make([]byte, 8*1024*1024)
	for i := range largeValue {
		largeValue[i] = byte(i % 256)
	}
	database.Set("large-value", largeValue, 4)
	if v, ok := database.Get("large-value"); !ok || !bytes.Equal(v, largeValue) {
		t.Errorf("large value mismatch (found=%v, len=%d)", ok, len(v))
	}
}

func testConcurrentWriters(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet|db.FeatureDelete)

	const workers, perWorker = 8, 1000

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("w%d-key-%d", w, i%100)
				idx := uint64(w*perWorker + i + 1)
				switch i % 10 {
				case 9:
					database.Delete(key, idx)
				default:
					database.Set(key, []byte(key), idx)
				}
				database.Get(key)
			}
		}(w)
	}
	wg.Wait()

	// every worker's last operation on a key wins since keys are disjoint
	for w := 0; w < workers; w++ {
		for k := 0; k < 100; k++ {
			key := fmt.Sprintf("w%d-key-%d", w, k)
			v, ok := database.Get(key)
			deleted := (900+k)%10 == 9
			if ok == deleted {
				t.Errorf("%s: exists=%v, want %v", key, ok, !deleted)
			}
			if ok && string(v) != key {
				t.Errorf("%s = %q", key, v)
			}
		}
	}
}
