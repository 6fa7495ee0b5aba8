package maple

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/ValentinKolb/dSMR/lib/db"
	"github.com/ValentinKolb/dSMR/lib/db/engines/maple/internal"
	dbtesting "github.com/ValentinKolb/dSMR/lib/db/testing"
)

func Test(t *testing.T) {
	dbtesting.RunKVDBTests(t, "MapleDB", func() db.KVDB {
		return NewMapleDB(nil)
	})
	dbtesting.RunKVDBTests(t, "MapleDB(1 shard)", func() db.KVDB {
		return NewMapleDB(&DBOptions{NumShards: 1})
	})
}

func Benchmark(b *testing.B) {
	dbtesting.RunKVDBBenchmarks(b, "MapleDB", func() db.KVDB {
		return NewMapleDB(nil)
	})
}

func TestGarbageIsReclaimed(t *testing.T) {
	database := NewMapleDB(&DBOptions{NumShards: 4}).(*mapleImpl)

	for i := 0; i < 100; i++ {
		database.SetE(fmt.Sprintf("key-%d", i), []byte("value"), 1, 5, 10)
	}
	info := database.GetInfo()
	if info.Keys != 100 {
		t.Fatalf("Keys = %d, want 100", info.Keys)
	}

	database.SetWriteIdx(6)
	for _, shard := range database.shards {
		shard.Data.Range(func(key string, e internal.Entry) bool {
			if e.Value != nil || !e.Expired {
				t.Errorf("%s: value not reclaimed at expiry", key)
			}
			return true
		})
	}

	database.SetWriteIdx(11)
	if info := database.GetInfo(); info.Keys != 0 {
		t.Errorf("Keys = %d after deletion deadline", info.Keys)
	}
	for i, shard := range database.shards {
		if n := shard.Data.Size(); n != 0 {
			t.Errorf("shard %d still holds %d entries", i, n)
		}
	}
}

func TestShardCountDoesNotChangeSavedState(t *testing.T) {
	a := NewMapleDB(&DBOptions{NumShards: 1})
	b := NewMapleDB(&DBOptions{NumShards: 16})
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("key-%d", i)
		a.Set(key, []byte(key), uint64(i+1))
		b.Set(key, []byte(key), uint64(i+1))
	}

	var bufA, bufB bytes.Buffer
	if err := a.Save(&bufA); err != nil {
		t.Fatal(err)
	}
	if err := b.Save(&bufB); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(bufA.Bytes(), bufB.Bytes()) {
		t.Errorf("saved state depends on the shard count")
	}
}
