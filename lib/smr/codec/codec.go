package codec

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dSMR/lib/smr"
	"github.com/klauspost/reedsolomon"
	"github.com/puzpuzpuz/xsync/v3"
)

// encoders caches one Reed-Solomon encoder per (k, m) pair.
// reedsolomon encoders are safe for concurrent use.
var encoders = xsync.NewMapOf[uint16, reedsolomon.Encoder]()

func encoderFor(k, m uint8) (reedsolomon.Encoder, error) {
	key := uint16(k)<<8 | uint16(m)
	if enc, ok := encoders.Load(key); ok {
		return enc, nil
	}
	enc, err := reedsolomon.New(int(k), int(m))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder (k=%d, m=%d): %w", k, m, err)
	}
	actual, _ := encoders.LoadOrStore(key, enc)
	return actual, nil
}

// --------------------------------------------------------------------------
// Parameters
// --------------------------------------------------------------------------

// Params derives the coding parameters of a protocol running on population
// replicas. coded=false yields full replication (k=1). coded=true yields
// k = majority and m = population-k, so every replica holds exactly one shard.
func Params(population uint8, coded bool) (k, m uint8) {
	if !coded || population < 3 {
		return 1, population - 1
	}
	k = uint8(smr.Majority(population))
	return k, population - k
}

// --------------------------------------------------------------------------
// Encode / Decode
// --------------------------------------------------------------------------

// Encode splits payload into k data shards and computes m parity shards.
// With k == 1 every shard is a full copy of the payload.
func Encode(payload []byte, k, m uint8) (smr.ShardSet, error) {
	if k == 0 {
		return smr.ShardSet{}, fmt.Errorf("invalid coding parameters: k must be > 0")
	}
	set := smr.NewShardSet(k, m, uint32(len(payload)))

	if k == 1 {
		if payload == nil {
			payload = []byte{}
		}
		for i := range set.Shards {
			set.Shards[i] = payload
		}
		return set, nil
	}

	if len(payload) == 0 {
		return smr.ShardSet{}, fmt.Errorf("cannot encode empty payload with k=%d", k)
	}

	enc, err := encoderFor(k, m)
	if err != nil {
		return smr.ShardSet{}, err
	}

	// Split copies the data into k equally sized shards and allocates the parity shards
	shards, err := enc.Split(payload)
	if err != nil {
		return smr.ShardSet{}, fmt.Errorf("failed to split payload: %w", err)
	}
	if err := enc.Encode(shards); err != nil {
		return smr.ShardSet{}, fmt.Errorf("failed to compute parity: %w", err)
	}
	copy(set.Shards, shards)
	return set, nil
}

// Decode reconstructs the original payload from any k shards of set.
// The result does not depend on which subset of shards is present.
// Fewer than k shards yield smr.ErrInsufficientShards.
func Decode(set smr.ShardSet) ([]byte, error) {
	if !set.Decodable() {
		return nil, smr.NewError(smr.CodeInsufficientShards,
			"have %d shards, need %d", set.Count(), set.K)
	}

	if set.K == 1 {
		for _, sh := range set.Shards {
			if sh != nil {
				if len(sh) < int(set.Size) {
					return nil, fmt.Errorf("full copy shorter than payload size")
				}
				return sh[:set.Size], nil
			}
		}
	}

	enc, err := encoderFor(set.K, set.M)
	if err != nil {
		return nil, err
	}

	// reconstruction works in place, so work on a private slice header copy
	shards := make([][]byte, len(set.Shards))
	copy(shards, set.Shards)
	if err := enc.ReconstructData(shards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return nil, smr.NewError(smr.CodeInsufficientShards, "reconstruction failed: %v", err)
		}
		return nil, fmt.Errorf("failed to reconstruct data: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(int(set.Size))
	if err := enc.Join(&buf, shards, int(set.Size)); err != nil {
		return nil, fmt.Errorf("failed to join shards: %w", err)
	}
	return buf.Bytes(), nil
}

// Complete returns a shard set with all k+m shards, reconstructing the
// missing ones. The input set is not modified.
func Complete(set smr.ShardSet) (smr.ShardSet, error) {
	if set.Count() == set.Total() {
		return set, nil
	}
	payload, err := Decode(set)
	if err != nil {
		return smr.ShardSet{}, err
	}
	return Encode(payload, set.K, set.M)
}
