// Codec is the erasure-coding interface the RAID layer consumes. The real
// Reed-Solomon codec over GF(2^8) is, per the specification, an external
// collaborator specified only by this interface; this file also supplies
// the concrete production adapter over github.com/klauspost/reedsolomon,
// the library the wider example pack favors for exactly this purpose.
package raid

import "fmt"

// Codec encodes and decodes parity shards for a (data, parity) shard split.
// Every method operates on a single stripe's worth of equal-length shards.
type Codec interface {
	// Encode computes the parity shards in place: shards[0:data] are the
	// data chunks (already populated), shards[data:data+parity] are
	// overwritten with computed parity.
	Encode(shards [][]byte) error

	// Decode reconstructs any shards whose slice is nil, given enough of
	// the remaining data+parity shards are present. It returns an error if
	// too many shards are missing to reconstruct.
	Decode(shards [][]byte) error

	// EncodeUpdate recomputes parity shards given that old data shard at
	// index dataIdx has been replaced by newData, without re-reading the
	// other data shards. It mutates parity in place.
	EncodeUpdate(parity [][]byte, dataIdx int, oldData, newData []byte) error

	DataShards() int
	ParityShards() int
}

// NewCodec builds the production Reed-Solomon codec for the given data and
// parity shard counts.
func NewCodec(dataShards, parityShards int) (Codec, error) {
	return newReedSolomonCodec(dataShards, parityShards)
}

// ErrTooManyMissing is wrapped into the caller-visible
// errs.ErrDataUnrecoverable when a Decode call cannot proceed.
var ErrTooManyMissing = fmt.Errorf("raid: too many missing shards to reconstruct")
