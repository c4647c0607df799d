package raid

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// reedSolomonCodec adapts github.com/klauspost/reedsolomon to the Codec
// interface. It is the production implementation behind the "assumed"
// erasure codec the specification describes.
type reedSolomonCodec struct {
	data, parity int
	enc          reedsolomon.Encoder
}

func newReedSolomonCodec(data, parity int) (Codec, error) {
	if parity == 0 {
		// reedsolomon.New requires at least one parity shard; a
		// zero-redundancy layout never calls Encode/Decode, so a nil
		// encoder is fine as long as those paths are unreachable.
		return &reedSolomonCodec{data: data, parity: 0}, nil
	}
	enc, err := reedsolomon.New(data, parity)
	if err != nil {
		return nil, fmt.Errorf("raid: construct reed-solomon codec: %w", err)
	}
	return &reedSolomonCodec{data: data, parity: parity, enc: enc}, nil
}

func (c *reedSolomonCodec) DataShards() int   { return c.data }
func (c *reedSolomonCodec) ParityShards() int { return c.parity }

func (c *reedSolomonCodec) Encode(shards [][]byte) error {
	if c.parity == 0 {
		return nil
	}
	return c.enc.Encode(shards)
}

func (c *reedSolomonCodec) Decode(shards [][]byte) error {
	if c.parity == 0 {
		return fmt.Errorf("%w: no redundancy configured", ErrTooManyMissing)
	}
	ok, err := c.enc.Verify(shards)
	if err == nil && ok {
		return nil
	}
	if err := c.enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("%w: %v", ErrTooManyMissing, err)
	}
	return nil
}

// EncodeUpdate recomputes parity in place given only the single data shard
// that changed, using reedsolomon.Encoder.Update: shards holds the full
// data+parity set (data entries besides dataIdx may be nil, since Update
// only needs the changed shard plus the existing parity to bring parity
// up to date), newDataShards carries newData at dataIdx and nil elsewhere.
func (c *reedSolomonCodec) EncodeUpdate(parity [][]byte, dataIdx int, oldData, newData []byte) error {
	if c.parity == 0 {
		return nil
	}
	shards := make([][]byte, c.data+c.parity)
	shards[dataIdx] = oldData
	copy(shards[c.data:], parity)
	newDataShards := make([][]byte, c.data)
	newDataShards[dataIdx] = newData
	if err := c.enc.Update(shards, newDataShards); err != nil {
		return fmt.Errorf("raid: update parity: %w", err)
	}
	copy(parity, shards[c.data:])
	return nil
}
