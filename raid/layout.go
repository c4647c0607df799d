package raid

import "fmt"

// Layout implements the PRIME-S-style declustering algorithm: a pure,
// O(1)-computable function from (stripe index, chunk-within-stripe) to a
// physical disk index, satisfying the three guarantees the specification
// requires: every disk receives an equal number of chunks per repeat
// period, no two chunks of one stripe land on the same disk, and the
// mapping needs no state beyond (N, K, F, chunksize, stride).
//
// Disk assignment for stripe s, column c (0 <= c < K+F) is
// (s*stride + c) mod N. Columns 0..K-1 are data; K..K+F-1 are parity. Since
// stride is coprime to N, as s ranges over one period of N stripes every
// disk is visited by every column exactly once, giving balanced load; since
// c ranges over at most N consecutive values (K+F <= N), which are distinct
// residues mod N, no two columns of the same stripe can coincide.
type Layout struct {
	N, K, F   int
	ChunkSize uint64 // LBAs per chunk
	Stride    int    // must be coprime to N
}

// NewLayout validates and builds a Layout, choosing the smallest stride
// >= 1 coprime to N if the caller passes stride <= 0.
func NewLayout(n, k, f int, chunkSize uint64, stride int) (Layout, error) {
	if n < k+f {
		return Layout{}, fmt.Errorf("raid: N=%d must be >= K+F=%d", n, k+f)
	}
	if k <= 0 || f < 0 || chunkSize == 0 {
		return Layout{}, fmt.Errorf("raid: invalid layout parameters")
	}
	if stride <= 0 {
		stride = 1
		for gcd(stride, n) != 1 {
			stride++
		}
	} else if gcd(stride, n) != 1 {
		return Layout{}, fmt.Errorf("raid: stride %d not coprime to N %d", stride, n)
	}
	return Layout{N: n, K: k, F: f, ChunkSize: chunkSize, Stride: stride}, nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Width is the number of chunks (data + parity) in one stripe.
func (l Layout) Width() int { return l.K + l.F }

// DiskForChunk returns the physical disk index holding column col of
// stripe stripeIdx.
func (l Layout) DiskForChunk(stripeIdx uint64, col int) int {
	offset := (stripeIdx * uint64(l.Stride)) % uint64(l.N)
	return int((offset + uint64(col)) % uint64(l.N))
}

// Name identifies this algorithm in the on-disk raid label, matching the
// specification's requirement that the label record "the layout algorithm
// name".
func (l Layout) Name() string { return "PRIME-S" }
