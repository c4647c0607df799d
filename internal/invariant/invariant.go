// Package invariant centralizes the "this must never happen" checks the
// storage engine relies on for correctness: RIDT/AllocT bijection, double
// free detection, non-unique RID assignment. Every check here panics on
// failure (see disklayer.go's markStale pattern in the teacher lineage,
// `panic("triedb disk layer is stale")`) because the on-disk state is
// ground truth and silently continuing would let corruption reach it.
package invariant

import "github.com/bfffs/bfffs/internal/blog"

// Check panics with msg (after logging it at Crit level through log) if
// cond is false. Callers pass key/value pairs for diagnostic context, the
// same way the teacher's log.Crit calls do.
func Check(log *blog.Logger, cond bool, msg string, kv ...any) {
	if !cond {
		log.Crit(msg, kv...)
	}
}
