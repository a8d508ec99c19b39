// Package xerrors centralises the error taxonomy shared by every layer of
// the channel network core: invariant violations, stale/replayed messages,
// quorum shortfalls, crypto failures, adapter failures and persistence
// corruption. Callers compare against the sentinels with errors.Is and add
// call-site context with fmt.Errorf's %w, mirroring the Wrap helper in the
// teacher's pkg/utils package.
package xerrors

import "errors"

// Sentinel errors, one per taxonomy class from spec.md §7.
var (
	// ErrInvariantViolation covers RCPAN failures, settlement conservation-law
	// failures, frame hash-chain mismatches and duplicate lock ids. Fatal to
	// the operation that triggered it; the caller's state is left unchanged.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrReplayOrStale covers nonce regressions, proposals for an
	// already-committed height, and profile updates with a stale timestamp.
	// Callers should drop the message silently rather than surface it.
	ErrReplayOrStale = errors.New("replay or stale message")

	// ErrQuorumFailure is not really an error at the core level: it marks a
	// proposal that has not yet collected enough precommit power. Exported so
	// hosts can distinguish "still pending" from a hard failure.
	ErrQuorumFailure = errors.New("quorum not reached")

	// ErrCryptoFailure covers bad signatures and bad preimages. It is scoped
	// to the one message that failed and never poisons other replicas.
	ErrCryptoFailure = errors.New("crypto verification failed")

	// ErrAdapterFailure wraps any failure reported by the jurisdiction
	// adapter (J1). Settlement is not marked applied; retry is external.
	ErrAdapterFailure = errors.New("jurisdiction adapter failure")

	// ErrCorruptedPersistence covers snapshot state-root mismatches and log
	// hash-chain breaks. Fatal at startup.
	ErrCorruptedPersistence = errors.New("corrupted persistence")
)

// Is reports whether err is, or wraps, target. Thin re-export so callers in
// this module don't need to import the stdlib errors package just for this.
func Is(err, target error) bool { return errors.Is(err, target) }
