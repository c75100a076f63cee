// Package engine reconciles the local store with the remote document store.
//
// Every entity runs its own state machine:
//
//	clean --local write--> dirty --pick head--> syncing --ack--> clean | dirty
//	                                             |  \--transient--> dirty (backoff) | failed
//	                                             \--conflict--> conflict --merge--> dirty | clean
//
// Mutations of one entity are sent strictly in seq order, one at a time.
// Different entities progress independently on a bounded worker pool.
//
// CONFLICT POLICY:
//
// Field-level last-writer-wins on client timestamps (see Wins). Fields only
// the remote touched are adopted; a requeued mutation carries only the local
// fields that still win, with the remote version as its new base.
//
// ERROR HANDLING:
//
// Transient remote failures never surface to callers of Set or Delete. They
// show up as observable state: the entity stays dirty with LastError set,
// and after the retry budget the entity becomes failed until Retry.
//
// TIME:
//
// Local writes are stamped by a hybrid Clock (wall milliseconds, strictly
// increasing, advanced past every observed remote stamp). Backoff schedules
// use the plain wall clock.
package engine
