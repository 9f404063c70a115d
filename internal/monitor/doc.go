// Package monitor reconciles the scan queue of the scan management service
// with the set of scans dynamic engines are working on.
//
// The scan service offers no events, only a snapshot of its queue. The
// Reconciler turns repeated snapshots into one-time lifecycle events: every
// Cycle lists the queue, sorts it by ascending scan id and folds each scan
// through a small state machine:
//
//	           Queued                 Scanning              Canceled|Deleted|Failed|Finished
//	(absent) ---------> registered ------------> working ----------------------------------> (absent)
//	            |          push admitted          blockEngine once            push finished
//	            |
//	            +-- at concurrent limit: deferred to a next cycle
//
// Data flow:
//
//	ScanService           Reconciler                  admitted queue    finished queue
//	     |  ListQueue()       |                              |                 |
//	     |<-------------------| sort, size gate, dispatch    |                 |
//	     |                    |---- Queued, under limit ---->|                 |
//	     |  BlockEngine(id)   |                              |                 |
//	     |<-------------------| first Scanning observation   |                 |
//	     |                    |---- terminal status ---------------------------->|
//
// Invariants:
//   - Cycles are serialized, a concurrent call waits for the running one.
//   - A failed ListQueue aborts the cycle before any state changes.
//   - An error of a single scan never stops processing of the others.
//   - Every registry entry holds at most one slot of the admission limiter,
//     so the counter equals the number of entries holding a slot.
//   - Queued admissions never take the counter above the limit; pre-existing
//     scans registered out of band are exempt.
//   - The size gate only applies to scans not yet tracked. A tracked scan
//     holds a slot, so it is followed to its terminal status whatever size
//     is reported later.
//   - blockEngine is called at most once per scan, a scan is pushed to each
//     queue at most once.
//
// RegisterPreExisting and UnregisterFailedAdmission may be called from any
// goroutine; they share the reconciler mutex with Cycle. Cycle releases the
// mutex for the duration of a BlockEngine call and re-reads the entry after
// it, so an unregistration made meanwhile wins.
package monitor
