// Package service runs the reconciler as a long living service.
//
// Overview
// The Supervisor owns an event loop, the scan reconciler and the two
// consumers of its hand-off queues. A gocron scheduler asks the loop to run
// a reconcile cycle at a fixed rate or on a cron schedule. Cycles always run
// on the loop goroutine, so two cycles never overlap. A trigger arriving
// while a cycle is pending is dropped.
//
// Data flow:
//
//	gocron        Supervisor.Do            Reconciler          Provisioner        Finisher
//	  |  Start() ----->|                        |                    |                  |
//	  |                | Cycle() -------------->| admitted queue --->| Runner{hook}     |
//	  |                |                        | finished queue ---------------------->| Uploaders
//	  |                |<--- errors (logged) ---|                    |                  |
//	  |                |<------------- UnregisterFailedAdmission ----|                  |
//
// Invariants:
//   - At most one cycle runs at a time.
//   - A failed cycle is logged, the next trigger runs a new one.
//   - Consumers never block the reconciler, the queues are unbounded.
//   - Each admitted scan runs the provisioning hook once; a failed hook
//     releases the admission.
//   - Each completion produces one report per uploader.
//
// Modes:
//   - timer: the loop runs until ctx is canceled.
//   - manual (oneshot): one cycle is executed, consumers drain the queues
//     and the cycle error is returned.
package service
