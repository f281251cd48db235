// Package work defines the data model shared by every dispatcher component:
// work items and their cost vectors, results, the error taxonomy and the
// remote call contracts.
//
// The central invariant is that exactly one Result is produced per WorkItem
// that enters a dispatcher run. Failures are values, not dropped items: a
// Failure carries the originating SequenceID so callers can reconcile which
// items did not succeed.
package work
