// Package dispatch runs a fixed pool of workers that pull WorkItems from a
// source, admit them through a shared dual rate limiter, execute the remote
// call under bounded retry, and deliver exactly one Result per pulled item to
// a sink.
//
// # Architecture
//
//	Source ──pull (serialized)──▶ worker ×Concurrency
//	                                 │
//	                                 ├─ Limiter.Admit (per attempt)
//	                                 ├─ Caller.Call / BatchCaller.CallBatch
//	                                 ├─ retry.Do (backoff between attempts)
//	                                 ▼
//	                               Sink.Accept
//
// All state is scoped to one Dispatcher: several dispatchers may run in the
// same process without sharing quota.
//
// # Cancellation
//
// Cancelling the Run context stops further pulls, wakes blocked admissions
// and backoff sleeps, and drains in-flight items. Every pulled item still
// yields a Result (KindCancelled when it was aborted); items never pulled stay
// in the source.
//
// # Batched mode
//
// With BatchSize > 1 and a BatchCaller, each worker groups up to BatchSize
// items into one call costing {1, sum of weights}. The reply is correlated by
// index through sink.CorrelationTable, never by position.
package dispatch
