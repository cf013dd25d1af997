// Package dispatch is the integration runtime core.
//
// An integration's init function registers handlers on a Registry: ledger
// lifecycle and contract handlers, webhooks, timers, queue consumers and
// background tasks. Run then freezes the registry and drives every source
// concurrently until the context is cancelled.
//
// Delivery rules:
//   - Ledger work (init, ready, created, archived, transaction start/end)
//     runs one task at a time from a bounded deferral queue. Sweep and
//     lifecycle tasks wait for room; live tasks are skipped when it is full.
//   - A contract found by the startup sweep is never delivered again live.
//   - A timer never overlaps itself; ticks missed while it runs are dropped.
//   - A webhook's commands are submitted before its response is written.
//   - Each queue name is consumed in FIFO order by one goroutine.
//
// Every invocation is isolated: an error or panic is logged, counted in the
// handler's InvocationStatus and published on the events hub, and the
// runtime carries on. Commands returned by a handler are submitted as one
// batch through the Accumulator as soon as the handler returns.
//
// Run returns nil on cancellation and an error only when the ledger stream
// is lost for good.
package dispatch
