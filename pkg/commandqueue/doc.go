// Package commandqueue provides lane-based task execution with FIFO ordering
// and a concurrency limit per lane.
//
// Invariants:
//   - Tasks in the same lane start in enqueue order.
//   - A lane never runs more tasks than its concurrency limit at once.
//   - A task failure is confined to that task's handle; the lane keeps going.
//   - Lane resets invalidate in-flight bookkeeping via a generation counter.
//
// Usage:
//
//	reg := commandqueue.New()
//	defer reg.Close()
//	handle := reg.Enqueue(ctx, func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
//	result, err := handle.Wait(ctx)
package commandqueue
