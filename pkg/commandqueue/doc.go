// Package commandqueue serializes work per lane.
//
// Every conversation session owns the lane "session:{id}": two turns of the
// same session never run at the same time while different sessions proceed
// in parallel. Lanes are created on first use and dropped once drained.
// Tasks carrying a request id are answered from a short-lived cache when the
// same id is submitted again.
//
// Usage:
//
//	queue := commandqueue.New()
//	defer queue.Close()
//	result, err := queue.Enqueue(ctx, commandqueue.SessionLane("abc"), func(ctx context.Context) (interface{}, error) {
//		return "ok", nil
//	}, nil)
package commandqueue
