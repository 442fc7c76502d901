// Package eventqueue provides a bounded, priority-ordered event queue with
// retry scheduling, a dead-letter queue and a consecutive-failure circuit
// breaker.
//
// Invariants:
//   - Enqueue never blocks; it returns false when the queue is full.
//   - Higher priority dequeues first; equal priorities dequeue in submission order.
//   - At most one ProcessBatch drains the queue at a time.
//   - An event in the DLQ is not in the live queue.
//
// Usage:
//
//	breaker := eventqueue.NewCircuitBreaker(eventqueue.CircuitConfig{Threshold: 5})
//	dlq := eventqueue.NewDLQ(eventqueue.DLQConfig{MaxSize: 1000})
//	q := eventqueue.New(eventqueue.DefaultConfig(), breaker, dlq)
//	defer q.Close()
//
//	q.Enqueue(event.New("tool.call", args), 5)
//	q.ProcessBatch(ctx, func(ctx context.Context, ev event.Event) error {
//		return handle(ctx, ev)
//	})
package eventqueue
