// Package runtime is the application context of one aggregator instance.
// It builds the key store, idempotency gate, admission queue, stats,
// retained list and consumer loop, starts them in order and stops them in
// reverse.
//
// Example:
//
//	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: logger})
//	if err != nil { /* handle */ }
//	defer rt.Close()
//	n, err := rt.Ingest(ctx, events) // queue.ErrQueueFull under overload
//	snap := rt.Stats()
package runtime
