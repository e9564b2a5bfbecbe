// Package httpserver exposes a Runtime over HTTP: batch ingress, stats and
// retained event queries, the admin reset, health and Prometheus metrics.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	s := httpserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":8080")
package httpserver
