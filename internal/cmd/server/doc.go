// Package serverrun exposes the Run entrypoint used by the CLI to start an
// aggregator: config resolution, logging, the runtime, and the supervised
// HTTP server and Kafka source.
//
// Example:
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{ConfigPath: "aggregator.yaml"})
package serverrun
