// Package config loads the aggregator's configuration. Values come from
// Default(), then an optional YAML or JSON file, then AGG_* environment
// variables, and are validated before use.
//
// Example:
//
//	cfg, err := config.Load("/etc/aggregator.yaml")
//	if err != nil { /* handle */ }
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
package config
