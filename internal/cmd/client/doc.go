// Package client provides the client side of the `aggregator` CLI.
//
// The commands talk to a running aggregator over its HTTP API. The base URL
// comes from the embedding application via a BaseURLFunc; the standalone
// binary uses --url, then AGG_HTTP, then http://127.0.0.1:8080.
//
// Usage
//
//	aggregator publish --topic orders --data '{"event_id":"o-1","payload":{"total":42}}'
//	aggregator publish --file batch.json
//	cat events.json | aggregator publish --file -
//
//	aggregator stats
//	aggregator stats --json
//
//	aggregator events --topic orders
//	aggregator events --filter 'payload.total > 40'
//
//	# Irreversible: wipes counters, the dedup table and retained events
//	aggregator reset --confirm
//
//	# Load test: 5000 events, 20% duplicates, 100 per batch
//	aggregator simulate --total 5000 --dup-rate 0.2 --batch 100
//
// Notes
//
//   - publish fills a missing event_id with a random UUID and a missing
//     timestamp with the current time, so repeated invocations are never
//     duplicates unless event_id is given.
//   - simulate retries a batch on 503 or connection errors up to --retries
//     times and stops the run when a batch exhausts them. A circuit breaker
//     stops hammering an unreachable server between attempts.
package client
