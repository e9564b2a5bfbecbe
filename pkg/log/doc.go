// Package log is the aggregator's structured logging facade.
//
// The Logger interface exposes leveled methods that take typed Fields.
// Records flow through a slog handler into a Formatter (zerolog JSON or
// zerolog console text) and then to one or more Outputs.
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	)
//	l = l.With(log.Component("consumer"))
//	l.Info("consumer started", log.Int("queue_capacity", 10000))
//
// ApplyConfig builds a logger from a declarative Config with optional key
// redaction and per-message sampling. ToSlog, ToStdLogger and RedirectStdLog
// adapt the facade for libraries that expect the standard loggers.
package log
