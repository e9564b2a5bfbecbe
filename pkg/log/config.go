package log

import (
	"fmt"
	"log/slog"
	"strings"
)

// Config declares how a logger should be built.
type Config struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json | text
	// Output is console, file or null.
	Output string `koanf:"output"`
	File   string `koanf:"file"`
	Color  bool   `koanf:"color"`

	RedactKeys       []string `koanf:"redact_keys"`
	SampleInitial    int      `koanf:"sample_initial"`
	SampleThereafter int      `koanf:"sample_thereafter"`
}

// ParseLevel maps a case-insensitive level name to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

// ApplyConfig builds a logger from cfg.
func ApplyConfig(cfg Config) (Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		formatter = &JSONFormatter{}
	case "text", "console":
		formatter = &TextFormatter{Color: cfg.Color}
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}

	var output Output
	switch strings.ToLower(cfg.Output) {
	case "", "console", "stderr":
		output = NewConsoleOutput()
	case "file":
		if cfg.File == "" {
			return nil, fmt.Errorf("log: file output requires a path")
		}
		fo, err := NewFileOutput(cfg.File)
		if err != nil {
			return nil, err
		}
		output = fo
	case "null", "none":
		output = NullOutput{}
	default:
		return nil, fmt.Errorf("log: unknown output %q", cfg.Output)
	}

	l := newBaseLogger(WithLevel(level), WithFormatter(formatter), WithOutput(output))
	l.handler = l.handler.withRedactions(cfg.RedactKeys).withSampler(cfg.SampleInitial, cfg.SampleThereafter)
	l.slogLogger = slog.New(l.handler)
	return l, nil
}
