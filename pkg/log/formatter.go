package log

import (
	"bytes"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// JSONFormatter renders entries as one JSON object per line using zerolog's encoder.
type JSONFormatter struct {
	// TimeFormat overrides the timestamp layout. Defaults to RFC3339Nano.
	TimeFormat string
}

// Format implements Formatter.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	writeZerolog(&buf, entry, f.TimeFormat)
	return buf.Bytes(), nil
}

// TextFormatter renders entries in a human readable layout via zerolog.ConsoleWriter.
type TextFormatter struct {
	TimeFormat string
	// Color enables ANSI colors; leave off for files and pipes.
	Color bool
}

// Format implements Formatter.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	layout := f.TimeFormat
	if layout == "" {
		layout = time.RFC3339
	}
	var raw bytes.Buffer
	writeZerolog(&raw, entry, time.RFC3339Nano)

	var out bytes.Buffer
	cw := zerolog.ConsoleWriter{
		Out:        &out,
		NoColor:    !f.Color,
		TimeFormat: layout,
	}
	if _, err := cw.Write(raw.Bytes()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func writeZerolog(buf *bytes.Buffer, entry *Entry, layout string) {
	if layout == "" {
		layout = time.RFC3339Nano
	}
	zl := zerolog.New(buf)
	ev := zl.WithLevel(zerologLevel(entry.Level))
	ev = ev.Str(zerolog.TimestampFieldName, entry.Timestamp.Format(layout))

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := entry.Fields[k].(type) {
		case string:
			ev = ev.Str(k, v)
		case int:
			ev = ev.Int(k, v)
		case int64:
			ev = ev.Int64(k, v)
		case uint64:
			ev = ev.Uint64(k, v)
		case bool:
			ev = ev.Bool(k, v)
		case float64:
			ev = ev.Float64(k, v)
		case time.Time:
			ev = ev.Str(k, v.Format(layout))
		case error:
			ev = ev.AnErr(k, v)
		default:
			ev = ev.Interface(k, v)
		}
	}
	ev.Msg(entry.Message)
}

func zerologLevel(level Level) zerolog.Level {
	switch level {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case FatalLevel:
		return zerolog.FatalLevel
	default:
		return zerolog.NoLevel
	}
}
