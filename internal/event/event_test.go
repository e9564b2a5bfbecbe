package event

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Event {
	return Event{
		Topic:     "orders",
		EventID:   "e-1",
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Source:    "checkout",
		Payload:   map[string]interface{}{"amount": 42.0, "currency": "EUR"},
	}
}

func TestValidateEvent(t *testing.T) {
	ev := sample()
	require.NoError(t, ev.Validate())

	ev.Payload = map[string]interface{}{}
	assert.NoError(t, ev.Validate(), "empty payload is structurally fine")

	cases := map[string]func(*Event){
		"topic":     func(e *Event) { e.Topic = "" },
		"event_id":  func(e *Event) { e.EventID = "" },
		"timestamp": func(e *Event) { e.Timestamp = time.Time{} },
		"source":    func(e *Event) { e.Source = "" },
		"payload":   func(e *Event) { e.Payload = nil },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			ev := sample()
			mutate(&ev)
			err := ev.Validate()
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			require.Len(t, verr.Fields, 1)
			assert.Equal(t, field, verr.Fields[0].Field)
			assert.Equal(t, "required", verr.Fields[0].Tag)
		})
	}
}

func TestValidateBatch(t *testing.T) {
	var b Batch
	err := json.Unmarshal([]byte(`{"events":[
		{"topic":"a","event_id":"1","timestamp":"2025-01-01T00:00:00Z","source":"s","payload":{}},
		{"topic":"","event_id":"2","timestamp":"2025-01-01T00:00:00Z","source":"s","payload":{}}
	]}`), &b)
	require.NoError(t, err)

	err = b.Validate()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "events[1].topic", verr.Fields[0].Field)
	assert.Contains(t, err.Error(), "events[1].topic is required")

	require.NoError(t, json.Unmarshal([]byte(`{"events":[]}`), &b))
	assert.NoError(t, b.Validate())

	assert.Error(t, (&Batch{}).Validate())
}

func TestFilter(t *testing.T) {
	ev := sample()

	f, err := CompileFilter("")
	require.NoError(t, err)
	assert.False(t, f.Enabled())
	assert.True(t, f.Match(ev))

	cases := []struct {
		expr string
		want bool
	}{
		{`topic == "orders"`, true},
		{`source.startsWith("check")`, true},
		{`payload.currency == "EUR" && payload.amount > 40.0`, true},
		{`payload.amount > 100.0`, false},
		{`ts_ms < now_ms`, true},
		{`payload.missing == 1`, false},
	}
	for _, tc := range cases {
		f, err := CompileFilter(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, f.Match(ev), tc.expr)
	}
}

func TestFilterCompileErrors(t *testing.T) {
	_, err := CompileFilter(`topic ==`)
	assert.Error(t, err)
	_, err = CompileFilter(`unknown_var == 1`)
	assert.Error(t, err)
	_, err = CompileFilter(`ts_ms + 1`)
	assert.Error(t, err)
}
