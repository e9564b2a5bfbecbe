package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rzbill/aggregator/internal/event"
)

func newPublishCommand(baseURL BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish events from --data or --file",
		Long: "Publish accepts a batch {\"events\":[...]}, a JSON array of events or a single event.\n" +
			"Missing event_id, timestamp, topic and source are filled from flags.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, _ := cmd.Flags().GetString("data")
			file, _ := cmd.Flags().GetString("file")
			topic, _ := cmd.Flags().GetString("topic")
			source, _ := cmd.Flags().GetString("source")

			var raw []byte
			switch {
			case data != "" && file != "":
				return errors.New("use either --data or --file")
			case data != "":
				raw = []byte(data)
			case file == "-":
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				raw = b
			case file != "":
				b, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				raw = b
			default:
				return errors.New("--data or --file is required")
			}

			evs, err := parseEvents(raw)
			if err != nil {
				return err
			}
			fillDefaults(evs, topic, source, time.Now().UTC())

			res, err := newTransport(baseURL()).Publish(cmd.Context(), evs)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "status: %s count: %d\n", res.Status, res.Count)
			return nil
		},
	}
	cmd.Flags().String("data", "", "Inline JSON")
	cmd.Flags().String("file", "", "JSON file, or - for stdin")
	cmd.Flags().String("topic", "", "Topic for events without one")
	cmd.Flags().String("source", "cli", "Source for events without one")
	return cmd
}

// parseEvents accepts a batch object, an array, or a single event.
func parseEvents(raw []byte) ([]event.Event, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty input")
	}
	if raw[0] == '[' {
		var evs []event.Event
		if err := json.Unmarshal(raw, &evs); err != nil {
			return nil, fmt.Errorf("parse events: %w", err)
		}
		return evs, nil
	}
	var batch struct {
		Events []event.Event `json:"events"`
	}
	if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, fmt.Errorf("parse events: %w", err)
	}
	if batch.Events != nil {
		return batch.Events, nil
	}
	var ev event.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	return []event.Event{ev}, nil
}

func fillDefaults(evs []event.Event, topic, source string, now time.Time) {
	for i := range evs {
		if evs[i].EventID == "" {
			evs[i].EventID = uuid.NewString()
		}
		if evs[i].Timestamp.IsZero() {
			evs[i].Timestamp = now
		}
		if evs[i].Topic == "" {
			evs[i].Topic = topic
		}
		if evs[i].Source == "" {
			evs[i].Source = source
		}
		if evs[i].Payload == nil {
			evs[i].Payload = map[string]interface{}{}
		}
	}
}
