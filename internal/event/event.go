// Package event defines the event and batch types accepted at ingress,
// their structural validation and the CEL filter used by event queries.
package event

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// Event is a single producer-assigned record. Immutable once admitted.
type Event struct {
	Topic     string                 `json:"topic" validate:"required,max=256"`
	EventID   string                 `json:"event_id" validate:"required,max=256"`
	Timestamp time.Time              `json:"timestamp" validate:"required"`
	Source    string                 `json:"source" validate:"required,max=256"`
	Payload   map[string]interface{} `json:"payload" validate:"required"`
}

// Batch is the body of a publish request.
type Batch struct {
	Events []Event `json:"events" validate:"required,dive"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// FieldError describes one failed constraint.
type FieldError struct {
	Field string `json:"field"`
	Tag   string `json:"tag"`
	Param string `json:"param,omitempty"`
}

func (f FieldError) String() string {
	switch f.Tag {
	case "required":
		return f.Field + " is required"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", f.Field, f.Param)
	default:
		return fmt.Sprintf("%s failed %s", f.Field, f.Tag)
	}
}

// ValidationError is returned when an event or batch is structurally invalid.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.String()
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the structural constraints of a single event.
func (ev *Event) Validate() error {
	return toValidationError(getValidator().Struct(ev))
}

// Validate checks every event of the batch. A missing events list is
// invalid; an empty one is accepted.
func (b *Batch) Validate() error {
	return toValidationError(getValidator().Struct(b))
}

func toValidationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field: trimRoot(fe.Namespace()),
			Tag:   fe.Tag(),
			Param: fe.Param(),
		})
	}
	return out
}

// trimRoot drops the struct name from a validator namespace such as
// "Batch.events[2].topic".
func trimRoot(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
