package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrReadOnly = errors.New("store is read-only")
)

// Config configures persistence.
//
// Driver values:
//   - "memory": process-local maps (tests, demos)
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL at DSN
//   - "hcl": read-only directory of *.hcl definition files at Path, hot-reloaded
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration
}

type Grid struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Widget is one placed widget instance on a project grid.
type Widget struct {
	ID         string `json:"id"`
	ProjectRef string `json:"projectRef"`
	Grid       Grid   `json:"grid"`
	Script     string `json:"script"`
	// Refresh is a duration ("10s") or a cron expression ("cron:*/5 * * * * *").
	Refresh      string          `json:"refresh"`
	Inputs       map[string]any  `json:"inputs,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type RotationEntry struct {
	ProjectRef   string `json:"projectRef"`
	SpeedSeconds int    `json:"speedSeconds"`
}

func (e RotationEntry) Speed() time.Duration {
	return time.Duration(e.SpeedSeconds) * time.Second
}

type Rotation struct {
	ID        string          `json:"id"`
	Entries   []RotationEntry `json:"entries"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type WidgetRef struct {
	ID         string `json:"id"`
	ProjectRef string `json:"projectRef"`
}

// WidgetState is the last execution outcome of a widget, persisted so a
// restart can serve full state before the first new firing.
type WidgetState struct {
	WidgetID   string          `json:"widgetId"`
	LastRun    time.Time       `json:"lastRun"`
	Result     json.RawMessage `json:"result"`
	ErrorCount int             `json:"errorCount"`
	LastError  string          `json:"lastError,omitempty"`
}

// Reader is the read side the runtime consumes. Every call returns a copy.
type Reader interface {
	LoadWidget(ctx context.Context, id string) (Widget, error)
	LoadRotation(ctx context.Context, id string) (Rotation, error)
	ListWidgets(ctx context.Context) ([]WidgetRef, error)
}

type Writer interface {
	SaveWidget(ctx context.Context, w Widget) error
	DeleteWidget(ctx context.Context, id string) error
	SaveRotation(ctx context.Context, r Rotation) error
	DeleteRotation(ctx context.Context, id string) error
	DeleteProject(ctx context.Context, projectRef string) error
}

type StateStore interface {
	SaveWidgetState(ctx context.Context, st WidgetState) error
	LoadWidgetState(ctx context.Context, widgetID string) (WidgetState, error)
}

type Store interface {
	Reader
	Writer
	StateStore
	Close() error
}

func cloneWidget(w Widget) Widget {
	if w.Inputs != nil {
		w.Inputs = cloneValue(w.Inputs).(map[string]any)
	}
	if w.OutputSchema != nil {
		w.OutputSchema = append(json.RawMessage(nil), w.OutputSchema...)
	}
	return w
}

// cloneValue deep-copies the JSON-shaped containers of v. Scalars keep
// their Go type, so an int64 input stays an int64.
func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	case json.RawMessage:
		return append(json.RawMessage(nil), x...)
	default:
		return v
	}
}

// decodeInputs parses stored inputs. Whole numbers that fit come back as
// int64, the rest as float64.
func decodeInputs(b []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return normalizeNumbers(m).(map[string]any), nil
}

func normalizeNumbers(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	default:
		return v
	}
}

func cloneRotation(r Rotation) Rotation {
	r.Entries = append([]RotationEntry(nil), r.Entries...)
	return r
}

func validateRotation(r Rotation) error {
	if r.ID == "" {
		return errors.New("rotation id is required")
	}
	for i, e := range r.Entries {
		if e.ProjectRef == "" {
			return fmt.Errorf("rotation entry %d: projectRef is required", i)
		}
		if e.SpeedSeconds <= 0 {
			return fmt.Errorf("rotation entry %d: speedSeconds must be positive", i)
		}
	}
	return nil
}

func validateWidget(w Widget) error {
	switch {
	case w.ID == "":
		return errors.New("widget id is required")
	case w.ProjectRef == "":
		return errors.New("widget projectRef is required")
	case w.Refresh == "":
		return errors.New("widget refresh is required")
	}
	return nil
}
