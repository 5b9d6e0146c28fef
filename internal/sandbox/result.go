package sandbox

import (
	"encoding/json"
	"time"
)

// FailureKind classifies why an invocation produced no data.
type FailureKind string

const (
	CompileError      FailureKind = "CompileError"
	NoEntryPoint      FailureKind = "NoEntryPoint"
	RuntimeError      FailureKind = "RuntimeError"
	Timeout           FailureKind = "Timeout"
	InvalidOutputType FailureKind = "InvalidOutputType"
)

// Result is the outcome of one invocation: Success when Kind is empty,
// Failure otherwise. Results are never mutated after creation.
type Result struct {
	Data       any         `json:"data,omitempty"`
	Kind       FailureKind `json:"kind,omitempty"`
	Message    string      `json:"message,omitempty"`
	ProducedAt time.Time   `json:"producedAt"`
}

func Success(data any) Result {
	return Result{Data: data, ProducedAt: time.Now()}
}

func Failure(kind FailureKind, msg string) Result {
	return Result{Kind: kind, Message: msg, ProducedAt: time.Now()}
}

func (r Result) OK() bool { return r.Kind == "" }

// MarshalJSON emits the tagged form {"status":"success",...} or
// {"status":"failure","kind":...}.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.OK() {
		return json.Marshal(struct {
			Status     string    `json:"status"`
			Data       any       `json:"data"`
			ProducedAt time.Time `json:"producedAt"`
		}{"success", r.Data, r.ProducedAt})
	}
	return json.Marshal(struct {
		Status     string      `json:"status"`
		Kind       FailureKind `json:"kind"`
		Message    string      `json:"message"`
		ProducedAt time.Time   `json:"producedAt"`
	}{"failure", r.Kind, r.Message, r.ProducedAt})
}

func (r *Result) UnmarshalJSON(b []byte) error {
	var raw struct {
		Status     string      `json:"status"`
		Data       any         `json:"data"`
		Kind       FailureKind `json:"kind"`
		Message    string      `json:"message"`
		ProducedAt time.Time   `json:"producedAt"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*r = Result{Data: raw.Data, Kind: raw.Kind, Message: raw.Message, ProducedAt: raw.ProducedAt}
	if raw.Status == "failure" && r.Kind == "" {
		r.Kind = RuntimeError
	}
	return nil
}
