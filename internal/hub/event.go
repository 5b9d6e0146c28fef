package hub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeWidgetUpdate     = "widgetUpdate"
	TypeRotationAdvanced = "rotationAdvanced"
	TypeRotationStalled  = "rotationStalled"
	TypeFullState        = "fullState"
)

type TargetKind uint8

const (
	TargetScreen TargetKind = iota + 1
	TargetProject
)

func (k TargetKind) String() string {
	switch k {
	case TargetScreen:
		return "screen"
	case TargetProject:
		return "project"
	}
	return "unknown"
}

// Target addresses either one screen code or every screen currently
// displaying a project.
type Target struct {
	Kind TargetKind `json:"kind"`
	Key  string     `json:"key"`
}

func Screen(code string) Target { return Target{Kind: TargetScreen, Key: code} }
func Project(ref string) Target { return Target{Kind: TargetProject, Key: ref} }
func (t Target) String() string { return t.Kind.String() + ":" + t.Key }
func (t Target) valid() bool    { return (t.Kind == TargetScreen || t.Kind == TargetProject) && t.Key != "" }

// Event is one logical message. ID is assigned on publish when empty and
// identifies the event across projects, screens and relay hops.
type Event struct {
	ID      string
	Type    string
	Payload any
}

type WidgetUpdatePayload struct {
	Type       string `json:"type"`
	ProjectRef string `json:"projectRef"`
	WidgetID   string `json:"widgetId"`
	Result     any    `json:"result"`
}

type RotationAdvancedPayload struct {
	Type       string `json:"type"`
	ScreenCode string `json:"screenCode"`
	NewIndex   int    `json:"newIndex"`
	ProjectRef string `json:"projectRef"`
}

type RotationStalledPayload struct {
	Type       string `json:"type"`
	ScreenCode string `json:"screenCode"`
	Reason     string `json:"reason"`
}

// FullState is what a StateProvider returns for a freshly subscribed screen.
type FullState struct {
	Rotation any            `json:"rotation,omitempty"`
	Widgets  map[string]any `json:"widgets"`
}

type FullStatePayload struct {
	Type       string `json:"type"`
	ScreenCode string `json:"screenCode"`
	ProjectRef string `json:"projectRef,omitempty"`
	FullState
}

func WidgetUpdate(projectRef, widgetID string, result any) Event {
	return Event{Type: TypeWidgetUpdate, Payload: WidgetUpdatePayload{
		Type: TypeWidgetUpdate, ProjectRef: projectRef, WidgetID: widgetID, Result: result,
	}}
}

func RotationAdvanced(screenCode string, newIndex int, projectRef string) Event {
	return Event{Type: TypeRotationAdvanced, Payload: RotationAdvancedPayload{
		Type: TypeRotationAdvanced, ScreenCode: screenCode, NewIndex: newIndex, ProjectRef: projectRef,
	}}
}

func RotationStalled(screenCode, reason string) Event {
	return Event{Type: TypeRotationStalled, Payload: RotationStalledPayload{
		Type: TypeRotationStalled, ScreenCode: screenCode, Reason: reason,
	}}
}

// encode renders the payload object with the event id spliced in as
// "eventId", so clients can drop duplicates on their side too.
func (e Event) encode() ([]byte, error) {
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Type, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, errors.New("event payload must encode to a JSON object")
	}
	id, _ := json.Marshal(e.ID)

	var b bytes.Buffer
	b.Grow(len(body) + len(id) + 12)
	b.WriteString(`{"eventId":`)
	b.Write(id)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		b.WriteByte(',')
		b.Write(inner)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}
