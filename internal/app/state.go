package app

import (
	"context"

	"dashwall/internal/hub"
	"dashwall/internal/rotation"
	"dashwall/internal/sandbox"
)

type resultSource interface {
	ProjectResults(ref string) map[string]sandbox.Result
}

type cursorSource interface {
	Current(screen string) (rotation.Cursor, bool)
}

// screenState builds the fullState snapshot from the widget scheduler's
// latest results and the screen's rotation cursor.
type screenState struct {
	widgets resultSource
	cursors cursorSource
}

func (s screenState) FullState(_ context.Context, screen, project string) (hub.FullState, error) {
	st := hub.FullState{Widgets: map[string]any{}}
	if cur, ok := s.cursors.Current(screen); ok {
		st.Rotation = cur
	}
	if project == "" {
		return st, nil
	}
	for id, res := range s.widgets.ProjectResults(project) {
		st.Widgets[id] = res
	}
	return st, nil
}
