package app

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"dashwall/internal/changes"
	"dashwall/internal/hub"
	"dashwall/internal/observability/tracing"
	"dashwall/internal/rotation"
	"dashwall/internal/store"
	logx "dashwall/pkg/logx"
)

type widgetRuntime interface {
	Add(ctx context.Context, id string) error
	Remove(id string) bool
	RemoveProject(ref string) int
}

type rotationRuntime interface {
	Cursors() []rotation.Cursor
	StopRotation(rotationID string) int
}

type publisher interface {
	Publish(ctx context.Context, t hub.Target, ev hub.Event)
}

// changeApplier turns store change notifications into runtime updates.
// Rotation edits need no action: each tick re-reads the definition.
type changeApplier struct {
	widgets   widgetRuntime
	rotations rotationRuntime
	hub       publisher
	log       logx.Logger
}

func (a changeApplier) Apply(ctx context.Context, c changes.Change) error {
	ctx, span := tracing.Tracer("dashwall/app").Start(ctx, "changes.apply")
	defer span.End()
	span.SetAttributes(attribute.String("change.kind", string(c.Kind)), attribute.String("change.id", c.ID))

	switch c.Kind {
	case changes.WidgetUpserted:
		err := a.widgets.Add(ctx, c.ID)
		if errors.Is(err, store.ErrNotFound) {
			// Deleted again before we got here.
			a.widgets.Remove(c.ID)
			return nil
		}
		return err
	case changes.WidgetDeleted:
		a.widgets.Remove(c.ID)
	case changes.RotationUpserted:
	case changes.RotationDeleted:
		for _, cur := range a.rotations.Cursors() {
			if cur.RotationID == c.ID {
				a.hub.Publish(context.WithoutCancel(ctx), hub.Screen(cur.ScreenCode), hub.RotationStalled(cur.ScreenCode, "rotation deleted"))
			}
		}
		if n := a.rotations.StopRotation(c.ID); n > 0 {
			a.log.Info("rotation deleted; screens stopped", logx.String("rotation", c.ID), logx.Int("screens", n))
		}
	case changes.ProjectDeleted:
		ref := c.ProjectRef
		if ref == "" {
			ref = c.ID
		}
		if n := a.widgets.RemoveProject(ref); n > 0 {
			a.log.Info("project deleted; widgets removed", logx.String("project", ref), logx.Int("widgets", n))
		}
	default:
		a.log.Debug("ignoring change", logx.String("kind", string(c.Kind)), logx.String("id", c.ID))
	}
	return nil
}
