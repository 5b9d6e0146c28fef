package store

import (
	"context"

	"dashwall/internal/changes"
	logx "dashwall/pkg/logx"
)

// notifying announces successful writes on the change feed. A publish
// failure is logged but does not fail the write; the runtime's periodic
// reconcile picks up anything the feed lost.
type notifying struct {
	Store
	pub changes.Publisher
	log logx.Logger
}

// WithChanges wraps s so every successful definition write is published.
func WithChanges(s Store, pub changes.Publisher, log logx.Logger) Store {
	if pub == nil {
		return s
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &notifying{Store: s, pub: pub, log: log}
}

// Unwrap returns the underlying store.
func (n *notifying) Unwrap() Store { return n.Store }

func (n *notifying) announce(ctx context.Context, c changes.Change) {
	if err := n.pub.Publish(ctx, c); err != nil {
		n.log.Warn("change publish failed", logx.String("kind", string(c.Kind)), logx.String("id", c.ID), logx.Err(err))
	}
}

func (n *notifying) SaveWidget(ctx context.Context, w Widget) error {
	if err := n.Store.SaveWidget(ctx, w); err != nil {
		return err
	}
	n.announce(ctx, changes.Change{Kind: changes.WidgetUpserted, ID: w.ID, ProjectRef: w.ProjectRef})
	return nil
}

func (n *notifying) DeleteWidget(ctx context.Context, id string) error {
	var project string
	if w, err := n.Store.LoadWidget(ctx, id); err == nil {
		project = w.ProjectRef
	}
	if err := n.Store.DeleteWidget(ctx, id); err != nil {
		return err
	}
	n.announce(ctx, changes.Change{Kind: changes.WidgetDeleted, ID: id, ProjectRef: project})
	return nil
}

func (n *notifying) SaveRotation(ctx context.Context, r Rotation) error {
	if err := n.Store.SaveRotation(ctx, r); err != nil {
		return err
	}
	n.announce(ctx, changes.Change{Kind: changes.RotationUpserted, ID: r.ID})
	return nil
}

func (n *notifying) DeleteRotation(ctx context.Context, id string) error {
	if err := n.Store.DeleteRotation(ctx, id); err != nil {
		return err
	}
	n.announce(ctx, changes.Change{Kind: changes.RotationDeleted, ID: id})
	return nil
}

func (n *notifying) DeleteProject(ctx context.Context, projectRef string) error {
	if err := n.Store.DeleteProject(ctx, projectRef); err != nil {
		return err
	}
	n.announce(ctx, changes.Change{Kind: changes.ProjectDeleted, ID: projectRef, ProjectRef: projectRef})
	return nil
}
