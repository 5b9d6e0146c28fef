package changes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "dashwall/pkg/logx"
)

func TestGoChannelFeedDeliversChanges(t *testing.T) {
	t.Parallel()

	feed, err := NewFeed(Config{}, logx.Nop())
	require.NoError(t, err)
	defer func() { _ = feed.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Change, 64)
	go func() {
		_ = feed.Run(ctx, func(_ context.Context, c Change) error {
			got <- c
			return nil
		})
	}()

	select {
	case <-feed.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("feed never subscribed")
	}
	require.NoError(t, feed.Publish(ctx, Change{Kind: WidgetDeleted, ID: "w1", ProjectRef: "p1"}))

	var c Change
	select {
	case c = <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("change not delivered")
	}

	require.Equal(t, WidgetDeleted, c.Kind)
	require.Equal(t, "w1", c.ID)
	require.Equal(t, "p1", c.ProjectRef)
	require.False(t, c.At.IsZero())
}

func TestUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := NewFeed(Config{Driver: "carrier-pigeon"}, logx.Nop())
	require.Error(t, err)

	_, err = NewFeed(Config{Driver: "kafka"}, logx.Nop())
	require.Error(t, err)
}
