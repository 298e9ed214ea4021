package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "sessions", map[string]string{"status": "finished"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "sessions-dlq", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "sessions", msgs[0].Topic)
	require.Equal(t, "sessions-dlq", msgs[1].Topic)

	msgs[0].Topic = "modified"
	require.Equal(t, "sessions", pub.Messages()[0].Topic, "Messages() must return a copy")
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	pub.FailWith(errors.New("unavailable"))
	_, err := pub.Publish(context.Background(), "sessions", "x")
	require.ErrorContains(t, err, "unavailable")
	require.Empty(t, pub.Messages())

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "sessions", "x")
	require.NoError(t, err)
}
