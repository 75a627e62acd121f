package service

import (
	"testing"

	"gpu-fusion/app/model"

	"github.com/stretchr/testify/require"
)

func TestProgressHubFanOut(t *testing.T) {
	hub := NewProgressHub()
	a, cancelA := hub.Subscribe(4)
	b, cancelB := hub.Subscribe(4)
	require.Equal(t, 2, hub.Subscribers())

	hub.Publish(model.Progress{TaskID: "task_1", Progress: 50})
	require.Equal(t, 50.0, (<-a).Progress)
	require.Equal(t, 50.0, (<-b).Progress)

	cancelA()
	cancelA()
	require.Equal(t, 1, hub.Subscribers())
	_, ok := <-a
	require.False(t, ok)

	cancelB()
	require.Zero(t, hub.Subscribers())
}

func TestProgressHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewProgressHub()
	ch, cancel := hub.Subscribe(1)
	defer cancel()

	hub.Publish(model.Progress{Progress: 1})
	hub.Publish(model.Progress{Progress: 2})

	require.Len(t, ch, 1)
	require.Equal(t, 1.0, (<-ch).Progress)
}
