package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for value")
	}
	var zero T
	return zero
}

func TestBroadcaster_SnapshotThenLive(t *testing.T) {
	b := NewBroadcaster[string]()
	defer b.Close()

	ch, unsub := b.Subscribe("disconnected")
	defer unsub()

	b.Publish("connecting")
	b.Publish("connected")

	assert.Equal(t, "disconnected", recv(t, ch))
	assert.Equal(t, "connecting", recv(t, ch))
	assert.Equal(t, "connected", recv(t, ch))
}

func TestBroadcaster_EverySubscriberSeesEveryValue(t *testing.T) {
	b := NewBroadcaster[int]()
	defer b.Close()

	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()
	assert.Equal(t, 2, b.Len())

	for i := 0; i < 5; i++ {
		b.Publish(i)
	}
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, recv(t, ch1))
		assert.Equal(t, i, recv(t, ch2))
	}
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster[int]()
	defer b.Close()

	ch, unsub := b.Subscribe()
	unsub()
	unsub()
	assert.Equal(t, 0, b.Len())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	require.NotPanics(t, func() { b.Publish(1) })
}

func TestBroadcaster_CloseClosesSubscribers(t *testing.T) {
	b := NewBroadcaster[int]()
	ch, _ := b.Subscribe()

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	late, unsub := b.Subscribe(1)
	defer unsub()
	select {
	case _, ok := <-late:
		assert.False(t, ok, "subscribing after close yields a closed channel")
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for channel close")
	}
}
