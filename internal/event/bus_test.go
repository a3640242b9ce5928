package event

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestBusFiltersByBuildAndType(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBus()
	buildID := uuid.New()

	ch, err := b.Subscribe(ctx, Filter{BuildID: buildID, Types: []Type{TypeJobStepAllocated}})
	require.NoError(t, err)

	b.Publish(New(TypeJobStepAllocated, uuid.New(), uuid.Nil, uuid.Nil, nil))
	b.Publish(New(TypeBuildCreated, buildID, uuid.Nil, uuid.Nil, nil))
	b.Publish(New(TypeJobStepAllocated, buildID, uuid.Nil, uuid.New(), map[string]string{"cluster": "c1"}))

	select {
	case e := <-ch:
		require.Equal(t, TypeJobStepAllocated, e.Type)
		require.Equal(t, buildID, e.BuildID)
		require.JSONEq(t, `{"cluster":"c1"}`, string(e.Payload))
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected event %v", e.Type)
	default:
	}
}

func TestBusClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := NewBus().Subscribe(ctx, Filter{})
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestNopBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := Nop()
	b.Publish(New(TypeBuildCreated, uuid.New(), uuid.Nil, uuid.Nil, nil))
	ch, err := b.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()
	_, ok := <-ch
	require.False(t, ok)
}
