package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEverySubscriberSeesEvents(t *testing.T) {
	require := require.New(t)
	b := NewBroadcast[int](4)
	first := b.Subscribe()
	second := b.Subscribe()
	require.Equal(2, b.Publish(1))
	require.Equal(2, b.Publish(2))

	ctx := context.Background()
	for _, s := range []*Subscriber[int]{first, second} {
		v, err := s.Recv(ctx)
		require.Nil(err)
		require.Equal(1, v)
		v, err = s.Recv(ctx)
		require.Nil(err)
		require.Equal(2, v)
	}

	first.Close()
	require.Equal(1, b.SubscriberCount())
	_, err := first.Recv(ctx)
	require.True(errors.Is(err, ErrClosed))
}

func TestSlowSubscriberLags(t *testing.T) {
	require := require.New(t)
	b := NewBroadcast[int](2)
	s := b.Subscribe()
	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}

	ctx := context.Background()
	_, err := s.Recv(ctx)
	lagged := &Lagged{}
	require.True(errors.As(err, &lagged))
	require.Equal(uint64(3), lagged.Missed)

	v, err := s.Recv(ctx)
	require.Nil(err)
	require.Equal(4, v)
	v, err = s.Recv(ctx)
	require.Nil(err)
	require.Equal(5, v)
}

func TestRecvWaitsAndHonorsContext(t *testing.T) {
	require := require.New(t)
	b := NewBroadcast[string](1)
	s := b.Subscribe()

	go func() {
		time.Sleep(10 * time.Millisecond)
		b.Publish("late")
	}()
	v, err := s.Recv(context.Background())
	require.Nil(err)
	require.Equal("late", v)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = s.Recv(ctx)
	require.True(errors.Is(err, context.DeadlineExceeded))

	b.Close()
	_, err = s.Recv(context.Background())
	require.True(errors.Is(err, ErrClosed))
	require.Equal(0, b.Publish("nobody"))
}
