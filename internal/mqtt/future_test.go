package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_GetBlocksUntilSet(t *testing.T) {
	f := NewFuture()
	assert.False(t, f.IsSet())

	go func() {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, f.Set("hello"))
	}()

	value, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", value)
	assert.True(t, f.IsSet())
}

func TestFuture_GetReturnsSettledErrorImmediately(t *testing.T) {
	f := NewFuture()
	boom := errors.New("boom")
	require.NoError(t, f.SetError(boom))

	value, err := f.Get(context.Background())
	assert.Nil(t, value)
	assert.ErrorIs(t, err, boom)
}

func TestFuture_SecondSettleFails(t *testing.T) {
	f := NewFuture()
	require.NoError(t, f.Set(1))
	err := f.Set(2)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestFuture_CancelSettlesWithErrCancelled(t *testing.T) {
	f := NewFuture()
	require.NoError(t, f.Cancel())
	_, err := f.Get(context.Background())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestFuture_GetReturnsContextErrorWhenCtxExpiresFirst(t *testing.T) {
	f := NewFuture()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, errors.Is(err, ErrCancelled))
}

func TestFuture_DoneChannelClosesOnSettle(t *testing.T) {
	f := NewFuture()
	select {
	case <-f.Done():
		t.Fatal("Done channel closed before Set")
	default:
	}
	require.NoError(t, f.Set(nil))
	select {
	case <-f.Done():
	default:
		t.Fatal("Done channel did not close after Set")
	}
}
