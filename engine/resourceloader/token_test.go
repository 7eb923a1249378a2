package resourceloader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenTrackerCompletesInIssueOrder(t *testing.T) {
	tr := newTokenTracker()
	a := tr.issue()
	b := tr.issue()
	assert.Equal(t, SyncToken(1), a)
	assert.Equal(t, SyncToken(2), b)

	tr.addPart(a)
	tr.addPart(b)
	tr.close(a)
	tr.close(b)
	assert.Zero(t, tr.lastSubmitted())

	// b lands first, but a still holds the watermarks back.
	tr.markSubmitted([]SyncToken{b})
	tr.markCompleted([]SyncToken{b})
	assert.Zero(t, tr.lastSubmitted())
	assert.Zero(t, tr.lastCompleted())
	assert.False(t, tr.reached(b, false))

	tr.markSubmitted([]SyncToken{a})
	assert.Equal(t, b, tr.lastSubmitted())
	assert.Zero(t, tr.lastCompleted())

	tr.markCompleted([]SyncToken{a})
	assert.Equal(t, b, tr.lastCompleted())
	assert.Empty(t, tr.states)
}

func TestTokenTrackerOpenTokenBlocks(t *testing.T) {
	tr := newTokenTracker()
	a := tr.issue()
	b := tr.issue()
	tr.close(b)
	assert.Zero(t, tr.lastCompleted())

	tr.close(a)
	assert.Equal(t, b, tr.lastCompleted())
}

func TestTokenTrackerWait(t *testing.T) {
	tr := newTokenTracker()
	token := tr.issue()
	tr.addPart(token)
	tr.close(token)

	done := make(chan error, 1)
	go func() { done <- tr.wait(context.Background(), token, false) }()

	select {
	case <-done:
		t.Fatal("wait returned before completion")
	case <-time.After(20 * time.Millisecond):
	}

	tr.markSubmitted([]SyncToken{token})
	tr.markCompleted([]SyncToken{token})
	require.NoError(t, <-done)
}

func TestTokenTrackerWaitContextAndFailure(t *testing.T) {
	tr := newTokenTracker()
	token := tr.issue()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.wait(ctx, token, true), context.DeadlineExceeded)

	boom := errors.New("boom")
	done := make(chan error, 1)
	go func() { done <- tr.wait(context.Background(), token, false) }()
	tr.fail(boom)
	assert.ErrorIs(t, <-done, boom)
	assert.ErrorIs(t, tr.failure(), boom)
}
