package resourceloader

import (
	"context"
	"sync"
)

/** @brief Identifies a batch of uploads. Tokens are issued in increasing order, starting at 1. */
type SyncToken uint64

type tokenState struct {
	closed      bool
	unsubmitted int
	uncompleted int
}

// tokenTracker publishes two watermarks: the largest token T such that every
// token <= T was submitted, and the same for completion. Completion therefore
// becomes visible in issue order even when copies of different tokens land in
// different staging sets or nodes.
type tokenTracker struct {
	mutex sync.Mutex
	cond  *sync.Cond

	counter   SyncToken
	submitted SyncToken
	completed SyncToken
	states    map[SyncToken]*tokenState

	// err is set once the loader can no longer make progress.
	err error
}

func newTokenTracker() *tokenTracker {
	t := &tokenTracker{states: make(map[SyncToken]*tokenState)}
	t.cond = sync.NewCond(&t.mutex)
	return t
}

// issue hands out the next token. It stays pending until closed.
func (t *tokenTracker) issue() SyncToken {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.counter++
	t.states[t.counter] = &tokenState{}
	return t.counter
}

// addPart registers one more copy that belongs to token.
func (t *tokenTracker) addPart(token SyncToken) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if s, ok := t.states[token]; ok {
		s.unsubmitted++
		s.uncompleted++
	}
}

// close marks that no more parts will be added to token.
func (t *tokenTracker) close(token SyncToken) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if s, ok := t.states[token]; ok {
		s.closed = true
	}
	t.advance()
}

func (t *tokenTracker) markSubmitted(tokens []SyncToken) {
	if len(tokens) == 0 {
		return
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for _, token := range tokens {
		if s, ok := t.states[token]; ok {
			s.unsubmitted--
		}
	}
	t.advance()
}

func (t *tokenTracker) markCompleted(tokens []SyncToken) {
	if len(tokens) == 0 {
		return
	}
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for _, token := range tokens {
		if s, ok := t.states[token]; ok {
			s.uncompleted--
		}
	}
	t.advance()
}

// advance moves both watermarks as far as possible. Called with mutex held.
func (t *tokenTracker) advance() {
	moved := false
	for t.submitted < t.counter {
		s := t.states[t.submitted+1]
		if s != nil && (!s.closed || s.unsubmitted > 0) {
			break
		}
		t.submitted++
		moved = true
	}
	for t.completed < t.submitted {
		s := t.states[t.completed+1]
		if s != nil && (!s.closed || s.uncompleted > 0) {
			break
		}
		delete(t.states, t.completed+1)
		t.completed++
		moved = true
	}
	if moved {
		t.cond.Broadcast()
	}
}

// fail wakes every waiter with err. Watermarks stop moving.
func (t *tokenTracker) fail(err error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.err == nil {
		t.err = err
	}
	t.cond.Broadcast()
}

func (t *tokenTracker) lastIssued() SyncToken {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.counter
}

func (t *tokenTracker) lastSubmitted() SyncToken {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.submitted
}

func (t *tokenTracker) lastCompleted() SyncToken {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.completed
}

// wait blocks until the watermark selected by submittedOnly reaches token,
// the tracker fails, or ctx is done.
func (t *tokenTracker) wait(ctx context.Context, token SyncToken, submittedOnly bool) error {
	if ctx != nil && ctx.Done() != nil {
		stop := context.AfterFunc(ctx, func() {
			t.mutex.Lock()
			t.cond.Broadcast()
			t.mutex.Unlock()
		})
		defer stop()
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	for !t.reachedLocked(token, submittedOnly) {
		if t.err != nil {
			return t.err
		}
		if ctx != nil {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		t.cond.Wait()
	}
	return nil
}

func (t *tokenTracker) reached(token SyncToken, submittedOnly bool) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.reachedLocked(token, submittedOnly)
}

func (t *tokenTracker) reachedLocked(token SyncToken, submittedOnly bool) bool {
	if submittedOnly {
		return token <= t.submitted
	}
	return token <= t.completed
}

func (t *tokenTracker) failure() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.err
}
