package core

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventSystemRegisterFire(t *testing.T) {
	es := NewEventSystem()
	listener := &struct{ name string }{"first"}

	var got EventContext
	handled := func(code SystemEventCode, sender interface{}, inst interface{}, data EventContext) bool {
		got = data
		return true
	}

	assert.True(t, es.Register(EVENT_CODE_RESOURCE_LOADED, listener, handled))
	assert.False(t, es.Register(EVENT_CODE_RESOURCE_LOADED, listener, handled), "duplicate listener")

	ctx := EventContext{}
	ctx.Data.U64[0] = 42
	ctx.Data.C[0] = "textures/bricks.png"
	assert.True(t, es.Fire(EVENT_CODE_RESOURCE_LOADED, nil, ctx))
	assert.Equal(t, uint64(42), got.Data.U64[0])
	assert.Equal(t, "textures/bricks.png", got.Data.C[0])

	assert.False(t, es.Fire(EVENT_CODE_RESOURCE_FAILED, nil, ctx), "nobody listens")

	assert.True(t, es.Unregister(EVENT_CODE_RESOURCE_LOADED, listener))
	assert.False(t, es.Unregister(EVENT_CODE_RESOURCE_LOADED, listener))
	assert.False(t, es.Fire(EVENT_CODE_RESOURCE_LOADED, nil, ctx))
}

func TestEventSystemStopsAtFirstHandler(t *testing.T) {
	es := NewEventSystem()
	calls := 0
	first := func(SystemEventCode, interface{}, interface{}, EventContext) bool { calls++; return true }
	second := func(SystemEventCode, interface{}, interface{}, EventContext) bool { calls++; return true }

	es.Register(EVENT_CODE_ASSET_CHANGED, "a", first)
	es.Register(EVENT_CODE_ASSET_CHANGED, "b", second)

	assert.True(t, es.Fire(EVENT_CODE_ASSET_CHANGED, nil, EventContext{}))
	assert.Equal(t, 1, calls)
}

func TestEventSystemConcurrentFire(t *testing.T) {
	es := NewEventSystem()
	var mu sync.Mutex
	count := 0
	es.Register(EVENT_CODE_LOADER_IDLE, nil, func(SystemEventCode, interface{}, interface{}, EventContext) bool {
		mu.Lock()
		count++
		mu.Unlock()
		return false
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			es.Fire(EVENT_CODE_LOADER_IDLE, nil, EventContext{})
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, count)
}
