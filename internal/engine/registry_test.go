package engine_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/kiln/internal/engine"
)

type stubHandle struct {
	done chan struct{}
}

func newStubHandle() *stubHandle { return &stubHandle{done: make(chan struct{})} }

func (h *stubHandle) Cancel() {}

func (h *stubHandle) Done() <-chan struct{} { return h.done }

func (h *stubHandle) Wait(context.Context) (json.RawMessage, error) {
	<-h.done
	return nil, nil
}

func TestRegistryAddGetDelete(t *testing.T) {
	r := engine.NewRegistry()
	h := newStubHandle()

	require.NoError(t, r.Add("j1", h))
	got, ok := r.Get("j1")
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Delete("j1"))
	assert.False(t, r.Delete("j1"))
	_, ok = r.Get("j1")
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestRegistryRejectsDuplicate(t *testing.T) {
	r := engine.NewRegistry()
	require.NoError(t, r.Add("j1", newStubHandle()))

	err := r.Add("j1", newStubHandle())
	require.ErrorIs(t, err, engine.ErrAlreadyActive)

	// The id can be registered again once its active period ends.
	r.Delete("j1")
	require.NoError(t, r.Add("j1", newStubHandle()))
}

func TestRegistryIDsSorted(t *testing.T) {
	r := engine.NewRegistry()
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Add(id, newStubHandle()))
	}
	assert.Equal(t, []string{"a", "b", "c"}, r.IDs())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := engine.NewRegistry()
	var wg sync.WaitGroup
	for i := range 50 {
		id := string(rune('a' + i%26))
		wg.Go(func() {
			if r.Add(id, newStubHandle()) == nil {
				r.Get(id)
				r.Delete(id)
			}
		})
	}
	wg.Wait()
	assert.Zero(t, r.Len())
}

func TestRegistryLookupWaitsForClaim(t *testing.T) {
	r := engine.NewRegistry()
	h := newStubHandle()

	claimed := make(chan struct{})
	release := make(chan struct{})
	go r.Claiming(func() {
		close(claimed)
		<-release
		_ = r.Add("j1", h)
	})
	<-claimed

	found := make(chan bool, 1)
	go func() {
		_, ok := r.Lookup("j1")
		found <- ok
	}()

	select {
	case <-found:
		t.Fatal("Lookup returned during a claim")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	assert.True(t, <-found)
}
