package desktop

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu        sync.Mutex
	denied    bool
	failWith  error
	checks    int
	notices   []Notice
	nextID    uint32
	blockOnce chan struct{}
}

func (f *fakeBackend) Available() error {
	f.mu.Lock()
	f.checks++
	denied := f.denied
	block := f.blockOnce
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if denied {
		return errors.New("no notification server")
	}
	return nil
}

func (f *fakeBackend) Notify(n Notice) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	f.notices = append(f.notices, n)
	if n.ReplacesID != 0 {
		return n.ReplacesID, nil
	}
	f.nextID++
	return f.nextID, nil
}

func TestBridgeDelivers(t *testing.T) {
	backend := &fakeBackend{}
	b := New(backend, Options{})

	b.Notify("New comment", "Alice replied", "n1")
	b.Notify("Post liked", "Bob liked your post", "n2")
	b.Close()

	require.Len(t, backend.notices, 2)
	assert.Equal(t, "New comment", backend.notices[0].Summary)
	assert.Equal(t, "Alice replied", backend.notices[0].Body)
	assert.Equal(t, 1, backend.checks)
}

func TestBridgeReplacesSameKey(t *testing.T) {
	backend := &fakeBackend{}
	b := New(backend, Options{})

	b.Notify("first", "", "n1")
	b.Notify("second", "", "n1")
	b.Close()

	require.Len(t, backend.notices, 2)
	assert.Zero(t, backend.notices[0].ReplacesID)
	assert.Equal(t, uint32(1), backend.notices[1].ReplacesID)
}

func TestBridgePermissionDeniedIsSilent(t *testing.T) {
	backend := &fakeBackend{denied: true}
	b := New(backend, Options{})

	for i := 0; i < 3; i++ {
		b.Notify("x", "y", fmt.Sprint(i))
	}
	b.Close()

	assert.Empty(t, backend.notices)
	assert.Equal(t, 1, backend.checks)
}

func TestBridgeRateLimit(t *testing.T) {
	backend := &fakeBackend{}
	b := New(backend, Options{RatePerMinute: 2})

	for i := 0; i < 5; i++ {
		b.Notify("x", "y", fmt.Sprint(i))
	}
	b.Close()

	assert.Len(t, backend.notices, 2)
}

func TestBridgeNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	backend := &fakeBackend{blockOnce: release}
	b := New(backend, Options{})

	for i := 0; i < queueSize*3; i++ {
		b.Notify("x", "y", fmt.Sprint(i))
	}
	close(release)
	b.Close()

	assert.LessOrEqual(t, len(backend.notices), queueSize+1)
}

func TestBridgeBackendFailureIsSwallowed(t *testing.T) {
	backend := &fakeBackend{failWith: errors.New("bus gone")}
	b := New(backend, Options{})

	assert.NotPanics(t, func() { b.Notify("x", "y", "k") })
	b.Close()
	b.Close()
	b.Notify("after", "close", "k")

	assert.Empty(t, backend.notices)
}
