package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marqueeworks/marquee-hub/pkg/errors"
)

type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	closed   bool
	addr     string
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) RemoteAddr() string { return f.addr }

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRegistry_RegisterReturnsSuperseded(t *testing.T) {
	r := CreateRegistry(zap.NewNop())

	first := &fakeConn{}
	second := &fakeConn{}

	require.Nil(t, r.Register("c1", first))
	prev := r.Register("c1", second)
	assert.Same(t, first, prev)

	got, has := r.TryGet("c1")
	require.True(t, has)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := CreateRegistry(zap.NewNop())
	conn := &fakeConn{}
	r.Register("c1", conn)

	assert.Same(t, conn, r.Unregister("c1"))
	assert.Nil(t, r.Unregister("c1"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SendToMissingConnection(t *testing.T) {
	r := CreateRegistry(zap.NewNop())

	err := r.Send("ghost", []byte("x"))
	var notFound *errors.ConnectionNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "ghost", notFound.ConnId)
}

func TestRegistry_SendFailureDropsConnection(t *testing.T) {
	r := CreateRegistry(zap.NewNop())
	conn := &fakeConn{writeErr: fmt.Errorf("broken pipe")}
	r.Register("c1", conn)

	var unregistered []string
	r.OnUnregister(func(connId string) { unregistered = append(unregistered, connId) })

	err := r.Send("c1", []byte("x"))
	var writeFailed *errors.WriteFailed
	require.ErrorAs(t, err, &writeFailed)

	_, has := r.TryGet("c1")
	assert.False(t, has)
	assert.True(t, conn.isClosed())
	assert.Equal(t, []string{"c1"}, unregistered)
}

func TestRegistry_ForEachRunsOnSnapshot(t *testing.T) {
	r := CreateRegistry(zap.NewNop())
	r.Register("c1", &fakeConn{})
	r.Register("c2", &fakeConn{})
	r.Register("skip", &fakeConn{})

	visited := make(map[string]bool)
	r.ForEach(
		func(connId string) bool { return connId != "skip" },
		func(connId string, conn Conn) {
			// Re-entering the registry must not deadlock.
			r.TryGet(connId)
			visited[connId] = true
		},
	)

	assert.Equal(t, map[string]bool{"c1": true, "c2": true}, visited)
}

func TestRegistry_ConcurrentRegisterUnregister(t *testing.T) {
	r := CreateRegistry(zap.NewNop())

	const workers = 16
	const perWorker = 50

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("w%d-c%d", w, i)
				r.Register(id, &fakeConn{})
				if i%2 == 0 {
					r.Unregister(id)
				}
			}
		}(w)
	}
	wg.Wait()

	// Exactly the odd-numbered ids of each worker survive.
	assert.Equal(t, workers*perWorker/2, r.Len())
	for w := 0; w < workers; w++ {
		for i := 0; i < perWorker; i++ {
			_, has := r.TryGet(fmt.Sprintf("w%d-c%d", w, i))
			assert.Equal(t, i%2 != 0, has)
		}
	}
}

func TestRegistry_OnUnregisterUnsubscribe(t *testing.T) {
	r := CreateRegistry(zap.NewNop())
	r.Register("c1", &fakeConn{})
	r.Register("c2", &fakeConn{})

	calls := 0
	unsubscribe := r.OnUnregister(func(string) { calls++ })

	r.Unregister("c1")
	unsubscribe()
	r.Unregister("c2")

	assert.Equal(t, 1, calls)
}
